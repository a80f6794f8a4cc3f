package game

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

// ErrNameTaken is returned when registering a name that already exists.
var ErrNameTaken = errors.New("name already registered")

const saltLength = 16

// HashParams configures argon2id. Records keep the parameters they were
// hashed with so changing the defaults never invalidates existing passwords.
type HashParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
}

// DefaultHashParams are the argon2id parameters recommended by RFC 9106.
var DefaultHashParams = HashParams{
	Time:      1,
	MemoryKiB: 64 * 1024,
	Threads:   4,
	KeyLen:    32,
}

func (p HashParams) hash(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)
}

// PersonRecord is the durable identity behind a Person.
type PersonRecord struct {
	ID     PersonID
	Name   string
	Room   RoomID
	Salt   []byte
	Hash   []byte
	Params HashParams
}

func (r PersonRecord) clone() PersonRecord {
	r.Salt = bytes.Clone(r.Salt)
	r.Hash = bytes.Clone(r.Hash)
	return r
}

// AccountManager holds registered identities in memory.
type AccountManager struct {
	mu      sync.Mutex
	log     *zap.Logger
	params  HashParams
	nextID  PersonID
	records map[PersonID]PersonRecord
	names   map[string]PersonID
}

func NewAccountManager(log *zap.Logger, params HashParams) *AccountManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccountManager{
		log:     log.Named("accounts"),
		params:  params,
		nextID:  1,
		records: make(map[PersonID]PersonRecord),
		names:   make(map[string]PersonID),
	}
}

// Register creates a new identity. Hashing happens before the table is
// locked; the name check and insert happen in one critical section.
func (a *AccountManager) Register(name, password string) (PersonRecord, error) {
	name = normalizeName(name)
	if name == "" {
		return PersonRecord{}, fmt.Errorf("name cannot be empty")
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return PersonRecord{}, fmt.Errorf("generate salt: %w", err)
	}
	params := a.params
	hashed := params.hash(password, salt)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.names[name]; ok {
		return PersonRecord{}, ErrNameTaken
	}
	record := PersonRecord{
		ID:     a.nextID,
		Name:   name,
		Room:   InitialRoom,
		Salt:   salt,
		Hash:   hashed,
		Params: params,
	}
	a.nextID++
	a.records[record.ID] = record
	a.names[name] = record.ID
	a.log.Info("registered", zap.Uint64("id", uint64(record.ID)), zap.String("name", name))
	return record.clone(), nil
}

// LookupByName returns a copy of the record registered under name.
func (a *AccountManager) LookupByName(name string) (PersonRecord, bool) {
	name = normalizeName(name)
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.names[name]
	if !ok {
		return PersonRecord{}, false
	}
	record, ok := a.records[id]
	if !ok {
		a.log.Error("name indexed without a record", zap.String("name", name), zap.Uint64("id", uint64(id)))
		return PersonRecord{}, false
	}
	return record.clone(), true
}

// Lookup returns a copy of the record with the given id.
func (a *AccountManager) Lookup(id PersonID) (PersonRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	record, ok := a.records[id]
	if !ok {
		return PersonRecord{}, false
	}
	return record.clone(), true
}

// Authenticate verifies candidate against the record's stored hash.
func (a *AccountManager) Authenticate(record PersonRecord, candidate string) bool {
	if len(record.Salt) == 0 || len(record.Hash) == 0 {
		return false
	}
	computed := record.Params.hash(candidate, record.Salt)
	return subtle.ConstantTimeCompare(computed, record.Hash) == 1
}

// SetRoom records the last room the person arrived in.
func (a *AccountManager) SetRoom(id PersonID, room RoomID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	record, ok := a.records[id]
	if !ok {
		a.log.Warn("room update for unknown person", zap.Uint64("id", uint64(id)))
		return
	}
	record.Room = room
	a.records[id] = record
}

func (a *AccountManager) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// ValidIdentifier accepts anything that looks like an email address or handle.
func ValidIdentifier(name string) bool {
	return name != "" && strings.Contains(name, "@")
}
