package game

import (
	"sort"

	"go.uber.org/zap"
)

// RoomID identifies a room.
type RoomID string

// InitialRoom is where every person starts. It always exists.
const InitialRoom RoomID = "initial"

// Room is the presence set of one room, keyed by the occupant's connection.
type Room struct {
	ID        RoomID
	occupants map[Connection]Person
}

func newRoom(id RoomID) *Room {
	return &Room{ID: id, occupants: make(map[Connection]Person)}
}

func (r *Room) add(p Person) {
	r.occupants[p.Conn] = p
}

func (r *Room) remove(conn Connection) bool {
	if _, ok := r.occupants[conn]; !ok {
		return false
	}
	delete(r.occupants, conn)
	return true
}

func (r *Room) has(conn Connection) bool {
	_, ok := r.occupants[conn]
	return ok
}

func (r *Room) connections() []Connection {
	out := make([]Connection, 0, len(r.occupants))
	for conn := range r.occupants {
		out = append(out, conn)
	}
	return out
}

func (r *Room) names() []string {
	out := make([]string, 0, len(r.occupants))
	for _, p := range r.occupants {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// Arrive moves p into target and announces the arrival there, including to
// p itself. Arriving in the current room announces again.
func (w *World) Arrive(p *Person, target RoomID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.arriveLocked(p, target)
}

func (w *World) arriveLocked(p *Person, target RoomID) {
	to, ok := w.rooms[target]
	if !ok {
		w.log.Error("arrival in unknown room",
			zap.Uint64("id", uint64(p.ID)),
			zap.String("room", string(target)))
		return
	}
	if p.Room != target || !to.has(p.Conn) {
		if from, ok := w.rooms[p.Room]; ok {
			from.remove(p.Conn)
		}
		p.Room = target
		to.add(*p)
	}
	w.accounts.SetRoom(p.ID, target)
	w.log.Debug("arrive", zap.Uint64("id", uint64(p.ID)), zap.String("room", string(target)))
	w.roomcastLocked(target, Arrival(p))
}

// Depart removes p from its current room and announces the departure to the
// people left behind.
func (w *World) Depart(p *Person) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.departLocked(p)
}

func (w *World) departLocked(p *Person) {
	room, ok := w.rooms[p.Room]
	if !ok {
		w.log.Error("departure from unknown room",
			zap.Uint64("id", uint64(p.ID)),
			zap.String("room", string(p.Room)))
		return
	}
	if !room.remove(p.Conn) {
		w.log.Debug("depart without presence", zap.Uint64("id", uint64(p.ID)), zap.String("room", string(p.Room)))
		return
	}
	w.log.Debug("depart", zap.Uint64("id", uint64(p.ID)), zap.String("room", string(p.Room)))
	w.roomcastLocked(p.Room, Departure(p))
}

// Occupants lists the names present in room, sorted.
func (w *World) Occupants(room RoomID) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rooms[room]
	if !ok {
		return nil
	}
	return r.names()
}

// roomOf reports which room's presence set holds conn.
func (w *World) roomOf(conn Connection) (RoomID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, r := range w.rooms {
		if r.has(conn) {
			return id, true
		}
	}
	return "", false
}
