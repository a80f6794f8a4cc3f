package game

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	identifierPrompt    = "What is your email address or Twitter handle? "
	identifierReprompt  = "Please enter a valid email address or Twitter handle."
	passwordPrompt      = "Password: "
	passwordReprompt    = "Password incorrect."
	tooManyAttempts     = "Too many failed attempts."
	newPersonNotice     = "You must be new here!"
	newPasswordPrompt   = "Please enter a password: "
	newPasswordReprompt = "That is not a valid password. It should be at least 8 characters."
	confirmPrompt       = "Please re-enter your password: "
	mismatchNotice      = "Passwords don't match."
	nameTakenNotice     = "That name was claimed while you were registering. Please choose another."
)

const (
	maxPasswordAttempts = 3
	minPasswordLength   = 8
)

var errTooManyFailures = errors.New("too many failed attempts")

// LoginAbortedError reports a handshake that ended because the connection
// was reset, timed out or could not be written to.
type LoginAbortedError struct {
	Conn Connection
	Name string
	Err  error
}

func (e *LoginAbortedError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("login error: connection with %s reset", e.Conn)
	}
	return fmt.Sprintf("login error: connection with %s from %s reset", e.Name, e.Conn)
}

func (e *LoginAbortedError) Unwrap() error {
	return e.Err
}

// TooManyAttemptsError reports a known person failing the password prompt
// maxPasswordAttempts times.
type TooManyAttemptsError struct {
	Conn Connection
	Name string
}

func (e *TooManyAttemptsError) Error() string {
	return fmt.Sprintf("login error: too many password attempts as %s from %s; connection reset", e.Name, e.Conn)
}

type deadliner interface {
	SetReadDeadline(time.Time) error
}

// prompt asks until valid accepts a trimmed answer. A positive maxFailures
// ends the exchange with errTooManyFailures on that many rejections.
func prompt(lc LineConn, text, reprompt string, valid func(string) bool, maxFailures int) (string, error) {
	failures := 0
	for {
		if err := lc.WriteLine(text); err != nil {
			return "", err
		}
		line, err := lc.ReadLine()
		if err != nil {
			return "", err
		}
		line = Trim(line)
		if valid(line) {
			return line, nil
		}
		failures++
		if maxFailures > 0 && failures >= maxFailures {
			return "", errTooManyFailures
		}
		if err := lc.WriteLine(reprompt); err != nil {
			return "", err
		}
	}
}

// ValidPassword enforces the minimum length, counted in characters.
func ValidPassword(password string) bool {
	return utf8.RuneCountInString(password) >= minPasswordLength
}

// login runs the identification handshake and returns the authenticated
// person together with how they got in ("login" or "register").
func (s *Server) login(lc LineConn, conn Connection) (Person, string, error) {
	if s.loginTimeout > 0 {
		if d, ok := lc.(deadliner); ok {
			_ = d.SetReadDeadline(time.Now().Add(s.loginTimeout))
			defer d.SetReadDeadline(time.Time{})
		}
	}

	log := s.log.With(zap.Stringer("conn", conn))
	for {
		name, err := prompt(lc, identifierPrompt, identifierReprompt, ValidIdentifier, 0)
		if err != nil {
			return Person{}, "", &LoginAbortedError{Conn: conn, Err: err}
		}
		name = normalizeName(name)

		if record, ok := s.world.PersonByName(name); ok {
			log.Info("found person", zap.Uint64("id", uint64(record.ID)), zap.String("name", record.Name))
			_, err := prompt(lc, passwordPrompt, passwordReprompt, func(password string) bool {
				return s.world.Authenticate(record, password)
			}, maxPasswordAttempts)
			if errors.Is(err, errTooManyFailures) {
				_ = lc.WriteLine(tooManyAttempts)
				return Person{}, "", &TooManyAttemptsError{Conn: conn, Name: name}
			}
			if err != nil {
				return Person{}, "", &LoginAbortedError{Conn: conn, Name: name, Err: err}
			}
			return NewPerson(record, conn), "login", nil
		}

		log.Info("no such person, registering", zap.String("name", name))
		record, err := s.register(lc, conn, name)
		if errors.Is(err, ErrNameTaken) {
			if err := lc.WriteLine(nameTakenNotice); err != nil {
				return Person{}, "", &LoginAbortedError{Conn: conn, Name: name, Err: err}
			}
			continue
		}
		if err != nil {
			return Person{}, "", err
		}
		return NewPerson(record, conn), "register", nil
	}
}

func (s *Server) register(lc LineConn, conn Connection, name string) (PersonRecord, error) {
	aborted := func(err error) error {
		return &LoginAbortedError{Conn: conn, Name: name, Err: err}
	}
	for {
		if err := lc.WriteLine(newPersonNotice); err != nil {
			return PersonRecord{}, aborted(err)
		}
		first, err := prompt(lc, newPasswordPrompt, newPasswordReprompt, ValidPassword, 0)
		if err != nil {
			return PersonRecord{}, aborted(err)
		}
		if err := lc.WriteLine(confirmPrompt); err != nil {
			return PersonRecord{}, aborted(err)
		}
		second, err := lc.ReadLine()
		if err != nil {
			return PersonRecord{}, aborted(err)
		}
		if first != Trim(second) {
			if err := lc.WriteLine(mismatchNotice); err != nil {
				return PersonRecord{}, aborted(err)
			}
			continue
		}
		record, err := s.world.Register(name, first)
		if err != nil {
			return PersonRecord{}, err
		}
		return record, nil
	}
}
