package game

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptConn feeds queued input lines and records every written line.
type scriptConn struct {
	in     chan string
	out    chan string
	closed chan struct{}
	once   sync.Once
}

func newScriptConn(lines ...string) *scriptConn {
	c := &scriptConn{
		in:     make(chan string, 64),
		out:    make(chan string, 256),
		closed: make(chan struct{}),
	}
	for _, line := range lines {
		c.in <- line
	}
	return c
}

func (c *scriptConn) ReadLine() (string, error) {
	select {
	case line, ok := <-c.in:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-c.closed:
		return "", io.EOF
	}
}

func (c *scriptConn) WriteLine(line string) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- line:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) written() []string {
	var out []string
	for {
		select {
		case line := <-c.out:
			out = append(out, line)
		default:
			return out
		}
	}
}

func newTestServer(t *testing.T, w *World, opts ...ServerOption) *Server {
	t.Helper()
	s, err := NewServer(w, testDispatch, nil, opts...)
	require.NoError(t, err)
	return s
}

// testDispatch mirrors the production command set without importing it.
func testDispatch(w *World, p *Person, line string) {
	switch line = Trim(line); line {
	case "logout":
		w.Logout(p)
	case "shutdown":
		w.Shutdown()
	default:
		w.Roomcast(p.Room, Utterance(p, line))
	}
}

func TestLoginKnownPerson(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.Register("@a", "aaaaaaaa")
	require.NoError(t, err)
	s := newTestServer(t, w)

	lc := newScriptConn("@a", "aaaaaaaa")
	p, outcome, err := s.login(lc, HTTPConnection("x"))

	require.NoError(t, err)
	assert.Equal(t, "login", outcome)
	assert.Equal(t, "@a", p.Name)
	assert.Equal(t, InitialRoom, p.Room)
	assert.Equal(t, []string{identifierPrompt, passwordPrompt}, lc.written())
}

func TestLoginRepromptsInvalidIdentifier(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.Register("@a", "aaaaaaaa")
	require.NoError(t, err)
	s := newTestServer(t, w)

	lc := newScriptConn("nobody", "", "  @a  ", "aaaaaaaa")
	_, _, err = s.login(lc, HTTPConnection("x"))

	require.NoError(t, err)
	assert.Equal(t, []string{
		identifierPrompt, identifierReprompt,
		identifierPrompt, identifierReprompt,
		identifierPrompt,
		passwordPrompt,
	}, lc.written())
}

func TestLoginAbortsOnThirdFailedPassword(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.Register("@a", "aaaaaaaa")
	require.NoError(t, err)
	s := newTestServer(t, w)

	lc := newScriptConn("@a", "wrong1", "wrong2", "wrong3", "aaaaaaaa")
	_, _, err = s.login(lc, HTTPConnection("x"))

	var tooMany *TooManyAttemptsError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, "@a", tooMany.Name)
	assert.Equal(t, []string{
		identifierPrompt,
		passwordPrompt, passwordReprompt,
		passwordPrompt, passwordReprompt,
		passwordPrompt,
		tooManyAttempts,
	}, lc.written())
}

func TestLoginSucceedsOnThirdAttempt(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.Register("@a", "aaaaaaaa")
	require.NoError(t, err)
	s := newTestServer(t, w)

	lc := newScriptConn("@a", "wrong1", "wrong2", "aaaaaaaa")
	_, outcome, err := s.login(lc, HTTPConnection("x"))

	require.NoError(t, err)
	assert.Equal(t, "login", outcome)
}

func TestRegisterRestartsOnMismatch(t *testing.T) {
	w := newTestWorld(t)
	s := newTestServer(t, w)

	lc := newScriptConn("@new", "short", "aaaaaaaa", "bbbbbbbb", "cccccccc", "cccccccc")
	p, outcome, err := s.login(lc, HTTPConnection("x"))

	require.NoError(t, err)
	assert.Equal(t, "register", outcome)
	assert.Equal(t, "@new", p.Name)
	assert.Equal(t, []string{
		identifierPrompt,
		newPersonNotice, newPasswordPrompt, newPasswordReprompt, newPasswordPrompt,
		confirmPrompt, mismatchNotice,
		newPersonNotice, newPasswordPrompt, confirmPrompt,
	}, lc.written())

	record, ok := w.PersonByName("@new")
	require.True(t, ok)
	assert.True(t, w.Authenticate(record, "cccccccc"))
}

func TestPasswordLengthCountsCharacters(t *testing.T) {
	assert.False(t, ValidPassword("ééééééé"))
	assert.True(t, ValidPassword("éééééééé"))
	assert.False(t, ValidPassword(""))
}

func TestLoginAbortedOnDisconnect(t *testing.T) {
	w := newTestWorld(t)
	s := newTestServer(t, w)

	lc := newScriptConn("@a")
	close(lc.in)
	_, _, err := s.login(lc, HTTPConnection("x"))

	var aborted *LoginAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "@a", aborted.Name)
	assert.True(t, errors.Is(err, io.EOF))
	assert.Contains(t, err.Error(), "reset")
}

type hookConn struct {
	*scriptConn
	onWrite func(string)
}

func (h *hookConn) WriteLine(line string) error {
	if h.onWrite != nil {
		h.onWrite(line)
	}
	return h.scriptConn.WriteLine(line)
}

func TestRegisterLosingRaceReturnsToIdentifier(t *testing.T) {
	w := newTestWorld(t)
	s := newTestServer(t, w)

	lc := newScriptConn("@a", "aaaaaaaa", "aaaaaaaa", "@a", "zzzzzzzz")
	hc := &hookConn{scriptConn: lc, onWrite: func(line string) {
		if line == confirmPrompt {
			_, _ = w.Register("@a", "zzzzzzzz")
		}
	}}

	p, outcome, err := s.login(hc, HTTPConnection("x"))
	require.NoError(t, err)
	assert.Equal(t, "login", outcome)
	assert.Equal(t, "@a", p.Name)
	assert.Contains(t, lc.written(), nameTakenNotice)
}
