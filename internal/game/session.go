package game

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// LineConn is a bidirectional line-oriented transport. TelnetSession
// implements it for TCP; the web package adapts WebSocket frames.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(string) error
	Close() error
}

type inbound struct {
	line string
	err  error
}

// RunSession logs a person in over lc and serves them until they log out,
// the transport fails or the world shuts down. lc is closed on return.
func (s *Server) RunSession(lc LineConn, conn Connection) error {
	defer lc.Close()

	p, outcome, err := s.login(lc, conn)
	if err != nil {
		var tooMany *TooManyAttemptsError
		if errors.As(err, &tooMany) {
			s.metrics.Login("too_many_attempts")
		} else {
			s.metrics.Login("aborted")
		}
		return err
	}
	s.metrics.Login(outcome)

	log := s.log.With(zap.Uint64("id", uint64(p.ID)), zap.String("name", p.Name), zap.Stringer("conn", conn))
	if err := lc.WriteLine(fmt.Sprintf("Logged in as %s...", p.Name)); err != nil {
		return &LoginAbortedError{Conn: conn, Name: p.Name, Err: err}
	}
	log.Info("logged in", zap.String("via", outcome))

	queue := NewQueue()
	s.world.RegisterConnection(p.ID, conn, queue)
	s.world.Arrive(&p, p.Room)

	stop := make(chan struct{})
	defer close(stop)
	lines := make(chan inbound)
	go func() {
		for {
			line, err := lc.ReadLine()
			select {
			case lines <- inbound{line: line, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	done := s.world.Done()
	stopping := false
	for {
		if msg, ok := queue.TryPop(); ok {
			if finished := s.deliver(lc, &p, msg, log); finished {
				return nil
			}
			continue
		}
		if queue.Closed() {
			log.Debug("queue closed without logout")
			s.world.Depart(&p)
			return nil
		}
		if stopping {
			s.world.Disconnect(&p)
			return nil
		}

		select {
		case <-queue.Ready():
		case in := <-lines:
			if in.err != nil {
				log.Info("connection lost", zap.Error(in.err))
				s.world.Disconnect(&p)
				return nil
			}
			s.dispatch(s.world, &p, SanitizeInput(in.line))
		case <-done:
			done = nil
			stopping = true
		}
	}
}

// deliver writes one message and reports whether the session is over.
func (s *Server) deliver(lc LineConn, p *Person, msg Message, log *zap.Logger) bool {
	if text := msg.Render(p.ID); text != "" {
		if err := lc.WriteLine(text); err != nil {
			log.Info("write failed", zap.Error(err))
			s.world.Disconnect(p)
			return true
		}
	}
	if msg.Kind != MessageLogout {
		return false
	}
	if s.world.Connected(p.Conn) {
		s.world.Disconnect(p)
	}
	log.Info("session closed")
	return true
}
