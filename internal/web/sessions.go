package web

import (
	"net/http"
	"time"

	"Parlor/internal/game"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sessionKey = "session"

// session is one cookie-identified HTTP presence. Every field is guarded by
// Server.mu.
type session struct {
	token    string
	csrf     string
	person   game.Person
	queue    *game.Queue
	lastSeen time.Time
}

// startSession registers an http connection for record and arrives in the
// person's room.
func (s *Server) startSession(record game.PersonRecord) *session {
	token := uuid.NewString()
	conn := game.HTTPConnection(token)
	sess := &session{
		token:  token,
		csrf:   uuid.NewString(),
		person: game.NewPerson(record, conn),
		queue:  game.NewQueue(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess.lastSeen = s.now()
	s.sessions[token] = sess
	s.world.RegisterConnection(sess.person.ID, conn, sess.queue)
	s.world.Arrive(&sess.person, sess.person.Room)
	s.log.Info("session started", zap.Uint64("id", uint64(record.ID)), zap.String("name", record.Name))
	return sess
}

// endSessionLocked forgets sess. The caller has already detached it from the
// World.
func (s *Server) endSessionLocked(sess *session) {
	delete(s.sessions, sess.token)
	s.log.Info("session ended", zap.Uint64("id", uint64(sess.person.ID)), zap.Stringer("conn", sess.person.Conn))
}

// Sweep disconnects sessions idle for longer than the TTL and returns how
// many were removed.
func (s *Server) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	expired := 0
	for _, sess := range s.sessions {
		if now.Sub(sess.lastSeen) <= s.ttl {
			continue
		}
		s.world.Disconnect(&sess.person)
		s.endSessionLocked(sess)
		expired++
	}
	if expired > 0 {
		s.log.Debug("swept idle sessions", zap.Int("count", expired))
	}
	return expired
}

// SessionCount reports how many HTTP sessions are live.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// requireSession resolves the session cookie and, when csrf is set, checks
// the posted token. Handlers behind it run with Server.mu held.
func (s *Server) requireSession(csrf bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(sessionCookie)
		if err != nil || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no session"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.sessions[token]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}
		if csrf && c.PostForm(csrfField) != sess.csrf {
			s.log.Warn("csrf token mismatch", zap.Stringer("conn", sess.person.Conn))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "bad token"})
			return
		}
		sess.lastSeen = s.now()
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func currentSession(c *gin.Context) *session {
	return c.MustGet(sessionKey).(*session)
}

func (s *Server) issueCookie(c *gin.Context, sess *session) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(sessionCookie, sess.token, 0, "/", "", false, true)
}

func clearCookie(c *gin.Context) {
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
}
