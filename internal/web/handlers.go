package web

import (
	"errors"
	"net/http"

	"Parlor/commands"
	"Parlor/internal/game"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) handleIndex(c *gin.Context) {
	c.String(http.StatusOK, "Parlor %s\n", s.version)
}

// handleHelp lists the command grammar. Lines naming no command are said.
func (s *Server) handleHelp(c *gin.Context) {
	entries := make([]gin.H, 0)
	for _, cmd := range commands.All() {
		entries = append(entries, gin.H{
			"name":        cmd.Name,
			"usage":       cmd.Usage,
			"description": cmd.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"commands": entries})
}

type credentials struct {
	Name     string `form:"name" binding:"required"`
	Password string `form:"password" binding:"required"`
}

func (s *Server) bindCredentials(c *gin.Context) (credentials, bool) {
	var creds credentials
	if err := c.ShouldBind(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and password are required"})
		return creds, false
	}
	creds.Name = game.Trim(creds.Name)
	creds.Password = game.Trim(creds.Password)
	if !game.ValidIdentifier(creds.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Please enter a valid email address or Twitter handle."})
		return creds, false
	}
	return creds, true
}

func (s *Server) handleRegister(c *gin.Context) {
	creds, ok := s.bindCredentials(c)
	if !ok {
		return
	}
	if !game.ValidPassword(creds.Password) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "That is not a valid password. It should be at least 8 characters."})
		return
	}
	record, err := s.world.Register(creds.Name, creds.Password)
	if errors.Is(err, game.ErrNameTaken) {
		s.metrics.Login("aborted")
		c.JSON(http.StatusConflict, gin.H{"error": "name already registered"})
		return
	}
	if err != nil {
		s.log.Error("registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	s.metrics.Login("register")
	s.respondWithSession(c, s.startSession(record))
}

func (s *Server) handleLogin(c *gin.Context) {
	creds, ok := s.bindCredentials(c)
	if !ok {
		return
	}
	record, found := s.world.PersonByName(creds.Name)
	if !found || !s.world.Authenticate(record, creds.Password) {
		s.metrics.Login("aborted")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Password incorrect."})
		return
	}
	s.metrics.Login("login")
	s.respondWithSession(c, s.startSession(record))
}

func (s *Server) respondWithSession(c *gin.Context, sess *session) {
	s.issueCookie(c, sess)
	c.JSON(http.StatusOK, gin.H{
		"name":    sess.person.Name,
		"room":    sess.person.Room,
		csrfField: sess.csrf,
	})
}

// handleBe returns the rendered messages queued since the last poll. A
// Logout message ends the session.
func (s *Server) handleBe(c *gin.Context) {
	sess := currentSession(c)
	messages := make([]string, 0)
	loggedOut := false
	for !loggedOut {
		msg, ok := sess.queue.TryPop()
		if !ok {
			break
		}
		if text := msg.Render(sess.person.ID); text != "" {
			messages = append(messages, text)
		}
		loggedOut = msg.Kind == game.MessageLogout
	}
	if loggedOut {
		if s.world.Connected(sess.person.Conn) {
			s.world.Disconnect(&sess.person)
		}
		s.endSessionLocked(sess)
		clearCookie(c)
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":   messages,
		"logged_out": loggedOut,
	})
}

func (s *Server) handleDo(c *gin.Context) {
	sess := currentSession(c)
	line := game.SanitizeInput(c.PostForm("cmd"))
	s.dispatch(s.world, &sess.person, line)
	if !s.world.Connected(sess.person.Conn) {
		s.endSessionLocked(sess)
		clearCookie(c)
		c.JSON(http.StatusOK, gin.H{"logged_out": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_out": false})
}

func (s *Server) handleWho(c *gin.Context) {
	sess := currentSession(c)
	c.JSON(http.StatusOK, gin.H{
		"room":      sess.person.Room,
		"occupants": s.world.Occupants(sess.person.Room),
	})
}

func (s *Server) handleLeave(c *gin.Context) {
	sess := currentSession(c)
	s.world.Depart(&sess.person)
	s.world.UnregisterConnection(sess.person.ID, sess.person.Conn)
	s.endSessionLocked(sess)
	clearCookie(c)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleLogout(c *gin.Context) {
	sess := currentSession(c)
	s.world.Logout(&sess.person)
	s.endSessionLocked(sess)
	clearCookie(c)
	c.JSON(http.StatusOK, gin.H{"messages": []string{game.LogoutMessage().Render(sess.person.ID)}})
}
