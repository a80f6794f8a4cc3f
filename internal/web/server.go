package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"Parlor/internal/game"
	"Parlor/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sessionCookie = "id"
	csrfField     = "tok"

	defaultSessionTTL    = 30 * time.Second
	defaultSweepInterval = time.Second
	shutdownGrace        = 5 * time.Second
)

// Server is the HTTP front-end: a cookie-session API over the World plus a
// WebSocket upgrade that runs the line protocol.
type Server struct {
	world    *game.World
	lines    *game.Server
	dispatch game.Dispatcher
	log      *zap.Logger
	metrics  *metrics.Metrics
	version  string

	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	upgrader websocket.Upgrader
	engine   *gin.Engine
}

// Option customises New.
type Option func(*Server)

// WithSessionTTL sets how long an idle session survives.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithSweepInterval sets how often idle sessions are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sweep = d
		}
	}
}

// WithVersion sets the banner served at the root path.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New wires the routes. lines runs WebSocket sessions; dispatch executes
// commands posted to /api/do.
func New(world *game.World, lines *game.Server, dispatch game.Dispatcher, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		world:    world,
		lines:    lines,
		dispatch: dispatch,
		log:      log.Named("web"),
		metrics:  world.Metrics(),
		version:  "dev",
		ttl:      defaultSessionTTL,
		sweep:    defaultSweepInterval,
		now:      time.Now,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(s.loggerMiddleware())
	router.Use(s.recoveryMiddleware())

	router.GET("/", s.handleIndex)
	router.POST("/register", s.handleRegister)
	router.GET("/ws", s.handleWebSocket)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api")
	api.POST("/login", s.handleLogin)
	api.GET("/help", s.handleHelp)
	api.GET("/be", s.requireSession(false), s.handleBe)
	api.GET("/who", s.requireSession(false), s.handleWho)
	api.POST("/do", s.requireSession(true), s.handleDo)
	api.POST("/leave", s.requireSession(true), s.handleLeave)
	api.POST("/logout", s.requireSession(true), s.handleLogout)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return router
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr and sweeps idle sessions until the world
// shuts down.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.runSweeper(stop)
	go func() {
		select {
		case <-s.world.Done():
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				s.log.Error("failed to shutdown http server", zap.Error(err))
			}
		case <-stop:
		}
	}()

	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) runSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-stop:
			return
		case <-s.world.Done():
			return
		}
	}
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
