package game

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"Parlor/internal/metrics"

	"go.uber.org/zap"
)

// Dispatcher executes one line of input for a logged-in person.
type Dispatcher func(*World, *Person, string)

// Server accepts line-oriented connections and runs a session for each.
type Server struct {
	world        *World
	dispatch     Dispatcher
	log          *zap.Logger
	metrics      *metrics.Metrics
	loginTimeout time.Duration
	negotiate    bool
	sessions     sync.WaitGroup
}

// ServerOption customises NewServer.
type ServerOption func(*Server)

// WithLoginTimeout bounds how long the login handshake may wait for input.
func WithLoginTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.loginTimeout = d
	}
}

// WithTelnetNegotiation enables telnet option negotiation on TCP sessions.
func WithTelnetNegotiation(enabled bool) ServerOption {
	return func(s *Server) {
		s.negotiate = enabled
	}
}

var (
	netListenFunc         = net.Listen
	tlsListenFunc         = tls.Listen
	ensureCertificateFunc = ensureCertificate
)

// NewServer wires a line server to world. A nil logger is replaced with a no-op.
func NewServer(world *World, dispatcher Dispatcher, log *zap.Logger, opts ...ServerOption) (*Server, error) {
	if world == nil {
		return nil, fmt.Errorf("world must not be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		world:    world,
		dispatch: dispatcher,
		log:      log.Named("server"),
		metrics:  world.Metrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func ensureCertificate(certFile, keyFile, addr string) (tls.Certificate, bool, error) {
	if cert, err := tls.LoadX509KeyPair(certFile, keyFile); err == nil {
		return cert, false, nil
	}

	if err := generateSelfSignedCert(certFile, keyFile, addr); err != nil {
		return tls.Certificate{}, false, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, false, err
	}
	return cert, true, nil
}

func generateSelfSignedCert(certFile, keyFile, addr string) error {
	for _, path := range []string{certFile, keyFile} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject: pkix.Name{
			CommonName:   "Parlor",
			Organization: []string{"Parlor"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	switch ip := net.ParseIP(host); {
	case host == "" || host == "0.0.0.0" || host == "::":
		tmpl.DNSNames = append(tmpl.DNSNames, "localhost")
		tmpl.IPAddresses = append(tmpl.IPAddresses, net.ParseIP("127.0.0.1"), net.ParseIP("::1"))
	case ip != nil:
		tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
	default:
		tmpl.DNSNames = append(tmpl.DNSNames, host)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return err
	}
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return err
	}

	if err := writePEM(certFile, 0o644, "CERTIFICATE", derBytes); err != nil {
		return err
	}
	return writePEM(keyFile, 0o600, "EC PRIVATE KEY", keyBytes)
}

func writePEM(path string, perm os.FileMode, blockType string, der []byte) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err := pem.Encode(out, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// HandleConn runs a session over a raw TCP connection.
func (s *Server) HandleConn(conn net.Conn) {
	c := TCPConnection(conn.RemoteAddr())
	session := NewTelnetSession(conn, s.negotiate)
	if err := s.RunSession(session, c); err != nil {
		s.log.Info("session ended", zap.Stringer("conn", c), zap.Error(err))
	}
}

// ListenAndServe listens on addr and serves until the world shuts down or
// the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := netListenFunc("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return s.Serve(ln)
}

// ListenAndServeTLS behaves like ListenAndServe but secures the listener
// with the given certificate, generating a self-signed pair when the files
// do not exist.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	cert, created, err := ensureCertificateFunc(certFile, keyFile, addr)
	if err != nil {
		return err
	}
	if created {
		s.log.Warn("generated self-signed TLS certificate", zap.String("cert", certFile), zap.String("key", keyFile))
	}
	ln, err := tlsListenFunc("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return err
	}
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Bool("tls", true))
	return s.Serve(ln)
}

// Serve accepts connections on ln until the world shuts down, which closes
// ln and yields a nil error, or until Accept fails permanently.
func (s *Server) Serve(ln net.Listener) error {
	defer ln.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.world.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	err := acceptConnections(ln, s.log, func(conn net.Conn) {
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.HandleConn(conn)
		}()
	})
	select {
	case <-s.world.Done():
		return nil
	default:
		return err
	}
}

// Attach runs a session on lc like RunSession and counts it toward Wait.
// Front-ends that own their transport, such as WebSocket handlers, use it.
func (s *Server) Attach(lc LineConn, conn Connection) error {
	s.sessions.Add(1)
	defer s.sessions.Done()
	return s.RunSession(lc, conn)
}

// Wait blocks until every session started by Serve or Attach has returned.
func (s *Server) Wait() {
	s.sessions.Wait()
}

const (
	acceptBackoffStart = 50 * time.Millisecond
	acceptBackoffMax   = time.Second
)

var acceptSleep = time.Sleep

// acceptConnections hands each accepted connection to handle, backing off
// between temporary failures. It returns the first permanent Accept error.
func acceptConnections(ln net.Listener, log *zap.Logger, handle func(net.Conn)) error {
	delay := acceptBackoffStart
	for {
		conn, err := ln.Accept()
		switch {
		case err == nil:
			delay = acceptBackoffStart
			handle(conn)
		case isTemporaryAcceptError(err):
			log.Warn("temporary accept error", zap.Error(err), zap.Duration("retry_in", delay))
			acceptSleep(delay)
			delay = min(delay*2, acceptBackoffMax)
		default:
			return err
		}
	}
}

func isTemporaryAcceptError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && (ne.Timeout() || ne.Temporary())
}
