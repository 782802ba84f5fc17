// Package gatewayserver implements C9: the process-lifecycle wrapper
// around internal/gatewayhttp — binding a loopback listener, issuing the
// per-instance bearer token, and handling start/stop/restart.
package gatewayserver

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kagenti/mcp-gateway/internal/aggregator"
	"github.com/kagenti/mcp-gateway/internal/gatewayhttp"
	"github.com/kagenti/mcp-gateway/internal/gwsession"
	"github.com/kagenti/mcp-gateway/internal/policy"
	"github.com/kagenti/mcp-gateway/internal/s2c"
)

// ShutdownGrace bounds how long Stop waits for in-flight requests to drain,
// mirroring the teacher's cmd/mcp-broker-router shutdown timeout.
const ShutdownGrace = 10 * time.Second

// EvictionInterval is how often the session store's inactivity sweep runs.
const EvictionInterval = time.Minute

// Config holds everything the server needs to build a Handler on Start.
type Config struct {
	Host             string
	Port             int
	BearerTokenTTL   time.Duration
	HeartbeatSeconds int
	OriginPolicy     gatewayhttp.OriginPolicy
	ProjectServices  policy.ProjectServicesClient
	PolicyResolver   policy.PolicyResolver
	RedisURL         string
	Log              *slog.Logger
}

// Server owns the loopback listener, the live *gatewayhttp.Handler, and the
// collaborators (aggregator, session store, C6 manager) that outlive a
// single Start/Stop cycle so Restart can rebind the port without losing
// warmed-up provider state.
type Server struct {
	cfg Config
	log *slog.Logger

	agg      *aggregator.Aggregator
	sessions *gwsession.Store
	channels *s2c.Manager

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	authToken  string
	jwtSecret  []byte
	evictStop  context.CancelFunc
}

// New builds a Server around an already-configured Aggregator (LoadProviders
// and Warmup are the caller's responsibility, typically before the first
// Start so the catalog is warm when the listener opens).
func New(cfg Config, agg *aggregator.Aggregator) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.HeartbeatSeconds == 0 {
		cfg.HeartbeatSeconds = 30
	}
	if cfg.BearerTokenTTL == 0 {
		cfg.BearerTokenTTL = 24 * time.Hour
	}

	var sessOpts []gwsession.Option
	channels := s2c.NewManager(cfg.Log)
	sessOpts = append(sessOpts, gwsession.WithChannelManager(channels))
	if cfg.RedisURL != "" {
		sessOpts = append(sessOpts, gwsession.WithConnectionString(cfg.RedisURL))
	}

	return &Server{
		cfg:      cfg,
		log:      cfg.Log,
		agg:      agg,
		sessions: gwsession.New(sessOpts...),
		channels: channels,
	}
}

// CurrentPort returns the bound TCP port, valid only between Start and Stop.
func (s *Server) CurrentPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// AuthToken returns the bearer token clients must present, valid only
// between Start and Stop.
func (s *Server) AuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken
}

// Start binds the loopback listener (port 0 picks an OS-assigned port),
// issues a fresh per-instance bearer token, and begins accepting.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("gatewayserver: already started")
	}

	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("gatewayserver: listen: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		_ = lis.Close()
		return fmt.Errorf("gatewayserver: generating jwt secret: %w", err)
	}
	token, err := issueBearerToken(secret, s.cfg.BearerTokenTTL)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("gatewayserver: issuing bearer token: %w", err)
	}

	handler := gatewayhttp.New(s.agg, s.sessions, s.channels, token)
	handler.HeartbeatSeconds = s.cfg.HeartbeatSeconds
	handler.Log = s.log
	handler.ProjectServices = s.cfg.ProjectServices
	handler.PolicyResolver = s.cfg.PolicyResolver
	if s.cfg.OriginPolicy != nil {
		handler.OriginPolicy = s.cfg.OriginPolicy
	}

	httpServer := &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived; bounded by heartbeat/idle, not a fixed write deadline.
	}

	evictCtx, cancel := context.WithCancel(context.Background())
	go s.sessions.RunEvictionLoop(evictCtx, EvictionInterval)

	s.listener = lis
	s.httpServer = httpServer
	s.authToken = token
	s.jwtSecret = secret
	s.evictStop = cancel

	go func() {
		s.log.Info("gatewayserver: listening", "addr", lis.Addr().String())
		if err := httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.log.Error("gatewayserver: serve exited", "err", err)
		}
	}()

	return nil
}

// Stop stops accepting, gracefully drains in-flight connections, shuts down
// the aggregator's upstream transports, and releases the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	evictStop := s.evictStop
	s.httpServer = nil
	s.listener = nil
	s.authToken = ""
	s.jwtSecret = nil
	s.evictStop = nil
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	if evictStop != nil {
		evictStop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gatewayserver: shutdown: %w", err)
	}
	s.agg.Close()
	return nil
}

// Restart stops and restarts the server, optionally rebinding to a new
// port (0 keeps the previously configured port, also OS-assigned if that
// was itself 0).
func (s *Server) Restart(ctx context.Context, newPort int) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	if newPort != 0 {
		s.mu.Lock()
		s.cfg.Port = newPort
		s.mu.Unlock()
	}
	return s.Start(ctx)
}

type bearerClaims struct {
	jwt.RegisteredClaims
}

// issueBearerToken mints a per-instance HMAC-signed token. The gateway only
// ever validates it by exact string comparison (see gatewayhttp.checkAuth),
// so the signature's role is to make the token unguessable and bind it to a
// freshly generated per-start secret, not to support third-party
// verification.
func issueBearerToken(secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "mcp-gateway",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
