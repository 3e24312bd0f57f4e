// Package chatserver implements the chat relay: it accepts TCP (and
// optionally WebSocket) connections, runs the SUBMIT_NAME handshake for each
// and rebroadcasts every received line through a shared registry.
package chatserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-yaml"
	"golang.org/x/sync/semaphore"

	"github.com/cyberinferno/linechat/idgenerator"
	"github.com/cyberinferno/linechat/logger"
	"github.com/cyberinferno/linechat/presence"
	"github.com/cyberinferno/linechat/registry"
)

const (
	DefaultPort       = 12345
	DefaultMaxWorkers = 10

	maxAcceptDelay = time.Second
)

// ErrListenerFailed is sent on Fatal when a listener stops accepting while
// the server is still running.
var ErrListenerFailed = errors.New("listener failed")

// Config holds the server settings.
type Config struct {
	// Name identifies the server in log entries.
	Name string `yaml:"name"`
	// Addr is the TCP listen address, e.g. ":12345".
	Addr string `yaml:"addr"`
	// WebSocketAddr, when set, serves the same protocol over WebSocket at /ws.
	WebSocketAddr string `yaml:"websocket_addr"`
	// MaxWorkers is the number of sessions handled at once; further
	// connections wait for a free slot.
	MaxWorkers int `yaml:"max_workers"`
	// WriteTimeout bounds each line write to a client; 0 means no limit.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the settings of a stock chat server on port 12345
// with ten workers and no write timeout.
func DefaultConfig() Config {
	return Config{
		Name:       "chat",
		Addr:       fmt.Sprintf(":%d", DefaultPort),
		MaxWorkers: DefaultMaxWorkers,
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
//
// Parameters:
//   - path: The YAML file to read
//
// Returns:
//   - The merged Config
//   - An error if the file cannot be read or parsed
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Server accepts connections and runs one session handler per connection,
// at most MaxWorkers at a time.
type Server struct {
	cfg      Config
	log      logger.Logger
	registry *registry.Registry
	presence presence.Store
	connIDs  *idgenerator.Generator
	pool     *semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	fatal   chan error

	mu       sync.Mutex
	listener net.Listener
	wsServer *http.Server
	wsAddr   net.Addr
	conns    map[uint32]Conn
	stopping bool
}

// New creates a Server. A nil store records presence in memory.
//
// Parameters:
//   - cfg: Server settings; MaxWorkers below 1 falls back to the default
//   - log: Logger for server and session events
//   - store: Presence store updated on every join and leave
//
// Returns:
//   - A Server ready to Start
func New(cfg Config, log logger.Logger, store presence.Store) *Server {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	if store == nil {
		store = presence.NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: registry.New(log.With(logger.Field{Key: "component", Value: "registry"})),
		presence: store,
		connIDs:  idgenerator.New(0),
		pool:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		ctx:      ctx,
		cancel:   cancel,
		fatal:    make(chan error, 1),
		conns:    make(map[uint32]Conn),
	}
}

// Start binds Addr (and WebSocketAddr when set) and runs the accept loops in
// goroutines.
//
// Returns:
//   - An error if the server was already started or a listener cannot bind
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server %s already running", s.cfg.Name)
	}

	if s.ctx.Err() != nil {
		return fmt.Errorf("server %s was stopped and cannot be restarted", s.cfg.Name)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	var wsLn net.Listener
	if s.cfg.WebSocketAddr != "" {
		wsLn, err = net.Listen("tcp", s.cfg.WebSocketAddr)
		if err != nil {
			_ = ln.Close()
			s.log.Error("websocket listener failed to start", logger.Field{Key: "error", Value: err.Error()})
			return fmt.Errorf("server %s failed to start websocket listener: %w", s.cfg.Name, err)
		}
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name),
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "workers", Value: s.cfg.MaxWorkers})

	if wsLn != nil {
		s.startWebSocket(wsLn)
	}

	return nil
}

// Stop closes the listeners and every live connection, then waits for all
// session handlers to finish their teardown. Safe to call when not running.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		s.log.Info(fmt.Sprintf("%s server not running", s.cfg.Name))
		return
	}

	s.cancel()

	s.mu.Lock()
	s.stopping = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.wsServer != nil {
		_ = s.wsServer.Close()
	}
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Clear(ctx); err != nil {
		s.log.Warn("presence clear failed", logger.Field{Key: "error", Value: err.Error()})
	}

	s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
}

// Addr returns the bound TCP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// WebSocketAddr returns the bound WebSocket address, or nil if disabled.
func (s *Server) WebSocketAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsAddr
}

// Registry returns the session registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Fatal delivers an error when a listener becomes unusable while the server
// is running. The owner is expected to Stop the server and exit.
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			if errors.Is(err, net.ErrClosed) {
				s.log.Error(fmt.Sprintf("%s server listener closed", s.cfg.Name), logger.Field{Key: "error", Value: err.Error()})
				s.reportFatal(fmt.Errorf("%w: %w", ErrListenerFailed, err))
				return
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}

			s.log.Error(fmt.Sprintf("%s server accept error", s.cfg.Name),
				logger.Field{Key: "error", Value: err.Error()},
				logger.Field{Key: "retry_in", Value: delay.String()})
			time.Sleep(delay)
			continue
		}

		delay = 0
		s.dispatch(newTCPConn(conn, s.cfg.WriteTimeout))
	}
}

func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// dispatch hands conn to a goroutine that waits for a worker slot and then
// runs the session. It never blocks the caller on pool exhaustion.
func (s *Server) dispatch(conn Conn) {
	id := s.connIDs.Next()
	if !s.track(id, conn) {
		_ = conn.Close()
		return
	}

	s.log.Debug("client connected", logger.Field{Key: "conn", Value: id}, logger.Field{Key: "remote", Value: conn.RemoteAddr()})

	go func() {
		defer s.wg.Done()
		defer s.untrack(id)

		if err := s.pool.Acquire(s.ctx, 1); err != nil {
			_ = conn.Close()
			return
		}
		defer s.pool.Release(1)

		defer func() {
			if r := recover(); r != nil {
				_ = conn.Close()
				s.log.Error("session panic", logger.Field{Key: "conn", Value: id}, logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			}
		}()

		newSessionHandler(id, conn, s.registry, s.presence, s.log).run()
	}()
}

// track records conn and counts its goroutine in wg. Both happen under mu so
// Stop either sees the connection or refuses it before waiting.
func (s *Server) track(id uint32, conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}

	s.conns[id] = conn
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}
