// Package status serves a small read-only HTTP API over schedules,
// sequences and dead letters, plus a websocket feed of bus events.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"timerquiz/internal/eventbus"
	"timerquiz/internal/scoreboard"
	"timerquiz/internal/storage"
	"timerquiz/internal/task/scheduler"
	logx "timerquiz/pkg/logx"
)

// Config controls the optional status server.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	// Profiling mounts /debug/pprof behind the same token.
	Profiling bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Source is what the API reads from. The planner implements it.
type Source interface {
	List(ctx context.Context, owner int64) ([]storage.Schedule, error)
	ListSequences(ctx context.Context, owner int64) ([]storage.Sequence, error)
	DeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error)
}

// Timers exposes the scheduler's in-memory state.
type Timers interface {
	Pending() []scheduler.Job
	Running() []string
}

// History returns the newest finished sessions.
type History interface {
	Recent(ctx context.Context, n int) ([]scoreboard.Summary, error)
}

type Option func(*Service)

// WithTimers enables /api/runtime. active lists sequences executing now.
func WithTimers(t Timers, active func() []string) Option {
	return func(s *Service) {
		s.timers = t
		s.active = active
	}
}

// WithHistory enables /api/sessions.
func WithHistory(h History) Option {
	return func(s *Service) { s.history = h }
}

const defaultAddr = "127.0.0.1:8086"

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Source
	bus eventbus.Bus

	timers  Timers
	active  func() []string
	history History

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, src Source, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, src: src, bus: bus, log: log.With(logx.String("comp", "status"))}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server as
// needed. Safe during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		_ = s.Start(ctx)
	case prev.Addr != cfg.Addr || prev.Token != cfg.Token || prev.AllowInsecure != cfg.AllowInsecure ||
		prev.ReadTimeout != cfg.ReadTimeout || prev.IdleTimeout != cfg.IdleTimeout:
		s.Stop(ctx)
		_ = s.Start(ctx)
	}
}

var ErrInsecureBind = errors.New("status: non-loopback addr requires token or allow_insecure")

func (s *Service) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return nil
		}
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			return nil
		}
		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = defaultAddr
		}
		if cur.Token == "" && !isLoopbackAddr(addr) {
			if !cur.AllowInsecure {
				s.log.Error("status server refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
				return ErrInsecureBind
			}
			s.log.Warn("status server running without token on non-loopback addr", logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("status listen failed", logx.String("addr", addr), logx.Err(err))
			return err
		}
		srv := &http.Server{
			Handler:     s.Handler(cur.Token, cur.Profiling),
			ReadTimeout: cur.ReadTimeout,
			IdleTimeout: cur.IdleTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("status server stopped with error", logx.Err(err))
			}
		}()
		s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
		return nil
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln := s.srv, s.ln
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	// Close the listener even if Shutdown hangs on websocket clients.
	_ = ln.Close()
	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("status server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
