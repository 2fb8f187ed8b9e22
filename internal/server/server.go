// Package server ties the chat core together: the TCP acceptor with
// admission control, per-session handlers, the idle reaper, the discovery
// beacon, the optional metrics endpoint, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/adred-codev/chatd/internal/broker"
	"github.com/adred-codev/chatd/internal/config"
	"github.com/adred-codev/chatd/internal/discovery"
	"github.com/adred-codev/chatd/internal/limits"
	"github.com/adred-codev/chatd/internal/monitoring"
	"github.com/adred-codev/chatd/internal/registry"
	"github.com/adred-codev/chatd/internal/validate"
)

const (
	reapInterval     = 30 * time.Second
	idleThreshold    = 30 * time.Minute
	shutdownTimeout  = 5 * time.Second
	acceptRetryDelay = 100 * time.Millisecond
)

// Server is the composition root: every collaborator is built once at
// startup and torn down in reverse during shutdown.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	validator   *validate.Validator
	msgLimiter  *limits.RateLimiter
	connLimiter *limits.ConnectionLimiter
	registry    *registry.Registry
	broker      *broker.Broker
	beacon      *discovery.Beacon

	listener net.Listener
	metrics  *http.Server

	sessions     sync.WaitGroup
	closing      chan struct{}
	shutdownOnce sync.Once
}

// New wires the chat core from configuration.
func New(cfg *config.Config, logger zerolog.Logger) *Server {
	v := validate.New(validate.Config{
		MaxUsernameLength: cfg.MaxUsernameLength,
		MaxMessageLength:  cfg.MaxMessageLength,
		Strict:            cfg.StrictValidation,
	})
	msgLimiter := limits.NewRateLimiter(cfg.RateLimitMessagesPerMin, cfg.BurstAllowance)
	connLimiter := limits.NewConnectionLimiter(limits.ConnectionLimiterConfig{
		MaxTotal:      cfg.MaxClients,
		MaxPerIP:      cfg.MaxConnectionsPerIP,
		MaxPerMinute:  cfg.MaxConnectionsPerMin,
		BlockDuration: cfg.TempBlockDuration(),
		Logger:        logger,
	})
	reg := registry.New(registry.Config{
		HistorySize: cfg.MessageHistorySize,
		Logger:      logger,
	}, connLimiter)
	brk := broker.New(reg, msgLimiter, v, logger)
	beacon := discovery.New(cfg.DiscoveryPort, cfg.DiscoveryInterval(), logger)

	return &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "server").Logger(),
		validator:   v,
		msgLimiter:  msgLimiter,
		connLimiter: connLimiter,
		registry:    reg,
		broker:      brk,
		beacon:      beacon,
		closing:     make(chan struct{}),
	}
}

// Listen binds the TCP listener. Run calls it implicitly; tests call it
// first so Addr is known before dialing.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr reports the bound listen address. Valid only after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptLoop() })
	g.Go(func() error { return s.reapLoop(ctx) })
	g.Go(func() error { return s.beacon.Run(ctx) })

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		s.metrics = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			s.logger.Info().Str("addr", s.cfg.MetricsAddr).Msg("metrics endpoint up")
			if err := s.metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.Shutdown()
		return nil
	})

	return g.Wait()
}

// acceptLoop admits peers until the listener closes.
func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			time.Sleep(acceptRetryDelay)
			continue
		}
		s.admit(conn)
	}
}

// admit runs admission control for a fresh socket. Refusals close the
// socket immediately without any application-level frame.
func (s *Server) admit(conn net.Conn) {
	sess, err := s.registry.Add(conn, "")
	if err != nil {
		monitoring.ConnectionsRejected.Inc()
		s.logger.Warn().
			Err(err).
			Str("addr", conn.RemoteAddr().String()).
			Msg("connection refused")
		conn.Close()
		return
	}

	limits.ApplySecureTimeout(conn)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Inc()

	h := newSessionHandler(sess, s.registry, s.broker, s.validator, s.msgLimiter,
		s.cfg.ConnectionTimeout(), s.cfg.StrictValidation, s.logger)
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		h.run()
	}()
}

// reapLoop periodically closes idle sessions and garbage-collects limiter
// state. Reaped sessions are announced here; their own handlers observe the
// closed socket and find the registry entry already gone.
func (s *Server) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reaped := s.registry.CleanupInactive(idleThreshold)
			for _, sess := range reaped {
				monitoring.SessionsReaped.Inc()
				monitoring.ConnectionsCurrent.Dec()
				s.msgLimiter.Remove(sess.ID)
				s.broker.BroadcastServerMessage(fmt.Sprintf("%s has left the chat", sess.Username()), "")
			}
			if len(reaped) > 0 {
				s.broker.BroadcastUserList()
			}
			s.msgLimiter.Sweep()
			s.connLimiter.Sweep()
		}
	}
}

// Shutdown stops accepting, closes every session socket, and waits for the
// handlers to drain within a bounded timeout. Idempotent; a second call is
// a no-op.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("shutting down")
		close(s.closing)

		if s.listener != nil {
			s.listener.Close()
		}

		for _, sess := range s.registry.Snapshot() {
			sess.Close()
		}

		done := make(chan struct{})
		go func() {
			s.sessions.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			s.logger.Warn().Msg("session drain timed out")
		}

		if s.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s.metrics.Shutdown(ctx)
			cancel()
		}

		s.logger.Info().
			Int64("total_refused", s.connLimiter.Statistics().TotalRefused).
			Int64("total_connects", s.registry.Statistics().TotalConnects).
			Msg("shutdown complete")
	})
}
