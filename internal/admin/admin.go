// Package admin exposes the gRPC health and reflection services used by
// orchestrators and operators. Health tracks whether the registry actor is
// still answering requests.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cory-johannsen/multichess/internal/config"
)

// RegistryService is the health service name reported for the registry.
const RegistryService = "multichess.Registry"

// Prober reports whether the registry is responsive.
type Prober interface {
	ListLobbies(ctx context.Context) ([]string, error)
}

// Server is the admin gRPC server.
type Server struct {
	cfg    config.AdminConfig
	probe  Prober
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	quit     chan struct{}
	probed   sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewServer builds the admin server. Reflection is registered only when
// cfg.Reflection is set.
//
// Precondition: probe and logger must be non-nil.
func NewServer(cfg config.AdminConfig, probe Prober, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		probe:  probe,
		logger: logger.With(zap.String("component", "admin")),
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		quit:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	if cfg.Reflection {
		reflection.Register(s.grpc)
	}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start binds the listener, begins probing, and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		ln.Close()
		return nil
	default:
	}
	s.listener = ln
	s.probed.Add(1)
	s.mu.Unlock()

	s.check()
	go s.probeLoop()
	close(s.ready)

	s.logger.Info("admin gRPC server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("reflection", s.cfg.Reflection),
	)
	// Stop may drain the server before Serve begins.
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING, halts probing, and drains RPCs.
// Safe to call more than once, and before Start has bound.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.quit)
		s.mu.Unlock()
		s.probed.Wait()
		s.health.Shutdown()
		s.grpc.GracefulStop()
		s.logger.Info("admin gRPC server stopped")
	})
}

// Ready is closed once the listener is bound and the first probe ran.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or empty string before Start binds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) probeLoop() {
	defer s.probed.Done()
	interval := s.cfg.ProbeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.check()
		}
	}
}

// check asks the registry for its lobby list and derives the status from
// whether it answered in time.
func (s *Server) check() {
	timeout := s.cfg.ProbeInterval / 2
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := s.probe.ListLobbies(ctx); err != nil {
		s.logger.Warn("registry probe failed", zap.Error(err))
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(RegistryService, st)
}
