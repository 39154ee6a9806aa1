// Package ws serves the framed protocol over websockets, plus a small JSON
// read API for lobby discovery.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/multichess/internal/config"
	"github.com/cory-johannsen/multichess/internal/game/lobby"
	"github.com/cory-johannsen/multichess/internal/game/registry"
)

// SessionHandler processes one connected peer until it disconnects.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn net.Conn) error
}

// Lobbies is the read side of the registry used by the JSON routes.
type Lobbies interface {
	ListLobbies(ctx context.Context) ([]string, error)
	RouteToLobby(ctx context.Context, name string, req lobby.Request) (registry.Routed, error)
}

// Server accepts websocket upgrades on /ws and runs each as a protocol
// session. Every binary message carries raw stream bytes, so frames may span
// or share websocket messages.
type Server struct {
	cfg      config.WebsocketConfig
	handler  SessionHandler
	lobbies  Lobbies
	logger   *zap.Logger
	timeout  time.Duration
	srv      *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewServer creates a websocket server. requestTimeout bounds each JSON read
// against the registry.
//
// Precondition: handler, lobbies and logger must be non-nil.
func NewServer(cfg config.WebsocketConfig, handler SessionHandler, lobbies Lobbies, requestTimeout time.Duration, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		handler: handler,
		lobbies: lobbies,
		logger:  logger.With(zap.String("component", "ws")),
		timeout: requestTimeout,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
	}
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Routes returns the HTTP routing table.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/lobbies", s.listLobbies)
	r.Get("/lobbies/{name}", s.viewLobby)
	r.Get("/ws", s.upgrade)
	return r
}

// Start binds the listener and serves until Stop is called.
//
// Postcondition: Returns nil after a clean Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.listener = ln
	close(s.ready)
	s.mu.Unlock()

	s.logger.Info("websocket server listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down, ends every upgraded session, and waits
// for them to exit. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket shutdown", zap.Error(err))
	}
	s.sessions.Wait()
	s.logger.Info("websocket server stopped")
}

// Ready is closed once the listener is bound.
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

// upgrade registers the session before hijacking so Stop, which waits for
// active requests first, always observes it.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	s.sessions.Add(1)
	defer s.sessions.Done()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Info("websocket upgrade rejected", zap.Error(err))
		return
	}

	if s.cfg.ReadLimit > 0 {
		c.SetReadLimit(s.cfg.ReadLimit)
	}

	ctx := r.Context()
	conn := websocket.NetConn(ctx, c, websocket.MessageBinary)
	defer conn.Close()

	if err := s.handler.HandleSession(ctx, conn); err != nil {
		s.logger.Info("websocket session ended with error", zap.Error(err))
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type lobbyList struct {
	Lobbies []string `json:"lobbies"`
}

type lobbyView struct {
	Name    string `json:"name"`
	White   string `json:"white,omitempty"`
	Black   string `json:"black,omitempty"`
	Started bool   `json:"started"`
	MatchID string `json:"match_id,omitempty"`
	Moves   int    `json:"moves"`
	Holders int    `json:"holders"`
}

func (s *Server) listLobbies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	names, err := s.lobbies.ListLobbies(ctx)
	if err != nil {
		s.logger.Warn("listing lobbies", zap.Error(err))
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, lobbyList{Lobbies: names})
}

func (s *Server) viewLobby(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	name := chi.URLParam(r, "name")
	routed, err := s.lobbies.RouteToLobby(ctx, name, lobby.ViewRequest{})
	switch {
	case errors.Is(err, registry.ErrDoesNotExist),
		errors.Is(err, registry.ErrDeliveryFailed),
		errors.Is(err, registry.ErrEmptyName):
		http.Error(w, "lobby not found", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Warn("viewing lobby", zap.String("lobby", name), zap.Error(err))
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}

	v, ok := routed.Value.(lobby.View)
	if !ok {
		s.logger.Error("unexpected view reply", zap.Any("value", routed.Value))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := lobbyView{
		Name:    v.Name,
		White:   v.White,
		Black:   v.Black,
		Started: v.Started,
		Moves:   v.Moves,
		Holders: v.Holders,
	}
	if v.MatchID != uuid.Nil {
		out.MatchID = v.MatchID.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
