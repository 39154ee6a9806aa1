// Package session implements the per-connection session actor. A session
// owns its connection's write path, decodes inbound frames, and turns them
// into registry and lobby requests whose replies come back through its own
// mailbox.
package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/multichess/internal/game/chess"
	"github.com/cory-johannsen/multichess/internal/game/lobby"
	"github.com/cory-johannsen/multichess/internal/game/registry"
)

// Directory is the registry surface a session depends on.
type Directory interface {
	CreateLobby(ctx context.Context, name string, creator lobby.Player) (lobby.Handle, chess.Color, error)
	ListLobbies(ctx context.Context) ([]string, error)
	RouteToLobby(ctx context.Context, name string, req lobby.Request) (registry.Routed, error)
}

// Options configures every session a Handler runs.
type Options struct {
	MailboxSize    int
	RequestTimeout time.Duration
	ReadBufferSize int
}

func (o Options) withDefaults() Options {
	if o.MailboxSize <= 0 {
		o.MailboxSize = 64
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 4096
	}
	return o
}

// Handler runs one session per accepted connection. It is shared by the TCP
// and websocket frontends, so session ids are unique across both.
type Handler struct {
	dir    Directory
	opts   Options
	logger *zap.Logger
	nextID atomic.Uint64
	active atomic.Int64
}

// NewHandler creates a Handler.
//
// Precondition: dir and logger must be non-nil.
func NewHandler(dir Directory, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		dir:    dir,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// HandleSession assigns the connection an id and runs its session until the
// peer disconnects, a framing or write error occurs, or ctx ends.
//
// Postcondition: conn is closed and every goroutine the session started has
// exited. A peer disconnect or ctx cancellation returns nil.
func (h *Handler) HandleSession(ctx context.Context, conn net.Conn) error {
	id := h.nextID.Add(1)
	h.active.Add(1)
	defer h.active.Add(-1)

	logger := h.logger.With(
		zap.Uint64("session_id", id),
		zap.String("remote_addr", remoteAddr(conn)),
	)
	return newSession(id, conn, h.dir, h.opts, logger).run(ctx)
}

// Active returns the number of running sessions.
func (h *Handler) Active() int64 { return h.active.Load() }

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
