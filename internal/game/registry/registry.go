// Package registry maps lobby names to weak lobby handles. The registry is an
// actor: creation, listing and name resolution are serialized through its
// mailbox, and it never holds a lobby alive.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/multichess/internal/actor"
	"github.com/cory-johannsen/multichess/internal/events"
	"github.com/cory-johannsen/multichess/internal/game/chess"
	"github.com/cory-johannsen/multichess/internal/game/lobby"
)

var (
	// ErrNameTaken is returned when a live lobby already owns the name.
	ErrNameTaken = errors.New("registry: lobby name taken")
	// ErrDoesNotExist is returned when no live lobby owns the name.
	ErrDoesNotExist = errors.New("registry: lobby does not exist")
	// ErrDeliveryFailed is returned when the lobby stopped or stalled
	// between name resolution and delivery. Callers treat it as
	// ErrDoesNotExist.
	ErrDeliveryFailed = errors.New("registry: delivery to lobby failed")
	// ErrEmptyName is returned for an empty lobby name.
	ErrEmptyName = errors.New("registry: lobby name must not be empty")
)

// Options configures the registry and the lobbies it spawns.
type Options struct {
	MailboxSize      int
	LobbyMailboxSize int
	// SweepInterval is the period of the dead-entry sweep; zero disables it.
	SweepInterval time.Duration
}

// Routed is the outcome of a successful RouteToLobby.
type Routed struct {
	Handle lobby.Handle
	Name   string
	Value  any
}

type msg interface{ isRegistryMsg() }

type createMsg struct {
	ctx     context.Context
	name    string
	creator lobby.Player
	reply   chan<- createReply
}

type createReply struct {
	handle lobby.Handle
	err    error
}

type listMsg struct {
	reply chan<- []string
}

type resolveMsg struct {
	name  string
	reply chan<- resolveReply
}

type resolveReply struct {
	lobby  *lobby.Lobby
	handle lobby.Handle
	err    error
}

func (createMsg) isRegistryMsg() {}
func (listMsg) isRegistryMsg()   {}
func (resolveMsg) isRegistryMsg() {}

// Registry is the running registry actor.
type Registry struct {
	mb     *actor.Mailbox[msg]
	arena  *actor.Arena[*lobby.Lobby]
	opts   Options
	sink   events.Sink
	logger *zap.Logger

	// Owned by the loop goroutine.
	entries map[string]lobby.Handle
	order   []string
}

// New starts a registry whose lobbies live until ctx ends at the latest.
//
// Precondition: logger must be non-nil.
// Postcondition: sink may be nil, in which case events are discarded.
func New(ctx context.Context, opts Options, logger *zap.Logger, sink events.Sink) *Registry {
	if sink == nil {
		sink = events.Nop
	}
	r := &Registry{
		mb:      actor.NewMailbox[msg](opts.MailboxSize),
		arena:   actor.NewArena[*lobby.Lobby](),
		opts:    opts,
		sink:    sink,
		logger:  logger.With(zap.String("component", "registry")),
		entries: make(map[string]lobby.Handle),
	}
	go r.loop(ctx)
	return r
}

// Done is closed once the registry has stopped.
func (r *Registry) Done() <-chan struct{} { return r.mb.Done() }

// CreateLobby spawns a lobby named name with creator in seat A.
//
// Postcondition: Returns ErrNameTaken if a live lobby owns name, leaving that
// lobby unchanged; a dead entry under name is replaced. On any error,
// including a timeout, no lobby is registered for the creator.
func (r *Registry) CreateLobby(ctx context.Context, name string, creator lobby.Player) (lobby.Handle, chess.Color, error) {
	if name == "" {
		return lobby.Handle{}, 0, ErrEmptyName
	}
	rep, err := actor.Call(ctx, r.mb, func(reply chan<- createReply) msg {
		return createMsg{ctx: ctx, name: name, creator: creator, reply: reply}
	})
	if err != nil {
		return lobby.Handle{}, 0, err
	}
	if rep.err != nil {
		return lobby.Handle{}, 0, rep.err
	}
	return rep.handle, chess.White, nil
}

// ListLobbies returns the names of live lobbies in creation order.
func (r *Registry) ListLobbies(ctx context.Context) ([]string, error) {
	return actor.Ask(ctx, r.mb, func(reply chan<- []string) msg {
		return listMsg{reply: reply}
	})
}

// RouteToLobby resolves name on the registry and then delivers req to the
// lobby from the calling goroutine, so a slow lobby never stalls the
// registry mailbox and the lobby's reply reaches the caller directly.
//
// Postcondition: Returns ErrDoesNotExist when name is absent or dead,
// ErrDeliveryFailed when the lobby stopped or timed out after resolution,
// or the lobby's own error.
func (r *Registry) RouteToLobby(ctx context.Context, name string, req lobby.Request) (Routed, error) {
	if name == "" {
		return Routed{}, ErrEmptyName
	}
	rep, err := actor.Ask(ctx, r.mb, func(reply chan<- resolveReply) msg {
		return resolveMsg{name: name, reply: reply}
	})
	if err != nil {
		return Routed{}, err
	}
	if rep.err != nil {
		return Routed{}, rep.err
	}
	v, err := req.Deliver(ctx, rep.lobby)
	if errors.Is(err, actor.ErrStopped) || errors.Is(err, actor.ErrTimeout) {
		r.logger.Warn("lobby delivery failed", zap.String("lobby", name), zap.Error(err))
		return Routed{}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	if err != nil {
		return Routed{}, err
	}
	return Routed{Handle: rep.handle, Name: name, Value: v}, nil
}

func (r *Registry) loop(ctx context.Context) {
	defer func() {
		r.logger.Info("registry stopped", zap.Int("lobbies", len(r.entries)))
		r.mb.Close()
	}()

	var sweep <-chan time.Time
	if r.opts.SweepInterval > 0 {
		t := time.NewTicker(r.opts.SweepInterval)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep:
			if n := r.prune(); n > 0 {
				r.logger.Debug("swept dead lobbies", zap.Int("removed", n))
			}
		case m := <-r.mb.Inbox():
			r.handle(ctx, m)
		}
	}
}

func (r *Registry) handle(ctx context.Context, m msg) {
	switch m := m.(type) {
	case createMsg:
		r.create(ctx, m)
	case listMsg:
		r.prune()
		names := make([]string, len(r.order))
		copy(names, r.order)
		m.reply <- names
	case resolveMsg:
		l, ok := r.lookup(m.name)
		if !ok {
			m.reply <- resolveReply{err: fmt.Errorf("%w: %q", ErrDoesNotExist, m.name)}
			return
		}
		m.reply <- resolveReply{lobby: l, handle: r.entries[m.name]}
	}
}

// create registers the lobby only once the caller has taken the reply. A
// lobby spawned for a caller that gave up is released again.
func (r *Registry) create(ctx context.Context, m createMsg) {
	if m.ctx.Err() != nil {
		r.logger.Debug("create abandoned by caller", zap.String("lobby", m.name))
		return
	}
	if _, ok := r.lookup(m.name); ok {
		r.logger.Debug("lobby name taken", zap.String("lobby", m.name))
		actor.Offer(m.ctx, m.reply, createReply{err: fmt.Errorf("%w: %q", ErrNameTaken, m.name)})
		return
	}
	h := lobby.Spawn(ctx, m.name, m.creator, r.arena, lobby.Options{
		MailboxSize: r.opts.LobbyMailboxSize,
		Sink:        r.sink,
		Logger:      r.logger,
	})
	if !actor.Offer(m.ctx, m.reply, createReply{handle: h}) {
		r.logger.Debug("create abandoned by caller", zap.String("lobby", m.name))
		r.release(h, m.creator.ID())
		return
	}
	r.entries[m.name] = h
	r.order = append(r.order, m.name)
}

// release detaches the only holder of an unregistered lobby so it stops.
func (r *Registry) release(h lobby.Handle, holder uint64) {
	l, ok := h.Upgrade()
	if !ok {
		return
	}
	go func() { _ = l.Detach(context.Background(), holder) }()
}

// lookup upgrades the entry for name, dropping it when dead.
func (r *Registry) lookup(name string) (*lobby.Lobby, bool) {
	h, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	l, ok := h.Upgrade()
	if !ok {
		r.remove(name)
		return nil, false
	}
	return l, true
}

func (r *Registry) remove(name string) {
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// prune removes every dead entry and returns how many were removed.
func (r *Registry) prune() int {
	kept := r.order[:0]
	removed := 0
	for _, name := range r.order {
		if r.entries[name].Alive() {
			kept = append(kept, name)
			continue
		}
		delete(r.entries, name)
		removed++
	}
	r.order = kept
	return removed
}
