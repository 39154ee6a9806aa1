package lobby

import (
	"context"

	"github.com/cory-johannsen/multichess/internal/actor"
)

// Handle is a non-owning reference to a lobby. Holding one never keeps the
// lobby running; Upgrade reports absence once the lobby has stopped.
type Handle struct {
	arena *actor.Arena[*Lobby]
	id    actor.Handle
	name  string
}

// Upgrade resolves the handle to a running lobby.
//
// Postcondition: ok is false for the zero Handle and for stopped lobbies.
func (h Handle) Upgrade() (l *Lobby, ok bool) {
	if h.arena == nil {
		return nil, false
	}
	l, ok = h.arena.Get(h.id)
	if !ok || !l.mb.Alive() {
		return nil, false
	}
	return l, true
}

// Alive reports whether Upgrade would currently succeed.
func (h Handle) Alive() bool {
	_, ok := h.Upgrade()
	return ok
}

// Name returns the lobby name the handle was issued for.
func (h Handle) Name() string { return h.name }

// IsZero reports whether h refers to nothing.
func (h Handle) IsZero() bool { return h.arena == nil || h.id.IsZero() }

// Request is a message the registry can route to a lobby by name. Deliver
// runs off the registry goroutine and returns whatever the lobby answered.
type Request interface {
	Deliver(ctx context.Context, l *Lobby) (any, error)
}

// JoinRequest seats Player; its reply value is the seat's chess.Color.
type JoinRequest struct {
	Player Player
}

// Deliver sends the join to l.
func (r JoinRequest) Deliver(ctx context.Context, l *Lobby) (any, error) {
	color, err := l.Join(ctx, r.Player)
	if err != nil {
		return nil, err
	}
	return color, nil
}

// ViewRequest asks for a lobby snapshot; its reply value is a View.
type ViewRequest struct{}

// Deliver sends the view request to l.
func (ViewRequest) Deliver(ctx context.Context, l *Lobby) (any, error) {
	return l.View(ctx)
}
