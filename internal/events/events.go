// Package events carries lobby and match events from the actors to the
// configured sinks (log, postgres journal, redis queue).
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event kinds.
const (
	KindLobbyCreated = "lobby_created"
	KindPlayerJoined = "player_joined"
	KindMatchStarted = "match_started"
	KindMoveApplied  = "move_applied"
)

// Move describes one applied move.
type Move struct {
	Player string `json:"player"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Event is one observable change in a lobby.
type Event struct {
	Kind    string    `json:"kind"`
	Lobby   string    `json:"lobby"`
	MatchID uuid.UUID `json:"match_id"`
	Player  string    `json:"player,omitempty"`
	White   string    `json:"white,omitempty"`
	Black   string    `json:"black,omitempty"`
	Move    *Move     `json:"move,omitempty"`
	At      time.Time `json:"at"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Publish delivers ev to every sink.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a zap logger at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
//
// Precondition: logger must be non-nil.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs ev.
func (s *LogSink) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("kind", ev.Kind),
		zap.String("lobby", ev.Lobby),
		zap.Time("at", ev.At),
	}
	if ev.MatchID != uuid.Nil {
		fields = append(fields, zap.String("match_id", ev.MatchID.String()))
	}
	if ev.Player != "" {
		fields = append(fields, zap.String("player", ev.Player))
	}
	if ev.Move != nil {
		fields = append(fields,
			zap.String("move_player", ev.Move.Player),
			zap.String("move_from", ev.Move.From),
			zap.String("move_to", ev.Move.To),
		)
	}
	s.logger.Debug("lobby event", fields...)
	return nil
}
