package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/multichess/internal/events"
)

// MatchJournal appends lobby and match events to the match_events table.
// It implements events.Sink.
type MatchJournal struct {
	db *pgxpool.Pool
}

// NewMatchJournal creates a MatchJournal backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMatchJournal(db *pgxpool.Pool) *MatchJournal {
	return &MatchJournal{db: db}
}

// Publish inserts ev as one row.
//
// Postcondition: A nil MatchID is stored as NULL.
func (j *MatchJournal) Publish(ctx context.Context, ev events.Event) error {
	var matchID any
	if ev.MatchID != uuid.Nil {
		matchID = ev.MatchID.String()
	}
	var mv events.Move
	if ev.Move != nil {
		mv = *ev.Move
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := j.db.Exec(ctx,
		`INSERT INTO match_events
		   (kind, lobby, match_id, player, white, black, move_player, move_from, move_to, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.Kind, ev.Lobby, matchID, ev.Player, ev.White, ev.Black,
		mv.Player, mv.From, mv.To, at,
	)
	if err != nil {
		return fmt.Errorf("journaling %s event for lobby %q: %w", ev.Kind, ev.Lobby, err)
	}
	return nil
}

// MatchHistory returns every event recorded for matchID in insertion order.
func (j *MatchJournal) MatchHistory(ctx context.Context, matchID uuid.UUID) ([]events.Event, error) {
	return j.query(ctx,
		`SELECT kind, lobby, COALESCE(match_id::text, ''), player, white, black,
		        move_player, move_from, move_to, occurred_at
		   FROM match_events
		  WHERE match_id = $1
		  ORDER BY id`,
		matchID.String(),
	)
}

// LobbyHistory returns every event recorded for the named lobby in
// insertion order. Lobby names are reusable, so the result may span several
// lobby lifetimes.
func (j *MatchJournal) LobbyHistory(ctx context.Context, lobby string) ([]events.Event, error) {
	return j.query(ctx,
		`SELECT kind, lobby, COALESCE(match_id::text, ''), player, white, black,
		        move_player, move_from, move_to, occurred_at
		   FROM match_events
		  WHERE lobby = $1
		  ORDER BY id`,
		lobby,
	)
}

func (j *MatchJournal) query(ctx context.Context, sql string, arg any) ([]events.Event, error) {
	rows, err := j.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("querying match events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev      events.Event
			matchID string
			mv      events.Move
		)
		if err := rows.Scan(&ev.Kind, &ev.Lobby, &matchID, &ev.Player, &ev.White, &ev.Black,
			&mv.Player, &mv.From, &mv.To, &ev.At); err != nil {
			return nil, fmt.Errorf("scanning match event: %w", err)
		}
		if matchID != "" {
			id, err := uuid.Parse(matchID)
			if err != nil {
				return nil, fmt.Errorf("parsing match id %q: %w", matchID, err)
			}
			ev.MatchID = id
		}
		if mv != (events.Move{}) {
			ev.Move = &mv
		}
		ev.At = ev.At.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating match events: %w", err)
	}
	return out, nil
}
