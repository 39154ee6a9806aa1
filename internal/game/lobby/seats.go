package lobby

import (
	"errors"

	"github.com/cory-johannsen/multichess/internal/game/chess"
)

var (
	ErrLobbyFull          = errors.New("lobby: lobby full")
	ErrNotEnoughPlayers   = errors.New("lobby: not enough players")
	ErrGameAlreadyStarted = errors.New("lobby: game already started")
	ErrGameNotStarted     = errors.New("lobby: game not started")
	ErrAlreadySeated      = errors.New("lobby: player already seated")
	ErrNotSeated          = errors.New("lobby: player not seated")
	ErrWrongColor         = errors.New("lobby: cannot move the opponent's pieces")
)

// seats is the capacity-2 state machine behind a lobby.
// Slot A plays white and slot B plays black.
type seats struct {
	a     Player
	b     Player
	match *chess.Match
}

// openSeat reports the seat p would take without taking it.
//
// Postcondition: Returns ErrAlreadySeated, ErrLobbyFull, or the seat color.
func (s *seats) openSeat(id uint64) (chess.Color, error) {
	if _, ok := s.colorOf(id); ok {
		return 0, ErrAlreadySeated
	}
	switch {
	case s.a == nil:
		return chess.White, nil
	case s.b == nil:
		return chess.Black, nil
	}
	return 0, ErrLobbyFull
}

// addPlayer fills the first open seat.
//
// Postcondition: Returns the seat color, or an error with both seats unchanged.
func (s *seats) addPlayer(p Player) (chess.Color, error) {
	color, err := s.openSeat(p.ID())
	if err != nil {
		return 0, err
	}
	if color == chess.White {
		s.a = p
	} else {
		s.b = p
	}
	return color, nil
}

// canStart reports why a match cannot start yet, or nil.
func (s *seats) canStart() error {
	if s.a == nil || s.b == nil {
		return ErrNotEnoughPlayers
	}
	if s.match != nil {
		return ErrGameAlreadyStarted
	}
	return nil
}

// startGame installs m as the match exactly once.
//
// Postcondition: Returns ErrNotEnoughPlayers unless both seats are taken,
// ErrGameAlreadyStarted if a match exists, else nil with m installed.
func (s *seats) startGame(m *chess.Match) error {
	if err := s.canStart(); err != nil {
		return err
	}
	s.match = m
	return nil
}

func (s *seats) colorOf(id uint64) (chess.Color, bool) {
	switch {
	case s.a != nil && s.a.ID() == id:
		return chess.White, true
	case s.b != nil && s.b.ID() == id:
		return chess.Black, true
	}
	return 0, false
}

// opponentOf returns the player in the other seat, or nil.
func (s *seats) opponentOf(id uint64) Player {
	switch {
	case s.a != nil && s.a.ID() == id:
		return s.b
	case s.b != nil && s.b.ID() == id:
		return s.a
	}
	return nil
}

func (s *seats) occupants() int {
	n := 0
	if s.a != nil {
		n++
	}
	if s.b != nil {
		n++
	}
	return n
}

func nameOf(p Player) string {
	if p == nil {
		return ""
	}
	return p.Name()
}
