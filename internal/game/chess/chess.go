// Package chess holds the match state a lobby drives once both players are
// seated. Its rules are deliberately minimal: bounds, ownership, empty
// targets, and alternating turns.
package chess

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Color identifies a side.
type Color uint8

const (
	White Color = iota + 1
	Black
)

func (c Color) String() string {
	switch c {
	case White:
		return "W"
	case Black:
		return "B"
	}
	return "?"
}

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// ParseColor accepts the wire spelling "W" or "B".
func ParseColor(s string) (Color, error) {
	switch s {
	case "W":
		return White, nil
	case "B":
		return Black, nil
	}
	return 0, fmt.Errorf("chess: unknown color %q", s)
}

// Kind is a piece type.
type Kind uint8

const (
	King Kind = iota + 1
	Queen
	Bishop
	Knight
	Rook
	Pawn
)

// Piece is a colored piece. The zero Piece is an empty square.
type Piece struct {
	Kind  Kind
	Color Color
}

// Empty reports whether the square holds nothing.
func (p Piece) Empty() bool { return p.Kind == 0 }

func (p Piece) String() string {
	if p.Empty() {
		return "."
	}
	r := "kqbnrp"[p.Kind-1 : p.Kind]
	if p.Color == White {
		return strings.ToUpper(r)
	}
	return r
}

// Position is a square; X is the row and Y the column, both 0-7.
type Position struct {
	X uint8
	Y uint8
}

// InBounds reports whether p is on the board.
func (p Position) InBounds() bool { return p.X <= 7 && p.Y <= 7 }

func (p Position) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

var (
	// ErrInvalidMove is returned for moves the board cannot apply.
	ErrInvalidMove = errors.New("chess: invalid move")
	// ErrNotYourTurn is returned when the mover is not the side to play.
	ErrNotYourTurn = errors.New("chess: not your turn")
)

// Board is an 8x8 grid; row 0 is black's back rank.
type Board [8][8]Piece

// NewBoard returns the standard starting layout.
func NewBoard() Board {
	var b Board
	b[0] = backRank(Black)
	b[1] = pawnRank(Black)
	b[6] = pawnRank(White)
	b[7] = backRank(White)
	return b
}

func backRank(c Color) [8]Piece {
	kinds := [8]Kind{Rook, Knight, Bishop, Queen, King, Bishop, Knight, Rook}
	var row [8]Piece
	for i, k := range kinds {
		row[i] = Piece{Kind: k, Color: c}
	}
	return row
}

func pawnRank(c Color) [8]Piece {
	var row [8]Piece
	for i := range row {
		row[i] = Piece{Kind: Pawn, Color: c}
	}
	return row
}

// At returns the piece on p.
//
// Precondition: p.InBounds().
func (b *Board) At(p Position) Piece { return b[p.X][p.Y] }

func (b *Board) String() string {
	var sb strings.Builder
	for _, row := range b {
		for _, sq := range row {
			sb.WriteString(sq.String())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Match is one started game between two seated players.
type Match struct {
	ID    uuid.UUID
	board Board
	turn  Color
	moves int
}

// NewMatch creates a match in the starting position with white to move.
func NewMatch() *Match {
	return &Match{
		ID:    uuid.New(),
		board: NewBoard(),
		turn:  White,
	}
}

// Turn returns the side to move.
func (m *Match) Turn() Color { return m.turn }

// Moves returns the number of applied moves.
func (m *Match) Moves() int { return m.moves }

// Board returns a copy of the current board.
func (m *Match) Board() Board { return m.board }

// MovePiece moves player's piece from one square to an empty square.
//
// Postcondition: On success the turn passes to the opponent; on error the
// board is unchanged.
func (m *Match) MovePiece(player Color, from, to Position) error {
	if player != m.turn {
		return ErrNotYourTurn
	}
	if !from.InBounds() || !to.InBounds() || from == to {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidMove, from, to)
	}
	src := m.board.At(from)
	if src.Empty() || src.Color != player {
		return fmt.Errorf("%w: no %v piece at %v", ErrInvalidMove, player, from)
	}
	if !m.board.At(to).Empty() {
		return fmt.Errorf("%w: %v is occupied", ErrInvalidMove, to)
	}
	m.board[to.X][to.Y] = src
	m.board[from.X][from.Y] = Piece{}
	m.turn = player.Opponent()
	m.moves++
	return nil
}
