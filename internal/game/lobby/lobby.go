// Package lobby implements the two-seat matchmaking actor. A Lobby owns its
// seats and its match; every operation is a message processed by the lobby's
// own goroutine, which makes seating and starting atomic with respect to each
// other.
package lobby

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/multichess/internal/actor"
	"github.com/cory-johannsen/multichess/internal/events"
	"github.com/cory-johannsen/multichess/internal/game/chess"
	"github.com/cory-johannsen/multichess/internal/protocol"
)

// Player is a seated participant as seen by the lobby.
type Player interface {
	// ID returns the process-unique session id.
	ID() uint64
	// Name returns the display name.
	Name() string
	// Notify pushes m to the player without blocking. It reports false when
	// the player is gone or saturated.
	Notify(m protocol.Message) bool
	// Done is closed when the player's session ends. A nil channel means
	// the player only leaves through Detach.
	Done() <-chan struct{}
}

// Move is a MovePiece request in board coordinates.
type Move struct {
	Player chess.Color
	From   chess.Position
	To     chess.Position
}

// Started describes a freshly started match.
type Started struct {
	MatchID uuid.UUID
	White   string
	Black   string
}

// View is a point-in-time snapshot of lobby state.
type View struct {
	Name    string
	White   string
	Black   string
	Started bool
	MatchID uuid.UUID
	Moves   int
	Holders int
}

type msg interface{ isLobbyMsg() }

// joinMsg, startMsg and moveMsg carry the asker's ctx; the lobby applies
// them only once the asker has taken the reply.
type joinMsg struct {
	ctx    context.Context
	player Player
	reply  chan<- joinReply
}

type joinReply struct {
	color chess.Color
	err   error
}

type startMsg struct {
	ctx      context.Context
	playerID uint64
	reply    chan<- startReply
}

type startReply struct {
	started Started
	err     error
}

type moveMsg struct {
	ctx      context.Context
	playerID uint64
	move     Move
	reply    chan<- error
}

type detachMsg struct {
	playerID uint64
}

type viewMsg struct {
	reply chan<- View
}

func (joinMsg) isLobbyMsg()   {}
func (startMsg) isLobbyMsg()  {}
func (moveMsg) isLobbyMsg()   {}
func (detachMsg) isLobbyMsg() {}
func (viewMsg) isLobbyMsg()   {}

// Options configures a spawned lobby.
type Options struct {
	MailboxSize int
	Sink        events.Sink
	Logger      *zap.Logger
}

// Lobby is a running lobby actor. Callers reach it through a Handle.
type Lobby struct {
	name   string
	mb     *actor.Mailbox[msg]
	arena  *actor.Arena[*Lobby]
	slot   actor.Handle
	sink   events.Sink
	logger *zap.Logger

	// Owned by the loop goroutine.
	seats   seats
	holders map[uint64]struct{}
}

// Spawn starts a lobby with creator seated in slot A and registers it in
// arena.
//
// Precondition: creator must be non-nil; arena must be non-nil.
// Postcondition: The lobby runs until ctx ends or every holder detaches;
// the returned Handle stops resolving once it does.
func Spawn(ctx context.Context, name string, creator Player, arena *actor.Arena[*Lobby], opts Options) Handle {
	if opts.Sink == nil {
		opts.Sink = events.Nop
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	l := &Lobby{
		name:    name,
		mb:      actor.NewMailbox[msg](opts.MailboxSize),
		arena:   arena,
		sink:    opts.Sink,
		logger:  opts.Logger.With(zap.String("lobby", name)),
		holders: map[uint64]struct{}{creator.ID(): {}},
	}
	l.seats.a = creator
	l.slot = arena.Insert(l)
	l.watch(creator)

	l.publish(ctx, events.Event{Kind: events.KindLobbyCreated, Player: creator.Name()})
	l.logger.Debug("lobby created", zap.Uint64("session_id", creator.ID()))

	go l.loop(ctx)
	return Handle{arena: arena, id: l.slot, name: name}
}

// Name returns the registered lobby name.
func (l *Lobby) Name() string { return l.name }

// Done is closed once the lobby has stopped.
func (l *Lobby) Done() <-chan struct{} { return l.mb.Done() }

// Join seats p in the first open seat.
//
// Postcondition: On error, including a timeout, p holds no seat.
func (l *Lobby) Join(ctx context.Context, p Player) (chess.Color, error) {
	r, err := actor.Call(ctx, l.mb, func(reply chan<- joinReply) msg {
		return joinMsg{ctx: ctx, player: p, reply: reply}
	})
	if err != nil {
		return 0, err
	}
	return r.color, r.err
}

// Start starts the match on behalf of a seated player.
//
// Postcondition: On error, including a timeout, no match was started.
func (l *Lobby) Start(ctx context.Context, playerID uint64) (Started, error) {
	r, err := actor.Call(ctx, l.mb, func(reply chan<- startReply) msg {
		return startMsg{ctx: ctx, playerID: playerID, reply: reply}
	})
	if err != nil {
		return Started{}, err
	}
	return r.started, r.err
}

// Move applies mv for a seated player in the started match.
//
// Postcondition: On error, including a timeout, the board is unchanged.
func (l *Lobby) Move(ctx context.Context, playerID uint64, mv Move) error {
	r, err := actor.Call(ctx, l.mb, func(reply chan<- error) msg {
		return moveMsg{ctx: ctx, playerID: playerID, move: mv, reply: reply}
	})
	if err != nil {
		return err
	}
	return r
}

// Detach tells the lobby that a holding session no longer references it.
// Seats are never vacated; the lobby stops once no holder remains.
func (l *Lobby) Detach(ctx context.Context, playerID uint64) error {
	return l.mb.Tell(ctx, detachMsg{playerID: playerID})
}

// View returns a snapshot of the lobby.
func (l *Lobby) View(ctx context.Context) (View, error) {
	return actor.Ask(ctx, l.mb, func(reply chan<- View) msg {
		return viewMsg{reply: reply}
	})
}

// watch detaches p once its session ends.
func (l *Lobby) watch(p Player) {
	done := p.Done()
	if done == nil {
		return
	}
	id := p.ID()
	go func() {
		select {
		case <-done:
			_ = l.mb.Tell(context.Background(), detachMsg{playerID: id})
		case <-l.mb.Done():
		}
	}()
}

func (l *Lobby) loop(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-l.mb.Inbox():
			if !l.handle(ctx, m) {
				return
			}
		}
	}
}

// handle processes one message and reports whether the lobby keeps running.
func (l *Lobby) handle(ctx context.Context, m msg) bool {
	switch m := m.(type) {
	case joinMsg:
		l.join(ctx, m)
	case startMsg:
		l.start(ctx, m)
	case moveMsg:
		l.move(ctx, m)
	case detachMsg:
		delete(l.holders, m.playerID)
		l.logger.Debug("holder detached",
			zap.Uint64("session_id", m.playerID),
			zap.Int("holders", len(l.holders)),
		)
		if len(l.holders) == 0 {
			return false
		}
	case viewMsg:
		m.reply <- l.view()
	}
	return true
}

func (l *Lobby) join(ctx context.Context, m joinMsg) {
	p := m.player
	color, err := l.seats.openSeat(p.ID())
	if err != nil {
		l.logger.Debug("join rejected", zap.Uint64("session_id", p.ID()), zap.Error(err))
		actor.Offer(m.ctx, m.reply, joinReply{err: err})
		return
	}
	if !actor.Offer(m.ctx, m.reply, joinReply{color: color}) {
		l.logger.Debug("join abandoned by caller", zap.Uint64("session_id", p.ID()))
		return
	}
	if _, err := l.seats.addPlayer(p); err != nil {
		l.logger.Error("seat taken after offer", zap.Uint64("session_id", p.ID()), zap.Error(err))
		return
	}
	l.holders[p.ID()] = struct{}{}
	l.watch(p)
	if opp := l.seats.opponentOf(p.ID()); opp != nil {
		opp.Notify(protocol.OpponentJoined{Name: p.Name()})
	}
	l.publish(ctx, events.Event{Kind: events.KindPlayerJoined, Player: p.Name()})
	l.logger.Info("player joined",
		zap.Uint64("session_id", p.ID()),
		zap.String("color", color.String()),
	)
}

func (l *Lobby) start(ctx context.Context, m startMsg) {
	if _, ok := l.seats.colorOf(m.playerID); !ok {
		actor.Offer(m.ctx, m.reply, startReply{err: ErrNotSeated})
		return
	}
	if err := l.seats.canStart(); err != nil {
		actor.Offer(m.ctx, m.reply, startReply{err: err})
		return
	}
	match := chess.NewMatch()
	started := Started{
		MatchID: match.ID,
		White:   nameOf(l.seats.a),
		Black:   nameOf(l.seats.b),
	}
	if !actor.Offer(m.ctx, m.reply, startReply{started: started}) {
		l.logger.Debug("start abandoned by caller", zap.Uint64("session_id", m.playerID))
		return
	}
	if err := l.seats.startGame(match); err != nil {
		l.logger.Error("match start failed after offer", zap.Error(err))
		return
	}
	if opp := l.seats.opponentOf(m.playerID); opp != nil {
		opp.Notify(protocol.GameStarted{
			MatchID: started.MatchID.String(),
			White:   started.White,
			Black:   started.Black,
		})
	}
	l.publish(ctx, events.Event{
		Kind:    events.KindMatchStarted,
		MatchID: match.ID,
		White:   started.White,
		Black:   started.Black,
	})
	l.logger.Info("match started", zap.String("match_id", match.ID.String()))
}

func (l *Lobby) move(ctx context.Context, m moveMsg) {
	err := l.checkMove(m.playerID, m.move)
	if err != nil {
		actor.Offer(m.ctx, m.reply, err)
		return
	}
	// Apply to a copy so an abandoned move leaves the board as it was.
	next := *l.seats.match
	if err := next.MovePiece(m.move.Player, m.move.From, m.move.To); err != nil {
		actor.Offer(m.ctx, m.reply, err)
		return
	}
	if !actor.Offer(m.ctx, m.reply, error(nil)) {
		l.logger.Debug("move abandoned by caller", zap.Uint64("session_id", m.playerID))
		return
	}
	*l.seats.match = next

	mv := m.move
	if opp := l.seats.opponentOf(m.playerID); opp != nil {
		opp.Notify(protocol.MoveApplied{
			Player: mv.Player.String(),
			From:   protocol.Position{X: mv.From.X, Y: mv.From.Y},
			To:     protocol.Position{X: mv.To.X, Y: mv.To.Y},
		})
	}
	l.publish(ctx, events.Event{
		Kind:    events.KindMoveApplied,
		MatchID: next.ID,
		Move: &events.Move{
			Player: mv.Player.String(),
			From:   mv.From.String(),
			To:     mv.To.String(),
		},
	})
}

func (l *Lobby) checkMove(playerID uint64, mv Move) error {
	if l.seats.match == nil {
		return ErrGameNotStarted
	}
	color, ok := l.seats.colorOf(playerID)
	if !ok {
		return ErrNotSeated
	}
	if mv.Player != color {
		return ErrWrongColor
	}
	return nil
}

func (l *Lobby) view() View {
	v := View{
		Name:    l.name,
		White:   nameOf(l.seats.a),
		Black:   nameOf(l.seats.b),
		Holders: len(l.holders),
	}
	if m := l.seats.match; m != nil {
		v.Started = true
		v.MatchID = m.ID
		v.Moves = m.Moves()
	}
	return v
}

// publish stamps ev with the lobby name and time and hands it to the sink.
// The sink is expected not to block.
func (l *Lobby) publish(ctx context.Context, ev events.Event) {
	ev.Lobby = l.name
	ev.At = time.Now().UTC()
	if err := l.sink.Publish(ctx, ev); err != nil {
		l.logger.Debug("event not published", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

// stop logs before closing the mailbox so Done implies the lobby is quiet.
func (l *Lobby) stop() {
	l.logger.Info("lobby stopped", zap.Int("holders", len(l.holders)))
	l.arena.Remove(l.slot)
	l.mb.Close()
}
