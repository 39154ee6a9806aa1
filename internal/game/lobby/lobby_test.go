package lobby

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/multichess/internal/actor"
	"github.com/cory-johannsen/multichess/internal/events"
	"github.com/cory-johannsen/multichess/internal/game/chess"
	"github.com/cory-johannsen/multichess/internal/protocol"
)

type fakePlayer struct {
	id    uint64
	name  string
	notes chan protocol.Message
	done  chan struct{}
}

func newFakePlayer(id uint64, name string) *fakePlayer {
	return &fakePlayer{
		id:    id,
		name:  name,
		notes: make(chan protocol.Message, 8),
		done:  make(chan struct{}),
	}
}

func (p *fakePlayer) ID() uint64            { return p.id }
func (p *fakePlayer) Name() string          { return p.name }
func (p *fakePlayer) Done() <-chan struct{} { return p.done }
func (p *fakePlayer) leave()                { close(p.done) }

func (p *fakePlayer) Notify(m protocol.Message) bool {
	select {
	case p.notes <- m:
		return true
	default:
		return false
	}
}

func (p *fakePlayer) recv(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-p.notes:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for notification", p.name)
		return nil
	}
}

func (p *fakePlayer) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case m := <-p.notes:
		t.Fatalf("%s: unexpected notification %#v", p.name, m)
	case <-time.After(20 * time.Millisecond):
	}
}

type eventLog struct {
	mu    sync.Mutex
	kinds []string
}

func (e *eventLog) Publish(_ context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, ev.Kind)
	return nil
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.kinds...)
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func spawn(t *testing.T, creator Player, sink events.Sink) (Handle, *Lobby) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := Spawn(ctx, "room1", creator, actor.NewArena[*Lobby](), Options{
		MailboxSize: 8,
		Sink:        sink,
		Logger:      zaptest.NewLogger(t),
	})
	l, ok := h.Upgrade()
	require.True(t, ok)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return h, l
}

func TestSeats_FillOrderAndCapacity(t *testing.T) {
	var s seats
	alice, bob, carol := newFakePlayer(1, "alice"), newFakePlayer(2, "bob"), newFakePlayer(3, "carol")

	c, err := s.addPlayer(alice)
	require.NoError(t, err)
	assert.Equal(t, chess.White, c)

	c, err = s.addPlayer(bob)
	require.NoError(t, err)
	assert.Equal(t, chess.Black, c)

	_, err = s.addPlayer(carol)
	assert.ErrorIs(t, err, ErrLobbyFull)
	assert.Equal(t, 2, s.occupants())
	assert.Same(t, alice, s.a)
	assert.Same(t, bob, s.b)
}

func TestSeats_AlreadySeated(t *testing.T) {
	var s seats
	alice := newFakePlayer(1, "alice")
	_, err := s.addPlayer(alice)
	require.NoError(t, err)
	_, err = s.addPlayer(alice)
	assert.ErrorIs(t, err, ErrAlreadySeated)
	assert.Equal(t, 1, s.occupants())
}

func TestSeats_StartGame(t *testing.T) {
	var s seats
	assert.ErrorIs(t, s.startGame(chess.NewMatch()), ErrNotEnoughPlayers)

	_, _ = s.addPlayer(newFakePlayer(1, "alice"))
	assert.ErrorIs(t, s.canStart(), ErrNotEnoughPlayers)
	assert.Nil(t, s.match)

	_, _ = s.addPlayer(newFakePlayer(2, "bob"))
	require.NoError(t, s.canStart())
	m := chess.NewMatch()
	require.NoError(t, s.startGame(m))

	assert.ErrorIs(t, s.startGame(chess.NewMatch()), ErrGameAlreadyStarted)
	assert.Same(t, m, s.match)
}

func TestSeats_OpenSeatDoesNotSeat(t *testing.T) {
	var s seats
	alice := newFakePlayer(1, "alice")
	c, err := s.openSeat(alice.ID())
	require.NoError(t, err)
	assert.Equal(t, chess.White, c)
	assert.Equal(t, 0, s.occupants())

	_, _ = s.addPlayer(alice)
	_, err = s.openSeat(alice.ID())
	assert.ErrorIs(t, err, ErrAlreadySeated)
	c, err = s.openSeat(2)
	require.NoError(t, err)
	assert.Equal(t, chess.Black, c)
	assert.Equal(t, 1, s.occupants())
}

func TestProperty_SeatsNeverExceedTwo(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		var s seats
		n := rapid.IntRange(0, 10).Draw(rt, "joins")
		accepted := 0
		for i := 0; i < n; i++ {
			if _, err := s.addPlayer(newFakePlayer(uint64(i+1), "p")); err == nil {
				accepted++
			}
		}
		want := n
		if want > 2 {
			want = 2
		}
		if accepted != want || s.occupants() != want {
			rt.Fatalf("accepted=%d occupants=%d joins=%d", accepted, s.occupants(), n)
		}
	})
}

func TestLobby_JoinNotifiesCreator(t *testing.T) {
	alice, bob, carol := newFakePlayer(1, "alice"), newFakePlayer(2, "bob"), newFakePlayer(3, "carol")
	_, l := spawn(t, alice, nil)

	color, err := l.Join(ctxT(t), bob)
	require.NoError(t, err)
	assert.Equal(t, chess.Black, color)
	assert.Equal(t, protocol.OpponentJoined{Name: "bob"}, alice.recv(t))
	bob.assertQuiet(t)

	_, err = l.Join(ctxT(t), carol)
	assert.ErrorIs(t, err, ErrLobbyFull)
	alice.assertQuiet(t)

	v, err := l.View(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, "alice", v.White)
	assert.Equal(t, "bob", v.Black)
	assert.Equal(t, 2, v.Holders)
	assert.False(t, v.Started)
}

func TestLobby_StartAndMove(t *testing.T) {
	rec := &eventLog{}
	alice, bob := newFakePlayer(1, "alice"), newFakePlayer(2, "bob")
	_, l := spawn(t, alice, rec)
	ctx := ctxT(t)

	_, err := l.Start(ctx, alice.ID())
	assert.ErrorIs(t, err, ErrNotEnoughPlayers)
	assert.ErrorIs(t, l.Move(ctx, alice.ID(), Move{Player: chess.White}), ErrGameNotStarted)

	_, err = l.Join(ctx, bob)
	require.NoError(t, err)
	alice.recv(t)

	started, err := l.Start(ctx, bob.ID())
	require.NoError(t, err)
	assert.Equal(t, "alice", started.White)
	assert.Equal(t, "bob", started.Black)
	assert.Equal(t, protocol.GameStarted{
		MatchID: started.MatchID.String(),
		White:   "alice",
		Black:   "bob",
	}, alice.recv(t))

	_, err = l.Start(ctx, alice.ID())
	assert.ErrorIs(t, err, ErrGameAlreadyStarted)

	_, err = l.Start(ctx, 99)
	assert.ErrorIs(t, err, ErrNotSeated)

	// Bob cannot move the white pieces.
	whiteOpen := Move{Player: chess.White, From: chess.Position{X: 6, Y: 4}, To: chess.Position{X: 4, Y: 4}}
	assert.ErrorIs(t, l.Move(ctx, bob.ID(), whiteOpen), ErrWrongColor)

	require.NoError(t, l.Move(ctx, alice.ID(), whiteOpen))
	assert.Equal(t, protocol.MoveApplied{
		Player: "W",
		From:   protocol.Position{X: 6, Y: 4},
		To:     protocol.Position{X: 4, Y: 4},
	}, bob.recv(t))

	assert.ErrorIs(t, l.Move(ctx, alice.ID(), whiteOpen), chess.ErrNotYourTurn)

	blackOpen := Move{Player: chess.Black, From: chess.Position{X: 1, Y: 4}, To: chess.Position{X: 4, Y: 4}}
	assert.ErrorIs(t, l.Move(ctx, bob.ID(), blackOpen), chess.ErrInvalidMove)
	bob.assertQuiet(t)
	alice.assertQuiet(t)

	v, err := l.View(ctx)
	require.NoError(t, err)
	assert.True(t, v.Started)
	assert.Equal(t, started.MatchID, v.MatchID)
	assert.Equal(t, 1, v.Moves)

	assert.Equal(t, []string{
		events.KindLobbyCreated,
		events.KindPlayerJoined,
		events.KindMatchStarted,
		events.KindMoveApplied,
	}, rec.snapshot())
}

// cancelled returns a context whose asker has already given up.
func cancelled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestLobby_AbandonedJoinLeavesSeatOpen(t *testing.T) {
	rec := &eventLog{}
	alice, bob, carol := newFakePlayer(1, "alice"), newFakePlayer(2, "bob"), newFakePlayer(3, "carol")
	_, l := spawn(t, alice, rec)

	require.NoError(t, l.mb.Tell(ctxT(t), joinMsg{ctx: cancelled(), player: bob, reply: make(chan joinReply)}))
	_, err := l.Join(cancelled(), bob)
	assert.Error(t, err)

	v, err := l.View(ctxT(t))
	require.NoError(t, err)
	assert.Empty(t, v.Black)
	assert.Equal(t, 1, v.Holders)
	alice.assertQuiet(t)

	color, err := l.Join(ctxT(t), carol)
	require.NoError(t, err)
	assert.Equal(t, chess.Black, color)
	assert.Equal(t, []string{events.KindLobbyCreated, events.KindPlayerJoined}, rec.snapshot())
}

func TestLobby_AbandonedStartAndMoveChangeNothing(t *testing.T) {
	alice, bob := newFakePlayer(1, "alice"), newFakePlayer(2, "bob")
	_, l := spawn(t, alice, nil)
	ctx := ctxT(t)

	_, err := l.Join(ctx, bob)
	require.NoError(t, err)
	alice.recv(t)

	require.NoError(t, l.mb.Tell(ctx, startMsg{ctx: cancelled(), playerID: bob.ID(), reply: make(chan startReply)}))
	v, err := l.View(ctx)
	require.NoError(t, err)
	assert.False(t, v.Started)
	alice.assertQuiet(t)

	_, err = l.Start(ctx, bob.ID())
	require.NoError(t, err)
	alice.recv(t)

	whiteOpen := Move{Player: chess.White, From: chess.Position{X: 6, Y: 4}, To: chess.Position{X: 4, Y: 4}}
	require.NoError(t, l.mb.Tell(ctx, moveMsg{ctx: cancelled(), playerID: alice.ID(), move: whiteOpen, reply: make(chan error)}))
	v, err = l.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Moves)
	bob.assertQuiet(t)

	// White is still to move, so the same move applies now.
	require.NoError(t, l.Move(ctx, alice.ID(), whiteOpen))
	bob.recv(t)
}

func TestLobby_StopsWhenAllHoldersDetach(t *testing.T) {
	alice, bob := newFakePlayer(1, "alice"), newFakePlayer(2, "bob")
	h, l := spawn(t, alice, nil)
	ctx := ctxT(t)

	_, err := l.Join(ctx, bob)
	require.NoError(t, err)

	require.NoError(t, l.Detach(ctx, alice.ID()))
	v, err := l.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Holders)
	assert.True(t, h.Alive())

	require.NoError(t, l.Detach(ctx, bob.ID()))
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lobby did not stop")
	}
	_, ok := h.Upgrade()
	assert.False(t, ok)

	_, err = l.Join(ctx, newFakePlayer(3, "carol"))
	assert.ErrorIs(t, err, actor.ErrStopped)
}

func TestLobby_StopsWhenHolderSessionsEnd(t *testing.T) {
	alice, bob := newFakePlayer(1, "alice"), newFakePlayer(2, "bob")
	h, l := spawn(t, alice, nil)

	_, err := l.Join(ctxT(t), bob)
	require.NoError(t, err)

	alice.leave()
	require.Eventually(t, func() bool {
		v, err := l.View(ctxT(t))
		return err == nil && v.Holders == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A repeated detach for a player that already left is ignored.
	require.NoError(t, l.Detach(ctxT(t), alice.ID()))
	assert.True(t, h.Alive())

	bob.leave()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lobby did not stop")
	}
	assert.False(t, h.Alive())
}

func TestLobby_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	arena := actor.NewArena[*Lobby]()
	h := Spawn(ctx, "room1", newFakePlayer(1, "alice"), arena, Options{Logger: zaptest.NewLogger(t)})
	l, ok := h.Upgrade()
	require.True(t, ok)

	cancel()
	<-l.Done()
	assert.Equal(t, 0, arena.Len())
	assert.False(t, h.Alive())
	assert.Equal(t, "room1", h.Name())
}

func TestHandle_Zero(t *testing.T) {
	var h Handle
	assert.True(t, h.IsZero())
	_, ok := h.Upgrade()
	assert.False(t, ok)
}

func TestRequests_Deliver(t *testing.T) {
	alice, bob := newFakePlayer(1, "alice"), newFakePlayer(2, "bob")
	_, l := spawn(t, alice, nil)

	v, err := JoinRequest{Player: bob}.Deliver(ctxT(t), l)
	require.NoError(t, err)
	assert.Equal(t, chess.Black, v)

	_, err = JoinRequest{Player: newFakePlayer(3, "carol")}.Deliver(ctxT(t), l)
	assert.ErrorIs(t, err, ErrLobbyFull)

	v, err = ViewRequest{}.Deliver(ctxT(t), l)
	require.NoError(t, err)
	assert.Equal(t, "bob", v.(View).Black)
}
