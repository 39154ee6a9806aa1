package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/multichess/internal/actor"
	"github.com/cory-johannsen/multichess/internal/events"
	"github.com/cory-johannsen/multichess/internal/game/chess"
	"github.com/cory-johannsen/multichess/internal/game/lobby"
	"github.com/cory-johannsen/multichess/internal/protocol"
)

var nextID atomic.Uint64

type player struct {
	id   uint64
	name string
}

func newPlayer(name string) *player { return &player{id: nextID.Add(1), name: name} }

func (p *player) ID() uint64                   { return p.id }
func (p *player) Name() string                 { return p.name }
func (p *player) Notify(protocol.Message) bool { return true }
func (p *player) Done() <-chan struct{}        { return nil }

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	return newRegistryWithSink(t, opts, nil)
}

func newRegistryWithSink(t *testing.T, opts Options, sink events.Sink) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if opts.MailboxSize == 0 {
		opts.MailboxSize = 16
	}
	r := New(ctx, opts, zaptest.NewLogger(t), sink)
	t.Cleanup(func() {
		cancel()
		<-r.Done()
		require.Eventually(t, func() bool { return r.arena.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	})
	return r
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// release detaches every holder so the lobby stops.
func release(t *testing.T, h lobby.Handle, holders ...lobby.Player) {
	t.Helper()
	l, ok := h.Upgrade()
	require.True(t, ok)
	for _, p := range holders {
		require.NoError(t, l.Detach(ctxT(t), p.ID()))
	}
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lobby did not stop")
	}
}

func TestCreateLobby_CreatorIsWhite(t *testing.T) {
	r := newRegistry(t, Options{})
	alice := newPlayer("alice")

	h, color, err := r.CreateLobby(ctxT(t), "room1", alice)
	require.NoError(t, err)
	assert.Equal(t, chess.White, color)
	assert.Equal(t, "room1", h.Name())
	assert.True(t, h.Alive())
}

func TestCreateLobby_NameTaken(t *testing.T) {
	r := newRegistry(t, Options{})
	alice, bob := newPlayer("alice"), newPlayer("bob")

	first, _, err := r.CreateLobby(ctxT(t), "room1", alice)
	require.NoError(t, err)

	_, _, err = r.CreateLobby(ctxT(t), "room1", bob)
	assert.ErrorIs(t, err, ErrNameTaken)

	// The name still routes to the first lobby, whose creator is white.
	routed, err := r.RouteToLobby(ctxT(t), "room1", lobby.ViewRequest{})
	require.NoError(t, err)
	assert.Equal(t, "alice", routed.Value.(lobby.View).White)
	assert.Equal(t, first, routed.Handle)
}

func TestCreateLobby_EmptyName(t *testing.T) {
	r := newRegistry(t, Options{})
	_, _, err := r.CreateLobby(ctxT(t), "", newPlayer("alice"))
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = r.RouteToLobby(ctxT(t), "", lobby.ViewRequest{})
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestRouteToLobby_Ghost(t *testing.T) {
	r := newRegistry(t, Options{})
	_, err := r.RouteToLobby(ctxT(t), "ghost", lobby.JoinRequest{Player: newPlayer("bob")})
	assert.ErrorIs(t, err, ErrDoesNotExist)
}

func TestRouteToLobby_JoinAndFull(t *testing.T) {
	r := newRegistry(t, Options{})
	alice, bob, carol := newPlayer("alice"), newPlayer("bob"), newPlayer("carol")

	h, _, err := r.CreateLobby(ctxT(t), "room1", alice)
	require.NoError(t, err)

	routed, err := r.RouteToLobby(ctxT(t), "room1", lobby.JoinRequest{Player: bob})
	require.NoError(t, err)
	assert.Equal(t, chess.Black, routed.Value)
	assert.Equal(t, "room1", routed.Name)
	assert.Equal(t, h, routed.Handle)

	_, err = r.RouteToLobby(ctxT(t), "room1", lobby.JoinRequest{Player: carol})
	assert.ErrorIs(t, err, lobby.ErrLobbyFull)
}

func TestListLobbies_InsertionOrder(t *testing.T) {
	r := newRegistry(t, Options{})
	for _, name := range []string{"room1", "alpha", "zeta"} {
		_, _, err := r.CreateLobby(ctxT(t), name, newPlayer("p"))
		require.NoError(t, err)
	}
	names, err := r.ListLobbies(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"room1", "alpha", "zeta"}, names)
}

func TestListLobbies_Empty(t *testing.T) {
	r := newRegistry(t, Options{})
	names, err := r.ListLobbies(ctxT(t))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDeadLobby_NameReusable(t *testing.T) {
	r := newRegistry(t, Options{})
	alice := newPlayer("alice")

	h, _, err := r.CreateLobby(ctxT(t), "room1", alice)
	require.NoError(t, err)
	release(t, h, alice)

	names, err := r.ListLobbies(ctxT(t))
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = r.RouteToLobby(ctxT(t), "room1", lobby.ViewRequest{})
	assert.ErrorIs(t, err, ErrDoesNotExist)

	bob := newPlayer("bob")
	h2, _, err := r.CreateLobby(ctxT(t), "room1", bob)
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
	assert.False(t, h.Alive())
}

func TestSweep_RemovesDeadEntries(t *testing.T) {
	r := newRegistry(t, Options{SweepInterval: 5 * time.Millisecond})
	alice := newPlayer("alice")
	h, _, err := r.CreateLobby(ctxT(t), "room1", alice)
	require.NoError(t, err)
	_, _, err = r.CreateLobby(ctxT(t), "room2", newPlayer("bob"))
	require.NoError(t, err)

	release(t, h, alice)
	require.Eventually(t, func() bool {
		names, err := r.ListLobbies(ctxT(t))
		return err == nil && len(names) == 1 && names[0] == "room2"
	}, time.Second, 10*time.Millisecond)
}

// stallSink blocks the first Publish, and with it the registry loop that
// spawns the lobby, until release is closed.
type stallSink struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newStallSink() *stallSink {
	return &stallSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *stallSink) Publish(ctx context.Context, _ events.Event) error {
	first := false
	s.once.Do(func() {
		first = true
		close(s.entered)
	})
	if first {
		select {
		case <-s.release:
		case <-ctx.Done():
		}
	}
	return nil
}

func TestCreateLobby_TimeoutRegistersNothing(t *testing.T) {
	sink := newStallSink()
	r := newRegistryWithSink(t, Options{}, sink)
	alice, bob := newPlayer("alice"), newPlayer("bob")

	created := make(chan error, 1)
	go func() {
		_, _, err := r.CreateLobby(ctxT(t), "A", alice)
		created <- err
	}()
	<-sink.entered

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := r.CreateLobby(short, "B", bob)
	require.ErrorIs(t, err, actor.ErrTimeout)

	close(sink.release)
	require.NoError(t, <-created)

	names, err := r.ListLobbies(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, names)
	_, err = r.RouteToLobby(ctxT(t), "B", lobby.ViewRequest{})
	assert.ErrorIs(t, err, ErrDoesNotExist)

	// Bob holds nothing, so the same create now succeeds.
	h, _, err := r.CreateLobby(ctxT(t), "B", bob)
	require.NoError(t, err)
	assert.True(t, h.Alive())
}

func TestCreateLobby_AbandonedLobbyStops(t *testing.T) {
	sink := newStallSink()
	r := newRegistryWithSink(t, Options{}, sink)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go func() { <-short.Done(); close(sink.release) }()

	// The lobby is spawned while the caller waits, but the caller is gone by
	// the time the reply is offered.
	_, _, err := r.CreateLobby(short, "A", newPlayer("alice"))
	require.ErrorIs(t, err, actor.ErrTimeout)

	require.Eventually(t, func() bool { return r.arena.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	names, err := r.ListLobbies(ctxT(t))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRouteToLobby_JoinTimeoutLeavesSeatOpen(t *testing.T) {
	r := newRegistry(t, Options{})
	alice, bob, carol := newPlayer("alice"), newPlayer("bob"), newPlayer("carol")
	_, _, err := r.CreateLobby(ctxT(t), "room1", alice)
	require.NoError(t, err)

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.RouteToLobby(gone, "room1", lobby.JoinRequest{Player: bob})
	require.Error(t, err)

	routed, err := r.RouteToLobby(ctxT(t), "room1", lobby.ViewRequest{})
	require.NoError(t, err)
	assert.Empty(t, routed.Value.(lobby.View).Black)

	routed, err = r.RouteToLobby(ctxT(t), "room1", lobby.JoinRequest{Player: carol})
	require.NoError(t, err)
	assert.Equal(t, chess.Black, routed.Value)
}

type stoppedRequest struct{}

func (stoppedRequest) Deliver(context.Context, *lobby.Lobby) (any, error) {
	return nil, actor.ErrStopped
}

type failingRequest struct{ err error }

func (f failingRequest) Deliver(context.Context, *lobby.Lobby) (any, error) {
	return nil, f.err
}

func TestRouteToLobby_DeliveryFailed(t *testing.T) {
	r := newRegistry(t, Options{})
	_, _, err := r.CreateLobby(ctxT(t), "room1", newPlayer("alice"))
	require.NoError(t, err)

	_, err = r.RouteToLobby(ctxT(t), "room1", stoppedRequest{})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, actor.ErrStopped)

	boom := errors.New("boom")
	_, err = r.RouteToLobby(ctxT(t), "room1", failingRequest{err: boom})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrDeliveryFailed)
}

func TestRegistry_StoppedContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(ctx, Options{}, zaptest.NewLogger(t), nil)
	cancel()
	<-r.Done()

	_, err := r.ListLobbies(ctxT(t))
	assert.ErrorIs(t, err, actor.ErrStopped)
}

func TestProperty_ListMatchesLiveCreates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r := New(ctx, Options{MailboxSize: 4}, zap.NewNop(), nil)

		names := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", "d"}), 0, 12).Draw(rt, "names")
		var want []string
		seen := map[string]bool{}
		for _, n := range names {
			_, _, err := r.CreateLobby(ctx, n, newPlayer("p"))
			if seen[n] {
				if !errors.Is(err, ErrNameTaken) {
					rt.Fatalf("second create of %q: %v", n, err)
				}
				continue
			}
			if err != nil {
				rt.Fatalf("create %q: %v", n, err)
			}
			seen[n] = true
			want = append(want, n)
		}
		got, err := r.ListLobbies(ctx)
		if err != nil {
			rt.Fatalf("list: %v", err)
		}
		if len(got) != len(want) {
			rt.Fatalf("got %v want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("got %v want %v", got, want)
			}
		}
	})
}
