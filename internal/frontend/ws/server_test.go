package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/multichess/internal/config"
	"github.com/cory-johannsen/multichess/internal/game/registry"
	"github.com/cory-johannsen/multichess/internal/game/session"
	"github.com/cory-johannsen/multichess/internal/protocol"
	"github.com/cory-johannsen/multichess/internal/testutil"
)

const wait = 2 * time.Second

type fixture struct {
	srv *Server
	reg *registry.Registry
}

func (f fixture) url(path string) string { return "http://" + f.srv.Addr() + path }

func start(t *testing.T) fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New(ctx, registry.Options{MailboxSize: 16, LobbyMailboxSize: 8}, zap.NewNop(), nil)
	h := session.NewHandler(reg, session.Options{RequestTimeout: time.Second}, zap.NewNop())

	srv := NewServer(config.WebsocketConfig{
		Enabled:   true,
		Host:      "127.0.0.1",
		Port:      0,
		ReadLimit: 1 << 16,
	}, h, reg, time.Second, zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server did not start: %v", err)
	case <-time.After(wait):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		srv.Stop()
		assert.NoError(t, <-errCh)
		cancel()
		<-reg.Done()
	})
	return fixture{srv: srv, reg: reg}
}

func dial(t *testing.T, f fixture, username string) *testutil.WireClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws://"+f.srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	client := testutil.WrapConn(t, websocket.NetConn(context.Background(), c, websocket.MessageBinary))
	if username != "" {
		client.Send(protocol.SetUsername{Name: username})
	}
	return client
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	f := start(t)
	assert.Equal(t, http.StatusOK, getJSON(t, f.url("/healthz"), nil))
}

func TestWebsocketSessionCreatesLobby(t *testing.T) {
	f := start(t)

	alice := dial(t, f, "alice")
	alice.Send(protocol.CreateLobby{Name: "room1"})
	assert.Equal(t, protocol.LobbyJoined{Name: "room1", Color: protocol.ColorWhite}, alice.Recv(wait))

	var list lobbyList
	require.Equal(t, http.StatusOK, getJSON(t, f.url("/lobbies"), &list))
	assert.Equal(t, []string{"room1"}, list.Lobbies)

	bob := dial(t, f, "bob")
	bob.Send(protocol.JoinLobby{Name: "room1"})
	assert.Equal(t, protocol.LobbyJoined{Name: "room1", Color: protocol.ColorBlack}, bob.Recv(wait))
	assert.Equal(t, protocol.OpponentJoined{Name: "bob"}, alice.Recv(wait))

	var view lobbyView
	require.Equal(t, http.StatusOK, getJSON(t, f.url("/lobbies/room1"), &view))
	assert.Equal(t, "room1", view.Name)
	assert.Equal(t, "alice", view.White)
	assert.Equal(t, "bob", view.Black)
	assert.False(t, view.Started)
	assert.Empty(t, view.MatchID)
	assert.Equal(t, 2, view.Holders)
}

func TestWebsocketFramesSplitAcrossMessages(t *testing.T) {
	f := start(t)
	c := dial(t, f, "")

	frame, err := protocol.Encode(protocol.ListLobbiesRequest{})
	require.NoError(t, err)
	for _, b := range frame {
		c.SendRaw([]byte{b})
	}
	assert.Equal(t, protocol.ListLobbiesResponse{Lobbies: []string{}}, normalize(c.Recv(wait)))
}

func TestWebsocketFramingErrorClosesSession(t *testing.T) {
	f := start(t)
	c := dial(t, f, "")
	c.SendRaw([]byte{0, 1, 'x'})
	c.ExpectClosed(wait)
}

func TestViewLobbyNotFound(t *testing.T) {
	f := start(t)
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.url("/lobbies/ghost"), nil))
}

func TestListLobbiesEmpty(t *testing.T) {
	f := start(t)
	var list lobbyList
	require.Equal(t, http.StatusOK, getJSON(t, f.url("/lobbies"), &list))
	assert.NotNil(t, list.Lobbies)
	assert.Empty(t, list.Lobbies)
}

func TestStopEndsOpenSessions(t *testing.T) {
	f := start(t)
	c := dial(t, f, "alice")
	c.Send(protocol.CreateLobby{Name: "room1"})
	c.Recv(wait)

	done := make(chan struct{})
	go func() {
		f.srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on an open websocket session")
	}
	c.ExpectClosed(wait)
}

// normalize maps a nil lobby slice to an empty one so decoded responses
// compare equal regardless of how msgpack represented the empty list.
func normalize(m protocol.Message) protocol.Message {
	if r, ok := m.(protocol.ListLobbiesResponse); ok && r.Lobbies == nil {
		r.Lobbies = []string{}
		return r
	}
	return m
}
