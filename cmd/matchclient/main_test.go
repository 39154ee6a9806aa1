package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/multichess/internal/protocol"
)

func TestParseScript(t *testing.T) {
	msgs, err := parseScript("name alice; create room1;; list ;start; move W 6,4 4,4; join other")
	require.NoError(t, err)
	assert.Equal(t, []protocol.Message{
		protocol.SetUsername{Name: "alice"},
		protocol.CreateLobby{Name: "room1"},
		protocol.ListLobbiesRequest{},
		protocol.StartGame{},
		protocol.MovePiece{Player: "W", From: protocol.Position{X: 6, Y: 4}, To: protocol.Position{X: 4, Y: 4}},
		protocol.JoinLobby{Name: "other"},
	}, msgs)
}

func TestParseScriptErrors(t *testing.T) {
	for _, script := range []string{
		"fly away",
		"name",
		"name a b",
		"list now",
		"move W 6,4",
		"move W 6-4 4,4",
		"move W 8,0 4,4",
		"move W 0,9 4,4",
	} {
		_, err := parseScript(script)
		assert.Error(t, err, "script %q", script)
	}
}

func TestRunSendsAndPrints(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	go func() {
		defer srv.Close()
		dec := protocol.NewDecoder()
		buf := make([]byte, 256)
		for {
			m, ok, err := dec.Next()
			if err != nil {
				return
			}
			if ok {
				if _, isList := m.(protocol.ListLobbiesRequest); isList {
					_ = protocol.WriteMessage(srv, protocol.ListLobbiesResponse{Lobbies: []string{"room1"}})
					return
				}
				continue
			}
			n, err := srv.Read(buf)
			if err != nil {
				return
			}
			dec.Feed(buf[:n])
		}
	}()

	var out bytes.Buffer
	err := run(context.Background(), client, []protocol.Message{
		protocol.SetUsername{Name: "alice"},
		protocol.ListLobbiesRequest{},
	}, time.Second, &out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "Received ListLobbiesResponse"), out.String())
	assert.Contains(t, out.String(), "room1")
}
