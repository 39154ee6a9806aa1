// Package main provides a scripted client for exercising a running match
// server. Each -script step sends one message; every message received is
// printed until the connection closes or -wait elapses without traffic.
//
// Script steps are separated by ';':
//
//	name alice; create room1; list; start; move W 6,4 4,4
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cory-johannsen/multichess/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "match server TCP address")
	script := flag.String("script", "list", "';'-separated steps: name N, create L, join L, list, start, move C x,y x,y")
	wait := flag.Duration("wait", 2*time.Second, "stop after this long without receiving a message")
	flag.Parse()

	steps, err := parseScript(*script)
	if err != nil {
		log.Fatalf("parsing script: %v", err)
	}

	conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		log.Fatalf("connecting to %s: %v", *addr, err)
	}
	defer conn.Close()

	if err := run(context.Background(), conn, steps, *wait, os.Stdout); err != nil {
		log.Fatalf("session failed: %v", err)
	}
	fmt.Fprintln(os.Stdout, "Done")
}

// run sends steps in order, then prints received messages until the peer
// closes, ctx ends, or idle passes without traffic.
func run(ctx context.Context, conn net.Conn, steps []protocol.Message, idle time.Duration, out io.Writer) error {
	for _, m := range steps {
		if err := protocol.WriteMessage(conn, m); err != nil {
			return fmt.Errorf("sending %s: %w", m.Tag(), err)
		}
	}

	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		m, ok, err := dec.Next()
		if err != nil && !ok {
			return fmt.Errorf("decoding frames: %w", err)
		}
		if ok {
			if err != nil {
				fmt.Fprintf(out, "Malformed %v\n", err)
			} else {
				fmt.Fprintf(out, "Received %s %+v\n", m.Tag(), m)
			}
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			var ne net.Error
			if errors.Is(err, io.EOF) || (errors.As(err, &ne) && ne.Timeout()) {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
	}
}

// parseScript turns a ';'-separated script into messages.
func parseScript(script string) ([]protocol.Message, error) {
	var msgs []protocol.Message
	for _, step := range strings.Split(script, ";") {
		fields := strings.Fields(step)
		if len(fields) == 0 {
			continue
		}
		m, err := parseStep(fields)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", strings.TrimSpace(step), err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func parseStep(fields []string) (protocol.Message, error) {
	verb, args := fields[0], fields[1:]
	want := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d argument(s), got %d", verb, n, len(args))
		}
		return nil
	}

	switch verb {
	case "name":
		if err := want(1); err != nil {
			return nil, err
		}
		return protocol.SetUsername{Name: args[0]}, nil
	case "create":
		if err := want(1); err != nil {
			return nil, err
		}
		return protocol.CreateLobby{Name: args[0]}, nil
	case "join":
		if err := want(1); err != nil {
			return nil, err
		}
		return protocol.JoinLobby{Name: args[0]}, nil
	case "list":
		if err := want(0); err != nil {
			return nil, err
		}
		return protocol.ListLobbiesRequest{}, nil
	case "start":
		if err := want(0); err != nil {
			return nil, err
		}
		return protocol.StartGame{}, nil
	case "move":
		if err := want(3); err != nil {
			return nil, err
		}
		from, err := parsePosition(args[1])
		if err != nil {
			return nil, err
		}
		to, err := parsePosition(args[2])
		if err != nil {
			return nil, err
		}
		return protocol.MovePiece{Player: args[0], From: from, To: to}, nil
	default:
		return nil, fmt.Errorf("unknown step %q", verb)
	}
}

// parsePosition parses "x,y" with both coordinates in 0..7.
func parsePosition(s string) (protocol.Position, error) {
	xs, ys, found := strings.Cut(s, ",")
	if !found {
		return protocol.Position{}, fmt.Errorf("position %q: want x,y", s)
	}
	x, err := strconv.ParseUint(xs, 10, 8)
	if err != nil || x > 7 {
		return protocol.Position{}, fmt.Errorf("position %q: bad x", s)
	}
	y, err := strconv.ParseUint(ys, 10, 8)
	if err != nil || y > 7 {
		return protocol.Position{}, fmt.Errorf("position %q: bad y", s)
	}
	return protocol.Position{X: uint8(x), Y: uint8(y)}, nil
}
