package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/multichess/internal/actor"
	"github.com/cory-johannsen/multichess/internal/game/chess"
	"github.com/cory-johannsen/multichess/internal/game/lobby"
	"github.com/cory-johannsen/multichess/internal/game/registry"
	"github.com/cory-johannsen/multichess/internal/protocol"
)

// Peer-visible error texts.
const (
	msgEmptyUsername   = "Username must not be empty."
	msgNoUsername      = "Set a username first."
	msgEmptyLobbyName  = "Lobby name must not be empty."
	msgAlreadyInLobby  = "Cannot join lobby when already in lobby."
	msgCreateInLobby   = "Cannot create lobby when already in lobby."
	msgRequestPending  = "A lobby request is already in progress."
	msgNameTaken       = "Lobby name already taken."
	msgUnableToJoin    = "Unable to join lobby"
	msgLobbyFull       = "Lobby is full."
	msgNotInLobby      = "Not in a lobby."
	msgNotEnough       = "Not enough players to start."
	msgAlreadyStarted  = "Game already started."
	msgNotStarted      = "Game not started."
	msgWrongColor      = "Cannot move the opponent's pieces."
	msgNotYourTurn     = "Not your turn."
	msgInvalidMove     = "Invalid move."
	msgBadColor        = "Unknown player color."
	msgMalformed       = "Malformed message."
	msgServerDirection = "Message type is not accepted from clients."
	msgInternal        = "Internal server error."
)

type event interface{ isSessionEvent() }

type inbound struct{ msg protocol.Message }

type malformed struct{ err error }

type readEnded struct{ err error }

type notify struct{ msg protocol.Message }

type createDone struct {
	name   string
	handle lobby.Handle
	color  chess.Color
	err    error
}

type joinDone struct {
	name   string
	routed registry.Routed
	err    error
}

type listDone struct {
	names []string
	err   error
}

type startDone struct {
	started lobby.Started
	err     error
}

type moveDone struct {
	move protocol.MovePiece
	err  error
}

func (inbound) isSessionEvent()    {}
func (malformed) isSessionEvent()  {}
func (readEnded) isSessionEvent()  {}
func (notify) isSessionEvent()     {}
func (createDone) isSessionEvent() {}
func (joinDone) isSessionEvent()   {}
func (listDone) isSessionEvent()   {}
func (startDone) isSessionEvent()  {}
func (moveDone) isSessionEvent()   {}

// errPeerClosed ends the loop without reporting a failure.
var errPeerClosed = errors.New("session: peer closed connection")

type session struct {
	id     uint64
	conn   net.Conn
	dir    Directory
	opts   Options
	logger *zap.Logger
	mb     *actor.Mailbox[event]
	wg     sync.WaitGroup
	ctx    context.Context

	// Owned by the loop goroutine.
	username string
	current  lobby.Handle
	color    chess.Color
	pending  bool
}

func newSession(id uint64, conn net.Conn, dir Directory, opts Options, logger *zap.Logger) *session {
	return &session{
		id:     id,
		conn:   conn,
		dir:    dir,
		opts:   opts,
		logger: logger,
		mb:     actor.NewMailbox[event](opts.MailboxSize),
	}
}

func (s *session) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.ctx = ctx
	s.logger.Debug("session started")

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.read(ctx)
	}()

	err := s.loop(ctx)

	// Closing the mailbox first makes every lobby holding this session
	// detach it, and drops replies that arrive from now on.
	s.mb.Close()
	cancel()
	_ = s.conn.Close()
	<-readerDone
	s.wg.Wait()

	if errors.Is(err, errPeerClosed) {
		err = nil
	}
	s.logger.Debug("session stopped", zap.String("lobby", s.current.Name()), zap.Error(err))
	return err
}

func (s *session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.mb.Inbox():
			if err := s.handle(ev); err != nil {
				return err
			}
		}
	}
}

// read feeds socket bytes through a Decoder and posts what it yields.
func (s *session) read(ctx context.Context) {
	dec := protocol.NewDecoder()
	buf := make([]byte, s.opts.ReadBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				m, ok, derr := dec.Next()
				if derr != nil && !ok {
					_ = s.mb.Tell(ctx, readEnded{err: derr})
					return
				}
				if !ok {
					break
				}
				var ev event = inbound{msg: m}
				if derr != nil {
					ev = malformed{err: derr}
				}
				if s.mb.Tell(ctx, ev) != nil {
					return
				}
			}
		}
		if err != nil {
			_ = s.mb.Tell(ctx, readEnded{err: err})
			return
		}
	}
}

// handle processes one event. A non-nil error ends the session.
func (s *session) handle(ev event) error {
	switch ev := ev.(type) {
	case inbound:
		s.logger.Debug("received message", zap.String("tag", ev.msg.Tag()))
		return s.handleInbound(ev.msg)
	case malformed:
		s.logger.Debug("malformed message", zap.Error(ev.err))
		return s.replyError(msgMalformed)
	case readEnded:
		if errors.Is(ev.err, io.EOF) {
			return errPeerClosed
		}
		if errors.Is(ev.err, protocol.ErrFraming) {
			s.logger.Warn("framing error, closing connection", zap.Error(ev.err))
			return fmt.Errorf("reading frames: %w", ev.err)
		}
		return fmt.Errorf("reading connection: %w", ev.err)
	case notify:
		return s.write(ev.msg)
	case createDone:
		return s.onCreated(ev)
	case joinDone:
		return s.onJoined(ev)
	case listDone:
		if ev.err != nil {
			s.logger.Error("listing lobbies", zap.Error(ev.err))
			return s.replyError(msgInternal)
		}
		return s.write(protocol.ListLobbiesResponse{Lobbies: ev.names})
	case startDone:
		return s.onStarted(ev)
	case moveDone:
		return s.onMoved(ev)
	}
	return nil
}

func (s *session) handleInbound(m protocol.Message) error {
	switch m := m.(type) {
	case protocol.SetUsername:
		if m.Name == "" {
			return s.replyError(msgEmptyUsername)
		}
		s.username = m.Name
		s.logger.Debug("username set", zap.String("username", m.Name))
		return nil
	case protocol.CreateLobby:
		return s.createLobby(m.Name)
	case protocol.JoinLobby:
		return s.joinLobby(m.Name)
	case protocol.ListLobbiesRequest:
		s.async(func(ctx context.Context) event {
			names, err := s.dir.ListLobbies(ctx)
			return listDone{names: names, err: err}
		})
		return nil
	case protocol.StartGame:
		return s.startGame()
	case protocol.MovePiece:
		return s.movePiece(m)
	}
	s.logger.Debug("rejected server-originated message", zap.String("tag", m.Tag()))
	return s.replyError(msgServerDirection)
}

func (s *session) createLobby(name string) error {
	switch {
	case s.username == "":
		return s.replyError(msgNoUsername)
	case name == "":
		return s.replyError(msgEmptyLobbyName)
	case !s.current.IsZero():
		return s.replyError(msgCreateInLobby)
	case s.pending:
		return s.replyError(msgRequestPending)
	}
	s.pending = true
	p := s.player()
	s.async(func(ctx context.Context) event {
		h, color, err := s.dir.CreateLobby(ctx, name, p)
		return createDone{name: name, handle: h, color: color, err: err}
	})
	return nil
}

func (s *session) joinLobby(name string) error {
	switch {
	case s.username == "":
		return s.replyError(msgNoUsername)
	case name == "":
		return s.replyError(msgEmptyLobbyName)
	case !s.current.IsZero():
		return s.replyError(msgAlreadyInLobby)
	case s.pending:
		return s.replyError(msgRequestPending)
	}
	s.pending = true
	p := s.player()
	s.async(func(ctx context.Context) event {
		routed, err := s.dir.RouteToLobby(ctx, name, lobby.JoinRequest{Player: p})
		return joinDone{name: name, routed: routed, err: err}
	})
	return nil
}

func (s *session) onCreated(ev createDone) error {
	s.pending = false
	if ev.err != nil {
		if errors.Is(ev.err, registry.ErrNameTaken) {
			return s.replyError(msgNameTaken)
		}
		s.logger.Error("creating lobby", zap.String("lobby", ev.name), zap.Error(ev.err))
		return s.replyError(msgInternal)
	}
	return s.enter(ev.handle, ev.color)
}

func (s *session) onJoined(ev joinDone) error {
	s.pending = false
	if ev.err != nil {
		switch {
		case errors.Is(ev.err, registry.ErrDeliveryFailed):
			s.logger.Warn("lobby vanished during join", zap.String("lobby", ev.name), zap.Error(ev.err))
			return s.replyError(msgUnableToJoin)
		case errors.Is(ev.err, registry.ErrDoesNotExist):
			s.logger.Debug("join of missing lobby", zap.String("lobby", ev.name))
			return s.replyError(msgUnableToJoin)
		case errors.Is(ev.err, lobby.ErrLobbyFull):
			return s.replyError(msgLobbyFull)
		}
		s.logger.Error("joining lobby", zap.String("lobby", ev.name), zap.Error(ev.err))
		return s.replyError(msgInternal)
	}
	color, ok := ev.routed.Value.(chess.Color)
	if !ok {
		s.logger.Error("unexpected join reply",
			zap.String("lobby", ev.name),
			zap.String("reply_type", fmt.Sprintf("%T", ev.routed.Value)),
		)
		s.detach(ev.routed.Handle)
		return s.replyError(msgInternal)
	}
	return s.enter(ev.routed.Handle, color)
}

// enter records h as the current lobby unless one is already held, in which
// case the session lets go of h again.
func (s *session) enter(h lobby.Handle, color chess.Color) error {
	if !s.current.IsZero() {
		s.logger.Warn("lobby reply while already in a lobby",
			zap.String("lobby", s.current.Name()),
			zap.String("other", h.Name()),
		)
		s.detach(h)
		return s.replyError(msgAlreadyInLobby)
	}
	s.current = h
	s.color = color
	s.logger.Info("entered lobby", zap.String("lobby", h.Name()), zap.String("color", color.String()))
	return s.write(protocol.LobbyJoined{Name: h.Name(), Color: color.String()})
}

func (s *session) startGame() error {
	switch {
	case s.username == "":
		return s.replyError(msgNoUsername)
	case s.current.IsZero():
		return s.replyError(msgNotInLobby)
	}
	l, ok := s.current.Upgrade()
	if !ok {
		return s.replyError(msgNotInLobby)
	}
	s.async(func(ctx context.Context) event {
		started, err := l.Start(ctx, s.id)
		return startDone{started: started, err: err}
	})
	return nil
}

func (s *session) onStarted(ev startDone) error {
	if ev.err != nil {
		switch {
		case errors.Is(ev.err, lobby.ErrNotEnoughPlayers):
			return s.replyError(msgNotEnough)
		case errors.Is(ev.err, lobby.ErrGameAlreadyStarted):
			return s.replyError(msgAlreadyStarted)
		case errors.Is(ev.err, actor.ErrStopped), errors.Is(ev.err, actor.ErrTimeout):
			s.logger.Warn("lobby unavailable for start", zap.Error(ev.err))
			return s.replyError(msgNotInLobby)
		}
		s.logger.Error("starting game", zap.Error(ev.err))
		return s.replyError(msgInternal)
	}
	return s.write(protocol.GameStarted{
		MatchID: ev.started.MatchID.String(),
		White:   ev.started.White,
		Black:   ev.started.Black,
	})
}

func (s *session) movePiece(m protocol.MovePiece) error {
	switch {
	case s.username == "":
		return s.replyError(msgNoUsername)
	case s.current.IsZero():
		return s.replyError(msgNotInLobby)
	}
	color, err := chess.ParseColor(m.Player)
	if err != nil {
		return s.replyError(msgBadColor)
	}
	l, ok := s.current.Upgrade()
	if !ok {
		return s.replyError(msgNotInLobby)
	}
	mv := lobby.Move{
		Player: color,
		From:   chess.Position{X: m.From.X, Y: m.From.Y},
		To:     chess.Position{X: m.To.X, Y: m.To.Y},
	}
	s.async(func(ctx context.Context) event {
		return moveDone{move: m, err: l.Move(ctx, s.id, mv)}
	})
	return nil
}

func (s *session) onMoved(ev moveDone) error {
	if ev.err != nil {
		switch {
		case errors.Is(ev.err, lobby.ErrGameNotStarted):
			return s.replyError(msgNotStarted)
		case errors.Is(ev.err, lobby.ErrWrongColor):
			return s.replyError(msgWrongColor)
		case errors.Is(ev.err, chess.ErrNotYourTurn):
			return s.replyError(msgNotYourTurn)
		case errors.Is(ev.err, chess.ErrInvalidMove):
			return s.replyError(msgInvalidMove)
		case errors.Is(ev.err, actor.ErrStopped), errors.Is(ev.err, actor.ErrTimeout):
			s.logger.Warn("lobby unavailable for move", zap.Error(ev.err))
			return s.replyError(msgNotInLobby)
		}
		s.logger.Error("moving piece", zap.Error(ev.err))
		return s.replyError(msgInternal)
	}
	return s.write(protocol.MoveApplied{Player: ev.move.Player, From: ev.move.From, To: ev.move.To})
}

// async runs call off the loop with a bounded deadline and posts its result
// back to the mailbox. Results posted after the session stopped are dropped.
func (s *session) async(call func(ctx context.Context) event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		ev := call(ctx)
		cancel()
		if err := s.mb.Tell(s.ctx, ev); err != nil {
			s.logger.Debug("dropped reply", zap.String("reply", fmt.Sprintf("%T", ev)), zap.Error(err))
		}
	}()
}

// detach releases h off the loop. The lobby also detaches this session on
// its own once the session ends.
func (s *session) detach(h lobby.Handle) {
	l, ok := h.Upgrade()
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		if err := l.Detach(ctx, s.id); err != nil {
			s.logger.Debug("detach failed", zap.String("lobby", h.Name()), zap.Error(err))
		}
	}()
}

func (s *session) replyError(text string) error {
	return s.write(protocol.ServerError{Message: text})
}

func (s *session) write(m protocol.Message) error {
	if err := protocol.WriteMessage(s.conn, m); err != nil {
		return fmt.Errorf("writing %s: %w", m.Tag(), err)
	}
	return nil
}

// player is the lobby's view of this session, with the name fixed at
// request time.
type player struct {
	s    *session
	name string
}

func (s *session) player() player { return player{s: s, name: s.username} }

func (p player) ID() uint64            { return p.s.id }
func (p player) Name() string          { return p.name }
func (p player) Done() <-chan struct{} { return p.s.mb.Done() }

// Notify queues m for the session's write path.
func (p player) Notify(m protocol.Message) bool {
	err := p.s.mb.TryTell(notify{msg: m})
	switch {
	case err == nil:
		return true
	case errors.Is(err, actor.ErrStopped):
		return false
	default:
		p.s.logger.Warn("notification dropped", zap.String("tag", m.Tag()), zap.Error(err))
		return false
	}
}
