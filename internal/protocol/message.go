// Package protocol defines the wire messages exchanged between clients and the
// match server and the netstring-style frame codec that carries them.
package protocol

// Message tags as they appear in the "type" field of every payload.
const (
	TagSetUsername         = "SetUsername"
	TagCreateLobby         = "CreateLobby"
	TagJoinLobby           = "JoinLobby"
	TagListLobbiesRequest  = "ListLobbiesRequest"
	TagStartGame           = "StartGame"
	TagMovePiece           = "MovePiece"
	TagListLobbiesResponse = "ListLobbiesResponse"
	TagServerError         = "ServerError"
	TagLobbyJoined         = "LobbyJoined"
	TagOpponentJoined      = "OpponentJoined"
	TagGameStarted         = "GameStarted"
	TagMoveApplied         = "MoveApplied"
)

// Wire color values.
const (
	ColorWhite = "W"
	ColorBlack = "B"
)

// Message is one tagged protocol message.
type Message interface {
	// Tag returns the variant name written to the payload "type" field.
	Tag() string
}

// Position is a board square. X and Y are zero-based.
type Position struct {
	X uint8 `msgpack:"x"`
	Y uint8 `msgpack:"y"`
}

// SetUsername sets the display name of the sending session.
type SetUsername struct {
	Name string `msgpack:"name"`
}

// CreateLobby asks the server to open a new lobby seeded with the sender.
type CreateLobby struct {
	Name string `msgpack:"name"`
}

// JoinLobby asks the server to seat the sender in an existing lobby.
type JoinLobby struct {
	Name string `msgpack:"name"`
}

// ListLobbiesRequest asks for the names of all registered lobbies.
type ListLobbiesRequest struct{}

// StartGame asks the sender's lobby to start its match.
type StartGame struct{}

// MovePiece moves a piece in the sender's started match.
type MovePiece struct {
	Player string   `msgpack:"player"`
	From   Position `msgpack:"from"`
	To     Position `msgpack:"to"`
}

// ListLobbiesResponse answers ListLobbiesRequest.
type ListLobbiesResponse struct {
	Lobbies []string `msgpack:"lobbies"`
}

// ServerError reports a failed request to the peer.
type ServerError struct {
	Message string `msgpack:"message"`
}

// LobbyJoined confirms that the sender now occupies a seat in Name.
type LobbyJoined struct {
	Name  string `msgpack:"name"`
	Color string `msgpack:"color"`
}

// OpponentJoined tells a seated player that the other seat was taken.
type OpponentJoined struct {
	Name string `msgpack:"name"`
}

// GameStarted announces the start of a match to both players.
type GameStarted struct {
	MatchID string `msgpack:"match_id"`
	White   string `msgpack:"white"`
	Black   string `msgpack:"black"`
}

// MoveApplied announces an accepted move to both players.
type MoveApplied struct {
	Player string   `msgpack:"player"`
	From   Position `msgpack:"from"`
	To     Position `msgpack:"to"`
}

func (SetUsername) Tag() string         { return TagSetUsername }
func (CreateLobby) Tag() string         { return TagCreateLobby }
func (JoinLobby) Tag() string           { return TagJoinLobby }
func (ListLobbiesRequest) Tag() string  { return TagListLobbiesRequest }
func (StartGame) Tag() string           { return TagStartGame }
func (MovePiece) Tag() string           { return TagMovePiece }
func (ListLobbiesResponse) Tag() string { return TagListLobbiesResponse }
func (ServerError) Tag() string         { return TagServerError }
func (LobbyJoined) Tag() string         { return TagLobbyJoined }
func (OpponentJoined) Tag() string      { return TagOpponentJoined }
func (GameStarted) Tag() string         { return TagGameStarted }
func (MoveApplied) Tag() string         { return TagMoveApplied }

// unit reports whether the variant carries no content.
func unit(tag string) bool {
	return tag == TagListLobbiesRequest || tag == TagStartGame
}

// newMessage returns a pointer to a zero value of the variant for tag.
func newMessage(tag string) (Message, bool) {
	switch tag {
	case TagSetUsername:
		return &SetUsername{}, true
	case TagCreateLobby:
		return &CreateLobby{}, true
	case TagJoinLobby:
		return &JoinLobby{}, true
	case TagListLobbiesRequest:
		return &ListLobbiesRequest{}, true
	case TagStartGame:
		return &StartGame{}, true
	case TagMovePiece:
		return &MovePiece{}, true
	case TagListLobbiesResponse:
		return &ListLobbiesResponse{}, true
	case TagServerError:
		return &ServerError{}, true
	case TagLobbyJoined:
		return &LobbyJoined{}, true
	case TagOpponentJoined:
		return &OpponentJoined{}, true
	case TagGameStarted:
		return &GameStarted{}, true
	case TagMoveApplied:
		return &MoveApplied{}, true
	}
	return nil, false
}

// deref turns the pointer produced by newMessage back into a value.
func deref(m Message) Message {
	switch v := m.(type) {
	case *SetUsername:
		return *v
	case *CreateLobby:
		return *v
	case *JoinLobby:
		return *v
	case *ListLobbiesRequest:
		return *v
	case *StartGame:
		return *v
	case *MovePiece:
		return *v
	case *ListLobbiesResponse:
		return *v
	case *ServerError:
		return *v
	case *LobbyJoined:
		return *v
	case *OpponentJoined:
		return *v
	case *GameStarted:
		return *v
	case *MoveApplied:
		return *v
	}
	return m
}

// ClientOriginated reports whether clients are allowed to send m.
func ClientOriginated(m Message) bool {
	switch m.(type) {
	case SetUsername, CreateLobby, JoinLobby, ListLobbiesRequest, StartGame, MovePiece:
		return true
	}
	return false
}
