// Package protocol defines the envelope exchanged between a client connection
// and the chat server, and the framed binary codec that carries it.
package protocol

import (
	"fmt"
	"time"
)

// Kind discriminates an Envelope. The set of meaningful fields depends on the kind.
type Kind int32

const (
	KindUnknown Kind = iota
	KindLogin
	KindRoomList
	KindCreateRoom
	KindJoinRoom
	KindLeaveRoom
	KindChat
	KindImage
	KindSystem
	KindError
	KindUserList
	KindGameEvent
)

var kindNames = map[Kind]string{
	KindUnknown:    "UNKNOWN",
	KindLogin:      "LOGIN",
	KindRoomList:   "ROOM_LIST",
	KindCreateRoom: "CREATE_ROOM",
	KindJoinRoom:   "JOIN_ROOM",
	KindLeaveRoom:  "LEAVE_ROOM",
	KindChat:       "CHAT",
	KindImage:      "IMAGE",
	KindSystem:     "SYSTEM",
	KindError:      "ERROR",
	KindUserList:   "USER_LIST",
	KindGameEvent:  "GAME_EVENT",
}

// String returns the wire name of the kind, or KIND(n) for values outside the enum.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", int32(k))
}

// Known reports whether k is one of the defined kinds other than KindUnknown.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok && k != KindUnknown
}

// ClientKinds lists the kinds a client may send. SYSTEM, ERROR and USER_LIST
// are server-originated only.
func ClientKinds() []Kind {
	return []Kind{
		KindLogin,
		KindRoomList,
		KindCreateRoom,
		KindJoinRoom,
		KindLeaveRoom,
		KindChat,
		KindImage,
		KindGameEvent,
	}
}

// GameAction selects the game operation carried by a GAME_EVENT envelope.
type GameAction int32

const (
	ActionUnknown GameAction = iota
	ActionRequestJoinPlayer
	ActionRequestSpectator
	ActionMove
	ActionResign
	ActionState
	ActionError
	// ActionRequestJoin takes a free player slot if one exists, otherwise spectates.
	ActionRequestJoin
)

var actionNames = map[GameAction]string{
	ActionUnknown:           "UNKNOWN",
	ActionRequestJoinPlayer: "REQUEST_JOIN_PLAYER",
	ActionRequestSpectator:  "REQUEST_SPECTATOR",
	ActionMove:              "MOVE",
	ActionResign:            "RESIGN",
	ActionState:             "STATE",
	ActionError:             "ERROR",
	ActionRequestJoin:       "REQUEST_JOIN",
}

func (a GameAction) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ACTION(%d)", int32(a))
}

// BoardSize is the width and height of the game board.
const BoardSize = 15

// Stone is the content of one board cell.
type Stone uint8

const (
	StoneEmpty Stone = iota
	StoneBlack
	StoneWhite
)

// Result is the reason a game finished.
type Result int32

const (
	ResultNone Result = iota
	ResultWin
	ResultResign
	ResultDraw
)

var resultNames = map[Result]string{
	ResultNone:   "",
	ResultWin:    "WIN",
	ResultResign: "RESIGN",
	ResultDraw:   "DRAW",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RESULT(%d)", int32(r))
}

// GameState is the immutable snapshot broadcast after every game mutation.
// Board is indexed [x][y].
type GameState struct {
	Board       [BoardSize][BoardSize]Stone
	BlackPlayer string
	WhitePlayer string
	CurrentTurn string
	Finished    bool
	Winner      string
	Result      Result
	Spectators  []string
}

// GameEvent is the game-specific payload of a GAME_EVENT envelope.
// X and Y are only meaningful for ActionMove; State only for ActionState.
type GameEvent struct {
	Action GameAction
	X      int
	Y      int
	State  *GameState
}

// Envelope is one protocol message. Fields irrelevant to Kind are left zero.
type Envelope struct {
	Kind   Kind
	Room   string
	Sender string
	Text   string
	Rooms  []string
	Users  []string
	Image  []byte
	Game   *GameEvent
	// SentAt is stamped by the server on broadcast envelopes.
	SentAt time.Time
}

// Login builds the handshake envelope a client must send first.
func Login(nickname string) Envelope {
	return Envelope{Kind: KindLogin, Sender: nickname}
}

// RoomListRequest asks the server for the current room names.
func RoomListRequest() Envelope {
	return Envelope{Kind: KindRoomList}
}

// RoomList is the server reply carrying a room-name listing.
func RoomList(names []string) Envelope {
	return Envelope{Kind: KindRoomList, Rooms: names}
}

func CreateRoom(room string) Envelope {
	return Envelope{Kind: KindCreateRoom, Room: room}
}

func JoinRoom(room string) Envelope {
	return Envelope{Kind: KindJoinRoom, Room: room}
}

func LeaveRoom(room, sender string) Envelope {
	return Envelope{Kind: KindLeaveRoom, Room: room, Sender: sender}
}

func Chat(room, sender, text string) Envelope {
	return Envelope{Kind: KindChat, Room: room, Sender: sender, Text: text}
}

// Image carries an opaque image payload. The payload is not inspected by the server.
func Image(room, sender string, payload []byte) Envelope {
	return Envelope{Kind: KindImage, Room: room, Sender: sender, Image: payload}
}

// System builds a global notice (no room).
func System(text string) Envelope {
	return Envelope{Kind: KindSystem, Text: text}
}

// SystemForRoom builds a notice scoped to a room.
func SystemForRoom(room, text string) Envelope {
	return Envelope{Kind: KindSystem, Room: room, Text: text}
}

func Error(text string) Envelope {
	return Envelope{Kind: KindError, Text: text}
}

func UserList(room string, users []string) Envelope {
	return Envelope{Kind: KindUserList, Room: room, Users: users}
}

// GameRequest builds a client GAME_EVENT without coordinates.
func GameRequest(room string, action GameAction) Envelope {
	return Envelope{Kind: KindGameEvent, Room: room, Game: &GameEvent{Action: action}}
}

// GameMove builds a client MOVE request for cell (x, y).
func GameMove(room string, x, y int) Envelope {
	return Envelope{Kind: KindGameEvent, Room: room, Game: &GameEvent{Action: ActionMove, X: x, Y: y}}
}

// GameStateEvent wraps a snapshot for broadcast to a room.
func GameStateEvent(room string, state GameState) Envelope {
	return Envelope{Kind: KindGameEvent, Room: room, Game: &GameEvent{Action: ActionState, State: &state}}
}

// GameError builds the game-scoped error returned to the requester only.
func GameError(room, text string) Envelope {
	return Envelope{Kind: KindGameEvent, Room: room, Text: text, Game: &GameEvent{Action: ActionError}}
}
