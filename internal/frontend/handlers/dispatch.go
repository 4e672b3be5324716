package handlers

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/omokchat/internal/chat"
	"github.com/cory-johannsen/omokchat/internal/protocol"
)

// dispatchContext carries all inputs a dispatch function needs.
type dispatchContext struct {
	handler *SessionHandler
	session *clientSession
	env     protocol.Envelope
}

// dispatchFunc is the signature for all inbound envelope handlers. Failures are
// reported to the client; nothing here ends the session.
type dispatchFunc func(dctx *dispatchContext)

// Dispatchers returns the set of kinds with a dispatch function.
// Exported so the completeness test can verify every client kind is wired.
func Dispatchers() map[protocol.Kind]bool {
	out := make(map[protocol.Kind]bool, len(dispatchTable))
	for kind := range dispatchTable {
		out[kind] = true
	}
	return out
}

// dispatchTable is the single source of truth for inbound dispatch.
// Kinds missing here are answered with "unsupported type".
var dispatchTable = map[protocol.Kind]dispatchFunc{
	protocol.KindLogin:      dispatchLogin,
	protocol.KindRoomList:   dispatchRoomList,
	protocol.KindCreateRoom: dispatchCreateRoom,
	protocol.KindJoinRoom:   dispatchJoinRoom,
	protocol.KindLeaveRoom:  dispatchLeaveRoom,
	protocol.KindChat:       dispatchChat,
	protocol.KindImage:      dispatchImage,
	protocol.KindGameEvent:  dispatchGameEvent,
}

func dispatchLogin(dctx *dispatchContext) {
	dctx.session.reply(protocol.Error(msgAlreadyLoggedIn))
}

func dispatchRoomList(dctx *dispatchContext) {
	dctx.session.reply(protocol.RoomList(dctx.handler.registry.ListNames()))
}

// dispatchCreateRoom creates the room if absent and rebroadcasts the listing to
// every connected session.
func dispatchCreateRoom(dctx *dispatchContext) {
	name, ok := roomName(dctx)
	if !ok {
		return
	}
	if _, created := dctx.handler.registry.GetOrCreate(name); created {
		dctx.session.logger.Info("room created by request", zap.String("room", name))
	}
	dctx.handler.registry.BroadcastRoomList()
}

// dispatchJoinRoom joins the room, creating it implicitly if needed.
func dispatchJoinRoom(dctx *dispatchContext) {
	name, ok := roomName(dctx)
	if !ok {
		return
	}
	s := dctx.session
	room, created, err := dctx.handler.registry.Join(name, s)
	switch {
	case errors.Is(err, chat.ErrAlreadyJoined):
		s.reply(protocol.SystemForRoom(name, msgAlreadyJoined))
		return
	case err != nil:
		s.logger.Error("joining room", zap.String("room", name), zap.Error(err))
		s.reply(protocol.Error(err.Error()))
		return
	}
	s.rooms[name] = room
	if created {
		dctx.handler.registry.BroadcastRoomList()
	}
}

// dispatchLeaveRoom leaves the room and prunes it if it became empty.
func dispatchLeaveRoom(dctx *dispatchContext) {
	name, ok := roomName(dctx)
	if !ok {
		return
	}
	s := dctx.session
	room, ok := s.rooms[name]
	if !ok {
		s.reply(protocol.Error(msgNotMember))
		return
	}
	room.Leave(s)
	delete(s.rooms, name)
	dctx.handler.registry.RemoveIfEmpty(name)
}

func dispatchChat(dctx *dispatchContext) {
	room, ok := memberRoom(dctx)
	if !ok {
		return
	}
	text := dctx.env.Text
	switch {
	case strings.TrimSpace(text) == "":
		dctx.session.reply(protocol.Error(msgEmptyText))
		return
	case len(text) > dctx.handler.limits.MaxTextLength:
		dctx.session.reply(protocol.Error(msgTextTooLong))
		return
	}
	post(dctx, room, protocol.Chat(room.Name(), dctx.session.nickname, text))
}

func dispatchImage(dctx *dispatchContext) {
	room, ok := memberRoom(dctx)
	if !ok {
		return
	}
	payload := dctx.env.Image
	switch {
	case len(payload) == 0:
		dctx.session.reply(protocol.Error(msgEmptyImage))
		return
	case len(payload) > dctx.handler.limits.MaxImageBytes:
		dctx.session.reply(protocol.Error(msgImageTooLarge))
		return
	}
	post(dctx, room, protocol.Image(room.Name(), dctx.session.nickname, payload))
}

// dispatchGameEvent forwards a game action to the room. Rule violations go back
// to the requester only as a game-scoped error.
func dispatchGameEvent(dctx *dispatchContext) {
	if dctx.env.Game == nil {
		dctx.session.reply(protocol.Error(msgMissingAction))
		return
	}
	room, ok := memberRoom(dctx)
	if !ok {
		return
	}
	s := dctx.session
	if err := room.GameRequest(s, *dctx.env.Game); err != nil {
		if errors.Is(err, chat.ErrNotMember) {
			s.reply(protocol.Error(msgNotMember))
			return
		}
		s.logger.Debug("game request rejected",
			zap.String("room", room.Name()),
			zap.Stringer("action", dctx.env.Game.Action),
			zap.Error(err),
		)
		s.reply(protocol.GameError(room.Name(), err.Error()))
	}
}

func roomName(dctx *dispatchContext) (string, bool) {
	name := strings.TrimSpace(dctx.env.Room)
	if name == "" {
		dctx.session.reply(protocol.Error(msgRoomRequired))
		return "", false
	}
	return name, true
}

// memberRoom resolves the envelope's room among the rooms this session joined.
func memberRoom(dctx *dispatchContext) (*chat.Room, bool) {
	name, ok := roomName(dctx)
	if !ok {
		return nil, false
	}
	room, ok := dctx.session.rooms[name]
	if !ok {
		dctx.session.reply(protocol.Error(msgNotMember))
		return nil, false
	}
	return room, true
}

func post(dctx *dispatchContext, room *chat.Room, env protocol.Envelope) {
	if err := room.Post(dctx.session, env); err != nil {
		dctx.session.reply(protocol.Error(msgNotMember))
	}
}
