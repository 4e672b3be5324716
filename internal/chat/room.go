// Package chat provides rooms, their shared history and embedded game, and the
// registry that tracks rooms and connected sessions.
package chat

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/omokchat/internal/game/omok"
	"github.com/cory-johannsen/omokchat/internal/protocol"
)

var (
	// ErrRoomClosed is returned when joining a room the registry already removed.
	ErrRoomClosed        = errors.New("room is closed")
	ErrAlreadyJoined     = errors.New("already joined")
	ErrNotMember         = errors.New("not a member of the room")
	ErrNoGame            = errors.New("no game in progress")
	ErrUnsupportedAction = errors.New("unsupported game action")
)

// Participant is a connected session as seen by a room.
type Participant interface {
	// ID uniquely identifies the connection.
	ID() string
	// Nickname is the display name, also used as the game identity.
	Nickname() string
	// Send delivers env to the client. It must not block.
	Send(env protocol.Envelope) error
	// SendBatch delivers envs in order as one unit: all of them or none. It must not block.
	SendBatch(envs []protocol.Envelope) error
}

// HistoryLimits caps what a room retains for replay. The oldest entries are
// dropped first. A zero field disables that cap.
type HistoryLimits struct {
	MaxEntries int
	MaxBytes   int
}

// Room is a named channel with members, an append-only history, and at most one game.
// One mutex guards all three so that history replay, broadcasts, and game moves are
// applied in a single order.
type Room struct {
	name   string
	limits HistoryLimits
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	participants map[string]Participant
	history      []protocol.Envelope
	historyBytes int
	game         *omok.Game
	closed       bool
}

// NewRoom creates an empty room.
//
// Precondition: name must be non-empty; logger must be non-nil.
func NewRoom(name string, limits HistoryLimits, logger *zap.Logger) *Room {
	return &Room{
		name:         name,
		limits:       limits,
		logger:       logger,
		now:          time.Now,
		participants: make(map[string]Participant),
	}
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// Join adds p, replays history to it, then announces it and rebroadcasts the member list.
// If a game is live the joiner also receives its current state.
//
// The joiner's replay, its own join notice, the member list and the game state
// are handed to p as a single batch, so a long history cannot be cut short by
// the joiner's outbound bound.
//
// Postcondition: p is a member, or ErrAlreadyJoined / ErrRoomClosed is returned.
func (r *Room) Join(p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	if _, ok := r.participants[p.ID()]; ok {
		return ErrAlreadyJoined
	}
	r.participants[p.ID()] = p

	notice := r.stamp(protocol.SystemForRoom(r.name, fmt.Sprintf("%s joined the room.", p.Nickname())))
	retained := r.persistLocked(notice)
	users := r.stamp(protocol.UserList(r.name, r.membersLocked()))

	replay := make([]protocol.Envelope, 0, len(r.history)+3)
	replay = append(replay, r.history...)
	if !retained {
		replay = append(replay, notice)
	}
	replay = append(replay, users)
	if r.game != nil && (r.game.HasPlayers() || r.game.IsFinished()) {
		replay = append(replay, r.stamp(r.stateEnvelopeLocked()))
	}
	if err := p.SendBatch(replay); err != nil {
		r.logger.Warn("history replay failed",
			zap.String("nickname", p.Nickname()),
			zap.Int("envelopes", len(replay)),
			zap.Error(err),
		)
	}

	for id, other := range r.participants {
		if id == p.ID() {
			continue
		}
		r.deliver(other, notice)
		r.deliver(other, users)
	}

	r.logger.Info("participant joined",
		zap.String("nickname", p.Nickname()),
		zap.Int("participants", len(r.participants)),
	)
	return nil
}

// Leave removes p. Absent participants are ignored.
//
// Postcondition: Returns true if p was a member; members have been told it left.
func (r *Room) Leave(p Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p.ID()]; !ok {
		return false
	}
	delete(r.participants, p.ID())

	r.broadcastLocked(protocol.SystemForRoom(r.name, fmt.Sprintf("%s left the room.", p.Nickname())), false)

	if r.game != nil && r.game.OnParticipantLeft(p.Nickname()) {
		r.logger.Debug("game updated",
			zap.String("left", p.Nickname()),
			zap.Stringer("phase", r.game.Phase()),
		)
		r.broadcastLocked(r.stateEnvelopeLocked(), false)
	}

	r.broadcastUserListLocked()

	r.logger.Info("participant left",
		zap.String("nickname", p.Nickname()),
		zap.Int("participants", len(r.participants)),
	)
	return true
}

// Broadcast optionally appends env to history and delivers it to every member.
// A failed delivery to one member does not affect the others.
func (r *Room) Broadcast(env protocol.Envelope, persist bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(env, persist)
}

// Post broadcasts and persists env on behalf of p.
//
// Postcondition: Returns ErrNotMember without side effects if p has not joined.
func (r *Room) Post(p Participant, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p.ID()]; !ok {
		return ErrNotMember
	}
	r.broadcastLocked(env, true)
	return nil
}

// GameRequest applies a client game action for p and broadcasts the new state.
// Game rule violations are returned unchanged so callers can match them with errors.Is.
//
// Postcondition: On success every member received the updated state.
func (r *Room) GameRequest(p Participant, ev protocol.GameEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p.ID()]; !ok {
		return ErrNotMember
	}
	id := p.Nickname()

	switch ev.Action {
	case protocol.ActionRequestJoinPlayer:
		if err := r.gameLocked().JoinAsPlayer(id); err != nil {
			return err
		}
	case protocol.ActionRequestSpectator:
		r.gameLocked().JoinAsSpectator(id)
	case protocol.ActionRequestJoin:
		r.gameLocked().TryJoin(id)
	case protocol.ActionMove:
		if r.game == nil {
			return ErrNoGame
		}
		if err := r.game.PlaceStone(id, ev.X, ev.Y); err != nil {
			return err
		}
	case protocol.ActionResign:
		if r.game == nil {
			return ErrNoGame
		}
		r.game.Resign(id)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAction, ev.Action)
	}

	r.logger.Debug("game updated",
		zap.String("nickname", id),
		zap.Stringer("action", ev.Action),
		zap.Stringer("phase", r.game.Phase()),
	)
	r.broadcastLocked(r.stateEnvelopeLocked(), false)
	return nil
}

// GameState returns the live game's snapshot, if a game exists.
func (r *Room) GameState() (protocol.GameState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.game == nil {
		return protocol.GameState{}, false
	}
	return stateFromSnapshot(r.game.Snapshot()), true
}

// History returns a copy of the persisted envelopes in append order.
func (r *Room) History() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.Envelope, len(r.history))
	copy(out, r.history)
	return out
}

// Members returns the sorted nicknames of current participants.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked()
}

// IsMember reports whether p has joined.
func (r *Room) IsMember(p Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[p.ID()]
	return ok
}

// retire marks the room closed if it is empty. Called by the registry while it
// holds its own lock.
func (r *Room) retire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) > 0 {
		return false
	}
	r.closed = true
	return true
}

// gameLocked returns the live game, starting a fresh one when there is none or
// the previous one finished and lost all its players.
func (r *Room) gameLocked() *omok.Game {
	if r.game == nil || (r.game.IsFinished() && !r.game.HasPlayers()) {
		r.game = omok.New()
		r.logger.Debug("game created")
	}
	return r.game
}

func (r *Room) stateEnvelopeLocked() protocol.Envelope {
	return protocol.GameStateEvent(r.name, stateFromSnapshot(r.game.Snapshot()))
}

func (r *Room) broadcastLocked(env protocol.Envelope, persist bool) {
	env = r.stamp(env)
	if persist {
		r.persistLocked(env)
	}
	for _, p := range r.participants {
		r.deliver(p, env)
	}
}

func (r *Room) stamp(env protocol.Envelope) protocol.Envelope {
	if env.SentAt.IsZero() {
		env.SentAt = r.now()
	}
	return env
}

// persistLocked appends env and drops the oldest entries until the history is
// back within its limits. Returns false if env itself had to be dropped.
func (r *Room) persistLocked(env protocol.Envelope) bool {
	r.history = append(r.history, env)
	r.historyBytes += envelopeSize(env)

	drop := 0
	for drop < len(r.history) && r.overLimitLocked(len(r.history)-drop) {
		r.historyBytes -= envelopeSize(r.history[drop])
		drop++
	}
	if drop == 0 {
		return true
	}
	retained := drop < len(r.history)
	clear(r.history[:drop])
	r.history = r.history[drop:]
	r.logger.Debug("history trimmed",
		zap.Int("dropped", drop),
		zap.Int("entries", len(r.history)),
		zap.Int("bytes", r.historyBytes),
	)
	return retained
}

func (r *Room) overLimitLocked(entries int) bool {
	if r.limits.MaxEntries > 0 && entries > r.limits.MaxEntries {
		return true
	}
	return r.limits.MaxBytes > 0 && r.historyBytes > r.limits.MaxBytes
}

// envelopeSize approximates the memory an envelope pins in history.
func envelopeSize(env protocol.Envelope) int {
	return len(env.Room) + len(env.Sender) + len(env.Text) + len(env.Image)
}

func (r *Room) broadcastUserListLocked() {
	r.broadcastLocked(protocol.UserList(r.name, r.membersLocked()), false)
}

func (r *Room) membersLocked() []string {
	names := make([]string, 0, len(r.participants))
	for _, p := range r.participants {
		names = append(names, p.Nickname())
	}
	sort.Strings(names)
	return names
}

func (r *Room) deliver(p Participant, env protocol.Envelope) {
	if err := p.Send(env); err != nil {
		r.logger.Warn("delivery failed",
			zap.String("nickname", p.Nickname()),
			zap.Stringer("kind", env.Kind),
			zap.Error(err),
		)
	}
}

func stateFromSnapshot(s omok.Snapshot) protocol.GameState {
	state := protocol.GameState{
		BlackPlayer: s.Black,
		WhitePlayer: s.White,
		CurrentTurn: s.CurrentTurn,
		Finished:    s.Finished,
		Winner:      s.Winner,
		Spectators:  s.Spectators,
	}
	for x := range s.Board {
		for y := range s.Board[x] {
			state.Board[x][y] = protocol.Stone(s.Board[x][y])
		}
	}
	switch s.Result {
	case omok.ResultWin:
		state.Result = protocol.ResultWin
	case omok.ResultResign:
		state.Result = protocol.ResultResign
	case omok.ResultDraw:
		state.Result = protocol.ResultDraw
	}
	return state
}
