package chat

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/omokchat/internal/protocol"
)

// ErrNicknameInUse is returned when a second session logs in with a taken nickname.
var ErrNicknameInUse = errors.New("nickname already in use")

// Registry creates, finds, and removes rooms by name and tracks every connected
// session for room-list and global announcements. All methods are safe for
// concurrent use.
//
// Lock order is registry then room; a Room never calls back into the Registry.
type Registry struct {
	limits HistoryLimits
	logger *zap.Logger

	mu        sync.RWMutex
	rooms     map[string]*Room
	sessions  map[string]Participant // id → session
	nicknames map[string]string      // nickname → id
}

// NewRegistry creates an empty Registry whose rooms retain history within limits.
//
// Precondition: logger must be non-nil.
func NewRegistry(limits HistoryLimits, logger *zap.Logger) *Registry {
	return &Registry{
		limits:    limits,
		logger:    logger,
		rooms:     make(map[string]*Room),
		sessions:  make(map[string]Participant),
		nicknames: make(map[string]string),
	}
}

// GetOrCreate returns the named room, creating it if absent.
//
// Postcondition: Concurrent callers with the same name receive the same *Room;
// created is true for exactly one of them.
func (reg *Registry) GetOrCreate(name string) (room *Room, created bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[name]; ok {
		return r, false
	}
	r := NewRoom(name, reg.limits, reg.logger.With(zap.String("room", name)))
	reg.rooms[name] = r
	reg.logger.Info("room created", zap.String("room", name), zap.Int("rooms", len(reg.rooms)))
	return r, true
}

// Get returns the named room if it exists.
func (reg *Registry) Get(name string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[name]
	return r, ok
}

// Join resolves name with GetOrCreate and joins p to the room. A room retired
// between lookup and join is re-resolved.
//
// Postcondition: Returns the joined room and whether this call created it.
func (reg *Registry) Join(name string, p Participant) (*Room, bool, error) {
	for {
		room, created := reg.GetOrCreate(name)
		err := room.Join(p)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		return room, created, err
	}
}

// RemoveIfEmpty deletes the named room only if it has no participants, and then
// rebroadcasts the room listing to every session.
//
// Postcondition: Returns true if the room was removed.
func (reg *Registry) RemoveIfEmpty(name string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[name]
	if !ok || !r.retire() {
		return false
	}
	delete(reg.rooms, name)
	reg.logger.Info("empty room removed", zap.String("room", name), zap.Int("rooms", len(reg.rooms)))

	reg.broadcastLocked(protocol.RoomList(reg.namesLocked()))
	return true
}

// ListNames returns a sorted snapshot of room names.
func (reg *Registry) ListNames() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.namesLocked()
}

// AddSession registers p and sends it the current room listing.
//
// Postcondition: p is registered, or ErrNicknameInUse is returned and nothing changed.
func (reg *Registry) AddSession(p Participant) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, taken := reg.nicknames[p.Nickname()]; taken {
		return fmt.Errorf("%w: %s", ErrNicknameInUse, p.Nickname())
	}
	reg.sessions[p.ID()] = p
	reg.nicknames[p.Nickname()] = p.ID()

	reg.deliver(p, protocol.RoomList(reg.namesLocked()))
	reg.logger.Info("session registered",
		zap.String("nickname", p.Nickname()),
		zap.Int("sessions", len(reg.sessions)),
	)
	return nil
}

// RemoveSession deregisters p. Unknown sessions are ignored.
func (reg *Registry) RemoveSession(p Participant) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.sessions[p.ID()]; !ok {
		return
	}
	delete(reg.sessions, p.ID())
	if reg.nicknames[p.Nickname()] == p.ID() {
		delete(reg.nicknames, p.Nickname())
	}
	reg.logger.Info("session deregistered",
		zap.String("nickname", p.Nickname()),
		zap.Int("sessions", len(reg.sessions)),
	)
}

// BroadcastRoomList sends the current room listing to every connected session.
// The write lock orders listings so no session sees an older one after a newer one.
func (reg *Registry) BroadcastRoomList() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.broadcastLocked(protocol.RoomList(reg.namesLocked()))
}

// BroadcastSystem sends a global SYSTEM notice to every connected session.
func (reg *Registry) BroadcastSystem(text string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.broadcastLocked(protocol.System(text))
}

// SessionCount returns the number of connected sessions.
func (reg *Registry) SessionCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.sessions)
}

// RoomCount returns the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

func (reg *Registry) namesLocked() []string {
	names := make([]string, 0, len(reg.rooms))
	for name := range reg.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (reg *Registry) broadcastLocked(env protocol.Envelope) {
	for _, p := range reg.sessions {
		reg.deliver(p, env)
	}
}

func (reg *Registry) deliver(p Participant, env protocol.Envelope) {
	if err := p.Send(env); err != nil {
		reg.logger.Warn("delivery failed",
			zap.String("nickname", p.Nickname()),
			zap.Stringer("kind", env.Kind),
			zap.Error(err),
		)
	}
}
