// Package handlers runs chat sessions on accepted client connections.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/omokchat/internal/chat"
	"github.com/cory-johannsen/omokchat/internal/config"
	"github.com/cory-johannsen/omokchat/internal/frontend/stream"
	"github.com/cory-johannsen/omokchat/internal/observability"
	"github.com/cory-johannsen/omokchat/internal/protocol"
	"github.com/cory-johannsen/omokchat/internal/session"
)

var (
	// ErrHandshake is returned when a client's first envelope is not a valid LOGIN.
	ErrHandshake = errors.New("login handshake failed")
	// ErrSlowConsumer ends a session whose outbound queue overflowed.
	ErrSlowConsumer = errors.New("client is not keeping up with its messages")
)

// Messages sent to clients in ERROR and SYSTEM envelopes.
const (
	msgLoginRequired   = "first message must be LOGIN with a nickname"
	msgNicknameTooLong = "nickname is too long"
	msgNicknameInUse   = "nickname already in use"
	msgAlreadyLoggedIn = "already logged in"
	msgUnsupportedType = "unsupported type"
	msgMalformed       = "malformed message"
	msgFrameTooLarge   = "message too large"
	msgRoomRequired    = "room name required"
	msgNotMember       = "not a member of room"
	msgAlreadyJoined   = "already joined"
	msgEmptyText       = "message text required"
	msgTextTooLong     = "message text is too long"
	msgEmptyImage      = "image payload required"
	msgImageTooLarge   = "image is too large"
	msgMissingAction   = "game action required"
)

// SessionHandler implements stream.SessionHandler. It performs the login
// handshake and then serves the client until it disconnects.
type SessionHandler struct {
	registry *chat.Registry
	limits   config.ChatConfig
	logger   *zap.Logger
}

// NewSessionHandler creates a SessionHandler backed by registry.
//
// Precondition: registry and logger must be non-nil; limits must pass config validation.
// Postcondition: Returns a SessionHandler ready to handle sessions.
func NewSessionHandler(registry *chat.Registry, limits config.ChatConfig, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		limits:   limits,
		logger:   logger,
	}
}

// clientSession is one logged-in connection as seen by rooms and the registry.
type clientSession struct {
	id       string
	nickname string
	conn     *stream.Conn
	outbox   *session.Outbox
	logger   *zap.Logger

	// rooms is touched only by the session's read loop.
	rooms map[string]*chat.Room

	evicted atomic.Bool
}

func (s *clientSession) ID() string       { return s.id }
func (s *clientSession) Nickname() string { return s.nickname }

// Send queues env for the writer goroutine. It never blocks.
func (s *clientSession) Send(env protocol.Envelope) error {
	return s.admit(s.outbox.Push(env))
}

// SendBatch queues envs as one unit. It never blocks.
func (s *clientSession) SendBatch(envs []protocol.Envelope) error {
	return s.admit(s.outbox.PushBatch(envs))
}

// admit evicts the session once its outbox overflows: the outbox stops
// accepting and the socket is closed, so the read loop ends and cleanup takes
// the session out of every room.
func (s *clientSession) admit(err error) error {
	if errors.Is(err, session.ErrOutboxFull) && s.evicted.CompareAndSwap(false, true) {
		s.logger.Warn("evicting slow client",
			zap.Int("pending", s.outbox.Len()),
			zap.Error(err),
		)
		s.outbox.Close()
		_ = s.conn.Close()
	}
	return err
}

func (s *clientSession) reply(env protocol.Envelope) {
	if err := s.Send(env); err != nil {
		s.logger.Warn("reply dropped", zap.Stringer("kind", env.Kind), zap.Error(err))
	}
}

// HandleSession runs the handshake, registers the session, and serves it until
// the stream ends, an I/O error occurs, or ctx is cancelled.
//
// Precondition: conn must be open.
// Postcondition: The session has left every room and is deregistered; the
// connection is closed. Returns nil on a clean client disconnect.
func (h *SessionHandler) HandleSession(ctx context.Context, conn *stream.Conn) error {
	start := time.Now()
	defer conn.Close()

	nickname, err := h.handshake(conn)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	s := &clientSession{
		id:       id,
		nickname: nickname,
		conn:     conn,
		outbox:   session.NewOutbox(nickname, h.limits.OutboxSize),
		logger:   observability.SessionLogger(h.logger, id, conn.RemoteAddr().String()).With(zap.String("nickname", nickname)),
		rooms:    make(map[string]*chat.Room),
	}

	if err := h.registry.AddSession(s); err != nil {
		_ = conn.WriteEnvelope(protocol.Error(msgNicknameInUse))
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	s.reply(protocol.System(fmt.Sprintf("Welcome, %s!", nickname)))
	s.logger.Info("session started")

	g, gctx := errgroup.WithContext(ctx)
	stopCloser := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stopCloser()

	g.Go(func() error {
		return h.writeLoop(s)
	})
	g.Go(func() error {
		defer h.cleanup(s)
		return h.readLoop(gctx, s)
	})

	err = g.Wait()
	s.logger.Info("session finished", zap.Duration("duration", time.Since(start)), zap.Error(err))
	return err
}

// handshake reads the first envelope and returns the trimmed nickname.
func (h *SessionHandler) handshake(conn *stream.Conn) (string, error) {
	env, err := conn.ReadEnvelope()
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrFrameTooLarge) {
			_ = conn.WriteEnvelope(protocol.Error(msgLoginRequired))
			return "", fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		return "", fmt.Errorf("reading login: %w", err)
	}

	nickname := strings.TrimSpace(env.Sender)
	switch {
	case env.Kind != protocol.KindLogin || nickname == "":
		_ = conn.WriteEnvelope(protocol.Error(msgLoginRequired))
		return "", fmt.Errorf("%w: got %s with sender %q", ErrHandshake, env.Kind, env.Sender)
	case len(nickname) > h.limits.MaxNicknameLength:
		_ = conn.WriteEnvelope(protocol.Error(msgNicknameTooLong))
		return "", fmt.Errorf("%w: nickname of %d bytes", ErrHandshake, len(nickname))
	}
	return nickname, nil
}

// readLoop dispatches inbound envelopes until the stream ends.
func (h *SessionHandler) readLoop(ctx context.Context, s *clientSession) error {
	for {
		env, err := s.conn.ReadEnvelope()
		switch {
		case err == nil:
		case s.evicted.Load():
			return ErrSlowConsumer
		case errors.Is(err, protocol.ErrMalformed):
			s.reply(protocol.Error(msgMalformed))
			continue
		case errors.Is(err, protocol.ErrFrameTooLarge):
			// The stream cannot be resynchronized; answer before the socket closes.
			_ = s.conn.WriteEnvelope(protocol.Error(msgFrameTooLarge))
			return err
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return context.Cause(ctx)
		default:
			return fmt.Errorf("reading envelope: %w", err)
		}

		fn, ok := dispatchTable[env.Kind]
		if !ok {
			s.logger.Debug("unsupported kind",
				zap.Stringer("kind", env.Kind),
				zap.Bool("server_only", env.Kind.Known()),
			)
			s.reply(protocol.Error(msgUnsupportedType))
			continue
		}
		fn(&dispatchContext{handler: h, session: s, env: env})
	}
}

// writeLoop drains the outbox to the socket until the outbox is closed and empty.
func (h *SessionHandler) writeLoop(s *clientSession) error {
	for {
		envs, ok := s.outbox.Take()
		if !ok {
			return nil
		}
		for _, env := range envs {
			if err := s.conn.WriteEnvelope(env); err != nil {
				return fmt.Errorf("writing envelope: %w", err)
			}
		}
	}
}

// cleanup leaves every joined room, prunes rooms left empty, deregisters the
// session, and closes its outbox so the writer drains and exits.
func (h *SessionHandler) cleanup(s *clientSession) {
	for name, room := range s.rooms {
		room.Leave(s)
		h.registry.RemoveIfEmpty(name)
	}
	clear(s.rooms)
	h.registry.RemoveSession(s)
	s.outbox.Close()
}
