package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/omokchat/internal/config"
)

// SessionHandler processes a connected client.
// Implementations run the receive loop for a single connection and return
// when the client leaves or ctx is cancelled.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// Acceptor listens for TCP connections and dispatches each one to a
// SessionHandler on its own goroutine.
type Acceptor struct {
	cfg     config.ListenerConfig
	handler SessionHandler
	logger  *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an acceptor with the given configuration.
//
// Precondition: cfg must have a valid port (0 picks a free one); handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.ListenerConfig, handler SessionHandler, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ListenAndServe starts the TCP listener and accepts connections until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.logger.Info("chat acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)
	return a.Serve(listener)
}

// Serve accepts connections on listener until Stop is called. Accept failures
// are retried with exponential backoff so that a persistent error such as
// descriptor exhaustion does not spin.
//
// Precondition: The acceptor must not already be running.
// Postcondition: listener is closed when this method returns.
func (a *Acceptor) Serve(listener net.Listener) error {
	a.mu.Lock()
	select {
	case <-a.quit:
		a.mu.Unlock()
		listener.Close()
		return nil
	default:
	}
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	var backoff time.Duration
	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
			}
			backoff = nextAcceptBackoff(backoff)
			a.logger.Error("accepting connection",
				zap.Error(err),
				zap.Duration("retry_in", backoff),
			)
			select {
			case <-a.quit:
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		a.wg.Add(1)
		go a.handleConn(raw)
	}
}

func nextAcceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptBackoff
	}
	return min(2*prev, maxAcceptBackoff)
}

// handleConn runs one client session to completion.
func (a *Acceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	start := time.Now()
	addr := raw.RemoteAddr().String()

	a.logger.Info("client connected", zap.String("remote_addr", addr))

	conn := NewConn(raw, a.cfg.ReadTimeout, a.cfg.WriteTimeout, a.cfg.MaxFrameBytes)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Closing the socket unblocks a session parked in ReadEnvelope.
	go func() {
		select {
		case <-a.quit:
			cancel()
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	if err := a.handler.HandleSession(ctx, conn); err != nil {
		a.logger.Debug("session ended",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		a.logger.Info("session ended cleanly",
			zap.String("remote_addr", addr),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// Stop gracefully stops the acceptor, closing the listener and every client
// connection and waiting for all sessions to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	select {
	case <-a.quit:
		a.mu.Unlock()
		return
	default:
	}
	close(a.quit)
	a.running = false
	if a.listener != nil {
		a.listener.Close()
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("chat acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
