// Package session owns the registry of live client conversations and
// their lifecycle: creation, activity tracking, keep-alive, and idle
// reaping.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrChannelClosed is returned by delivery channels after Close.
var ErrChannelClosed = errors.New("delivery channel closed")

// Handler dispatches one raw client message and returns the raw response
// (nil for notifications). Each session owns exactly one Handler.
type Handler interface {
	Handle(ctx context.Context, msg json.RawMessage) (json.RawMessage, error)
}

// DeliveryChannel is the server→client half of a session's transport.
type DeliveryChannel interface {
	// Deliver sends one message to the client.
	Deliver(data []byte) error
	// Ping writes a liveness marker.
	Ping() error
	// Close releases the channel. Idempotent.
	Close()
}

// Session is one client conversation. Identity is generated once and
// never reused after removal.
type Session struct {
	ID        string
	CreatedAt time.Time

	handler Handler
	channel DeliveryChannel

	mu         sync.Mutex
	lastActive time.Time
	messages   int64

	closeOnce sync.Once
	stopKA    chan struct{}
	kaOnce    sync.Once
}

// New mints a session with a fresh identity bound to one handler and one
// delivery channel.
func New(handler Handler, channel DeliveryChannel) *Session {
	now := time.Now()
	return &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		handler:    handler,
		channel:    channel,
		lastActive: now,
		stopKA:     make(chan struct{}),
	}
}

// Handle routes one inbound message to the session's engine, bumping the
// activity timestamp and message counter.
func (s *Session) Handle(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.messages++
	s.mu.Unlock()
	return s.handler.Handle(ctx, msg)
}

// Deliver sends one message over the session's delivery channel.
func (s *Session) Deliver(data []byte) error {
	return s.channel.Deliver(data)
}

// Channel exposes the owned delivery channel to the transport adapter
// that created it.
func (s *Session) Channel() DeliveryChannel {
	return s.channel
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive reports the last-activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Messages reports how many inbound messages the session has handled.
func (s *Session) Messages() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// StartKeepAlive writes a liveness marker on the delivery channel every
// interval until the channel rejects a write or the session closes. A
// failed write silently stops the ticker.
func (s *Session) StartKeepAlive(interval time.Duration, log *slog.Logger) {
	s.kaOnce.Do(func() {
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-s.stopKA:
					return
				case <-t.C:
					if err := s.channel.Ping(); err != nil {
						if log != nil {
							log.Debug("keep-alive stopped", "session", s.ID)
						}
						return
					}
				}
			}
		}()
	})
}

// Close cancels the keep-alive timer and releases the delivery channel.
// Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stopKA)
		s.channel.Close()
	})
}
