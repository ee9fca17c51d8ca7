// Package session implements ClientSession (C6): per-connection state
// covering authentication, token-bucket rate limiting, and the
// dual-priority send queue with lossy notification coalescing.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the narrow handle a Session owns: something that can
// send a framed payload and be closed. The per-connection types of the
// WebSocket and pipe transports implement this.
type Transport interface {
	SendFrame(payload []byte) error
	Close() error
}

// Session holds all per-connection state for one IPC client.
// Authenticated can only transition false→true; it is never reset once
// set (a session whose epoch goes stale is
// closed rather than de-authenticated in place).
type Session struct {
	ID         string
	Transport  Transport
	ClientInfo string

	mu            sync.Mutex
	authenticated bool
	authEpoch     int
	lastSeen      time.Time
	closed        bool

	bucket *tokenBucket
	queue  *sendQueue

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a session bound to transport, deriving its
// cancellation from parent.
func New(parent context.Context, transport Transport, rateLimitPerSecond, rateLimitBurst, queueCapBytes int) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:        uuid.NewString(),
		Transport: transport,
		lastSeen:  time.Now(),
		bucket:    newTokenBucket(rateLimitPerSecond, rateLimitBurst),
		queue:     newSendQueue(queueCapBytes),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the session's cancellation context; it is done when
// the session is closed for any reason.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Authenticate marks the session authenticated at the given epoch. A
// second call with the same or a different epoch is a no-op beyond
// updating the captured epoch snapshot used to detect forced
// invalidation (and ClientInfo, when clientInfo is non-empty) — see
// SessionRuntime's idempotent-handshake decision.
func (s *Session) Authenticate(epoch int, clientInfo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.authEpoch = epoch
	if clientInfo != "" {
		s.ClientInfo = clientInfo
	}
}

func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) AuthEpoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authEpoch
}

// Touch records activity for the reaper's staleness check.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// TryConsume attempts to consume one rate-limit token.
func (s *Session) TryConsume() bool {
	return s.bucket.tryConsume()
}

// EnqueueResponse queues a response payload; responses are never
// dropped.
func (s *Session) EnqueueResponse(payload []byte) {
	s.queue.enqueueResponse(payload)
}

// EnqueueNotification queues a notification payload under the
// coalescing policy. Returns false if it was dropped.
func (s *Session) EnqueueNotification(payload []byte, method string) bool {
	return s.queue.enqueueNotification(payload, method)
}

// Dequeue returns the next outbound payload, responses first.
func (s *Session) Dequeue() ([]byte, bool) {
	return s.queue.dequeue()
}

// SendSignal exposes the channel the send loop should wait on.
func (s *Session) SendSignal() <-chan struct{} {
	return s.queue.signal
}

// QueuedBytes reports the running total queued across both FIFOs.
func (s *Session) QueuedBytes() int64 {
	return s.queue.QueuedBytes()
}

// PerMethodCount reports the queued notification count for method.
func (s *Session) PerMethodCount(method string) int {
	return s.queue.PerMethodCount(method)
}

// IsClosed reports whether Close has already run.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close cancels the session token, disposes the transport handle,
// and clears queues. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.Transport != nil {
		_ = s.Transport.Close()
	}
	s.queue.clear()
}
