// Package runtime implements SessionRuntime (C7): the transport-agnostic
// accept -> handshake -> dispatch loop, its keepalive and reaper timers,
// and the broadcast path used to push state-change notifications to
// every authenticated session.
package runtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/files-app/remote-ipc/internal/config"
	"github.com/files-app/remote-ipc/internal/coordinator"
	"github.com/files-app/remote-ipc/internal/rpc"
	"github.com/files-app/remote-ipc/internal/session"
	"github.com/files-app/remote-ipc/internal/tokenstore"
)

const (
	keepaliveInterval = 30 * time.Second
	reaperInterval    = 60 * time.Second
	staleAfter        = 5 * time.Minute

	maxConsecutiveParseErrors = 1
)

// Error codes from the JSON-RPC error table.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeAuthRequired   = -32001
	codeInvalidToken   = -32002
	codeRateLimited    = -32003
	codeSessionExpired = -32004
)

type runtimeSession struct {
	sess        *session.Session
	conn        Conn
	parseErrors int32
}

// SessionRuntime wires together the method registry, the coordinator,
// the token store, and zero or more transports into the running
// server.
type SessionRuntime struct {
	cfg        *config.Config
	methods    *rpc.MethodRegistry
	coord      *coordinator.Coordinator
	tokens     *tokenstore.Store
	transports []TransportListener

	mu           sync.RWMutex
	currentToken string
	currentEpoch int

	sessions sync.Map // sessionID string -> *runtimeSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a SessionRuntime. Call Start to bind transports and
// begin serving.
func New(cfg *config.Config, methods *rpc.MethodRegistry, coord *coordinator.Coordinator, tokens *tokenstore.Store, transports ...TransportListener) *SessionRuntime {
	return &SessionRuntime{
		cfg:        cfg,
		methods:    methods,
		coord:      coord,
		tokens:     tokens,
		transports: transports,
	}
}

// Start snapshots the current token/epoch, binds every transport, and
// arms the keepalive and reaper timers. Refuses if the server is not
// enabled.
func (r *SessionRuntime) Start(parent context.Context) error {
	if !r.tokens.IsEnabled() {
		slog.Warn("remote control is disabled; refusing to start session runtime")
		return fmt.Errorf("runtime: remote control is disabled")
	}

	token, err := r.tokens.GetOrCreateToken()
	if err != nil {
		return fmt.Errorf("runtime: loading token: %w", err)
	}
	epoch, err := r.tokens.GetEpoch()
	if err != nil {
		return fmt.Errorf("runtime: loading epoch: %w", err)
	}
	r.mu.Lock()
	r.currentToken = token
	r.currentEpoch = epoch
	r.mu.Unlock()

	r.ctx, r.cancel = context.WithCancel(parent)

	for _, t := range r.transports {
		if err := t.Start(r.ctx, r.handleAccept); err != nil {
			r.cancel()
			return fmt.Errorf("runtime: starting transport: %w", err)
		}
	}

	r.wg.Add(2)
	go r.keepaliveLoop()
	go r.reaperLoop()

	return nil
}

// Stop cancels the root context, stops every transport, disposes all
// sessions, and waits for the keepalive/reaper goroutines to exit.
func (r *SessionRuntime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, t := range r.transports {
		_ = t.Stop()
	}
	r.sessions.Range(func(key, value interface{}) bool {
		rs := value.(*runtimeSession)
		rs.sess.Close()
		r.sessions.Delete(key)
		return true
	})
	r.wg.Wait()
}

// Rotate generates a new token and increments the epoch; every session
// authenticated at the prior epoch will receive a -32004 on its next
// request and be closed.
func (r *SessionRuntime) Rotate() (int, error) {
	tok, err := r.tokens.RotateToken()
	if err != nil {
		return 0, err
	}
	epoch, err := r.tokens.GetEpoch()
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.currentToken = tok
	r.currentEpoch = epoch
	r.mu.Unlock()
	return epoch, nil
}

func (r *SessionRuntime) snapshotTokenEpoch() (string, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentToken, r.currentEpoch
}

// Broadcast pushes a notification to every authenticated session,
// subject to each session's own rate limiter and queue coalescing
// policy. Dropped broadcasts are not retried.
func (r *SessionRuntime) Broadcast(method string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal broadcast payload", "method", method, "error", err)
		return
	}
	msg := &rpc.Message{Version: rpc.ProtocolVersion, Method: method, Params: body}
	frame, err := rpc.ToJSON(msg)
	if err != nil {
		slog.Error("failed to serialize broadcast", "method", method, "error", err)
		return
	}

	r.sessions.Range(func(_, value interface{}) bool {
		rs := value.(*runtimeSession)
		if !rs.sess.IsAuthenticated() {
			return true
		}
		if !rs.sess.TryConsume() {
			return true
		}
		rs.sess.EnqueueNotification(frame, method)
		return true
	})
}

func (r *SessionRuntime) handleAccept(conn Conn) {
	sess := session.New(r.ctx, conn, r.cfg.RateLimitPerSecond(), r.cfg.RateLimitBurst(), r.cfg.PerSessionQueueCapBytes())
	rs := &runtimeSession{sess: sess, conn: conn}
	r.sessions.Store(sess.ID, rs)

	r.wg.Add(2)
	go r.receiveLoop(rs)
	go r.sendLoop(rs)
}

func (r *SessionRuntime) receiveLoop(rs *runtimeSession) {
	defer r.wg.Done()
	defer r.dropSession(rs)

	for {
		payload, err := rs.conn.ReadMessage()
		if err != nil {
			rs.sess.Close()
			return
		}
		rs.sess.Touch()
		r.handleMessage(rs, payload)
		if rs.sess.IsClosed() {
			return
		}
	}
}

func (r *SessionRuntime) sendLoop(rs *runtimeSession) {
	defer r.wg.Done()
	idle := time.Duration(r.cfg.SendLoopIdleMs()) * time.Millisecond
	if idle <= 0 {
		idle = 10 * time.Millisecond
	}
	ticker := time.NewTicker(idle)
	defer ticker.Stop()

	for {
		select {
		case <-rs.sess.Context().Done():
			return
		case <-rs.sess.SendSignal():
		case <-ticker.C:
		}
		for {
			payload, ok := rs.sess.Dequeue()
			if !ok {
				break
			}
			if err := rs.conn.SendFrame(payload); err != nil {
				rs.sess.Close()
				return
			}
		}
		if rs.sess.IsClosed() {
			return
		}
	}
}

func (r *SessionRuntime) dropSession(rs *runtimeSession) {
	r.sessions.Delete(rs.sess.ID)
}

func (r *SessionRuntime) keepaliveLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Broadcast("ping", map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)})
		}
	}
}

func (r *SessionRuntime) reaperLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *SessionRuntime) reapOnce() {
	now := time.Now()
	r.sessions.Range(func(key, value interface{}) bool {
		rs := value.(*runtimeSession)
		stale := now.Sub(rs.sess.LastSeen()) > staleAfter
		cancelled := rs.sess.Context().Err() != nil
		if stale || cancelled {
			rs.sess.Close()
			r.sessions.Delete(key)
		}
		return true
	})
}

// handleMessage implements the receive-path pipeline: parse, validate,
// handshake shortcut, method lookup, auth/epoch/rate-limit checks,
// payload size, dispatch.
func (r *SessionRuntime) handleMessage(rs *runtimeSession, payload []byte) {
	m, err := rpc.FromJSON(payload)
	if err != nil {
		r.handleParseError(rs, payload)
		return
	}
	atomic.StoreInt32(&rs.parseErrors, 0)

	if !rpc.IsValid(m) {
		r.reply(rs, m, codeInvalidRequest, "Invalid request")
		return
	}

	if m.Method == "handshake" {
		r.handleHandshake(rs, m)
		return
	}

	def, ok := r.methods.Lookup(m.Method)
	if !ok {
		if rpc.IsNotification(m) {
			return
		}
		r.reply(rs, m, codeMethodNotFound, "Method not found")
		return
	}

	if def.RequiresAuth && !rs.sess.IsAuthenticated() {
		r.reply(rs, m, codeAuthRequired, "Authentication required")
		return
	}

	_, epoch := r.snapshotTokenEpoch()
	if rs.sess.IsAuthenticated() && rs.sess.AuthEpoch() != epoch {
		// Written directly rather than queued: Close clears the send
		// queue, which would otherwise discard this reply.
		if !rpc.IsNotification(m) {
			if frame, err := rpc.ToJSON(rpc.MakeError(m.ID, codeSessionExpired, "Session expired")); err == nil {
				_ = rs.conn.SendFrame(frame)
			}
		}
		rs.sess.Close()
		return
	}

	if !rs.sess.TryConsume() {
		r.reply(rs, m, codeRateLimited, "Rate limit exceeded")
		return
	}

	isNotif := rpc.IsNotification(m)
	if isNotif && !def.AllowNotifications {
		return
	}

	if def.MaxPayloadBytes > 0 && len(payload) > def.MaxPayloadBytes {
		r.reply(rs, m, codeInvalidParams, "Payload too large")
		return
	}

	r.dispatch(rs, m)
}

func (r *SessionRuntime) handleParseError(rs *runtimeSession, payload []byte) {
	if id, ok := extractID(payload); ok {
		atomic.StoreInt32(&rs.parseErrors, 0)
		frame, err := rpc.ToJSON(rpc.MakeError(id, codeParseError, "Parse error"))
		if err == nil {
			rs.sess.EnqueueResponse(frame)
		}
		return
	}
	n := atomic.AddInt32(&rs.parseErrors, 1)
	if n > maxConsecutiveParseErrors {
		rs.sess.Close()
	}
}

// extractID tolerantly recovers the "id" field from an otherwise
// malformed message, so a parse error on an envelope that nonetheless
// carries a decodable id can still receive a ParseError reply instead
// of silently closing the connection.
func extractID(payload []byte) (json.RawMessage, bool) {
	var partial struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &partial); err != nil {
		return nil, false
	}
	if len(partial.ID) == 0 {
		return nil, false
	}
	return partial.ID, true
}

func (r *SessionRuntime) handleHandshake(rs *runtimeSession, m *rpc.Message) {
	var params struct {
		Token      string `json:"token"`
		ClientInfo string `json:"clientInfo"`
	}
	if len(m.Params) == 0 {
		r.reply(rs, m, codeInvalidParams, "Missing token")
		return
	}
	if err := json.Unmarshal(m.Params, &params); err != nil || params.Token == "" {
		r.reply(rs, m, codeInvalidParams, "Missing token")
		return
	}

	token, epoch := r.snapshotTokenEpoch()
	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(token)) != 1 {
		r.reply(rs, m, codeInvalidToken, "Invalid token")
		return
	}

	rs.sess.Authenticate(epoch, params.ClientInfo)

	if rpc.IsNotification(m) {
		return
	}
	result, _ := json.Marshal(map[string]interface{}{
		"status":     "authenticated",
		"epoch":      epoch,
		"serverInfo": "Files IPC Server",
	})
	frame, err := rpc.ToJSON(rpc.MakeResult(m.ID, result))
	if err == nil {
		rs.sess.EnqueueResponse(frame)
	}
}

func (r *SessionRuntime) dispatch(rs *runtimeSession, m *rpc.Message) {
	value, err := r.coord.Dispatch(rs.sess.Context(), m.Method, m.Params)
	if err != nil {
		if rpc.IsNotification(m) {
			return
		}
		if derr, ok := err.(*coordinator.DomainError); ok {
			r.reply(rs, m, derr.Code, derr.Message)
			return
		}
		slog.Error("dispatch failed", "session_id", rs.sess.ID, "method", m.Method, "error", err)
		r.reply(rs, m, codeInternalError, coordinator.Sanitize(err.Error()))
		return
	}
	if rpc.IsNotification(m) {
		return
	}
	r.replyResult(rs, m, value)
}

// reply sends a JSON-RPC error for a request, or silently drops it for
// a notification.
func (r *SessionRuntime) reply(rs *runtimeSession, m *rpc.Message, code int, message string) {
	if m == nil || rpc.IsNotification(m) {
		return
	}
	frame, err := rpc.ToJSON(rpc.MakeError(m.ID, code, message))
	if err != nil {
		slog.Error("failed to serialize error reply", "error", err)
		return
	}
	rs.sess.EnqueueResponse(frame)
}

func (r *SessionRuntime) replyResult(rs *runtimeSession, m *rpc.Message, value interface{}) {
	if value == nil {
		value = map[string]string{"status": "ok"}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		slog.Error("failed to marshal result", "method", m.Method, "error", err)
		r.reply(rs, m, codeInternalError, "Internal error")
		return
	}
	frame, err := rpc.ToJSON(rpc.MakeResult(m.ID, raw))
	if err != nil {
		slog.Error("failed to serialize result", "error", err)
		return
	}
	rs.sess.EnqueueResponse(frame)
}
