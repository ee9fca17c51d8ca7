// Package wsocket implements the WebSocketTransport (C8): a
// loopback-only HTTP listener that upgrades to a text-frame WebSocket
// connection and hands each accepted connection to the session
// runtime.
package wsocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/files-app/remote-ipc/internal/config"
	"github.com/files-app/remote-ipc/internal/rendezvous"
	"github.com/files-app/remote-ipc/internal/runtime"
)

const (
	preferredPort  = 52345
	fallbackLow    = 40000
	fallbackHigh   = 40100
	handshakeTimeout = 10 * time.Second
)

// Transport binds 127.0.0.1 at preferredPort, scanning [fallbackLow,
// fallbackHigh) if that's taken, and publishes the bound port to
// Rendezvous once listening.
type Transport struct {
	cfg   *config.Config
	rdv   *rendezvous.Rendezvous
	epoch int

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New returns an unbound Transport. epoch is the epoch value published
// alongside the bound port in the rendezvous descriptor.
func New(cfg *config.Config, rdv *rendezvous.Rendezvous, epoch int) *Transport {
	return &Transport{cfg: cfg, rdv: rdv, epoch: epoch}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		// Loopback-only reachability is the trust boundary, per spec
		// §1; origin is not a meaningful signal for a local process.
		return true
	},
}

// Start binds the listener and begins accepting connections in the
// background. accept is invoked once per successfully upgraded
// connection.
func (t *Transport) Start(ctx context.Context, accept func(runtime.Conn)) error {
	ln, port, err := bindLoopback()
	if err != nil {
		return fmt.Errorf("wsocket: binding listener: %w", err)
	}

	r := mux.NewRouter()
	r.Use(loggingMiddleware)
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if !websocket.IsWebSocketUpgrade(req) {
			http.Error(w, "upgrade required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		accept(newConn(conn, t.cfg.WebSocketMaxMessageBytes()))
	})

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: handshakeTimeout,
	}

	t.mu.Lock()
	t.server = srv
	t.listener = ln
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("websocket listener stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()

	if t.rdv != nil {
		p := port
		if err := t.rdv.Update(&p, nil, t.epoch); err != nil {
			slog.Warn("failed to publish websocket port to rendezvous", "error", err)
		}
	}

	return nil
}

// Stop closes the listener and shuts down the HTTP server.
func (t *Transport) Stop() error {
	t.mu.Lock()
	srv := t.server
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// bindLoopback tries the preferred port first, then scans the fallback
// range, always on 127.0.0.1 (IPv4 loopback only).
func bindLoopback() (net.Listener, int, error) {
	if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredPort)); err == nil {
		return ln, preferredPort, nil
	}
	for port := fallbackLow; port < fallbackHigh; port++ {
		if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port)); err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no available port in fallback range [%d, %d)", fallbackLow, fallbackHigh)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("websocket http request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
