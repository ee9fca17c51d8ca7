// Package pipe implements PipeTransport (C9): a duplex, length-prefixed
// local endpoint — a named pipe on Windows, a Unix domain socket
// elsewhere — with an access-control descriptor restricted to the
// current user. The platform-specific endpoint-naming and
// listener-construction code lives in pipe_windows.go / pipe_unix.go;
// this file holds the shared framing and the Transport type.
package pipe

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/user"
	"sync"

	"github.com/files-app/remote-ipc/internal/config"
	"github.com/files-app/remote-ipc/internal/rendezvous"
	"github.com/files-app/remote-ipc/internal/runtime"
)

// Transport accepts duplex connections on a freshly named per-user
// endpoint, publishing its name to Rendezvous after the first bind.
type Transport struct {
	cfg   *config.Config
	rdv   *rendezvous.Rendezvous
	epoch int

	mu         sync.Mutex
	listener   net.Listener
	name       string
	published  bool
}

// New returns an unbound Transport.
func New(cfg *config.Config, rdv *rendezvous.Rendezvous, epoch int) *Transport {
	return &Transport{cfg: cfg, rdv: rdv, epoch: epoch}
}

// endpointName returns Files_IPC_<user>_<random-128-bit-hex>.
func endpointName() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("pipe: resolving current user: %w", err)
	}
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("pipe: generating endpoint suffix: %w", err)
	}
	return fmt.Sprintf("Files_IPC_%s_%s", sanitize(u.Username), hex.EncodeToString(buf)), nil
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Start generates a fresh endpoint name, binds a platform listener with
// a current-user-only ACL, and begins accepting connections.
func (t *Transport) Start(ctx context.Context, accept func(runtime.Conn)) error {
	name, err := endpointName()
	if err != nil {
		return err
	}
	ln, err := listen(name)
	if err != nil {
		return fmt.Errorf("pipe: listening on %s: %w", name, err)
	}

	t.mu.Lock()
	t.listener = ln
	t.name = name
	t.mu.Unlock()

	go t.acceptLoop(ln, accept)

	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()

	if t.rdv != nil {
		n := name
		if err := t.rdv.Update(nil, &n, t.epoch); err != nil {
			slog.Warn("failed to publish pipe name to rendezvous", "error", err)
		}
	}

	return nil
}

func (t *Transport) acceptLoop(ln net.Listener, accept func(runtime.Conn)) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accept(newConn(c, t.cfg.PipeMaxMessageBytes()))
	}
}

// Stop closes the listener. Multiple simultaneous clients are each a
// fresh accepted net.Conn; Stop only tears down the listening socket,
// not any already-accepted connections (those are owned by their
// sessions).
func (t *Transport) Stop() error {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Name returns the bound endpoint name, or "" if not yet started.
func (t *Transport) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// conn implements runtime.Conn over a length-prefixed net.Conn: frame =
// LE32(length) || UTF8(bytes). Writes are serialized by writeMu so the
// runtime never writes the same pipe concurrently from two goroutines.
type conn struct {
	nc       net.Conn
	maxBytes int
	writeMu  sync.Mutex
}

func newConn(nc net.Conn, maxBytes int) *conn {
	return &conn{nc: nc, maxBytes: maxBytes}
}

// ReadMessage reads one LE32-length-prefixed frame. A zero or
// oversize length, or an EOF mid-body, closes the session per spec
// §4.9 and property 14.
func (c *conn) ReadMessage() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("pipe: zero-length frame")
	}
	if int64(n) > int64(c.maxBytes) {
		return nil, fmt.Errorf("pipe: frame length %d exceeds PipeMaxMessageBytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return nil, fmt.Errorf("pipe: short body: %w", err)
	}
	return body, nil
}

// SendFrame writes payload with its LE32 length prefix.
func (c *conn) SendFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.nc.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.nc.Write(payload)
	return err
}

func (c *conn) Close() error {
	return c.nc.Close()
}
