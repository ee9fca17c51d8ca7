package runtime

import (
	"context"

	"github.com/files-app/remote-ipc/internal/session"
)

// Conn is the narrow duplex handle a concrete transport (WebSocket,
// pipe) hands to the runtime on accept: it can send a framed payload,
// receive the next one, and be closed. It satisfies session.Transport
// so a Conn can back a session.Session directly.
type Conn interface {
	session.Transport
	// ReadMessage blocks for the next application-level message,
	// returning an error (causing the session to close) on any framing
	// or I/O failure, including a normal peer-initiated close.
	ReadMessage() ([]byte, error)
}

// TransportListener is the interface each concrete transport
// implements. Start must not return until the listener is bound (or
// failed to bind); accept is invoked once per new connection, from a
// goroutine owned by the transport.
type TransportListener interface {
	Start(ctx context.Context, accept func(Conn)) error
	Stop() error
}
