package wsocket

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// conn adapts a gorilla *websocket.Conn to runtime.Conn. gorilla
// reassembles fragmented frames internally and enforces SetReadLimit,
// which is how the WebSocketMaxMessageBytes cap is
// implemented: exceeding it makes ReadMessage return
// websocket.ErrReadLimit, closing the session.
type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
}

func newConn(ws *websocket.Conn, maxMessageBytes int) *conn {
	ws.SetReadLimit(int64(maxMessageBytes))
	return &conn{ws: ws}
}

// ReadMessage returns the next text frame's payload.
func (c *conn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch msgType {
		case websocket.TextMessage:
			return data, nil
		case websocket.CloseMessage:
			return nil, fmt.Errorf("wsocket: connection closed")
		default:
			// Binary/ping/pong frames are not part of this protocol;
			// gorilla handles ping/pong control frames itself, so
			// anything else reaching here is simply ignored.
			continue
		}
	}
}

// SendFrame writes payload as a single text frame. Writes are
// serialized: gorilla/websocket forbids concurrent writers on one
// connection.
func (c *conn) SendFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *conn) Close() error {
	return c.ws.Close()
}
