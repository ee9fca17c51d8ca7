package wsocket

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/files-app/remote-ipc/internal/config"
	"github.com/files-app/remote-ipc/internal/rendezvous"
	"github.com/files-app/remote-ipc/internal/runtime"
)

func startTestTransport(t *testing.T) (*Transport, string, chan runtime.Conn) {
	t.Helper()
	cfg := config.Default()
	cfg.SetWebSocketMaxMessageBytes(64)
	rdv := rendezvous.NewAt(filepath.Join(t.TempDir(), "rendezvous.json"))
	tr := New(cfg, rdv, 1)

	accepted := make(chan runtime.Conn, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, tr.Start(ctx, func(c runtime.Conn) {
		accepted <- c
	}))
	t.Cleanup(func() { _ = tr.Stop() })

	port, ok := boundPort(tr)
	require.True(t, ok)
	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	return tr, url, accepted
}

func boundPort(tr *Transport) (int, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.listener == nil {
		return 0, false
	}
	addr := tr.listener.Addr().String()
	var port int
	if _, err := fmt.Sscanf(addr, "127.0.0.1:%d", &port); err != nil {
		return 0, false
	}
	return port, true
}

func TestNonUpgradeRequestGets400(t *testing.T) {
	_, url, _ := startTestTransport(t)
	httpURL := "http" + url[2:]
	resp, err := http.Get(httpURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpgradeAndRoundTripMessage(t *testing.T) {
	_, url, accepted := startTestTransport(t)

	client, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	var serverConn runtime.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never invoked the accept callback")
	}

	require.NoError(t, client.WriteMessage(gorillaws.TextMessage, []byte(`{"jsonrpc":"2.0"}`)))

	msg, err := serverConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, string(msg))

	require.NoError(t, serverConn.SendFrame([]byte(`{"jsonrpc":"2.0","result":{}}`)))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","result":{}}`, string(data))
}

func TestOversizeMessageClosesConnection(t *testing.T) {
	_, url, _ := startTestTransport(t)

	client, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	big := make([]byte, 1024)
	require.NoError(t, client.WriteMessage(gorillaws.TextMessage, big))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	assert.Error(t, err, "server must close the connection once WebSocketMaxMessageBytes is exceeded")
}
