package pipe

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/files-app/remote-ipc/internal/config"
	"github.com/files-app/remote-ipc/internal/rendezvous"
	"github.com/files-app/remote-ipc/internal/runtime"
)

func startTestTransport(t *testing.T) (*Transport, chan runtime.Conn) {
	t.Helper()
	cfg := config.Default()
	cfg.SetPipeMaxMessageBytes(64)
	rdv := rendezvous.NewAt(filepath.Join(t.TempDir(), "rendezvous.json"))
	tr := New(cfg, rdv, 1)

	accepted := make(chan runtime.Conn, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, tr.Start(ctx, func(c runtime.Conn) {
		accepted <- c
	}))
	t.Cleanup(func() { _ = tr.Stop() })

	return tr, accepted
}

func dialRaw(t *testing.T, tr *Transport) net.Conn {
	t.Helper()
	require.NotEmpty(t, tr.Name())
	nc, err := net.Dial("unix", socketPath(tr.Name()))
	require.NoError(t, err)
	return nc
}

func writeFrame(t *testing.T, nc net.Conn, payload []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	_, err := nc.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = nc.Write(payload)
	require.NoError(t, err)
}

func TestPipeRoundTrip(t *testing.T) {
	tr, accepted := startTestTransport(t)

	client := dialRaw(t, tr)
	defer client.Close()

	writeFrame(t, client, []byte(`{"jsonrpc":"2.0"}`))

	var serverConn runtime.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never invoked the accept callback")
	}

	msg, err := serverConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, string(msg))

	require.NoError(t, serverConn.SendFrame([]byte(`{"jsonrpc":"2.0","result":{}}`)))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lenBuf [4]byte
	_, err = client.Read(lenBuf[:])
	require.NoError(t, err)
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	_, err = client.Read(body)
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","result":{}}`, string(body))
}

func TestPipeZeroLengthFrameRejected(t *testing.T) {
	tr, accepted := startTestTransport(t)

	client := dialRaw(t, tr)
	defer client.Close()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 0)
	_, err := client.Write(lenBuf[:])
	require.NoError(t, err)

	var serverConn runtime.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never invoked the accept callback")
	}

	_, err = serverConn.ReadMessage()
	assert.Error(t, err, "a zero-length frame must be rejected")
}

func TestPipeOversizeFrameRejected(t *testing.T) {
	tr, accepted := startTestTransport(t)

	client := dialRaw(t, tr)
	defer client.Close()

	writeFrame(t, client, make([]byte, 1024))

	var serverConn runtime.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never invoked the accept callback")
	}

	_, err := serverConn.ReadMessage()
	assert.Error(t, err, "a frame exceeding PipeMaxMessageBytes must be rejected")
}

func TestPipeMultipleClients(t *testing.T) {
	tr, accepted := startTestTransport(t)

	c1 := dialRaw(t, tr)
	defer c1.Close()
	c2 := dialRaw(t, tr)
	defer c2.Close()

	writeFrame(t, c1, []byte("from-one"))
	writeFrame(t, c2, []byte("from-two"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case sc := <-accepted:
			msg, err := sc.ReadMessage()
			require.NoError(t, err)
			seen[string(msg)] = true
		case <-time.After(2 * time.Second):
			t.Fatal("expected two accepted connections")
		}
	}
	assert.True(t, seen["from-one"])
	assert.True(t, seen["from-two"])
}
