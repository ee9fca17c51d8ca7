//go:build windows

package pipe

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	pipeBufferSize = 65536

	// sddl grants Generic All to the creating process's owner SID only
	// ("OW"). Deliberately NOT "D:(A;;GA;;;WD)(D;;GA;;;WD)" or any rule
	// naming Everyone/World — a deny-Everyone ACE would also deny the
	// current user, since Everyone includes the session's own SID.
	sddl = "D:(A;;GA;;;OW)"
)

// pipeName maps an endpoint name to its Windows named-pipe path.
func pipeName(name string) string {
	return `\\.\pipe\` + name
}

// winPipeListener accepts connections on a named pipe by creating a
// fresh pipe instance for every Accept call, so each connected client
// gets its own handle.
type winPipeListener struct {
	path string
	sd   *windows.SECURITY_DESCRIPTOR

	mu     sync.Mutex
	closed bool
}

func listen(name string) (net.Listener, error) {
	sd, err := windows.SecurityDescriptorFromString(sddl)
	if err != nil {
		return nil, fmt.Errorf("pipe: building security descriptor: %w", err)
	}
	return &winPipeListener{path: pipeName(name), sd: sd}, nil
}

func (l *winPipeListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, fmt.Errorf("pipe: listener closed")
	}
	l.mu.Unlock()

	sa := &windows.SecurityAttributes{
		Length:             uint32(unsafe.Sizeof(windows.SecurityAttributes{})),
		SecurityDescriptor: l.sd,
		InheritHandle:      0,
	}

	pathPtr, err := windows.UTF16PtrFromString(l.path)
	if err != nil {
		return nil, err
	}

	handle, err := windows.CreateNamedPipe(
		pathPtr,
		windows.PIPE_ACCESS_DUPLEX,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		pipeBufferSize,
		pipeBufferSize,
		0,
		sa,
	)
	if err != nil {
		return nil, fmt.Errorf("pipe: CreateNamedPipe: %w", err)
	}

	if err := windows.ConnectNamedPipe(handle, nil); err != nil && !errors.Is(err, windows.ERROR_PIPE_CONNECTED) {
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("pipe: ConnectNamedPipe: %w", err)
	}

	f := os.NewFile(uintptr(handle), l.path)
	nc, err := net.FileConn(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pipe: wrapping pipe handle: %w", err)
	}
	return nc, nil
}

func (l *winPipeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *winPipeListener) Addr() net.Addr {
	return pipeAddr(l.path)
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
