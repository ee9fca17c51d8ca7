//go:build linux || darwin

package pipe

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// socketPath maps an endpoint name to a Unix domain socket path under
// the system temp directory.
func socketPath(name string) string {
	return filepath.Join(os.TempDir(), name+".sock")
}

// listen binds a Unix domain socket restricted to the owning user's
// read/write/execute bits only. Unlike a Windows ACL there is no
// "Everyone" group to accidentally deny, so ordinary owner-only file
// permissions are sufficient here.
func listen(name string) (net.Listener, error) {
	path := socketPath(name)
	// A stale socket file from a prior crashed run would otherwise
	// make net.Listen fail with "address already in use".
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("pipe: unix socket listen: %w", err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		ln.Close()
		return nil, fmt.Errorf("pipe: restricting socket permissions: %w", err)
	}
	return ln, nil
}
