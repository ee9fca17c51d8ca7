package coordinator

import (
	"fmt"
	"path/filepath"
	"strings"
)

// normalizePath implements §4.11.1: reject empty/whitespace-only input,
// NUL bytes, device-namespace prefixes, and admin-share patterns;
// otherwise compute the absolute, rooted form that is the only value
// ever handed to an adapter.
func normalizePath(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("Invalid path")
	}
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("Invalid path")
	}
	if strings.HasPrefix(raw, `\\?\`) || strings.HasPrefix(raw, `\\.\`) {
		return "", fmt.Errorf("Invalid path")
	}
	if isAdminShare(raw) {
		return "", fmt.Errorf("Invalid path")
	}

	abs := filepath.Clean(raw)
	if !filepath.IsAbs(abs) && !isWindowsRooted(abs) {
		return "", fmt.Errorf("Invalid path")
	}
	return abs, nil
}

// isAdminShare matches UNC admin-share patterns like \\host\C$ or
// \\host\ADMIN$.
func isAdminShare(p string) bool {
	if !strings.HasPrefix(p, `\\`) {
		return false
	}
	parts := strings.Split(strings.TrimPrefix(p, `\\`), `\`)
	if len(parts) < 2 {
		return false
	}
	share := parts[1]
	if share == "" {
		return false
	}
	return strings.HasSuffix(share, "$")
}

// isWindowsRooted handles paths like `C:\foo` on a non-Windows build
// host, since filepath.IsAbs is platform-specific and this server must
// reject Windows-style relative drive paths regardless of the host OS
// it happens to be compiled for.
func isWindowsRooted(p string) bool {
	if len(p) < 3 {
		return false
	}
	return p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}
