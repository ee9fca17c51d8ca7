// Package rendezvous implements the small JSON descriptor file that lets
// local client processes discover the running IPC server's endpoint,
// token, and epoch without any other coordination channel.
package rendezvous

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"
)

// Descriptor is the JSON shape written to the rendezvous file, exactly
// the fields the client-side discovery logic expects.
type Descriptor struct {
	WebSocketPort *int   `json:"webSocketPort,omitempty"`
	PipeName      *string `json:"pipeName,omitempty"`
	Token         string `json:"token"`
	Epoch         int    `json:"epoch"`
	ServerPid     int    `json:"serverPid"`
	CreatedUtc    string `json:"createdUtc"`
}

// Rendezvous owns the descriptor file's lifecycle. All writes go
// through a process-wide mutex so the file is never torn by concurrent
// updates from, e.g., both transports binding at nearly the same time.
type Rendezvous struct {
	mu      sync.Mutex
	path    string
	deleted bool
	token   string
}

// New returns a Rendezvous bound to the default per-user path.
func New() (*Rendezvous, error) {
	path, err := defaultPath()
	if err != nil {
		return nil, err
	}
	return &Rendezvous{path: path}, nil
}

// NewAt returns a Rendezvous bound to an explicit path, primarily for
// tests.
func NewAt(path string) *Rendezvous {
	return &Rendezvous{path: path}
}

// GetCurrentPath returns the deterministic per-user descriptor path.
func (r *Rendezvous) GetCurrentPath() string {
	return r.path
}

// GetOrCreateToken reads the descriptor and returns its embedded token
// if present; otherwise it generates one, holds it in memory, and
// defers writing it to disk until the next Update call.
func (r *Rendezvous) GetOrCreateToken() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" {
		return r.token, nil
	}
	if d, err := r.read(); err == nil && d != nil && d.Token != "" {
		r.token = d.Token
		return r.token, nil
	}
	tok, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("rendezvous: generating token: %w", err)
	}
	r.token = tok
	return r.token, nil
}

// SetToken pins the descriptor's published token to an externally
// owned value — the token store is the actual source of truth for the
// shared secret, so cmd/remoteipcd wires this at startup rather than
// letting the descriptor mint its own. SessionRuntime.Rotate does not
// call it: after a rotation the descriptor keeps the previous token
// until SetToken is called again. A no-op once Delete has been called.
func (r *Rendezvous) SetToken(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return nil
	}
	r.token = token

	existing, _ := r.read()
	d := Descriptor{
		ServerPid:  os.Getpid(),
		CreatedUtc: time.Now().UTC().Format(time.RFC3339),
	}
	if existing != nil {
		d = *existing
	}
	d.Token = token
	d.ServerPid = os.Getpid()
	if d.CreatedUtc == "" {
		d.CreatedUtc = time.Now().UTC().Format(time.RFC3339)
	}
	return r.writeAtomic(&d)
}

// Update merges the given transport fields into the existing descriptor
// (if any) and writes it atomically. The token is sticky for the
// process lifetime: once set it is never replaced by Update. A no-op
// once Delete has been called in this process.
func (r *Rendezvous) Update(wsPort *int, pipeName *string, epoch int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return nil
	}

	existing, _ := r.read()

	d := Descriptor{
		ServerPid:  os.Getpid(),
		CreatedUtc: time.Now().UTC().Format(time.RFC3339),
	}
	if existing != nil {
		d = *existing
	}
	if wsPort != nil {
		d.WebSocketPort = wsPort
	}
	if pipeName != nil {
		d.PipeName = pipeName
	}
	d.Epoch = epoch

	if r.token == "" {
		if existing != nil && existing.Token != "" {
			r.token = existing.Token
		} else {
			tok, err := generateToken()
			if err != nil {
				return fmt.Errorf("rendezvous: generating token: %w", err)
			}
			r.token = tok
		}
	}
	d.Token = r.token
	d.ServerPid = os.Getpid()
	if d.CreatedUtc == "" {
		d.CreatedUtc = time.Now().UTC().Format(time.RFC3339)
	}

	return r.writeAtomic(&d)
}

// Delete removes the descriptor file and latches the "deleted" flag so
// subsequent Update calls are no-ops until process restart.
func (r *Rendezvous) Delete() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleted = true
	err := os.Remove(r.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// read tolerates a missing file by returning (nil, nil).
func (r *Rendezvous) read() (*Descriptor, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// writeAtomic writes the descriptor to a temp file in the same
// directory, then renames it over the target path so readers never
// observe a partially written file. Permissions are restricted to the
// current user.
func (r *Rendezvous) writeAtomic(d *Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("rendezvous: marshaling descriptor: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("rendezvous: creating dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rendezvous-*")
	if err != nil {
		return fmt.Errorf("rendezvous: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("rendezvous: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rendezvous: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rendezvous: setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rendezvous: replacing descriptor: %w", err)
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func defaultPath() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("rendezvous: resolving current user: %w", err)
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("rendezvous: resolving config dir: %w", err)
	}
	return filepath.Join(base, "Files", fmt.Sprintf("ipc-rendezvous-%s.json", sanitizeUsername(u.Username))), nil
}

func sanitizeUsername(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
