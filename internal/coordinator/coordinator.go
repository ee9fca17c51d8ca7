// Package coordinator implements C11: it resolves a validated request
// to a target shell, dispatches it to the shell's adapter, and
// sanitizes any resulting error before it reaches the client.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/files-app/remote-ipc/internal/config"
	"github.com/files-app/remote-ipc/internal/shell"
	"github.com/files-app/remote-ipc/internal/uiqueue"
)

// Error codes reused from the JSON-RPC error table.
const (
	CodeInvalidParams = -32602
	CodeInternalError = -32603
	CodeNoShell       = -32001 // shared with "authentication required"
)

// DomainError carries a preserved JSON-RPC error code out of the
// Coordinator, as opposed to an unexpected failure which gets scrubbed
// and reported as CodeInternalError.
type DomainError struct {
	Code    int
	Message string
}

func (e *DomainError) Error() string { return e.Message }

func newDomainError(code int, msg string) *DomainError {
	return &DomainError{Code: code, Message: msg}
}

// Coordinator routes validated JSON-RPC requests onto shell adapters.
type Coordinator struct {
	registry *shell.Registry
	queue    *uiqueue.SerialQueue
	cfg      *config.Config

	mu            sync.RWMutex
	focusedWindow int
	hasFocus      bool
}

// New constructs a Coordinator over registry, serializing UI-affecting
// calls through queue.
func New(registry *shell.Registry, queue *uiqueue.SerialQueue, cfg *config.Config) *Coordinator {
	return &Coordinator{registry: registry, queue: queue, cfg: cfg}
}

// SetFocusedWindow records which window is currently focused, used as
// resolution step (c) below.
func (c *Coordinator) SetFocusedWindow(windowID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focusedWindow = windowID
	c.hasFocus = true
}

type resolutionParams struct {
	TargetShellID *string `json:"targetShellId,omitempty"`
	WindowID      *int    `json:"windowId,omitempty"`
}

// resolveShell picks a target shell in order: an explicit shell id, an
// explicit window's active shell, the focused window's active shell,
// then any registered shell.
func (c *Coordinator) resolveShell(params resolutionParams) (shell.Descriptor, *DomainError) {
	if params.TargetShellID != nil {
		if d, ok := c.registry.GetByID(*params.TargetShellID); ok {
			return d, nil
		}
	}
	if params.WindowID != nil {
		if d, ok := c.registry.GetActiveForWindow(*params.WindowID); ok {
			return d, nil
		}
	}
	c.mu.RLock()
	focused, hasFocus := c.focusedWindow, c.hasFocus
	c.mu.RUnlock()
	if hasFocus {
		if d, ok := c.registry.GetActiveForWindow(focused); ok {
			return d, nil
		}
	}
	if d, ok := c.registry.Any(); ok {
		return d, nil
	}
	return shell.Descriptor{}, newDomainError(CodeNoShell, "no shell available")
}

// Dispatch routes method with raw params to the appropriate adapter
// call, returning the serialized result (or nil on success with no
// payload) or a *DomainError with a preserved code. Any non-domain
// failure is the caller's responsibility to scrub and report as
// CodeInternalError.
func (c *Coordinator) Dispatch(ctx context.Context, method string, rawParams json.RawMessage) (interface{}, error) {
	switch method {
	case "getState":
		return c.dispatchSimple(rawParams, func(a shell.Adapter) (interface{}, error) { return a.GetState() })
	case "listActions":
		return c.dispatchSimple(rawParams, func(a shell.Adapter) (interface{}, error) { return a.ListActions() })
	case "listShells":
		return c.listShells(), nil
	case "navigate":
		return c.dispatchNavigate(ctx, rawParams)
	case "getMetadata":
		return c.dispatchGetMetadata(ctx, rawParams)
	case "executeAction":
		return c.dispatchExecuteAction(ctx, rawParams)
	default:
		return nil, fmt.Errorf("coordinator: unknown method %q", method)
	}
}

func (c *Coordinator) listShells() interface{} {
	descs := c.registry.List()
	out := make([]map[string]interface{}, 0, len(descs))
	for _, d := range descs {
		out = append(out, map[string]interface{}{
			"shellId":  d.ShellID,
			"windowId": d.WindowID,
			"tabId":    d.TabID,
			"active":   d.Active,
		})
	}
	return out
}

func (c *Coordinator) dispatchSimple(rawParams json.RawMessage, call func(shell.Adapter) (interface{}, error)) (interface{}, error) {
	var p resolutionParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			return nil, newDomainError(CodeInvalidParams, "invalid params")
		}
	}
	target, derr := c.resolveShell(p)
	if derr != nil {
		return nil, derr
	}
	return call(target.Adapter)
}

type navigateParams struct {
	resolutionParams
	Path string `json:"path"`
}

func (c *Coordinator) dispatchNavigate(ctx context.Context, rawParams json.RawMessage) (interface{}, error) {
	var p navigateParams
	if err := json.Unmarshal(rawParams, &p); err != nil || p.Path == "" {
		return nil, newDomainError(CodeInvalidParams, "Invalid path")
	}
	normalized, err := normalizePath(p.Path)
	if err != nil {
		return nil, newDomainError(CodeInvalidParams, "Invalid path")
	}
	target, derr := c.resolveShell(p.resolutionParams)
	if derr != nil {
		return nil, derr
	}
	return c.queue.Enqueue(ctx, func() (interface{}, error) {
		return target.Adapter.Navigate(normalized)
	})
}

type getMetadataParams struct {
	resolutionParams
	Paths []string `json:"paths"`
}

func (c *Coordinator) dispatchGetMetadata(ctx context.Context, rawParams json.RawMessage) (interface{}, error) {
	var p getMetadataParams
	if err := json.Unmarshal(rawParams, &p); err != nil || p.Paths == nil {
		return nil, newDomainError(CodeInvalidParams, "Invalid params")
	}
	maxItems := c.cfg.GetMetadataMaxItems()
	if len(p.Paths) > maxItems {
		return nil, newDomainError(CodeInvalidParams, "Too many paths")
	}
	target, derr := c.resolveShell(p.resolutionParams)
	if derr != nil {
		return nil, derr
	}

	timeout := time.Duration(c.cfg.GetMetadataTimeoutSec()) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type callResult struct {
		value interface{}
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		v, err := target.Adapter.GetMetadata(p.Paths)
		done <- callResult{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("getMetadata timed out after %s", timeout)
	}
}

type executeActionParams struct {
	resolutionParams
	ActionID string `json:"actionId"`
}

func (c *Coordinator) dispatchExecuteAction(ctx context.Context, rawParams json.RawMessage) (interface{}, error) {
	var p executeActionParams
	if err := json.Unmarshal(rawParams, &p); err != nil || p.ActionID == "" {
		return nil, newDomainError(CodeInvalidParams, "Invalid params")
	}

	var target shell.Descriptor
	var derr *DomainError
	if p.TargetShellID != nil {
		if d, ok := c.registry.GetByID(*p.TargetShellID); ok {
			target = d
		} else {
			target, derr = c.resolveShell(p.resolutionParams)
		}
	} else {
		target, derr = c.resolveShell(p.resolutionParams)
	}
	if derr != nil {
		return nil, derr
	}

	return c.queue.Enqueue(ctx, func() (interface{}, error) {
		return target.Adapter.ExecuteAction(p.ActionID)
	})
}

// Sanitize exposes the §4.11.2 error-message scrubbing for callers
// (SessionRuntime) that must report an unexpected failure as
// CodeInternalError without leaking its raw text.
func Sanitize(msg string) string {
	return sanitizeMessage(msg)
}
