package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/files-app/remote-ipc/internal/adapter"
	"github.com/files-app/remote-ipc/internal/config"
	"github.com/files-app/remote-ipc/internal/shell"
	"github.com/files-app/remote-ipc/internal/uiqueue"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *shell.Registry, func()) {
	t.Helper()
	reg := shell.New()
	q := uiqueue.NewSerialQueue()
	c := New(reg, q, config.Default())
	return c, reg, q.Stop
}

func registerTestShell(reg *shell.Registry, id string, windowID int) {
	a := adapter.NewMemoryAdapter("/home", map[string][]adapter.FileEntry{
		"/home":      {{Path: "/home/docs", Name: "docs", IsDir: true}},
		"/home/docs": {},
	})
	reg.Register(shell.Descriptor{ShellID: id, WindowID: windowID, Adapter: a, Active: true})
}

func TestDispatchReturnsNoShellErrorWhenRegistryEmpty(t *testing.T) {
	c, _, stop := newTestCoordinator(t)
	defer stop()

	_, err := c.Dispatch(context.Background(), "getState", nil)
	require.Error(t, err)
	derr, ok := err.(*DomainError)
	require.True(t, ok)
	assert.Equal(t, CodeNoShell, derr.Code)
}

func TestDispatchGetStateResolvesAnyShell(t *testing.T) {
	c, reg, stop := newTestCoordinator(t)
	defer stop()
	registerTestShell(reg, "s1", 1)

	v, err := c.Dispatch(context.Background(), "getState", nil)
	require.NoError(t, err)
	assert.Equal(t, "/home", v.(map[string]interface{})["path"])
}

func TestDispatchNavigateRejectsDeviceNamespacePath(t *testing.T) {
	c, reg, stop := newTestCoordinator(t)
	defer stop()
	registerTestShell(reg, "s1", 1)

	params, _ := json.Marshal(map[string]string{"path": `\\?\C:\Windows`})
	_, err := c.Dispatch(context.Background(), "navigate", params)
	require.Error(t, err)
	derr, ok := err.(*DomainError)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidParams, derr.Code)
}

func TestDispatchNavigateExplicitTargetShellID(t *testing.T) {
	c, reg, stop := newTestCoordinator(t)
	defer stop()
	registerTestShell(reg, "s1", 1)
	registerTestShell(reg, "s2", 2)

	params, _ := json.Marshal(map[string]interface{}{"targetShellId": "s2", "path": "/home/docs"})
	v, err := c.Dispatch(context.Background(), "navigate", params)
	require.NoError(t, err)
	assert.Equal(t, "/home/docs", v.(map[string]interface{})["path"])
}

func TestDispatchGetMetadataRejectsTooManyPaths(t *testing.T) {
	c, reg, stop := newTestCoordinator(t)
	defer stop()
	registerTestShell(reg, "s1", 1)

	cfg := config.Default()
	cfg.SetGetMetadataMaxItems(2)
	c.cfg = cfg

	paths := []string{"/a", "/b", "/c"}
	params, _ := json.Marshal(map[string]interface{}{"paths": paths})
	_, err := c.Dispatch(context.Background(), "getMetadata", params)
	require.Error(t, err)
	derr, ok := err.(*DomainError)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidParams, derr.Code)
}

func TestDispatchExecuteActionUnknownActionIsNotDomainError(t *testing.T) {
	c, reg, stop := newTestCoordinator(t)
	defer stop()
	registerTestShell(reg, "s1", 1)

	params, _ := json.Marshal(map[string]string{"actionId": "doesNotExist"})
	_, err := c.Dispatch(context.Background(), "executeAction", params)
	require.Error(t, err)
	_, isDomain := err.(*DomainError)
	assert.False(t, isDomain, "an adapter-level failure is a plain error for the caller to scrub, not a DomainError")
}

func TestDispatchListShellsSummarizesRegistry(t *testing.T) {
	c, reg, stop := newTestCoordinator(t)
	defer stop()
	registerTestShell(reg, "s1", 1)

	v, err := c.Dispatch(context.Background(), "listShells", nil)
	require.NoError(t, err)
	list := v.([]map[string]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0]["shellId"])
}

func TestSanitizeScrubsPathsGuidsTokensIPsAndPorts(t *testing.T) {
	msg := `failed reading /home/alice/secret.txt at 192.168.1.5:8080 guid 123e4567-e89b-12d3-a456-426614174000 token aGVsbG8td29ybGQtdGhpcy1pcy1hLWxvbmctdG9rZW4tdmFsdWU=`
	out := Sanitize(msg)
	assert.NotContains(t, out, "/home/alice")
	assert.NotContains(t, out, "192.168.1.5")
	assert.NotContains(t, out, "123e4567")
	assert.Contains(t, out, "[path]")
	assert.Contains(t, out, "[ip]")
	assert.Contains(t, out, "[guid]")
}

func TestSanitizeCollapsesAccessDeniedMessages(t *testing.T) {
	out := Sanitize("Access Denied: cannot read /etc/shadow")
	assert.Equal(t, "ExceptionKind: Access denied", out)
}

func TestSanitizeTruncatesLongMessages(t *testing.T) {
	long := ""
	for i := 0; i < 500; i++ {
		long += "x "
	}
	out := Sanitize(long)
	assert.LessOrEqual(t, len(out), 300)
}
