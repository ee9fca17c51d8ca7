package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct{}

func (stubAdapter) GetState() (interface{}, error)                { return nil, nil }
func (stubAdapter) ListActions() (interface{}, error)             { return nil, nil }
func (stubAdapter) Navigate(string) (interface{}, error)          { return nil, nil }
func (stubAdapter) GetMetadata([]string) (interface{}, error)     { return nil, nil }
func (stubAdapter) ExecuteAction(string) (interface{}, error)     { return nil, nil }

func TestRegisterAndGetByID(t *testing.T) {
	r := New()
	r.Register(Descriptor{ShellID: "s1", WindowID: 1, Adapter: stubAdapter{}})
	d, ok := r.GetByID("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", d.ShellID)
}

func TestUnregisterRemoves(t *testing.T) {
	r := New()
	r.Register(Descriptor{ShellID: "s1", WindowID: 1})
	r.Unregister("s1")
	_, ok := r.GetByID("s1")
	assert.False(t, ok)
}

func TestSetActiveIsUniquePerWindow(t *testing.T) {
	r := New()
	r.Register(Descriptor{ShellID: "s1", WindowID: 1})
	r.Register(Descriptor{ShellID: "s2", WindowID: 1})
	require.True(t, r.SetActive("s1"))
	require.True(t, r.SetActive("s2"))

	d1, _ := r.GetByID("s1")
	d2, _ := r.GetByID("s2")
	assert.False(t, d1.Active)
	assert.True(t, d2.Active)

	active, ok := r.GetActiveForWindow(1)
	require.True(t, ok)
	assert.Equal(t, "s2", active.ShellID)
}

func TestSetActiveUnknownShellReturnsFalse(t *testing.T) {
	r := New()
	assert.False(t, r.SetActive("nope"))
}

func TestListReturnsStableSnapshot(t *testing.T) {
	r := New()
	r.Register(Descriptor{ShellID: "s1", WindowID: 1})
	snapshot := r.List()
	r.Register(Descriptor{ShellID: "s2", WindowID: 2})
	assert.Len(t, snapshot, 1, "snapshot taken before the second register must not observe it")
	assert.Len(t, r.List(), 2)
}
