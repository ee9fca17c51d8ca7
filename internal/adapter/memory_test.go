package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdapter() *MemoryAdapter {
	return NewMemoryAdapter("/home", map[string][]FileEntry{
		"/home": {
			{Path: "/home/docs", Name: "docs", IsDir: true},
			{Path: "/home/readme.txt", Name: "readme.txt", IsDir: false},
		},
		"/home/docs": {
			{Path: "/home/docs/notes.txt", Name: "notes.txt", IsDir: false},
		},
	})
}

func TestGetStateReflectsCurrentPath(t *testing.T) {
	a := testAdapter()
	st, err := a.GetState()
	require.NoError(t, err)
	assert.Equal(t, "/home", st.(map[string]interface{})["path"])
}

func TestNavigateToKnownPathSucceeds(t *testing.T) {
	a := testAdapter()
	_, err := a.Navigate("/home/docs")
	require.NoError(t, err)
	st, _ := a.GetState()
	assert.Equal(t, "/home/docs", st.(map[string]interface{})["path"])
}

func TestNavigateToUnknownPathFails(t *testing.T) {
	a := testAdapter()
	_, err := a.Navigate("/nowhere")
	assert.Error(t, err)
}

func TestGetMetadataReturnsKnownEntriesOnly(t *testing.T) {
	a := testAdapter()
	res, err := a.GetMetadata([]string{"/home/readme.txt", "/nowhere"})
	require.NoError(t, err)
	entries := res.([]FileEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, "/home/readme.txt", entries[0].Path)
}

func TestExecuteActionRejectsUnknownAction(t *testing.T) {
	a := testAdapter()
	_, err := a.ExecuteAction("nonexistent")
	assert.Error(t, err)
}

func TestExecuteActionAcceptsKnownAction(t *testing.T) {
	a := testAdapter()
	res, err := a.ExecuteAction("refresh")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.(map[string]interface{})["status"])
}
