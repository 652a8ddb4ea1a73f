package sessionfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIndex(t *testing.T, stateDir, agentID string, entries map[string]map[string]string) {
	t.Helper()
	dir := filepath.Join(stateDir, "agents", agentID, "sessions")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	raw := map[string]map[string]string{}
	for id, fields := range entries {
		raw[id] = fields
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.json"), data, 0o644))
}

func TestIndex_LookupMissingFileIsNotError(t *testing.T) {
	idx := NewIndex(t.TempDir())
	entry, found, err := idx.Lookup("agent1", "sess1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, entry.SessionID)
}

func TestIndex_LookupFindsDirectLabel(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "agent1", map[string]map[string]string{
		"sess1": {"sessionId": "sess1", "label": "SK:TASK:task:p1:wi1:t1"},
	})
	idx := NewIndex(dir)
	entry, found, err := idx.Lookup("agent1", "sess1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "SK:TASK:task:p1:wi1:t1", entry.Label)
}

type fakeHashResolver struct{ m map[string]string }

func (f fakeHashResolver) ResolveHash(hash string) (string, bool) {
	v, ok := f.m[hash]
	return v, ok
}

func TestBinder_ResolveDirectLabel(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "agent1", map[string]map[string]string{
		"sess1": {"sessionId": "sess1", "label": "SK:TASK:task:p1:wi1:t1"},
	})
	binder := NewBinder(NewIndex(dir), nil)
	binding, err := binder.Resolve("sess1", "agent1", "sess1")
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, "task:p1:wi1:t1", binding.EntityExternalID)
}

func TestBinder_ResolveHashedLabelViaHashMap(t *testing.T) {
	dir := t.TempDir()
	hash := "aaaaaaaaaaaaaaaa"
	writeIndex(t, dir, "agent1", map[string]map[string]string{
		"sess1": {"sessionId": "sess1", "label": "SK:TASKH:" + hash},
	})
	binder := NewBinder(NewIndex(dir), fakeHashResolver{m: map[string]string{hash: "task:p1:wi1:t2"}})
	binding, err := binder.Resolve("sess1", "agent1", "sess1")
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, "task:p1:wi1:t2", binding.EntityExternalID)
}

func TestBinder_UnresolvedHashReturnsNilNotError(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "agent1", map[string]map[string]string{
		"sess1": {"sessionId": "sess1", "label": "SK:TASKH:unknownhash0000"},
	})
	binder := NewBinder(NewIndex(dir), fakeHashResolver{m: map[string]string{}})
	binding, err := binder.Resolve("sess1", "agent1", "sess1")
	require.NoError(t, err)
	assert.Nil(t, binding)
}

func TestBinder_UnboundSessionReturnsNilNotError(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "agent1", map[string]map[string]string{
		"sess1": {"sessionId": "sess1", "label": "not-a-routing-label"},
	})
	binder := NewBinder(NewIndex(dir), nil)
	binding, err := binder.Resolve("sess1", "agent1", "sess1")
	require.NoError(t, err)
	assert.Nil(t, binding)
}
