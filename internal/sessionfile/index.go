// Package sessionfile loads an agent runtime's sessions.json index and
// resolves a transcript session to the Super-Kanban entity it is bound to,
// reloading the index whenever its file mtime changes.
package sessionfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/sksync/pkg/models"
)

type agentCache struct {
	mtime   time.Time
	entries map[string]models.SessionIndexEntry
}

// Index caches each agent's sessions.json index, invalidating per-agent
// whenever the underlying file's modification time changes.
type Index struct {
	stateDir string
	mu       sync.Mutex
	byAgent  map[string]*agentCache
}

// NewIndex builds an Index rooted at stateDir.
func NewIndex(stateDir string) *Index {
	return &Index{stateDir: stateDir, byAgent: make(map[string]*agentCache)}
}

func (idx *Index) path(agentID string) string {
	return filepath.Join(idx.stateDir, "agents", agentID, "sessions", "sessions.json")
}

// Lookup returns the sessions.json entry for sessionID under agentID,
// reloading the agent's index if the file changed since it was last read.
// A missing file or missing entry is not an error: (zero, false, nil).
func (idx *Index) Lookup(agentID, sessionID string) (models.SessionIndexEntry, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	path := idx.path(agentID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			delete(idx.byAgent, agentID)
			return models.SessionIndexEntry{}, false, nil
		}
		return models.SessionIndexEntry{}, false, err
	}

	cache, ok := idx.byAgent[agentID]
	if !ok || !cache.mtime.Equal(info.ModTime()) {
		entries, err := loadIndexFile(path)
		if err != nil {
			return models.SessionIndexEntry{}, false, err
		}
		cache = &agentCache{mtime: info.ModTime(), entries: entries}
		idx.byAgent[agentID] = cache
	}

	entry, found := cache.entries[sessionID]
	return entry, found, nil
}

func loadIndexFile(path string) (map[string]models.SessionIndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]models.SessionIndexEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("sessionfile: malformed sessions.json at %s: %w", path, err)
	}
	for id, entry := range raw {
		if entry.SessionID == "" {
			entry.SessionID = id
			raw[id] = entry
		}
	}
	return raw, nil
}
