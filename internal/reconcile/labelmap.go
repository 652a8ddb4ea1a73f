package reconcile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/openclaw/sksync/pkg/models"
)

// LabelMap is the persistent, append-dedup label-map.json: a record of
// hashed-task labels the reconciler has resolved to an externalId, so later
// runs (and the spool engine's Binder) skip the transcript prefix scan.
type LabelMap struct {
	path string

	mu      sync.Mutex
	byHash  map[string]string // hash -> externalId
	entries []models.LabelMapEntry
}

// LoadLabelMap reads path, tolerating a missing file as an empty map.
func LoadLabelMap(path string) (*LabelMap, error) {
	lm := &LabelMap{path: path, byHash: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lm, nil
		}
		return nil, err
	}
	var entries []models.LabelMapEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return lm, nil // tolerate corruption, start fresh rather than block a run
	}
	for _, e := range entries {
		lm.entries = append(lm.entries, e)
		lm.byHash[e.Hash] = e.ExternalID
	}
	return lm, nil
}

// ResolveHash implements sessionfile.HashResolver.
func (lm *LabelMap) ResolveHash(hash string) (string, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	v, ok := lm.byHash[hash]
	return v, ok
}

// Record appends {externalId, label, hash} if not already present under any
// of the three fields, then persists the map. No-op if already known.
func (lm *LabelMap) Record(externalID, label, hash string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, e := range lm.entries {
		if e.ExternalID == externalID || e.Label == label || e.Hash == hash {
			return nil
		}
	}
	entry := models.LabelMapEntry{ExternalID: externalID, Label: label, Hash: hash}
	lm.entries = append(lm.entries, entry)
	lm.byHash[hash] = externalID
	return lm.persistLocked()
}

func (lm *LabelMap) persistLocked() error {
	dir := filepath.Dir(lm.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(lm.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".label-map-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, lm.path)
}
