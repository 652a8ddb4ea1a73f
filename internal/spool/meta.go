package spool

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/openclaw/sksync/pkg/models"
)

// loadMeta reads meta.json, tolerating a missing or corrupt file by falling
// back to a fresh, empty MetaFile.
func loadMeta(path string) *models.MetaFile {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.NewMetaFile()
	}
	var meta models.MetaFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return models.NewMetaFile()
	}
	if meta.FileCursors == nil {
		meta.FileCursors = map[string]models.FileCursor{}
	}
	if meta.AttachedSessions == nil {
		meta.AttachedSessions = map[string]bool{}
	}
	return &meta
}

// saveMeta persists meta via write-temp-then-rename, so a crash mid-write
// leaves either the old or the new contents readable, never a partial file.
func saveMeta(path string, meta *models.MetaFile) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".meta-*.tmp")
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
	return os.Rename(tmpPath, path)
}
