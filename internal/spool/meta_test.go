package spool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/sksync/pkg/models"
)

func TestLoadMeta_MissingFileReturnsFreshMetaFile(t *testing.T) {
	meta := loadMeta(filepath.Join(t.TempDir(), "meta.json"))
	assert.Equal(t, 1, meta.Version)
	assert.NotNil(t, meta.FileCursors)
	assert.NotNil(t, meta.AttachedSessions)
}

func TestLoadMeta_CorruptFileFallsBackToFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	meta := loadMeta(path)
	assert.Equal(t, 1, meta.Version)
}

func TestSaveMeta_RoundTripsViaTempRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")

	meta := models.NewMetaFile()
	meta.SpoolOffset = 42
	meta.AttachedSessions["s1"] = true

	require.NoError(t, saveMeta(path, meta))

	reloaded := loadMeta(path)
	assert.Equal(t, int64(42), reloaded.SpoolOffset)
	assert.True(t, reloaded.AttachedSessions["s1"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}
