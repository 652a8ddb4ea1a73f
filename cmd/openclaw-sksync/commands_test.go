package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRootCmd_HasServeAndReconcile(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["reconcile"])
}

func TestBuildReconcileCmd_RejectsMissingStateDir(t *testing.T) {
	root := buildRootCmd()
	root.SetArgs([]string{"reconcile", "--dry-run"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state-dir")
}

func TestBuildReconcileCmd_RejectsFixAndDryRunTogether(t *testing.T) {
	root := buildRootCmd()
	root.SetArgs([]string{"reconcile", "--fix", "--dry-run", "--state-dir", "/tmp/does-not-matter"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestBuildServeCmd_DefaultsRuntimeSessionKey(t *testing.T) {
	cmd := buildServeCmd()
	flag := cmd.Flags().Lookup("runtime-session-key")
	require.NotNil(t, flag)
	assert.Equal(t, defaultRuntimeSessionKey, flag.DefValue)
}
