package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "graph:\n  backend: memory\n" +
		"sqlite:\n  path: " + filepath.Join(dir, "data", "catalog.db") + "\n" +
		"logging:\n  level: error\n  format: console\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCommand_Help(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"--help"})

	require.NoError(t, root.Execute())
	for _, sub := range []string{"serve", "reconcile", "sync-works", "check-works"} {
		assert.Contains(t, buf.String(), sub)
	}
}

func TestCheckWorksCommand(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"check-works", "--config", writeConfig(t)})

	require.NoError(t, root.Execute())

	var report struct {
		Summary struct {
			TotalWorks int `json:"total_works"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	assert.Zero(t, report.Summary.TotalWorks)
}

func TestReconcileCommand(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"reconcile", "--config", writeConfig(t)})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "before_count")
}

func TestCommand_MissingConfigFile(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"sync-works", "--config", "/nonexistent/path.yaml"})

	assert.Error(t, root.Execute())
}
