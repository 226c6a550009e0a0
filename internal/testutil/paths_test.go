package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "go.mod"))
	assert.Equal(t, filepath.Join(root, "internal", "testutil", "paths.go"), ProjectPath(t, "internal", "testutil", "paths.go"))
}

func TestFindUp_Missing(t *testing.T) {
	_, err := findUp(t.TempDir(), "surely-not-here.marker")
	assert.Error(t, err)
}

func TestSnapshotTree(t *testing.T) {
	dir := t.TempDir()
	WriteFiles(t, dir, map[string]string{"a/b.txt": "b", "c": "c"})

	assert.Equal(t, map[string]string{"a": "/", "a/b.txt": "b", "c": "c"}, SnapshotTree(t, dir))
	assert.Empty(t, SnapshotTree(t, filepath.Join(dir, "missing")))
}
