package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/unisonwrap/internal/config"
	"github.com/schaermu/unisonwrap/internal/testutil"
)

func TestLoad_ExampleConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := config.Load(testutil.ProjectPath(t, "examples", "config.yaml"), true)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".unison"), cfg.Paths.ArchiveDir)
	assert.Equal(t, filepath.Join(home, ".local", "share", "unisonwrap"), cfg.Paths.StoreRoot)
	assert.Equal(t, config.TransportExec, cfg.Remote.Transport)
	assert.Equal(t, []string{"-o", "BatchMode=yes"}, cfg.Remote.SSHOptions)
	assert.True(t, cfg.HistoryEnabled())
	assert.Equal(t, ".unison_before_unisonwrap", cfg.BackupBaseName())
}
