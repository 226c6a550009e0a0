package archive

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/unisonwrap/internal/hostid"
)

func writeMem(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0600))
}

func readMem(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}

func TestStore_Layout(t *testing.T) {
	s := NewStore(afero.NewMemMapFs(), "/profiles", "work")

	assert.Equal(t, filepath.Join("/profiles", "work"), s.Root())
	assert.Equal(t, filepath.Join("/profiles", "work", "local"), s.SideDir(hostid.SideLocal))
	assert.Equal(t, filepath.Join("/profiles", "work", "remote"), s.SideDir(hostid.SideRemote))
	assert.Equal(t, filepath.Join("/profiles", "work", ".runstate.json"), s.RunStatePath())
}

func TestStore_Files(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/profiles", "work")

	names, err := s.Files(hostid.SideLocal)
	require.NoError(t, err)
	assert.Empty(t, names)

	writeMem(t, fs, "/profiles/work/local/fp2", "b")
	writeMem(t, fs, "/profiles/work/local/ar1", "a")
	require.NoError(t, fs.MkdirAll("/profiles/work/local/nested", 0700))

	names, err = s.Files(hostid.SideLocal)
	require.NoError(t, err)
	assert.Equal(t, []string{"ar1", "fp2"}, names)
}

func TestStore_Snapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/profiles", "work")
	day := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	dest, err := s.Snapshot(day, 7)
	require.NoError(t, err)
	assert.Empty(t, dest, "empty store is not snapshotted")

	writeMem(t, fs, "/profiles/work/local/ar1", "local v1")
	writeMem(t, fs, "/profiles/work/remote/ar1", "remote v1")

	dest, err = s.Snapshot(day, 7)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/profiles", "work", "history", "20260314"), dest)
	assert.Equal(t, "local v1", readMem(t, fs, filepath.Join(dest, "local", "ar1")))
	assert.Equal(t, "remote v1", readMem(t, fs, filepath.Join(dest, "remote", "ar1")))

	// same day replaces the snapshot
	require.NoError(t, fs.Remove("/profiles/work/remote/ar1"))
	writeMem(t, fs, "/profiles/work/local/ar1", "local v2")
	_, err = s.Snapshot(day.Add(time.Hour), 7)
	require.NoError(t, err)
	assert.Equal(t, "local v2", readMem(t, fs, filepath.Join(dest, "local", "ar1")))
	exists, err := afero.Exists(fs, filepath.Join(dest, "remote", "ar1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_SnapshotPrunes(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/profiles", "work")
	writeMem(t, fs, "/profiles/work/local/ar1", "a")
	writeMem(t, fs, "/profiles/work/history/notes.txt", "kept, not a snapshot")
	require.NoError(t, fs.MkdirAll("/profiles/work/history/not-a-day", 0700))

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.Snapshot(start.AddDate(0, 0, i), 3)
		require.NoError(t, err)
	}

	days, err := s.History()
	require.NoError(t, err)
	assert.Equal(t, []string{"20260303", "20260304", "20260305"}, days)

	exists, err := afero.DirExists(fs, "/profiles/work/history/not-a-day")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunState_MissingIsIdle(t *testing.T) {
	s := NewStore(afero.NewMemMapFs(), "/profiles", "work")

	rs, err := s.LoadRunState()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, rs.State)
	assert.False(t, rs.Started())
}

func TestRunState_SaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/profiles", "work")
	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	rs := &RunState{
		Profile:   "work",
		State:     StateStarted,
		StartedAt: started,
		Identities: []hostid.Identity{
			{Side: hostid.SideLocal, Hostname: "laptop", Source: hostid.SourceSystemLookup},
			{Side: hostid.SideRemote, Hostname: "nas", Source: hostid.SourceOverrideEnv},
		},
		Backups: map[hostid.Side]string{hostid.SideLocal: "/home/me/.unison_before_unisonwrap-20260314T093000"},
	}
	rs.MarkRestored(hostid.SideLocal)
	require.NoError(t, s.SaveRunState(rs))

	got, err := s.LoadRunState()
	require.NoError(t, err)
	assert.True(t, got.Started())
	assert.True(t, got.StartedAt.Equal(started))
	assert.True(t, got.Restored[hostid.SideLocal])
	assert.False(t, got.Restored[hostid.SideRemote])

	id, ok := got.Identity(hostid.SideRemote)
	require.True(t, ok)
	assert.Equal(t, "nas", id.Hostname)
	assert.Equal(t, hostid.SourceOverrideEnv, id.Source)

	// no temp files left next to the marker
	infos, err := afero.ReadDir(fs, "/profiles/work")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, ".runstate.json", infos[0].Name())
}

func TestRunState_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "garbage", content: "{not json"},
		{name: "unknown state", content: `{"state": "restoring"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			s := NewStore(fs, "/profiles", "work")
			writeMem(t, fs, s.RunStatePath(), tt.content)

			_, err := s.LoadRunState()
			assert.Error(t, err)
		})
	}
}

func TestStore_Lock(t *testing.T) {
	root := t.TempDir()
	first := NewStore(afero.NewOsFs(), root, "work")
	second := NewStore(afero.NewOsFs(), root, "work")
	other := NewStore(afero.NewOsFs(), root, "home")

	require.NoError(t, first.Lock())
	err := second.Lock()
	assert.True(t, errors.Is(err, ErrStoreLocked))

	require.NoError(t, other.Lock(), "profiles lock independently")
	require.NoError(t, other.Unlock())

	require.NoError(t, first.Unlock())
	assert.FileExists(t, filepath.Join(root, "work.lock"), "lock file is reused, never removed")

	require.NoError(t, second.Lock())
	require.NoError(t, second.Unlock())
}
