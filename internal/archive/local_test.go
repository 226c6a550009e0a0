package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/unisonwrap/internal/hostid"
	"github.com/schaermu/unisonwrap/internal/testutil"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }

func testNamer(maxSuffix int) BackupNamer {
	return BackupNamer{Base: ".unison_before_unisonwrap", MaxSuffix: maxSuffix, Now: fixedNow}
}

func TestBackupNamer_Candidates(t *testing.T) {
	names := testNamer(2).candidates()
	assert.Equal(t, []string{
		".unison_before_unisonwrap-20260314T093000",
		".unison_before_unisonwrap-20260314T093000-1",
		".unison_before_unisonwrap-20260314T093000-2",
	}, names)
}

func newLocal(t *testing.T, home string) *LocalDir {
	t.Helper()
	return NewLocalDir(afero.NewOsFs(), "laptop", filepath.Join(home, ".unison"), testNamer(99))
}

func TestLocalDir_QuarantineMissing(t *testing.T) {
	home := t.TempDir()
	d := newLocal(t, home)

	backup, err := d.Quarantine(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backup)
	assert.DirExists(t, d.Path())
	assert.Equal(t, map[string]string{".unison": "/"}, testutil.SnapshotTree(t, home))
}

func TestLocalDir_QuarantineNeverOverwrites(t *testing.T) {
	home := t.TempDir()
	testutil.WriteFiles(t, home, map[string]string{
		".unison/ar1": "current",
		".unison_before_unisonwrap-20260314T093000/ar1":   "older backup",
		".unison_before_unisonwrap-20260314T093000-1/ar1": "even older",
	})
	d := newLocal(t, home)

	backup, err := d.Quarantine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".unison_before_unisonwrap-20260314T093000-2"), backup)

	tree := testutil.SnapshotTree(t, home)
	assert.Equal(t, "older backup", tree[".unison_before_unisonwrap-20260314T093000/ar1"])
	assert.Equal(t, "even older", tree[".unison_before_unisonwrap-20260314T093000-1/ar1"])
	assert.Equal(t, "current", tree[".unison_before_unisonwrap-20260314T093000-2/ar1"])
	assert.Equal(t, "/", tree[".unison"])
	assert.NotContains(t, tree, ".unison/ar1")
}

func TestLocalDir_QuarantineCollision(t *testing.T) {
	home := t.TempDir()
	testutil.WriteFiles(t, home, map[string]string{
		".unison/ar1": "current",
		".unison_before_unisonwrap-20260314T093000/ar1":   "a",
		".unison_before_unisonwrap-20260314T093000-1/ar1": "b",
	})
	before := testutil.SnapshotTree(t, home)
	d := NewLocalDir(afero.NewOsFs(), "laptop", filepath.Join(home, ".unison"), testNamer(1))

	_, err := d.Quarantine(context.Background())
	var collision *BackupCollisionError
	require.ErrorAs(t, err, &collision)
	assert.Equal(t, hostid.SideLocal, collision.Side)
	assert.Equal(t, 2, collision.Tried)
	assert.Equal(t, before, testutil.SnapshotTree(t, home))
}

func TestLocalDir_PopulateDrainRoundTrip(t *testing.T) {
	home := t.TempDir()
	store := t.TempDir()
	testutil.WriteFiles(t, store, map[string]string{
		"local/ar1":  "archive one",
		"local/fp1":  "fingerprint",
		"work.prf":   "root = /a\nroot = ssh://nas//b\n",
		"remote/arX": "not for this side",
	})
	d := newLocal(t, home)
	ctx := context.Background()

	_, err := d.Quarantine(ctx)
	require.NoError(t, err)
	names, err := d.Populate(ctx, filepath.Join(store, "local"), filepath.Join(store, "work.prf"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ar1", "fp1", "work.prf"}, names)

	owns, err := d.Owns(ctx, "work.prf")
	require.NoError(t, err)
	assert.True(t, owns)

	// unison rewrote one archive and added another during the run
	testutil.WriteFiles(t, d.Path(), map[string]string{
		"ar1": "archive one v2",
		"ar2": "archive two",
	})

	moved, err := d.Drain(ctx, filepath.Join(store, "local"), "work.prf")
	require.NoError(t, err)
	assert.Equal(t, []string{"ar1", "ar2", "fp1"}, moved)

	leftover, err := d.Decommission(ctx)
	require.NoError(t, err)
	assert.Empty(t, leftover)
	assert.NoDirExists(t, d.Path())

	tree := testutil.SnapshotTree(t, store)
	assert.Equal(t, "archive one v2", tree["local/ar1"])
	assert.Equal(t, "archive two", tree["local/ar2"])
	assert.Equal(t, "fingerprint", tree["local/fp1"])
	assert.NotContains(t, tree, "local/work.prf")
	assert.Equal(t, "not for this side", tree["remote/arX"])
}

func TestLocalDir_OwnsForeign(t *testing.T) {
	home := t.TempDir()
	testutil.WriteFiles(t, home, map[string]string{".unison/home.prf": "x"})
	d := newLocal(t, home)

	owns, err := d.Owns(context.Background(), "work.prf")
	require.NoError(t, err)
	assert.False(t, owns)

	copies, err := d.ProfileCopies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"home.prf"}, copies)
}

func TestLocalDir_DecommissionKeepsLeftovers(t *testing.T) {
	home := t.TempDir()
	testutil.WriteFiles(t, home, map[string]string{".unison/backup/file.txt": "unison backup copy"})
	d := newLocal(t, home)
	ctx := context.Background()

	moved, err := d.Drain(ctx, filepath.Join(t.TempDir(), "local"), "work.prf")
	require.NoError(t, err)
	assert.Empty(t, moved)

	leftover, err := d.Decommission(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".unison_before_unisonwrap-20260314T093000"), leftover)
	assert.NoDirExists(t, d.Path())
	assert.FileExists(t, filepath.Join(leftover, "backup", "file.txt"))
}

func TestLocalDir_DecommissionMissing(t *testing.T) {
	d := newLocal(t, t.TempDir())

	leftover, err := d.Decommission(context.Background())
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestCopyFile_PreservesMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0640))

	dst := filepath.Join(dir, "nested", "dst")
	require.NoError(t, copyFile(afero.NewOsFs(), src, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
	assert.Equal(t, map[string]string{"src": "data", "nested": "/", "nested/dst": "data"}, testutil.SnapshotTree(t, dir))
}
