package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/schaermu/unisonwrap/internal/hostid"
)

// LocalDir is the archive directory on this machine
type LocalDir struct {
	fs    afero.Fs
	host  string
	path  string
	namer BackupNamer
}

// NewLocalDir creates the local archive directory handle for path
func NewLocalDir(fs afero.Fs, host, path string, namer BackupNamer) *LocalDir {
	return &LocalDir{fs: fs, host: host, path: path, namer: namer}
}

func (d *LocalDir) Side() hostid.Side { return hostid.SideLocal }
func (d *LocalDir) Host() string      { return d.host }
func (d *LocalDir) Path() string      { return d.path }

func (d *LocalDir) Exists(_ context.Context) (bool, error) {
	return afero.DirExists(d.fs, d.path)
}

func (d *LocalDir) exists(_ context.Context, path string) (bool, error) {
	return afero.Exists(d.fs, path)
}

func (d *LocalDir) sibling(name string) string {
	return filepath.Join(filepath.Dir(d.path), name)
}

// Quarantine returns the backup path even when creating the fresh directory
// fails afterwards
func (d *LocalDir) Quarantine(ctx context.Context) (string, error) {
	present, err := d.exists(ctx, d.path)
	if err != nil {
		return "", err
	}

	var backup string
	if present {
		backup, err = d.namer.pick(ctx, hostid.SideLocal, d.path, d.sibling, d.exists)
		if err != nil {
			return "", err
		}
		if err := d.fs.Rename(d.path, backup); err != nil {
			return "", fmt.Errorf("failed to move %s to %s: %w", d.path, backup, err)
		}
	}

	if err := d.fs.MkdirAll(d.path, 0700); err != nil {
		return backup, fmt.Errorf("failed to create %s: %w", d.path, err)
	}
	return backup, nil
}

func (d *LocalDir) Populate(_ context.Context, storeDir, profilePath string) ([]string, error) {
	names, err := copyFiles(d.fs, storeDir, d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to copy store into %s: %w", d.path, err)
	}

	profileFile := filepath.Base(profilePath)
	if err := copyFile(d.fs, profilePath, filepath.Join(d.path, profileFile)); err != nil {
		return nil, fmt.Errorf("failed to copy profile into %s: %w", d.path, err)
	}
	return append(names, profileFile), nil
}

func (d *LocalDir) Owns(_ context.Context, profileFile string) (bool, error) {
	return afero.Exists(d.fs, filepath.Join(d.path, profileFile))
}

func (d *LocalDir) ProfileCopies(_ context.Context) ([]string, error) {
	names, err := listFiles(d.fs, d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.path, err)
	}
	return profileFiles(names), nil
}

// Drain removes the profile copy only once every other file has moved, so an
// interrupted drain still owns the directory
func (d *LocalDir) Drain(_ context.Context, storeDir, profileFile string) ([]string, error) {
	if err := d.fs.MkdirAll(storeDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", storeDir, err)
	}

	names, err := listFiles(d.fs, d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.path, err)
	}
	names = without(names, profileFile)
	for i, name := range names {
		if err := moveFile(d.fs, filepath.Join(d.path, name), filepath.Join(storeDir, name)); err != nil {
			return names[:i], fmt.Errorf("failed to move %s into store: %w", name, err)
		}
	}

	if err := d.fs.Remove(filepath.Join(d.path, profileFile)); err != nil && !os.IsNotExist(err) {
		return names, fmt.Errorf("failed to remove profile copy: %w", err)
	}
	return names, nil
}

func (d *LocalDir) Decommission(ctx context.Context) (string, error) {
	entries, err := afero.ReadDir(d.fs, d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s: %w", d.path, err)
	}

	if len(entries) == 0 {
		if err := d.fs.Remove(d.path); err != nil {
			return "", fmt.Errorf("failed to remove %s: %w", d.path, err)
		}
		return "", nil
	}

	leftover, err := d.namer.pick(ctx, hostid.SideLocal, d.path, d.sibling, d.exists)
	if err != nil {
		return "", err
	}
	if err := d.fs.Rename(d.path, leftover); err != nil {
		return "", fmt.Errorf("failed to move %s to %s: %w", d.path, leftover, err)
	}
	return leftover, nil
}
