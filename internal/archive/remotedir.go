package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/schaermu/unisonwrap/internal/hostid"
	"github.com/schaermu/unisonwrap/internal/remote"
)

// RemoteDir is the archive directory on the remote host of a profile. Store
// files are read and written on the local filesystem, which must be the OS
// filesystem since transfers go through the channel's transport.
type RemoteDir struct {
	ch    remote.Channel
	fs    afero.Fs
	home  string
	path  string
	namer BackupNamer
}

// NewRemoteDir creates the handle for <home>/<name> on the channel's host
func NewRemoteDir(ch remote.Channel, fs afero.Fs, home, name string, namer BackupNamer) *RemoteDir {
	return &RemoteDir{
		ch:    ch,
		fs:    fs,
		home:  home,
		path:  ch.Join(home, name),
		namer: namer,
	}
}

func (d *RemoteDir) Side() hostid.Side { return hostid.SideRemote }
func (d *RemoteDir) Host() string      { return d.ch.Host() }
func (d *RemoteDir) Path() string      { return d.path }

func (d *RemoteDir) Exists(ctx context.Context) (bool, error) {
	return d.ch.Exists(ctx, d.path)
}

func (d *RemoteDir) sibling(name string) string {
	return d.ch.Join(d.home, name)
}

// Quarantine returns the backup path even when creating the fresh directory
// fails afterwards
func (d *RemoteDir) Quarantine(ctx context.Context) (string, error) {
	present, err := d.ch.Exists(ctx, d.path)
	if err != nil {
		return "", err
	}

	var backup string
	if present {
		backup, err = d.namer.pick(ctx, hostid.SideRemote, d.path, d.sibling, d.ch.Exists)
		if err != nil {
			return "", err
		}
		if err := d.ch.Rename(ctx, d.path, backup); err != nil {
			return "", err
		}
	}

	if err := d.ch.Mkdir(ctx, d.path); err != nil {
		return backup, err
	}
	return backup, nil
}

func (d *RemoteDir) Populate(ctx context.Context, storeDir, profilePath string) ([]string, error) {
	names, err := listFiles(d.fs, storeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory %s: %w", storeDir, err)
	}
	for _, name := range names {
		if err := d.ch.Upload(ctx, filepath.Join(storeDir, name), d.ch.Join(d.path, name)); err != nil {
			return nil, err
		}
	}

	profileFile := filepath.Base(profilePath)
	if err := d.ch.Upload(ctx, profilePath, d.ch.Join(d.path, profileFile)); err != nil {
		return nil, err
	}
	return append(names, profileFile), nil
}

func (d *RemoteDir) Owns(ctx context.Context, profileFile string) (bool, error) {
	return d.ch.Exists(ctx, d.ch.Join(d.path, profileFile))
}

func (d *RemoteDir) ProfileCopies(ctx context.Context) ([]string, error) {
	names, err := d.ch.List(ctx, d.path)
	if err != nil {
		return nil, err
	}
	return profileFiles(names), nil
}

// Drain moves file by file so an interrupted drain leaves every file either
// in the store or still on the remote host. The profile copy goes last.
func (d *RemoteDir) Drain(ctx context.Context, storeDir, profileFile string) ([]string, error) {
	if err := d.fs.MkdirAll(storeDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", storeDir, err)
	}

	names, err := d.ch.List(ctx, d.path)
	if err != nil {
		return nil, err
	}
	names = without(names, profileFile)
	for i, name := range names {
		if err := d.fetch(ctx, name, storeDir); err != nil {
			return names[:i], err
		}
	}

	profileCopy := d.ch.Join(d.path, profileFile)
	present, err := d.ch.Exists(ctx, profileCopy)
	if err != nil {
		return names, err
	}
	if present {
		if err := d.ch.RemoveTree(ctx, profileCopy); err != nil {
			return names, err
		}
	}
	return names, nil
}

func (d *RemoteDir) fetch(ctx context.Context, name, storeDir string) error {
	src := d.ch.Join(d.path, name)
	tmp := filepath.Join(storeDir, ".unisonwrap-dl-"+name)
	if err := d.ch.Download(ctx, src, tmp); err != nil {
		_ = d.fs.Remove(tmp)
		return err
	}
	if err := d.fs.Rename(tmp, filepath.Join(storeDir, name)); err != nil {
		_ = d.fs.Remove(tmp)
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	return d.ch.RemoveTree(ctx, src)
}

func (d *RemoteDir) Decommission(ctx context.Context) (string, error) {
	present, err := d.ch.Exists(ctx, d.path)
	if err != nil || !present {
		return "", err
	}

	empty, err := d.ch.IsEmpty(ctx, d.path)
	if err != nil {
		return "", err
	}
	if empty {
		return "", d.ch.RemoveTree(ctx, d.path)
	}

	leftover, err := d.namer.pick(ctx, hostid.SideRemote, d.path, d.sibling, d.ch.Exists)
	if err != nil {
		return "", err
	}
	if err := d.ch.Rename(ctx, d.path, leftover); err != nil {
		return "", err
	}
	return leftover, nil
}
