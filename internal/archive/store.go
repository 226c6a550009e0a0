package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/schaermu/unisonwrap/internal/hostid"
)

// ErrStoreLocked is returned when another process holds the store lock
var ErrStoreLocked = errors.New("archive store is locked by another process")

const (
	runStateFile = ".runstate.json"
	historyDir   = "history"
	historyDay   = "20060102"
)

// Store is the profile-scoped home of a profile's archive files, with one
// sub-directory per side
type Store struct {
	fs   afero.Fs
	root string
	lock *flock.Flock
}

// NewStore creates the store for profile name below storeRoot. Nothing is
// created on disk until a write happens.
func NewStore(fs afero.Fs, storeRoot, name string) *Store {
	return &Store{
		fs:   fs,
		root: filepath.Join(storeRoot, name),
		lock: flock.New(filepath.Join(storeRoot, name+".lock")),
	}
}

// Root returns the store directory
func (s *Store) Root() string {
	return s.root
}

// SideDir returns the directory holding the archive files of one side
func (s *Store) SideDir(side hostid.Side) string {
	return filepath.Join(s.root, string(side))
}

// Lock takes the inter-process store lock without blocking. The lock file is
// always on the OS filesystem.
func (s *Store) Lock() error {
	if err := os.MkdirAll(filepath.Dir(s.lock.Path()), 0700); err != nil {
		return fmt.Errorf("failed to create store root: %w", err)
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock store %s: %w", s.root, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrStoreLocked, s.lock.Path())
	}
	return nil
}

// Unlock releases the store lock. The lock file stays in place so every
// process locks the same inode.
func (s *Store) Unlock() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock store %s: %w", s.root, err)
	}
	return nil
}

// Files lists the archive files currently held for one side
func (s *Store) Files(side hostid.Side) ([]string, error) {
	return listFiles(s.fs, s.SideDir(side))
}

// Snapshot copies both sides into history/<day>, replacing a snapshot taken
// earlier the same day, then prunes all but the keep most recent days.
// An empty store is not snapshotted.
func (s *Store) Snapshot(now time.Time, keep int) (string, error) {
	var total int
	for _, side := range []hostid.Side{hostid.SideLocal, hostid.SideRemote} {
		names, err := s.Files(side)
		if err != nil {
			return "", fmt.Errorf("failed to list store %s files: %w", side, err)
		}
		total += len(names)
	}
	if total == 0 {
		return "", nil
	}

	dest := filepath.Join(s.root, historyDir, now.Format(historyDay))
	if err := s.fs.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("failed to replace snapshot %s: %w", dest, err)
	}
	for _, side := range []hostid.Side{hostid.SideLocal, hostid.SideRemote} {
		if _, err := copyFiles(s.fs, s.SideDir(side), filepath.Join(dest, string(side))); err != nil {
			return "", fmt.Errorf("failed to snapshot %s files: %w", side, err)
		}
	}

	if err := s.pruneHistory(keep); err != nil {
		return dest, err
	}
	return dest, nil
}

// History returns the snapshot days present, oldest first
func (s *Store) History() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, filepath.Join(s.root, historyDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var days []string
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		if _, err := time.Parse(historyDay, info.Name()); err != nil {
			continue
		}
		days = append(days, info.Name())
	}
	sort.Strings(days)
	return days, nil
}

func (s *Store) pruneHistory(keep int) error {
	if keep <= 0 {
		return nil
	}
	days, err := s.History()
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	for len(days) > keep {
		old := filepath.Join(s.root, historyDir, days[0])
		if err := s.fs.RemoveAll(old); err != nil {
			return fmt.Errorf("failed to prune snapshot %s: %w", old, err)
		}
		days = days[1:]
	}
	return nil
}
