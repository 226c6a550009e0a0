package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/schaermu/unisonwrap/internal/hostid"
)

// Directory is the well-known archive directory of one host (~/.unison).
// It is shared by every profile and must be empty of foreign files while a
// profile's run is active.
type Directory interface {
	Side() hostid.Side
	// Host names the machine the directory lives on
	Host() string
	Path() string
	Exists(ctx context.Context) (bool, error)

	// Quarantine moves an existing directory aside to a fresh backup name and
	// creates an empty directory in its place. It returns the backup path, or
	// "" when there was nothing to move.
	Quarantine(ctx context.Context) (string, error)
	// Populate copies the regular files of storeDir plus the profile file into
	// the directory and returns the names written
	Populate(ctx context.Context, storeDir, profilePath string) ([]string, error)
	// Owns reports whether the directory holds a copy of profileFile
	Owns(ctx context.Context, profileFile string) (bool, error)
	// ProfileCopies lists the profile files present, naming the profiles
	// whose run populated the directory
	ProfileCopies(ctx context.Context) ([]string, error)
	// Drain moves every regular file except the profile copy into storeDir,
	// overwriting by name, then deletes the profile copy. It returns the
	// names moved.
	Drain(ctx context.Context, storeDir, profileFile string) ([]string, error)
	// Decommission removes the drained directory. Entries Drain did not move
	// are kept by renaming the directory to a backup name, which is returned.
	Decommission(ctx context.Context) (string, error)
}

// BackupCollisionError is returned when every candidate backup name is taken
type BackupCollisionError struct {
	Side  hostid.Side
	Path  string
	Tried int
}

func (e *BackupCollisionError) Error() string {
	return fmt.Sprintf("no free backup name for %s archive directory %s after %d attempts", e.Side, e.Path, e.Tried)
}

const backupStamp = "20060102T150405"

// BackupNamer generates sibling names for quarantined directories:
// <base>-<stamp>, then <base>-<stamp>-1 up to -MaxSuffix
type BackupNamer struct {
	Base      string
	MaxSuffix int
	Now       func() time.Time
}

func (n BackupNamer) candidates() []string {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	stem := n.Base + "-" + now().Format(backupStamp)

	names := make([]string, 0, n.MaxSuffix+1)
	names = append(names, stem)
	for i := 1; i <= n.MaxSuffix; i++ {
		names = append(names, fmt.Sprintf("%s-%d", stem, i))
	}
	return names
}

// pick returns the first candidate that does not exist. Existing paths are
// never reused.
func (n BackupNamer) pick(ctx context.Context, side hostid.Side, dir string, join func(name string) string, exists func(ctx context.Context, path string) (bool, error)) (string, error) {
	names := n.candidates()
	for _, name := range names {
		path := join(name)
		taken, err := exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("failed to check backup name %s: %w", path, err)
		}
		if !taken {
			return path, nil
		}
	}
	return "", &BackupCollisionError{Side: side, Path: dir, Tried: len(names)}
}
