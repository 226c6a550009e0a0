package lifecycle

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/schaermu/unisonwrap/internal/hostid"
)

// AlreadyStartedError is returned by Start while a run of the profile is active
type AlreadyStartedError struct {
	Profile   string
	StartedAt time.Time
}

func (e *AlreadyStartedError) Error() string {
	return fmt.Sprintf("profile %s was already started at %s, restore it first", e.Profile, e.StartedAt.Format(time.RFC3339))
}

// NoActiveRunError is returned by Restore when the profile was never started
type NoActiveRunError struct {
	Profile string
}

func (e *NoActiveRunError) Error() string {
	return fmt.Sprintf("profile %s has no active run to restore", e.Profile)
}

// PartialRestoreError reports that one side was restored and the other was not
type PartialRestoreError struct {
	Succeeded []hostid.Side
	Failed    hostid.Side
	Err       error
}

func (e *PartialRestoreError) Error() string {
	done := make([]string, len(e.Succeeded))
	for i, s := range e.Succeeded {
		done[i] = string(s)
	}
	return fmt.Sprintf("restore incomplete: %s side failed (restored: %s): %v", e.Failed, strings.Join(done, ", "), e.Err)
}

func (e *PartialRestoreError) Unwrap() error {
	return e.Err
}

// QuarantineError reports a start that failed after archive directories were
// moved aside or filled with the profile's copies while the run is not
// recorded. Nothing is rolled back; Backups and Populated list what to inspect
// by hand.
type QuarantineError struct {
	Side      hostid.Side
	Host      string
	Backups   map[hostid.Side]string
	Populated map[hostid.Side]string
	Err       error
}

func (e *QuarantineError) Error() string {
	var changes []string
	if len(e.Backups) > 0 {
		changes = append(changes, "moved aside ["+sideList(e.Backups)+"]")
	}
	if len(e.Populated) > 0 {
		changes = append(changes, "populated ["+sideList(e.Populated)+"]")
	}
	return fmt.Sprintf("start failed on %s side (%s) after archive directories were %s: %v",
		e.Side, e.Host, strings.Join(changes, " and "), e.Err)
}

// sideList renders side=path pairs in side order
func sideList(paths map[hostid.Side]string) string {
	sides := make([]string, 0, len(paths))
	for side := range paths {
		sides = append(sides, string(side))
	}
	sort.Strings(sides)

	pairs := make([]string, len(sides))
	for i, side := range sides {
		pairs[i] = side + "=" + paths[hostid.Side(side)]
	}
	return strings.Join(pairs, " ")
}

func (e *QuarantineError) Unwrap() error {
	return e.Err
}

// ForeignArchiveError is returned when an archive directory holds no copy of
// the profile being restored, so draining it would mix in another profile's files
type ForeignArchiveError struct {
	Side    hostid.Side
	Host    string
	Path    string
	Profile string
	Owners  []string
}

func (e *ForeignArchiveError) Error() string {
	owner := "unknown"
	if len(e.Owners) > 0 {
		owner = strings.Join(e.Owners, ", ")
	}
	return fmt.Sprintf("%s archive directory %s on %s does not belong to %s (found: %s)",
		e.Side, e.Path, e.Host, e.Profile, owner)
}
