package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/unisonwrap/internal/hostid"
)

// State is the lifecycle phase of a profile
type State string

const (
	StateIdle    State = "idle"
	StateStarted State = "started"
)

// RunState is the persisted marker of a profile's lifecycle
type RunState struct {
	Profile    string                 `json:"profile"`
	State      State                  `json:"state"`
	StartedAt  time.Time              `json:"started_at,omitempty"`
	Identities []hostid.Identity      `json:"identities,omitempty"`
	Backups    map[hostid.Side]string `json:"backups,omitempty"`
	Restored   map[hostid.Side]bool   `json:"restored,omitempty"`
}

// Started reports whether a run is active
func (r *RunState) Started() bool {
	return r.State == StateStarted
}

// Identity returns the identity recorded for side
func (r *RunState) Identity(side hostid.Side) (hostid.Identity, bool) {
	for _, id := range r.Identities {
		if id.Side == side {
			return id, true
		}
	}
	return hostid.Identity{}, false
}

// MarkRestored records that side has been drained back into the store
func (r *RunState) MarkRestored(side hostid.Side) {
	if r.Restored == nil {
		r.Restored = make(map[hostid.Side]bool)
	}
	r.Restored[side] = true
}

// RunStatePath returns the location of the marker
func (s *Store) RunStatePath() string {
	return filepath.Join(s.root, runStateFile)
}

// LoadRunState reads the marker; a missing marker means idle
func (s *Store) LoadRunState() (*RunState, error) {
	data, err := afero.ReadFile(s.fs, s.RunStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &RunState{State: StateIdle}, nil
		}
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse run state %s: %w", s.RunStatePath(), err)
	}
	switch rs.State {
	case StateIdle, StateStarted:
	default:
		return nil, fmt.Errorf("unknown run state %q in %s", rs.State, s.RunStatePath())
	}
	return &rs, nil
}

// SaveRunState writes the marker atomically
func (s *Store) SaveRunState(rs *RunState) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(s.root, 0700); err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, s.root, ".runstate-*")
	if err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := s.fs.Rename(tmpPath, s.RunStatePath()); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	return nil
}
