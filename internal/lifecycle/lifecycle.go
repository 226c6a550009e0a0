package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/unisonwrap/internal/archive"
	"github.com/schaermu/unisonwrap/internal/config"
	"github.com/schaermu/unisonwrap/internal/hostid"
	"github.com/schaermu/unisonwrap/internal/profile"
	"github.com/schaermu/unisonwrap/internal/remote"
)

// Dialer opens the channel to the remote root of a profile
type Dialer func(ctx context.Context, root *profile.Root) (remote.Channel, error)

// Controller drives the archive directory lifecycle of one profile at a time
type Controller struct {
	cfg      *config.Config
	fs       afero.Fs
	resolver *hostid.Resolver
	dial     Dialer
	logger   *slog.Logger
	now      func() time.Time
}

// NewController creates a lifecycle controller
func NewController(cfg *config.Config, fs afero.Fs, resolver *hostid.Resolver, dial Dialer, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		fs:       fs,
		resolver: resolver,
		dial:     dial,
		logger:   logger,
		now:      time.Now,
	}
}

// StartReport summarizes a successful start
type StartReport struct {
	Profile    string
	Identities []hostid.Identity
	Backups    map[hostid.Side]string
	Populated  map[hostid.Side][]string
	Snapshot   string
}

// RestoreReport summarizes a successful restore
type RestoreReport struct {
	Profile   string
	Drained   map[hostid.Side][]string
	Leftovers map[hostid.Side]string
	Skipped   []hostid.Side
}

func (c *Controller) store(p *profile.Profile) *archive.Store {
	return archive.NewStore(c.fs, c.cfg.StoreRootFor(p.Path), p.Name)
}

func (c *Controller) namer() archive.BackupNamer {
	return archive.BackupNamer{
		Base:      c.cfg.BackupBaseName(),
		MaxSuffix: c.cfg.Backup.MaxSuffix,
		Now:       c.now,
	}
}

// lock takes the store lock and returns the release func
func (c *Controller) lock(store *archive.Store) (func(), error) {
	if err := store.Lock(); err != nil {
		return nil, err
	}
	return func() {
		if err := store.Unlock(); err != nil {
			c.logger.Warn("failed to release store lock", "store", store.Root(), "error", err)
		}
	}, nil
}

// remoteSide opens the channel and resolves the remote home. The caller
// closes the channel.
func (c *Controller) remoteSide(ctx context.Context, p *profile.Profile) (remote.Channel, string, error) {
	ch, err := c.dial(ctx, p.Remote)
	if err != nil {
		return nil, "", err
	}
	home, err := ch.Home(ctx)
	if err != nil {
		_ = ch.Close()
		return nil, "", err
	}
	return ch, home, nil
}

func (c *Controller) localDir(host string) *archive.LocalDir {
	return archive.NewLocalDir(c.fs, host, c.cfg.Paths.ArchiveDir, c.namer())
}

func (c *Controller) remoteDir(ch remote.Channel, home string) *archive.RemoteDir {
	return archive.NewRemoteDir(ch, c.fs, home, c.cfg.ArchiveDirName(), c.namer())
}

// Start quarantines the archive directory on both hosts and fills it with the
// profile's stored archive files
func (c *Controller) Start(ctx context.Context, p *profile.Profile) (*StartReport, error) {
	logger := c.logger.With("profile", p.Name)
	store := c.store(p)

	unlock, err := c.lock(store)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rs, err := store.LoadRunState()
	if err != nil {
		return nil, err
	}
	if rs.Started() {
		return nil, &AlreadyStartedError{Profile: p.Name, StartedAt: rs.StartedAt}
	}

	// everything fallible that has no side effects comes first
	localID, err := c.resolver.ResolveLocal(ctx)
	if err != nil {
		return nil, err
	}
	identities := []hostid.Identity{localID}
	dirs := []archive.Directory{c.localDir(localID.Hostname)}

	if p.IsRemote() {
		ch, home, err := c.remoteSide(ctx, p)
		if err != nil {
			// an unreachable host cannot be named
			return nil, &hostid.ResolutionError{Side: hostid.SideRemote, Err: err}
		}
		defer func() {
			_ = ch.Close()
		}()

		remoteID, err := c.resolver.ResolveRemote(ctx, ch)
		if err != nil {
			return nil, err
		}
		identities = append(identities, remoteID)
		dirs = append(dirs, c.remoteDir(ch, home))
	} else {
		logger.Info("profile has no remote root, only the local side is managed")
	}

	report := &StartReport{
		Profile:    p.Name,
		Identities: identities,
		Backups:    make(map[hostid.Side]string),
		Populated:  make(map[hostid.Side][]string),
	}

	populated := make(map[hostid.Side]string)
	// changed wraps failures once an archive directory was touched
	changed := func(side hostid.Side, host string, err error) error {
		if len(report.Backups) == 0 && len(populated) == 0 {
			return err
		}
		return &QuarantineError{Side: side, Host: host, Backups: report.Backups, Populated: populated, Err: err}
	}

	for _, dir := range dirs {
		if err := c.startSide(ctx, logger, dir, store, p, report); err != nil {
			return nil, changed(dir.Side(), dir.Host(), err)
		}
		populated[dir.Side()] = dir.Path()
	}

	// the store is only read above, so the snapshot still holds the pre-run files
	if c.cfg.HistoryEnabled() {
		snapshot, err := store.Snapshot(c.now(), c.cfg.History.Keep)
		if err != nil {
			return nil, changed(hostid.SideLocal, localID.Hostname, fmt.Errorf("failed to snapshot store: %w", err))
		}
		if snapshot != "" {
			logger.Info("store snapshot taken", "path", snapshot)
		}
		report.Snapshot = snapshot
	}

	if err := store.SaveRunState(&archive.RunState{
		Profile:    p.Name,
		State:      archive.StateStarted,
		StartedAt:  c.now(),
		Identities: identities,
		Backups:    report.Backups,
	}); err != nil {
		return nil, changed(hostid.SideLocal, localID.Hostname, err)
	}

	attrs := []any{"local_host", localID.Hostname}
	if p.IsRemote() {
		attrs = append(attrs, "remote_host", identities[1].Hostname)
	}
	attrs = append(attrs, "next", "unison "+p.FileName())
	logger.Info("archives in place, run unison now", attrs...)

	return report, nil
}

func (c *Controller) startSide(ctx context.Context, logger *slog.Logger, dir archive.Directory, store *archive.Store, p *profile.Profile, report *StartReport) error {
	side := dir.Side()
	logger = logger.With("side", string(side), "host", dir.Host())

	exists, err := dir.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		if owners, err := dir.ProfileCopies(ctx); err == nil && len(owners) > 0 {
			logger.Warn("archive directory still populated by another run", "path", dir.Path(), "profiles", owners)
		}
	}

	backup, err := dir.Quarantine(ctx)
	if backup != "" {
		report.Backups[side] = backup
		logger.Info("archive directory moved aside", "path", dir.Path(), "backup", backup)
	}
	if err != nil {
		return err
	}

	names, err := dir.Populate(ctx, store.SideDir(side), p.Path)
	if err != nil {
		return err
	}
	report.Populated[side] = names
	logger.Info("archive directory populated", "path", dir.Path(), "files", len(names))
	return nil
}

// Restore drains both archive directories back into the profile's store and
// removes them. Sides restored by an earlier, partially failed call are skipped.
func (c *Controller) Restore(ctx context.Context, p *profile.Profile) (*RestoreReport, error) {
	logger := c.logger.With("profile", p.Name)
	store := c.store(p)

	unlock, err := c.lock(store)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rs, err := store.LoadRunState()
	if err != nil {
		return nil, err
	}
	if !rs.Started() {
		return nil, &NoActiveRunError{Profile: p.Name}
	}

	report := &RestoreReport{
		Profile:   p.Name,
		Drained:   make(map[hostid.Side][]string),
		Leftovers: make(map[hostid.Side]string),
	}

	sides := []hostid.Side{hostid.SideLocal}
	if p.IsRemote() {
		sides = append(sides, hostid.SideRemote)
	}

	var succeeded []hostid.Side
	for _, side := range sides {
		if rs.Restored[side] {
			logger.Info("side already restored, skipping", "side", string(side))
			report.Skipped = append(report.Skipped, side)
			succeeded = append(succeeded, side)
			continue
		}

		if err := c.restoreSide(ctx, logger, side, p, rs, store, report); err != nil {
			if len(succeeded) == 0 {
				return nil, err
			}
			return nil, &PartialRestoreError{Succeeded: succeeded, Failed: side, Err: err}
		}

		rs.MarkRestored(side)
		if err := store.SaveRunState(rs); err != nil {
			return nil, &PartialRestoreError{Succeeded: succeeded, Failed: side, Err: err}
		}
		succeeded = append(succeeded, side)
	}

	if err := store.SaveRunState(&archive.RunState{Profile: p.Name, State: archive.StateIdle}); err != nil {
		return nil, err
	}

	logger.Info("archives restored to store", "store", store.Root())
	return report, nil
}

func (c *Controller) restoreSide(ctx context.Context, logger *slog.Logger, side hostid.Side, p *profile.Profile, rs *archive.RunState, store *archive.Store, report *RestoreReport) error {
	host := string(side)
	if id, ok := rs.Identity(side); ok {
		host = id.Hostname
	}

	var dir archive.Directory
	switch side {
	case hostid.SideLocal:
		dir = c.localDir(host)
	case hostid.SideRemote:
		ch, home, err := c.remoteSide(ctx, p)
		if err != nil {
			return err
		}
		defer func() {
			_ = ch.Close()
		}()
		dir = c.remoteDir(ch, home)
	}
	logger = logger.With("side", string(side), "host", host)

	exists, err := dir.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		logger.Info("archive directory absent, nothing to restore", "path", dir.Path())
		return nil
	}

	owns, err := dir.Owns(ctx, p.FileName())
	if err != nil {
		return err
	}
	if !owns {
		owners, _ := dir.ProfileCopies(ctx)
		return &ForeignArchiveError{Side: side, Host: host, Path: dir.Path(), Profile: p.Name, Owners: owners}
	}

	names, err := dir.Drain(ctx, store.SideDir(side), p.FileName())
	if err != nil {
		return err
	}
	report.Drained[side] = names
	logger.Info("archive files moved to store", "path", dir.Path(), "files", len(names))

	leftover, err := dir.Decommission(ctx)
	if err != nil {
		return err
	}
	if leftover != "" {
		report.Leftovers[side] = leftover
		logger.Warn("archive directory held more than regular files, kept aside", "path", leftover)
	}
	return nil
}
