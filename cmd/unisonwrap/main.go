package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/unisonwrap/internal/archive"
	"github.com/schaermu/unisonwrap/internal/config"
	"github.com/schaermu/unisonwrap/internal/hostid"
	"github.com/schaermu/unisonwrap/internal/lifecycle"
	"github.com/schaermu/unisonwrap/internal/profile"
	"github.com/schaermu/unisonwrap/internal/remote"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	logOutput io.Writer = os.Stderr
)

const logLevelEnv = "UNISONWRAP_LOG_LEVEL"

// Exit codes
const (
	exitOK = iota
	exitGeneric
	exitUsage
	exitHostResolution
	exitBackupCollision
	exitRemoteChannel
	exitNoActiveRun
	exitAlreadyStarted
	exitPartialRestore
	exitStoreLocked
	exitQuarantine
	exitForeignArchive
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "unisonwrap",
	Short: "Keep unison archive files separate per profile",
	Long: `unisonwrap moves the unison archive directory (~/.unison) aside on both hosts
of a profile and fills it with only the archive files belonging to that
profile. After unison has run, restore moves the updated files back into the
profile's store and removes the directory again.`,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:     "start <profile.prf>",
	Aliases: []string{"s"},
	Short:   "Put the profile's archive files in place on both hosts",
	Long: `Start moves any existing archive directory aside to a dated backup on the
local and the remote host, then copies the archive files stored for the
profile into a fresh archive directory on each host.

Run unison with the profile afterwards and finish with restore.`,
	Args: profileArg,
	RunE: runStart,
}

var restoreCmd = &cobra.Command{
	Use:     "restore <profile.prf>",
	Aliases: []string{"r"},
	Short:   "Move the archive files back into the profile's store",
	Long: `Restore moves every archive file from the archive directory of both hosts
into the profile's store and removes the directory. A side restored by an
earlier, partially failed attempt is skipped. Backups made by start are never
touched.`,
	Args: profileArg,
	RunE: runRestore,
}

var statusCmd = &cobra.Command{
	Use:   "status <profile.prf>",
	Short: "Show the run state and stored archive files of a profile",
	Args:  profileArg,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "unisonwrap %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/unisonwrap/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), falls back to $"+logLevelEnv)
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	// Add commands
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// usageError marks bad invocations and unreadable profiles
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func profileArg(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return &usageError{err: fmt.Errorf("expected exactly one profile, got %d arguments", len(args))}
	}
	return nil
}

// loadProfile accepts a profile path with or without the .prf extension
func loadProfile(arg string) (*profile.Profile, error) {
	if !profile.IsProfileFile(arg) {
		arg += profile.Extension
	}
	p, err := profile.Load(arg)
	if err != nil {
		return nil, &usageError{err: err}
	}
	return p, nil
}

// setup loads everything a lifecycle command needs
func setup(arg string) (*lifecycle.Controller, *profile.Profile, *slog.Logger, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	p, err := loadProfile(arg)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Debug("profile loaded", "profile", p.Name, "path", p.Path, "remote", p.IsRemote())

	dial := func(_ context.Context, root *profile.Root) (remote.Channel, error) {
		ch, err := remote.New(root, cfg.Remote, logger)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	resolver := hostid.NewResolver(cfg.Hostname.OverrideEnv)
	ctrl := lifecycle.NewController(cfg, afero.NewOsFs(), resolver, dial, logger)
	return ctrl, p, logger, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	ctrl, p, logger, err := setup(args[0])
	if err != nil {
		return err
	}

	report, err := ctrl.Start(ctx, p)
	if err != nil {
		logger.Error("start failed", "profile", p.Name, "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	for _, id := range report.Identities {
		_, _ = fmt.Fprintf(out, "%-6s %s (%s)\n", id.Side, id.Hostname, id.Source)
	}
	_, _ = fmt.Fprintf(out, "ready, now run: unison %s\n", p.FileName())
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	ctrl, p, logger, err := setup(args[0])
	if err != nil {
		return err
	}

	report, err := ctrl.Restore(ctx, p)
	if err != nil {
		logger.Error("restore failed", "profile", p.Name, "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	for _, side := range []hostid.Side{hostid.SideLocal, hostid.SideRemote} {
		if names, ok := report.Drained[side]; ok {
			_, _ = fmt.Fprintf(out, "%-6s %d files stored\n", side, len(names))
		}
		if leftover := report.Leftovers[side]; leftover != "" {
			_, _ = fmt.Fprintf(out, "%-6s unexpected entries kept in %s\n", side, leftover)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctrl, p, _, err := setup(args[0])
	if err != nil {
		return err
	}

	st, err := ctrl.Status(cmd.Context(), p)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "profile: %s\n", st.Profile)
	_, _ = fmt.Fprintf(out, "store:   %s\n", st.Store)
	_, _ = fmt.Fprintf(out, "state:   %s\n", st.RunState.State)
	if st.RunState.Started() {
		_, _ = fmt.Fprintf(out, "started: %s\n", st.RunState.StartedAt.Format(time.RFC3339))
		for _, id := range st.RunState.Identities {
			restored := ""
			if st.RunState.Restored[id.Side] {
				restored = ", restored"
			}
			_, _ = fmt.Fprintf(out, "  %-6s %s%s\n", id.Side, id.Hostname, restored)
		}
		sides := make([]string, 0, len(st.RunState.Backups))
		for side := range st.RunState.Backups {
			sides = append(sides, string(side))
		}
		sort.Strings(sides)
		for _, side := range sides {
			_, _ = fmt.Fprintf(out, "  backup %-6s %s\n", side, st.RunState.Backups[hostid.Side(side)])
		}
	}
	for _, side := range []hostid.Side{hostid.SideLocal, hostid.SideRemote} {
		_, _ = fmt.Fprintf(out, "%-6s %s\n", side+":", strings.Join(st.Files[side], " "))
	}
	if len(st.History) > 0 {
		_, _ = fmt.Fprintf(out, "history: %s\n", strings.Join(st.History, " "))
	}
	return nil
}

func setupLogger() *slog.Logger {
	levelName := logLevel
	if levelName == "" {
		levelName = os.Getenv(logLevelEnv)
	}

	// Parse log level
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(logOutput, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(logOutput, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(logOutput),
		})
	}

	return slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// An explicit --config must exist, the default location is optional
	configPath := cfgFile
	required := configPath != ""
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "unisonwrap", "config.yaml")
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath, required)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"archive_dir", cfg.Paths.ArchiveDir,
		"store_root", cfg.Paths.StoreRoot,
		"transport", string(cfg.Remote.Transport))

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// exitCode maps an error to the documented process exit status. Wrapping
// errors are checked before the errors they wrap.
func exitCode(err error) int {
	var (
		usage      *usageError
		quarantine *lifecycle.QuarantineError
		partial    *lifecycle.PartialRestoreError
		foreign    *lifecycle.ForeignArchiveError
		already    *lifecycle.AlreadyStartedError
		noRun      *lifecycle.NoActiveRunError
		collision  *archive.BackupCollisionError
		resolution *hostid.ResolutionError
		channel    *remote.ChannelError
	)

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage):
		return exitUsage
	case errors.As(err, &quarantine):
		return exitQuarantine
	case errors.As(err, &partial):
		return exitPartialRestore
	case errors.As(err, &foreign):
		return exitForeignArchive
	case errors.As(err, &already):
		return exitAlreadyStarted
	case errors.As(err, &noRun):
		return exitNoActiveRun
	case errors.Is(err, archive.ErrStoreLocked):
		return exitStoreLocked
	case errors.As(err, &collision):
		return exitBackupCollision
	case errors.As(err, &resolution):
		return exitHostResolution
	case errors.As(err, &channel):
		return exitRemoteChannel
	default:
		return exitGeneric
	}
}
