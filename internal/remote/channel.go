package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Result is the outcome of one command executed on the remote host
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Channel runs commands on and transfers files to/from one remote host.
// Every call is synchronous; nothing is retried internally.
type Channel interface {
	// Host names the remote host as given in the profile
	Host() string
	// Join joins path elements using the remote separator
	Join(elem ...string) string

	Run(ctx context.Context, command string) (Result, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	Exists(ctx context.Context, path string) (bool, error)
	Mkdir(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	RemoveTree(ctx context.Context, path string) error
	// List returns the names of regular files directly inside dir
	List(ctx context.Context, dir string) ([]string, error)
	// IsEmpty reports whether dir has no entries, directories included
	IsEmpty(ctx context.Context, dir string) (bool, error)

	Home(ctx context.Context) (string, error)
	Getenv(ctx context.Context, name string) (string, error)
	Hostname(ctx context.Context) (string, error)

	Close() error
}

// Transport moves bytes to one host. Exec returns an error only when the
// command could not be run at all; a non-zero exit is reported in Result.
type Transport interface {
	Exec(ctx context.Context, command string) (Result, error)
	Put(ctx context.Context, localPath, remotePath string) error
	Get(ctx context.Context, remotePath, localPath string) error
	Close() error
}

// ChannelError reports a failed remote operation
type ChannelError struct {
	Host   string
	Op     string
	Path   string
	Result *Result
	Err    error
}

func (e *ChannelError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote %s on %q", e.Op, e.Host)
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Result != nil {
		fmt.Fprintf(&b, ": exit status %d", e.Result.ExitCode)
		if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
			fmt.Fprintf(&b, ": %s", stderr)
		}
	}
	return b.String()
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Shell implements Channel by sending dialect commands over a transport
type Shell struct {
	host      string
	dialect   Dialect
	transport Transport
	logger    *slog.Logger

	homeOnce sync.Once
	home     string
	homeErr  error
}

// NewShell creates a channel to host
func NewShell(host string, dialect Dialect, transport Transport, logger *slog.Logger) *Shell {
	return &Shell{
		host:      host,
		dialect:   dialect,
		transport: transport,
		logger:    logger,
	}
}

func (s *Shell) Host() string { return s.host }

func (s *Shell) Join(elem ...string) string { return s.dialect.Join(elem...) }

// Run executes command and returns its result. Only a transport failure is an error.
func (s *Shell) Run(ctx context.Context, command string) (Result, error) {
	s.logger.Debug("remote command", "host", s.host, "command", command)
	res, err := s.transport.Exec(ctx, command)
	if err != nil {
		return res, &ChannelError{Host: s.host, Op: "run", Err: err}
	}
	return res, nil
}

// mustRun executes command and treats a non-zero exit as failure of op
func (s *Shell) mustRun(ctx context.Context, op, path, command string) (Result, error) {
	res, err := s.Run(ctx, command)
	if err != nil {
		var chErr *ChannelError
		if errors.As(err, &chErr) {
			chErr.Op = op
			chErr.Path = path
		}
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &ChannelError{Host: s.host, Op: op, Path: path, Result: &res}
	}
	return res, nil
}

func (s *Shell) Upload(ctx context.Context, localPath, remotePath string) error {
	s.logger.Debug("uploading file", "host", s.host, "local", localPath, "remote", remotePath)
	if err := s.transport.Put(ctx, localPath, s.dialect.TransferPath(remotePath)); err != nil {
		return &ChannelError{Host: s.host, Op: "upload", Path: remotePath, Err: err}
	}
	return nil
}

func (s *Shell) Download(ctx context.Context, remotePath, localPath string) error {
	s.logger.Debug("downloading file", "host", s.host, "remote", remotePath, "local", localPath)
	if err := s.transport.Get(ctx, s.dialect.TransferPath(remotePath), localPath); err != nil {
		return &ChannelError{Host: s.host, Op: "download", Path: remotePath, Err: err}
	}
	return nil
}

func (s *Shell) Exists(ctx context.Context, path string) (bool, error) {
	res, err := s.mustRun(ctx, "exists", path, s.dialect.ExistsCmd(path))
	if err != nil {
		return false, err
	}
	exists, err := s.dialect.ParseExists(res.Stdout)
	if err != nil {
		return false, &ChannelError{Host: s.host, Op: "exists", Path: path, Err: err}
	}
	return exists, nil
}

// Mkdir creates path and verifies it exists afterwards
func (s *Shell) Mkdir(ctx context.Context, path string) error {
	if _, err := s.mustRun(ctx, "mkdir", path, s.dialect.MkdirCmd(path)); err != nil {
		return err
	}
	exists, err := s.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return &ChannelError{Host: s.host, Op: "mkdir", Path: path, Err: fmt.Errorf("directory missing after mkdir")}
	}
	return nil
}

// Rename moves oldPath to newPath, refusing to replace an existing newPath,
// and verifies the move afterwards
func (s *Shell) Rename(ctx context.Context, oldPath, newPath string) error {
	if _, err := s.mustRun(ctx, "rename", oldPath, s.dialect.RenameCmd(oldPath, newPath)); err != nil {
		return err
	}
	oldExists, err := s.Exists(ctx, oldPath)
	if err != nil {
		return err
	}
	newExists, err := s.Exists(ctx, newPath)
	if err != nil {
		return err
	}
	if oldExists || !newExists {
		return &ChannelError{Host: s.host, Op: "rename", Path: oldPath, Err: fmt.Errorf("move to %s not observed", newPath)}
	}
	return nil
}

// RemoveTree deletes path recursively and verifies it is gone
func (s *Shell) RemoveTree(ctx context.Context, path string) error {
	if _, err := s.mustRun(ctx, "remove", path, s.dialect.RemoveTreeCmd(path)); err != nil {
		return err
	}
	exists, err := s.Exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return &ChannelError{Host: s.host, Op: "remove", Path: path, Err: fmt.Errorf("path still present after removal")}
	}
	return nil
}

func (s *Shell) List(ctx context.Context, dir string) ([]string, error) {
	res, err := s.mustRun(ctx, "list", dir, s.dialect.ListCmd(dir))
	if err != nil {
		return nil, err
	}
	names := parseList(res.Stdout)
	sort.Strings(names)
	return names, nil
}

func (s *Shell) IsEmpty(ctx context.Context, dir string) (bool, error) {
	res, err := s.mustRun(ctx, "list", dir, s.dialect.EmptyCmd(dir))
	if err != nil {
		return false, err
	}
	empty, err := s.dialect.ParseExists(res.Stdout)
	if err != nil {
		return false, &ChannelError{Host: s.host, Op: "list", Path: dir, Err: err}
	}
	return empty, nil
}

// Home returns the remote user's home directory, looked up once per channel
func (s *Shell) Home(ctx context.Context) (string, error) {
	s.homeOnce.Do(func() {
		res, err := s.mustRun(ctx, "home", "", s.dialect.HomeCmd())
		if err != nil {
			s.homeErr = err
			return
		}
		s.home = strings.TrimSpace(res.Stdout)
		if s.home == "" {
			s.homeErr = &ChannelError{Host: s.host, Op: "home", Err: fmt.Errorf("empty home directory")}
		}
	})
	return s.home, s.homeErr
}

// Getenv returns the value of name on the remote host, empty if unset
func (s *Shell) Getenv(ctx context.Context, name string) (string, error) {
	if !envNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid environment variable name %q", name)
	}
	res, err := s.mustRun(ctx, "getenv", name, s.dialect.GetenvCmd(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (s *Shell) Hostname(ctx context.Context) (string, error) {
	res, err := s.mustRun(ctx, "hostname", "", s.dialect.HostnameCmd())
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(res.Stdout)
	if name == "" {
		return "", &ChannelError{Host: s.host, Op: "hostname", Err: fmt.Errorf("empty hostname")}
	}
	return name, nil
}

func (s *Shell) Close() error {
	return s.transport.Close()
}
