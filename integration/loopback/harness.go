//go:build integration

package loopback

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/unisonwrap/internal/testutil"
)

const (
	remoteHost     = "loopback"
	defaultTimeout = 2 * time.Minute
)

// fakeSSH logs its arguments, then runs the command after "-T host" with the
// remote home and host name in place
const fakeSSH = `#!/bin/sh
echo "$(date -u +%Y-%m-%dT%H:%M:%SZ) ssh $*" >> "$SHIM_LOG"
while [ "$#" -gt 0 ]; do
  if [ "$1" = "-T" ]; then
    shift 2
    break
  fi
  shift
done
HOME="$FAKE_REMOTE_HOME" UNISONLOCALHOSTNAME="$FAKE_REMOTE_HOSTNAME" exec sh -c "$1"
`

// fakeSCP logs its arguments and copies the last two, stripping host: prefixes
const fakeSCP = `#!/bin/sh
echo "$(date -u +%Y-%m-%dT%H:%M:%SZ) scp $*" >> "$SHIM_LOG"
for a in "$@"; do
  src="$dst"
  dst="$a"
done
exec cp "${src#*:}" "${dst#*:}"
`

// Harness runs the unisonwrap binary against a local and a loopback "remote"
// home, both plain directories
type Harness struct {
	t *testing.T

	Root       string
	LocalHome  string
	RemoteHome string
	ProfileDir string
	ConfigPath string

	binDir  string
	binary  string
	shimLog string
}

// NewHarness lays out the directories, shims and config for one test
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shims need a POSIX shell")
	}

	root := t.TempDir()
	h := &Harness{
		t:          t,
		Root:       root,
		LocalHome:  filepath.Join(root, "local-home"),
		RemoteHome: filepath.Join(root, "remote-home"),
		ProfileDir: filepath.Join(root, "profiles"),
		ConfigPath: filepath.Join(root, "config.yaml"),
		binDir:     filepath.Join(root, "bin"),
		shimLog:    filepath.Join(root, "shim.log"),
	}
	h.binary = filepath.Join(h.binDir, "unisonwrap")

	for _, dir := range []string{h.LocalHome, h.RemoteHome, h.ProfileDir, h.binDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	h.mustWrite(filepath.Join(h.binDir, "ssh"), fakeSSH, 0o755)
	h.mustWrite(filepath.Join(h.binDir, "scp"), fakeSCP, 0o755)

	h.mustWrite(h.ConfigPath, fmt.Sprintf(`paths:
  archive_dir: %s
remote:
  transport: exec
  ssh_binary: %s
  scp_binary: %s
  ssh_options: ["-o", "BatchMode=yes"]
`, filepath.Join(h.LocalHome, ".unison"), filepath.Join(h.binDir, "ssh"), filepath.Join(h.binDir, "scp")), 0o600)

	return h
}

func (h *Harness) mustWrite(path, content string, mode os.FileMode) {
	h.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		h.t.Fatalf("write %s: %v", path, err)
	}
}

// Build compiles the binary under test
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/unisonwrap")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// WriteProfile creates <name>.prf with a local root and a root on the loopback host
func (h *Harness) WriteProfile(name string) string {
	h.t.Helper()
	path := filepath.Join(h.ProfileDir, name+".prf")
	h.mustWrite(path, fmt.Sprintf("root = %s\nroot = ssh://%s/%s\n",
		filepath.Join(h.LocalHome, name), remoteHost, filepath.Join(h.RemoteHome, name)), 0o600)
	return path
}

// WriteFile writes a file below the harness root
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	h.mustWrite(filepath.Join(h.Root, rel), content, 0o600)
}

// ReadFile reads a file below the harness root
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.Root, rel))
	return string(data), err
}

// Exists reports whether a path below the harness root exists
func (h *Harness) Exists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.Root, rel))
	return err == nil
}

// Run executes the binary and returns its output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	args = append(args, "--config", h.ConfigPath, "--log-format", "json")
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(),
		"HOME="+h.LocalHome,
		"UNISONLOCALHOSTNAME=laptop",
		"FAKE_REMOTE_HOME="+h.RemoteHome,
		"FAKE_REMOTE_HOSTNAME=remotebox",
		"SHIM_LOG="+h.shimLog,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("unisonwrap %v exited %d\nstdout: %s\nstderr: %s", args, exitCode, stdout, stderr)
	}
	return stdout
}

// ShimLogEntry is one recorded ssh or scp invocation
type ShimLogEntry struct {
	Timestamp string
	Tool      string
	Args      []string
}

func (e ShimLogEntry) String() string {
	return fmt.Sprintf("%s: %s %s", e.Timestamp, e.Tool, strings.Join(e.Args, " "))
}

// ContainsArg checks if the entry contains a specific argument anywhere
func (e ShimLogEntry) ContainsArg(arg string) bool {
	for _, a := range e.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// ReadShimLog parses the ssh/scp invocations recorded so far
func (h *Harness) ReadShimLog() ([]ShimLogEntry, error) {
	data, err := os.ReadFile(h.shimLog)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		// "2026-03-14T09:30:00Z ssh -o BatchMode=yes -T loopback <command>"
		parts := strings.SplitN(scanner.Text(), " ", 3)
		if len(parts) != 3 {
			continue
		}
		entries = append(entries, ShimLogEntry{
			Timestamp: parts[0],
			Tool:      parts[1],
			Args:      strings.Fields(parts[2]),
		})
	}
	return entries, scanner.Err()
}

// ClearShimLog forgets recorded invocations
func (h *Harness) ClearShimLog() error {
	err := os.Remove(h.shimLog)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
