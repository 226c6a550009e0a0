package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// sshConnectionFailure is the exit status ssh uses for its own errors
const sshConnectionFailure = 255

// ExecTransport implements Transport by shelling out to the ssh and scp
// commands, so the user's ssh configuration and agent apply unchanged
type ExecTransport struct {
	host      string
	sshBinary string
	scpBinary string
	options   []string
	user      string
	port      int
	identity  string
	timeout   time.Duration
	// legacySCP forces the scp protocol for servers without an SFTP subsystem
	legacySCP bool
}

// ExecOptions configures an ExecTransport
type ExecOptions struct {
	SSHBinary    string
	SCPBinary    string
	Options      []string
	User         string
	Port         int
	IdentityFile string
	Timeout      time.Duration
	LegacySCP    bool
}

// NewExecTransport creates a transport that reaches host through the ssh binary
func NewExecTransport(host string, opts ExecOptions) *ExecTransport {
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	if opts.SCPBinary == "" {
		opts.SCPBinary = "scp"
	}
	return &ExecTransport{
		host:      host,
		sshBinary: opts.SSHBinary,
		scpBinary: opts.SCPBinary,
		options:   opts.Options,
		user:      opts.User,
		port:      opts.Port,
		identity:  opts.IdentityFile,
		timeout:   opts.Timeout,
		legacySCP: opts.LegacySCP,
	}
}

// Exec runs command on the remote host via ssh -T
func (t *ExecTransport) Exec(ctx context.Context, command string) (Result, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	args := append([]string{}, t.options...)
	if t.port != 0 && t.port != 22 {
		args = append(args, "-p", strconv.Itoa(t.port))
	}
	if t.identity != "" {
		args = append(args, "-i", t.identity)
	}
	args = append(args, "-T", t.target(), command)

	cmd := exec.CommandContext(ctx, t.sshBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("%s failed: %w", t.sshBinary, err)
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == sshConnectionFailure || ctx.Err() != nil {
			return res, fmt.Errorf("%s failed: %w: %s", t.sshBinary, err, strings.TrimSpace(res.Stderr))
		}
	}
	return res, nil
}

// Put copies a single local file to remotePath
func (t *ExecTransport) Put(ctx context.Context, localPath, remotePath string) error {
	return t.copy(ctx, localPath, t.target()+":"+remotePath)
}

// Get copies a single remote file to localPath
func (t *ExecTransport) Get(ctx context.Context, remotePath, localPath string) error {
	return t.copy(ctx, t.target()+":"+remotePath, localPath)
}

func (t *ExecTransport) Close() error { return nil }

func (t *ExecTransport) copy(ctx context.Context, src, dst string) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	var args []string
	if t.legacySCP {
		args = append(args, "-O")
	}
	args = append(args, t.options...)
	if t.port != 0 && t.port != 22 {
		args = append(args, "-P", strconv.Itoa(t.port))
	}
	if t.identity != "" {
		args = append(args, "-i", t.identity)
	}
	args = append(args, src, dst)

	return runCommand(exec.CommandContext(ctx, t.scpBinary, args...))
}

// target returns [user@]host
func (t *ExecTransport) target() string {
	if t.user == "" || strings.Contains(t.host, "@") {
		return t.host
	}
	return t.user + "@" + t.host
}

func (t *ExecTransport) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout)
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
