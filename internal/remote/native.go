package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NativeOptions configures a NativeTransport
type NativeOptions struct {
	User           string
	Port           int
	IdentityFile   string
	KnownHostsFile string
	UseAgent       bool
	Timeout        time.Duration
}

// NativeTransport implements Transport with an in-process ssh client. File
// transfers stream through cat, so the remote must be a POSIX host.
type NativeTransport struct {
	addr   string
	config *ssh.ClientConfig
	dial   func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

	mu        sync.Mutex
	client    *ssh.Client
	agentConn net.Conn
}

// NewNativeTransport prepares a client for host, which may carry a user@ prefix.
// The connection is opened on first use.
func NewNativeTransport(host string, opts NativeOptions) (*NativeTransport, error) {
	user := opts.User
	if at := strings.LastIndex(host, "@"); at >= 0 {
		user, host = host[:at], host[at+1:]
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return nil, fmt.Errorf("no ssh user for %s", host)
	}

	t := &NativeTransport{dial: ssh.Dial}

	var auths []ssh.AuthMethod
	if opts.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("ssh agent requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		t.agentConn = conn
		auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}
	if opts.IdentityFile != "" {
		signer, err := loadSigner(opts.IdentityFile)
		if err != nil {
			t.closeAgent()
			return nil, err
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("no ssh authentication method configured")
	}

	hostKeys, err := knownhosts.New(opts.KnownHostsFile)
	if err != nil {
		t.closeAgent()
		return nil, fmt.Errorf("failed to load known hosts %s: %w", opts.KnownHostsFile, err)
	}

	port := opts.Port
	if port == 0 {
		port = 22
	}
	t.addr = net.JoinHostPort(host, strconv.Itoa(port))
	t.config = &ssh.ClientConfig{
		User:            user,
		Auth:            auths,
		HostKeyCallback: hostKeys,
		Timeout:         opts.Timeout,
	}
	return t, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("identity file %s is passphrase protected, use the ssh agent instead", path)
		}
		return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
	}
	return signer, nil
}

func (t *NativeTransport) connect() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client, nil
	}
	client, err := t.dial("tcp", t.addr, t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.addr, err)
	}
	t.client = client
	return client, nil
}

// session runs fn with a fresh session and closes it when ctx is cancelled
func (t *NativeTransport) session(ctx context.Context, fn func(*ssh.Session) error) error {
	client, err := t.connect()
	if err != nil {
		return err
	}
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		_ = sess.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-done:
		}
	}()

	err = fn(sess)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (t *NativeTransport) Exec(ctx context.Context, command string) (Result, error) {
	var res Result
	err := t.session(ctx, func(sess *ssh.Session) error {
		var stdout, stderr bytes.Buffer
		sess.Stdout = &stdout
		sess.Stderr = &stderr

		runErr := sess.Run(command)
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()

		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return nil
		}
		return runErr
	})
	return res, err
}

// Put streams localPath into remotePath
func (t *NativeTransport) Put(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	return t.session(ctx, func(sess *ssh.Session) error {
		var stderr bytes.Buffer
		sess.Stdin = f
		sess.Stderr = &stderr
		if err := sess.Run("cat > " + shellQuote(remotePath)); err != nil {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil
	})
}

// Get streams remotePath into localPath, replacing it only on success
func (t *NativeTransport) Get(ctx context.Context, remotePath, localPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".unisonwrap-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	err = t.session(ctx, func(sess *ssh.Session) error {
		var stderr bytes.Buffer
		out, err := sess.StdoutPipe()
		if err != nil {
			return err
		}
		sess.Stderr = &stderr
		if err := sess.Start("cat " + shellQuote(remotePath)); err != nil {
			return err
		}
		if _, err := io.Copy(tmp, out); err != nil {
			return err
		}
		if err := sess.Wait(); err != nil {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil
	})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmpPath, localPath)
}

func (t *NativeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.client != nil {
		err = t.client.Close()
		t.client = nil
	}
	t.closeAgent()
	return err
}

func (t *NativeTransport) closeAgent() {
	if t.agentConn != nil {
		_ = t.agentConn.Close()
		t.agentConn = nil
	}
}
