package testutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/schaermu/unisonwrap/internal/remote"
)

// FakeChannel implements remote.Channel on a directory tree of the local
// machine standing in for the remote host
type FakeChannel struct {
	HostName string
	HomeDir  string
	Env      map[string]string
	// SystemHostname is what Hostname returns
	SystemHostname string
	// Fail makes every call of the named op ("upload", "download", "rename",
	// "mkdir", "remove", "exists", "list", "getenv", "hostname", "home") fail
	Fail map[string]error

	mu    sync.Mutex
	calls []string
}

var _ remote.Channel = (*FakeChannel)(nil)

// NewFakeChannel creates a fake remote whose home is a fresh temp directory
func NewFakeChannel(t testing.TB, host string) *FakeChannel {
	return &FakeChannel{
		HostName:       host,
		HomeDir:        t.TempDir(),
		Env:            map[string]string{},
		SystemHostname: host,
		Fail:           map[string]error{},
	}
}

// Calls returns the ops performed so far
func (f *FakeChannel) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Mutations returns the ops performed so far that change the remote tree
func (f *FakeChannel) Mutations() []string {
	var out []string
	for _, c := range f.Calls() {
		switch c {
		case "upload", "rename", "mkdir", "remove":
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeChannel) record(op, path string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
	if err := f.Fail[op]; err != nil {
		return &remote.ChannelError{Host: f.HostName, Op: op, Path: path, Err: err}
	}
	return nil
}

func (f *FakeChannel) Host() string { return f.HostName }

func (f *FakeChannel) Join(elem ...string) string { return filepath.Join(elem...) }

func (f *FakeChannel) Run(_ context.Context, command string) (remote.Result, error) {
	if err := f.record("run", ""); err != nil {
		return remote.Result{}, err
	}
	return remote.Result{ExitCode: 127, Stderr: fmt.Sprintf("fake channel cannot run %q", command)}, nil
}

func (f *FakeChannel) Upload(_ context.Context, localPath, remotePath string) error {
	if err := f.record("upload", remotePath); err != nil {
		return err
	}
	return copyPlain(localPath, remotePath)
}

func (f *FakeChannel) Download(_ context.Context, remotePath, localPath string) error {
	if err := f.record("download", remotePath); err != nil {
		return err
	}
	return copyPlain(remotePath, localPath)
}

func (f *FakeChannel) Exists(_ context.Context, path string) (bool, error) {
	if err := f.record("exists", path); err != nil {
		return false, err
	}
	_, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (f *FakeChannel) Mkdir(_ context.Context, path string) error {
	if err := f.record("mkdir", path); err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

func (f *FakeChannel) Rename(_ context.Context, oldPath, newPath string) error {
	if err := f.record("rename", oldPath); err != nil {
		return err
	}
	if _, err := os.Lstat(newPath); err == nil {
		return &remote.ChannelError{Host: f.HostName, Op: "rename", Path: newPath, Err: os.ErrExist}
	}
	return os.Rename(oldPath, newPath)
}

func (f *FakeChannel) RemoveTree(_ context.Context, path string) error {
	if err := f.record("remove", path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

func (f *FakeChannel) List(_ context.Context, dir string) ([]string, error) {
	if err := f.record("list", dir); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &remote.ChannelError{Host: f.HostName, Op: "list", Path: dir, Err: err}
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeChannel) IsEmpty(_ context.Context, dir string) (bool, error) {
	if err := f.record("list", dir); err != nil {
		return false, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, &remote.ChannelError{Host: f.HostName, Op: "list", Path: dir, Err: err}
	}
	return len(entries) == 0, nil
}

func (f *FakeChannel) Home(context.Context) (string, error) {
	if err := f.record("home", ""); err != nil {
		return "", err
	}
	return f.HomeDir, nil
}

func (f *FakeChannel) Getenv(_ context.Context, name string) (string, error) {
	if err := f.record("getenv", name); err != nil {
		return "", err
	}
	return f.Env[name], nil
}

func (f *FakeChannel) Hostname(context.Context) (string, error) {
	if err := f.record("hostname", ""); err != nil {
		return "", err
	}
	return f.SystemHostname, nil
}

func (f *FakeChannel) Close() error { return nil }

func copyPlain(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
