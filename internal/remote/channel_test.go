package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport implements Transport with canned results keyed by command prefix.
type scriptedTransport struct {
	results  map[string]Result
	execErr  error
	putErr   error
	commands []string
	puts     [][2]string
}

func (s *scriptedTransport) Exec(_ context.Context, command string) (Result, error) {
	s.commands = append(s.commands, command)
	if s.execErr != nil {
		return Result{}, s.execErr
	}
	for prefix, res := range s.results {
		if strings.HasPrefix(command, prefix) {
			return res, nil
		}
	}
	return Result{}, nil
}

func (s *scriptedTransport) Put(_ context.Context, localPath, remotePath string) error {
	s.puts = append(s.puts, [2]string{localPath, remotePath})
	return s.putErr
}

func (s *scriptedTransport) Get(context.Context, string, string) error { return nil }

func (s *scriptedTransport) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShell_RunReportsExitCode(t *testing.T) {
	tr := &scriptedTransport{results: map[string]Result{
		"false": {ExitCode: 1, Stderr: "nope"},
	}}
	sh := NewShell("srv", Posix{}, tr, testLogger())

	res, err := sh.Run(context.Background(), "false")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestShell_TransportFailure(t *testing.T) {
	tr := &scriptedTransport{execErr: errors.New("connection refused")}
	sh := NewShell("srv", Posix{}, tr, testLogger())

	_, err := sh.Exists(context.Background(), "/home/me/.unison")
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "srv", chErr.Host)
	assert.Equal(t, "exists", chErr.Op)
	assert.Equal(t, "/home/me/.unison", chErr.Path)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestShell_NonZeroExitIsError(t *testing.T) {
	tr := &scriptedTransport{results: map[string]Result{
		"mkdir": {ExitCode: 1, Stderr: "permission denied"},
	}}
	sh := NewShell("srv", Posix{}, tr, testLogger())

	err := sh.Mkdir(context.Background(), "/root/.unison")
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	require.NotNil(t, chErr.Result)
	assert.Equal(t, 1, chErr.Result.ExitCode)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestShell_MkdirVerifies(t *testing.T) {
	tr := &scriptedTransport{results: map[string]Result{
		"test -e": {Stdout: "no\n"},
	}}
	sh := NewShell("srv", Posix{}, tr, testLogger())

	err := sh.Mkdir(context.Background(), "/home/me/.unison")
	assert.Error(t, err)
}

func TestShell_RenameVerifies(t *testing.T) {
	// both paths still reported present after the move
	tr := &scriptedTransport{results: map[string]Result{
		"test -e": {Stdout: "yes\n"},
	}}
	sh := NewShell("srv", Posix{}, tr, testLogger())

	err := sh.Rename(context.Background(), "/a", "/b")
	assert.Error(t, err)
}

func TestShell_HomeCached(t *testing.T) {
	tr := &scriptedTransport{results: map[string]Result{
		"printf": {Stdout: "/home/me\n"},
	}}
	sh := NewShell("srv", Posix{}, tr, testLogger())

	for i := 0; i < 3; i++ {
		home, err := sh.Home(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "/home/me", home)
	}
	assert.Len(t, tr.commands, 1)
}

func TestShell_GetenvRejectsInvalidName(t *testing.T) {
	tr := &scriptedTransport{}
	sh := NewShell("srv", Posix{}, tr, testLogger())

	_, err := sh.Getenv(context.Background(), "X; rm -rf /")
	assert.Error(t, err)
	assert.Empty(t, tr.commands)
}

func TestShell_UploadUsesTransferPath(t *testing.T) {
	tr := &scriptedTransport{}
	sh := NewShell("win", PowerShell{}, tr, testLogger())

	require.NoError(t, sh.Upload(context.Background(), "/tmp/ar1", `C:\Users\me\.unison\ar1`))
	require.Len(t, tr.puts, 1)
	assert.Equal(t, "C:/Users/me/.unison/ar1", tr.puts[0][1])
}

func TestShell_UploadFailure(t *testing.T) {
	tr := &scriptedTransport{putErr: errors.New("lost connection")}
	sh := NewShell("srv", Posix{}, tr, testLogger())

	err := sh.Upload(context.Background(), "/tmp/ar1", "/home/me/.unison/ar1")
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "upload", chErr.Op)
}

func TestShell_ListSorted(t *testing.T) {
	tr := &scriptedTransport{results: map[string]Result{
		"cd": {Stdout: "./fp2\n./ar1\n"},
	}}
	sh := NewShell("srv", Posix{}, tr, testLogger())

	names, err := sh.List(context.Background(), "/home/me/.unison")
	require.NoError(t, err)
	assert.Equal(t, []string{"ar1", "fp2"}, names)
}
