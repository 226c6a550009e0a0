package remote

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/unisonwrap/internal/config"
	"github.com/schaermu/unisonwrap/internal/profile"
)

func TestNew_Exec(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default().Remote

	tests := []struct {
		name        string
		root        string
		wantHost    string
		wantPort    int
		wantLegacy  bool
		wantDialect string
	}{
		{name: "config port", root: "ssh://nas//srv/data", wantHost: "nas", wantPort: 22, wantLegacy: true, wantDialect: Posix{}.Name()},
		{name: "root port wins", root: "ssh://nas:2222//srv/data", wantHost: "nas", wantPort: 2222, wantLegacy: true, wantDialect: Posix{}.Name()},
		{name: "windows remote", root: `ssh://wr/d:\Users\hc`, wantHost: "wr", wantPort: 22, wantDialect: PowerShell{}.Name()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := profile.ParseRoot(tt.root)
			require.NoError(t, err)

			sh, err := New(&root, cfg, logger)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, sh.host)
			assert.Equal(t, tt.wantDialect, sh.dialect.Name())

			tr, ok := sh.transport.(*ExecTransport)
			require.True(t, ok)
			assert.Equal(t, tt.wantHost, tr.host)
			assert.Equal(t, tt.wantPort, tr.port)
			assert.Equal(t, tt.wantLegacy, tr.legacySCP)
		})
	}
}

func TestNew_Errors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	local := profile.Root{Raw: "/home/me", Path: "/home/me", Local: true}
	_, err := New(&local, config.Default().Remote, logger)
	assert.Error(t, err)

	win, err := profile.ParseRoot(`ssh://wr/d:\Users\hc`)
	require.NoError(t, err)
	cfg := config.Default().Remote
	cfg.Transport = config.TransportNative
	_, err = New(&win, cfg, logger)
	assert.ErrorContains(t, err, "native transport only supports unix remotes")
}
