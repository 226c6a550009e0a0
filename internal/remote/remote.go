package remote

import (
	"fmt"
	"log/slog"

	"github.com/schaermu/unisonwrap/internal/config"
	"github.com/schaermu/unisonwrap/internal/profile"
)

// New creates the channel to the remote root of a profile
func New(root *profile.Root, cfg config.RemoteConfig, logger *slog.Logger) (*Shell, error) {
	if root == nil || root.Local {
		return nil, fmt.Errorf("root is not remote")
	}

	var dialect Dialect
	switch root.OS {
	case profile.RemoteUnix:
		dialect = Posix{}
	case profile.RemoteWindows:
		dialect = PowerShell{}
	default:
		return nil, fmt.Errorf("unknown remote os %q for %s", root.OS, root.Host)
	}

	port := cfg.Port
	if root.Port != 0 {
		port = root.Port
	}

	var transport Transport
	switch cfg.Transport {
	case config.TransportExec, "":
		transport = NewExecTransport(root.Host, ExecOptions{
			SSHBinary:    cfg.SSHBinary,
			SCPBinary:    cfg.SCPBinary,
			Options:      cfg.SSHOptions,
			User:         cfg.User,
			Port:         port,
			IdentityFile: cfg.IdentityFile,
			Timeout:      cfg.Timeout,
			// Windows OpenSSH only speaks SFTP
			LegacySCP: root.OS == profile.RemoteUnix,
		})
	case config.TransportNative:
		if root.OS != profile.RemoteUnix {
			return nil, fmt.Errorf("native transport only supports unix remotes, %s is %s", root.Host, root.OS)
		}
		native, err := NewNativeTransport(root.Host, NativeOptions{
			User:           cfg.User,
			Port:           port,
			IdentityFile:   cfg.IdentityFile,
			KnownHostsFile: cfg.KnownHostsFile,
			UseAgent:       cfg.UseAgent,
			Timeout:        cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up native ssh transport: %w", err)
		}
		transport = native
	default:
		return nil, fmt.Errorf("unknown remote transport %q", cfg.Transport)
	}

	logger.Debug("remote channel configured",
		"host", root.Host,
		"port", port,
		"dialect", dialect.Name(),
		"transport", string(cfg.Transport))

	return NewShell(root.Host, dialect, transport, logger), nil
}
