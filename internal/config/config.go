package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Transport selects how the remote channel reaches the remote host
type Transport string

const (
	TransportExec   Transport = "exec"
	TransportNative Transport = "native"
)

// DefaultOverrideEnv is the variable unison itself consults for the host name
const DefaultOverrideEnv = "UNISONLOCALHOSTNAME"

// Config represents the complete unisonwrap configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Backup   BackupConfig   `yaml:"backup"`
	History  HistoryConfig  `yaml:"history"`
	Hostname HostnameConfig `yaml:"hostname"`
	Remote   RemoteConfig   `yaml:"remote"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	// ArchiveDir is the well-known unison directory on the local host.
	ArchiveDir string `yaml:"archive_dir"`
	// StoreRoot holds one store per profile. Empty means next to the profile file.
	StoreRoot string `yaml:"store_root"`
}

// BackupConfig configures naming of quarantined archive directories
type BackupConfig struct {
	MaxSuffix int `yaml:"max_suffix"`
}

// HistoryConfig configures dated store snapshots taken on start
type HistoryConfig struct {
	Enabled *bool `yaml:"enabled"`
	Keep    int   `yaml:"keep"`
}

// HostnameConfig configures host identity resolution
type HostnameConfig struct {
	OverrideEnv string `yaml:"override_env"`
}

// RemoteConfig configures the remote channel
type RemoteConfig struct {
	Transport      Transport     `yaml:"transport"`
	SSHBinary      string        `yaml:"ssh_binary"`
	SCPBinary      string        `yaml:"scp_binary"`
	SSHOptions     []string      `yaml:"ssh_options"`
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	IdentityFile   string        `yaml:"identity_file"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	UseAgent       bool          `yaml:"use_agent"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. A missing file is only an
// error when required is set; otherwise defaults are returned.
func Load(path string, required bool) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandPaths expands environment variables and a leading ~ in path fields
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Paths.ArchiveDir,
		&c.Paths.StoreRoot,
		&c.Remote.IdentityFile,
		&c.Remote.KnownHostsFile,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(os.ExpandEnv(*p))
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.ArchiveDir == "" {
		if home, err := homedir.Dir(); err == nil {
			c.Paths.ArchiveDir = filepath.Join(home, ".unison")
		}
	}
	if c.Backup.MaxSuffix == 0 {
		c.Backup.MaxSuffix = 99
	}
	if c.History.Enabled == nil {
		enabled := true
		c.History.Enabled = &enabled
	}
	if c.History.Keep == 0 {
		c.History.Keep = 7
	}
	if c.Hostname.OverrideEnv == "" {
		c.Hostname.OverrideEnv = DefaultOverrideEnv
	}
	if c.Remote.Transport == "" {
		c.Remote.Transport = TransportExec
	}
	if c.Remote.SSHBinary == "" {
		c.Remote.SSHBinary = "ssh"
	}
	if c.Remote.SCPBinary == "" {
		c.Remote.SCPBinary = "scp"
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Remote.KnownHostsFile == "" {
		if home, err := homedir.Dir(); err == nil {
			c.Remote.KnownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.ArchiveDir == "" {
		return fmt.Errorf("paths.archive_dir is required")
	}
	if !filepath.IsAbs(c.Paths.ArchiveDir) {
		return fmt.Errorf("paths.archive_dir must be an absolute path: %s", c.Paths.ArchiveDir)
	}
	if c.Paths.StoreRoot != "" && !filepath.IsAbs(c.Paths.StoreRoot) {
		return fmt.Errorf("paths.store_root must be an absolute path: %s", c.Paths.StoreRoot)
	}

	if c.Backup.MaxSuffix < 0 {
		return fmt.Errorf("backup.max_suffix must not be negative: %d", c.Backup.MaxSuffix)
	}
	if c.History.Keep < 0 {
		return fmt.Errorf("history.keep must not be negative: %d", c.History.Keep)
	}

	switch c.Remote.Transport {
	case TransportExec, TransportNative:
		// valid
	default:
		return fmt.Errorf("invalid remote.transport: %s (must be exec or native)", c.Remote.Transport)
	}

	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		return fmt.Errorf("remote.port out of range: %d", c.Remote.Port)
	}

	if c.Remote.Transport == TransportNative && c.Remote.IdentityFile == "" && !c.Remote.UseAgent {
		return fmt.Errorf("remote.transport native requires remote.identity_file or remote.use_agent")
	}

	return nil
}

// HistoryEnabled reports whether dated store snapshots are taken on start
func (c *Config) HistoryEnabled() bool {
	return c.History.Enabled == nil || *c.History.Enabled
}

// StoreRootFor returns the directory holding the store of the profile at profilePath
func (c *Config) StoreRootFor(profilePath string) string {
	if c.Paths.StoreRoot != "" {
		return c.Paths.StoreRoot
	}
	return filepath.Dir(profilePath)
}

// BackupBaseName returns the name prefix of quarantined archive directories
func (c *Config) BackupBaseName() string {
	return filepath.Base(c.Paths.ArchiveDir) + "_before_unisonwrap"
}

// ArchiveDirName returns the base name of the archive directory, reused on the remote host
func (c *Config) ArchiveDirName() string {
	return filepath.Base(c.Paths.ArchiveDir)
}
