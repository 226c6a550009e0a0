package profile

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Extension is the file extension unison expects for profiles
const Extension = ".prf"

// RemoteOS identifies the shell dialect spoken by a remote host
type RemoteOS string

const (
	RemoteUnix    RemoteOS = "unix"
	RemoteWindows RemoteOS = "windows"
)

// Root is one side of a unison profile
type Root struct {
	Raw   string   // value as written in the profile
	Path  string   // filesystem path on the host owning the root
	Local bool     // true if the root lives on this machine
	Host  string   // ssh host name, empty for local roots
	Port  int      // ssh port from the root, 0 if none was given
	OS    RemoteOS // dialect of the remote host, empty for local roots
}

// Profile is a parsed unison profile
type Profile struct {
	Name   string
	Path   string
	Roots  [2]Root
	Remote *Root
}

var rootPattern = regexp.MustCompile(`^root\s*=\s*(.+)$`)

// IsProfileFile returns true if the file has the unison profile extension
func IsProfileFile(path string) bool {
	return filepath.Ext(path) == Extension
}

// NameFromPath converts a profile path to its profile name.
// For example: /home/me/work.prf -> work
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Load reads and parses the profile at path
func Load(path string) (*Profile, error) {
	if !IsProfileFile(path) {
		return nil, fmt.Errorf("profile file does not end with %s: %s", Extension, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile path: %w", err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", abs, err)
	}
	p.Name = NameFromPath(abs)
	p.Path = abs

	return p, nil
}

// Parse extracts the roots from profile content. Name and Path are left for
// the caller to fill in.
func Parse(data []byte) (*Profile, error) {
	var roots []Root

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		m := rootPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		root, err := ParseRoot(strings.TrimSpace(m[1]))
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}

	if len(roots) != 2 {
		return nil, fmt.Errorf("expected exactly 2 roots, found %d", len(roots))
	}

	p := &Profile{Roots: [2]Root{roots[0], roots[1]}}
	switch {
	case !roots[0].Local && !roots[1].Local:
		return nil, fmt.Errorf("at least one root must be local")
	case !roots[0].Local:
		p.Remote = &p.Roots[0]
	case !roots[1].Local:
		p.Remote = &p.Roots[1]
	}

	return p, nil
}

// ParseRoot understands plain local paths, ssh://host//abs/path for unix
// remotes and ssh://host/C:\path for windows remotes.
func ParseRoot(raw string) (Root, error) {
	if !strings.Contains(raw, "://") {
		return Root{Raw: raw, Path: raw, Local: true}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Root{}, fmt.Errorf("failed to parse root %q: %w", raw, err)
	}
	if u.Scheme != "ssh" {
		return Root{}, fmt.Errorf("unsupported root scheme %q in %q", u.Scheme, raw)
	}
	if u.Hostname() == "" {
		return Root{}, fmt.Errorf("missing host in root %q", raw)
	}

	host := u.Hostname()
	if u.User != nil {
		host = u.User.Username() + "@" + host
	}

	var port int
	if u.Port() != "" {
		port, err = strconv.Atoi(u.Port())
		if err != nil || port < 1 || port > 65535 {
			return Root{}, fmt.Errorf("invalid port in root %q", raw)
		}
	}

	p := u.Path
	switch {
	case strings.HasPrefix(p, "//"):
		return Root{Raw: raw, Path: p[1:], Host: host, Port: port, OS: RemoteUnix}, nil
	case len(p) >= 3 && p[0] == '/' && isLetter(p[1]) && p[2] == ':':
		return Root{Raw: raw, Path: p[1:], Host: host, Port: port, OS: RemoteWindows}, nil
	}

	return Root{}, fmt.Errorf("failed to understand root %q", raw)
}

// IsRemote reports whether the profile involves a remote host
func (p *Profile) IsRemote() bool {
	return p.Remote != nil
}

// FileName returns the base name of the profile file
func (p *Profile) FileName() string {
	return filepath.Base(p.Path)
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
