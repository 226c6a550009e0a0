package remote

import (
	"fmt"
	"path"
	"strings"
)

// Dialect builds the shell commands understood by one kind of remote host
type Dialect interface {
	// Name identifies the dialect in logs
	Name() string
	// Join joins path elements using the remote separator
	Join(elem ...string) string
	// TransferPath converts a remote path to the form scp accepts
	TransferPath(p string) string

	HomeCmd() string
	GetenvCmd(name string) string
	HostnameCmd() string
	ExistsCmd(p string) string
	// ParseExists interprets the output of ExistsCmd
	ParseExists(out string) (bool, error)
	MkdirCmd(p string) string
	// RenameCmd must fail when newPath already exists
	RenameCmd(oldPath, newPath string) string
	RemoveTreeCmd(p string) string
	// ListCmd prints the names of regular files directly inside dir, one per line
	ListCmd(dir string) string
	// EmptyCmd answers like ExistsCmd whether dir has no entries at all
	EmptyCmd(dir string) string
}

// Posix speaks to hosts whose login shell is a POSIX sh
type Posix struct{}

func (Posix) Name() string { return "posix" }

func (Posix) Join(elem ...string) string { return path.Join(elem...) }

func (Posix) TransferPath(p string) string { return p }

func (Posix) HomeCmd() string { return `printf '%s\n' "$HOME"` }

func (Posix) GetenvCmd(name string) string {
	return fmt.Sprintf(`printf '%%s' "${%s-}"`, name)
}

func (Posix) HostnameCmd() string { return "hostname 2>/dev/null || uname -n" }

func (Posix) ExistsCmd(p string) string {
	return fmt.Sprintf(`test -e %s && echo yes || echo no`, shellQuote(p))
}

func (Posix) ParseExists(out string) (bool, error) {
	switch strings.TrimSpace(out) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("unexpected existence answer %q", strings.TrimSpace(out))
}

func (Posix) MkdirCmd(p string) string {
	return "mkdir -p " + shellQuote(p)
}

func (Posix) RenameCmd(oldPath, newPath string) string {
	return fmt.Sprintf("test ! -e %s && mv %s %s", shellQuote(newPath), shellQuote(oldPath), shellQuote(newPath))
}

func (Posix) RemoveTreeCmd(p string) string {
	return "rm -rf " + shellQuote(p)
}

func (Posix) ListCmd(dir string) string {
	return fmt.Sprintf("cd %s && find . -mindepth 1 -maxdepth 1 -type f", shellQuote(dir))
}

func (Posix) EmptyCmd(dir string) string {
	return fmt.Sprintf(`test -z "$(ls -A %s)" && echo yes || echo no`, shellQuote(dir))
}

// PowerShell speaks to Windows hosts running OpenSSH with PowerShell as the
// default shell
type PowerShell struct{}

func (PowerShell) Name() string { return "powershell" }

func (PowerShell) Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for i, e := range elem {
		if e == "" {
			continue
		}
		if i > 0 {
			e = strings.TrimLeft(e, `\/`)
		}
		if i < len(elem)-1 {
			e = strings.TrimRight(e, `\/`)
		}
		parts = append(parts, e)
	}
	return strings.Join(parts, `\`)
}

// TransferPath swaps separators, scp reports "No such file or directory" otherwise
func (PowerShell) TransferPath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

func (PowerShell) HomeCmd() string { return "$env:USERPROFILE" }

func (PowerShell) GetenvCmd(name string) string {
	return fmt.Sprintf("[Environment]::GetEnvironmentVariable(%s)", psQuote(name))
}

func (PowerShell) HostnameCmd() string { return "hostname" }

func (PowerShell) ExistsCmd(p string) string {
	return "Test-Path -LiteralPath " + psQuote(p)
}

func (PowerShell) ParseExists(out string) (bool, error) {
	switch strings.TrimSpace(out) {
	case "True":
		return true, nil
	case "False":
		return false, nil
	}
	return false, fmt.Errorf("unexpected existence answer %q", strings.TrimSpace(out))
}

func (PowerShell) MkdirCmd(p string) string {
	return fmt.Sprintf("New-Item -ItemType Directory -Force -Path %s | Out-Null", psQuote(p))
}

func (PowerShell) RenameCmd(oldPath, newPath string) string {
	return fmt.Sprintf("if (Test-Path -LiteralPath %s) { exit 1 }; Move-Item -LiteralPath %s -Destination %s",
		psQuote(newPath), psQuote(oldPath), psQuote(newPath))
}

func (PowerShell) RemoveTreeCmd(p string) string {
	return fmt.Sprintf("Remove-Item -LiteralPath %s -Recurse -Force", psQuote(p))
}

func (PowerShell) ListCmd(dir string) string {
	return fmt.Sprintf("Get-ChildItem -LiteralPath %s -File -Force | ForEach-Object { $_.Name }", psQuote(dir))
}

func (PowerShell) EmptyCmd(dir string) string {
	return fmt.Sprintf("(Get-ChildItem -LiteralPath %s -Force | Measure-Object).Count -eq 0", psQuote(dir))
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// psQuote is shellQuote for PowerShell, where a quote is escaped by doubling it.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// parseList splits ListCmd output into file names
func parseList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimPrefix(line, "./")
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names
}
