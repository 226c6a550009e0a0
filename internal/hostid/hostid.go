package hostid

import (
	"context"
	"fmt"
	"os"
)

// Side tells which host of a profile an identity belongs to
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Source records how a hostname was determined
type Source string

const (
	SourceOverrideEnv  Source = "override_env"
	SourceSystemLookup Source = "system_lookup"
)

// Identity is the resolved name of one host for the duration of a run
type Identity struct {
	Side     Side   `json:"side"`
	Hostname string `json:"hostname"`
	Source   Source `json:"source"`
}

// RemoteEnv is the subset of the remote channel needed to resolve a remote host
type RemoteEnv interface {
	Getenv(ctx context.Context, name string) (string, error)
	Hostname(ctx context.Context) (string, error)
}

// ResolutionError reports that a host's name could not be determined
type ResolutionError struct {
	Side Side
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %s hostname: %v", e.Side, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolver determines host names, honouring an override variable on each host.
// No DNS canonicalization is done.
type Resolver struct {
	overrideEnv string
	lookupEnv   func(string) (string, bool)
	hostname    func() (string, error)
}

// NewResolver creates a resolver consulting overrideEnv
func NewResolver(overrideEnv string) *Resolver {
	return &Resolver{
		overrideEnv: overrideEnv,
		lookupEnv:   os.LookupEnv,
		hostname:    os.Hostname,
	}
}

// ResolveLocal resolves the name of this machine
func (r *Resolver) ResolveLocal(_ context.Context) (Identity, error) {
	if v, ok := r.lookupEnv(r.overrideEnv); ok && v != "" {
		return Identity{Side: SideLocal, Hostname: v, Source: SourceOverrideEnv}, nil
	}

	name, err := r.hostname()
	if err != nil {
		return Identity{}, &ResolutionError{Side: SideLocal, Err: err}
	}
	if name == "" {
		return Identity{}, &ResolutionError{Side: SideLocal, Err: fmt.Errorf("empty hostname")}
	}
	return Identity{Side: SideLocal, Hostname: name, Source: SourceSystemLookup}, nil
}

// ResolveRemote resolves the name of the remote host, reading the override
// variable on that host
func (r *Resolver) ResolveRemote(ctx context.Context, env RemoteEnv) (Identity, error) {
	v, err := env.Getenv(ctx, r.overrideEnv)
	if err != nil {
		return Identity{}, &ResolutionError{Side: SideRemote, Err: err}
	}
	if v != "" {
		return Identity{Side: SideRemote, Hostname: v, Source: SourceOverrideEnv}, nil
	}

	name, err := env.Hostname(ctx)
	if err != nil {
		return Identity{}, &ResolutionError{Side: SideRemote, Err: err}
	}
	return Identity{Side: SideRemote, Hostname: name, Source: SourceSystemLookup}, nil
}
