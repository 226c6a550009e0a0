package lifecycle

import (
	"context"

	"github.com/schaermu/unisonwrap/internal/archive"
	"github.com/schaermu/unisonwrap/internal/hostid"
	"github.com/schaermu/unisonwrap/internal/profile"
)

// Status describes a profile's store and run state
type Status struct {
	Profile  string
	Store    string
	RunState *archive.RunState
	Files    map[hostid.Side][]string
	History  []string
}

// Status reads the store of a profile without locking or touching any host
func (c *Controller) Status(_ context.Context, p *profile.Profile) (*Status, error) {
	store := c.store(p)

	rs, err := store.LoadRunState()
	if err != nil {
		return nil, err
	}

	st := &Status{
		Profile:  p.Name,
		Store:    store.Root(),
		RunState: rs,
		Files:    make(map[hostid.Side][]string),
	}
	for _, side := range []hostid.Side{hostid.SideLocal, hostid.SideRemote} {
		names, err := store.Files(side)
		if err != nil {
			return nil, err
		}
		st.Files[side] = names
	}

	st.History, err = store.History()
	if err != nil {
		return nil, err
	}
	return st, nil
}
