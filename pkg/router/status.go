package router

import (
	"fmt"

	"github.com/ghjm/localnet/pkg/proto"
)

// InstanceStatus describes one live server instance
type InstanceStatus struct {
	ID           string         `json:"id" yaml:"id"`
	Hostname     string         `json:"hostname" yaml:"hostname"`
	Aliases      []string       `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Capabilities string         `json:"capabilities" yaml:"capabilities"`
	Provider     string         `json:"provider,omitempty" yaml:"provider,omitempty"`
	Sockets      []proto.Socket `json:"sockets,omitempty" yaml:"sockets,omitempty"`
}

// Status is a point-in-time description of the router's state
type Status struct {
	Instances     []InstanceStatus  `json:"instances" yaml:"instances"`
	Blacklist     []string          `json:"blacklist,omitempty" yaml:"blacklist,omitempty"`
	Resolutions   map[string]string `json:"resolutions,omitempty" yaml:"resolutions,omitempty"`
	ActiveSockets []proto.Socket    `json:"active_sockets,omitempty" yaml:"active_sockets,omitempty"`
}

// Status returns the current state of the router
func (r *Router) Status() Status {
	st := Status{
		Blacklist:     r.registry.Blacklist(),
		Resolutions:   r.registry.Resolutions(),
		ActiveSockets: r.table.ActiveSockets(),
	}
	keys := r.registry.Keys()
	for _, e := range r.registry.Entries() {
		is := InstanceStatus{
			ID:           e.ID,
			Hostname:     e.Hostname,
			Capabilities: e.Server.Capabilities().String(),
			Sockets:      r.table.Sockets(e.Server),
		}
		for _, k := range keys {
			if k == e.Hostname {
				continue
			}
			if alias, ok := r.registry.Lookup(k); ok && alias == e {
				is.Aliases = append(is.Aliases, k)
			}
		}
		if p, ok := r.registry.Claimant(e.Hostname); ok {
			if s, ok := p.(fmt.Stringer); ok {
				is.Provider = s.String()
			}
		}
		st.Instances = append(st.Instances, is)
	}
	return st
}
