package registry

import (
	"fmt"
	"sync"

	"github.com/ghjm/golib/pkg/syncro"
	"github.com/ghjm/localnet/pkg/proto"
	"github.com/ghjm/localnet/pkg/server"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Provider is a source of server instances.  TryCreate returns nil if the provider does not serve the hostname.
type Provider interface {
	TryCreate(hostname string) server.Server
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(hostname string) server.Server

// TryCreate implements Provider
func (f ProviderFunc) TryCreate(hostname string) server.Server {
	return f(hostname)
}

// Entry is one live server instance.  Several keys may refer to the same Entry.
type Entry struct {
	ID       string
	Hostname string
	Server   server.Server
}

// Registry owns the mapping from hostnames to server instances.  Server implementations must be comparable,
// which in practice means pointer types.
type Registry struct {
	providers   syncro.Var[[]Provider]
	entries     syncro.Map[string, *Entry]
	claims      syncro.Map[string, Provider]
	resolutions syncro.Map[string, string]
	blacklist   syncro.Map[string, struct{}]
	createLock  sync.Mutex
}

// New returns a new Registry with an initial set of providers
func New(providers ...Provider) *Registry {
	r := &Registry{
		entries:     syncro.NewMap(make(map[string]*Entry)),
		claims:      syncro.NewMap(make(map[string]Provider)),
		resolutions: syncro.NewMap(make(map[string]string)),
		blacklist:   syncro.NewMap(make(map[string]struct{})),
	}
	for _, p := range providers {
		r.AddProvider(p)
	}
	return r
}

// AddProvider appends a provider.  Providers are consulted in the order they were added.
func (r *Registry) AddProvider(p Provider) {
	if p == nil {
		return
	}
	r.providers.WorkWith(func(ps *[]Provider) {
		*ps = append(*ps, p)
	})
}

// Providers returns the currently loaded providers, in consultation order
func (r *Registry) Providers() []Provider {
	var ps []Provider
	r.providers.WorkWithReadOnly(func(cur []Provider) {
		ps = append(ps, cur...)
	})
	return ps
}

// tryCreate calls a provider, converting a panic into a refusal
func tryCreate(p Provider, hostname string) (s server.Server) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("provider panicked creating %s: %v", hostname, r)
			s = nil
		}
	}()
	return p.TryCreate(hostname)
}

// ResolveOrCreate returns the server instance for a hostname, creating it through the providers if necessary.
// Returns false if no provider serves the hostname, in which case the hostname is blacklisted and no provider
// will be asked about it again.
func (r *Registry) ResolveOrCreate(hostname string) (server.Server, bool) {
	if r.Blacklisted(hostname) {
		return nil, false
	}
	if e, ok := r.entries.Get(hostname); ok {
		return e.Server, true
	}

	r.createLock.Lock()
	defer r.createLock.Unlock()
	if r.Blacklisted(hostname) {
		return nil, false
	}
	if e, ok := r.entries.Get(hostname); ok {
		return e.Server, true
	}

	resolved, hasResolved := r.resolutions.Get(hostname)
	hasResolved = hasResolved && resolved != hostname
	if hasResolved {
		if e, ok := r.entries.Get(resolved); ok {
			r.entries.Set(hostname, e)
			return e.Server, true
		}
	}
	created := hostname
	attempt := func(p Provider) server.Server {
		if hasResolved {
			if s := tryCreate(p, resolved); s != nil {
				created = resolved
				return s
			}
		}
		created = hostname
		return tryCreate(p, hostname)
	}

	var inst server.Server
	var claimant Provider
	if p, ok := r.claims.Get(hostname); ok {
		inst = attempt(p)
		claimant = p
	} else {
		for _, p := range r.Providers() {
			inst = attempt(p)
			if inst != nil {
				claimant = p
				break
			}
		}
	}
	if inst == nil {
		r.blacklist.Set(hostname, struct{}{})
		log.Debugf("no provider serves %s, blacklisting it", hostname)
		return nil, false
	}
	r.claims.Set(hostname, claimant)

	e := &Entry{
		ID:       uuid.NewString(),
		Hostname: created,
		Server:   inst,
	}
	if created != hostname {
		r.entries.Set(created, e)
		r.claims.Set(created, claimant)
	}
	r.entries.Set(hostname, e)
	log.Infof("created %s server %s for %s", inst.Capabilities(), e.ID, e.Hostname)
	return inst, true
}

// entryFor finds the entry holding a given server instance
func (r *Registry) entryFor(inst server.Server) *Entry {
	var found *Entry
	r.entries.WorkWithReadOnly(func(m map[string]*Entry) {
		for _, e := range m {
			if e.Server == inst {
				found = e
				return
			}
		}
	})
	return found
}

// RegisterExisting stores an existing instance under an additional key.  An existing entry for the key is
// replaced.
func (r *Registry) RegisterExisting(key string, inst server.Server) {
	if inst == nil {
		return
	}
	e := r.entryFor(inst)
	if e == nil {
		e = &Entry{
			ID:       uuid.NewString(),
			Hostname: key,
			Server:   inst,
		}
	}
	r.entries.Set(key, e)
	log.Debugf("registered server %s under %s", e.ID, key)
}

// Find returns the instance registered under a key, without creating anything
func (r *Registry) Find(key string) (server.Server, bool) {
	e, ok := r.entries.Get(key)
	if !ok {
		return nil, false
	}
	return e.Server, true
}

// Lookup returns the entry registered under a key
func (r *Registry) Lookup(key string) (*Entry, bool) {
	return r.entries.Get(key)
}

// ReverseLookup returns a name an instance is registered under, preferring hostnames over IP address aliases.
func (r *Registry) ReverseLookup(inst server.Server) (string, bool) {
	if inst == nil {
		return "", false
	}
	var names, literals []string
	r.entries.WorkWithReadOnly(func(m map[string]*Entry) {
		for k, e := range m {
			if e.Server != inst {
				continue
			}
			if proto.IsIPLiteral(k) {
				literals = append(literals, k)
			} else {
				names = append(names, k)
			}
		}
	})
	if len(names) > 0 {
		slices.Sort(names)
		return names[0], true
	}
	if len(literals) > 0 {
		slices.Sort(literals)
		return literals[0], true
	}
	return "", false
}

// Claimant returns the provider that created the instance for a hostname
func (r *Registry) Claimant(hostname string) (Provider, bool) {
	return r.claims.Get(hostname)
}

// RecordResolution remembers that a fabricated address stands for a hostname
func (r *Registry) RecordResolution(address string, hostname string) {
	r.resolutions.Set(address, hostname)
}

// Resolution returns the hostname a fabricated address stands for
func (r *Registry) Resolution(address string) (string, bool) {
	return r.resolutions.Get(address)
}

// Resolutions returns a copy of the address-to-hostname cache
func (r *Registry) Resolutions() map[string]string {
	res := make(map[string]string)
	r.resolutions.WorkWithReadOnly(func(m map[string]string) {
		for k, v := range m {
			res[k] = v
		}
	})
	return res
}

// Blacklisted returns true if no provider serves the hostname
func (r *Registry) Blacklisted(hostname string) bool {
	_, ok := r.blacklist.Get(hostname)
	return ok
}

// Blacklist returns the blacklisted hostnames, sorted
func (r *Registry) Blacklist() []string {
	var names []string
	r.blacklist.WorkWithReadOnly(func(m map[string]struct{}) {
		for k := range m {
			names = append(names, k)
		}
	})
	slices.Sort(names)
	return names
}

// Keys returns every key with a registered instance, sorted
func (r *Registry) Keys() []string {
	var keys []string
	r.entries.WorkWithReadOnly(func(m map[string]*Entry) {
		for k := range m {
			keys = append(keys, k)
		}
	})
	slices.Sort(keys)
	return keys
}

// Entries returns each live instance once, ordered by hostname and then ID
func (r *Registry) Entries() []*Entry {
	seen := make(map[*Entry]struct{})
	var entries []*Entry
	r.entries.WorkWithReadOnly(func(m map[string]*Entry) {
		for _, e := range m {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			entries = append(entries, e)
		}
	})
	byName := make(map[string]*Entry)
	var names []string
	for _, e := range entries {
		k := fmt.Sprintf("%s\x00%s", e.Hostname, e.ID)
		byName[k] = e
		names = append(names, k)
	}
	slices.Sort(names)
	sorted := make([]*Entry, 0, len(names))
	for _, k := range names {
		sorted = append(sorted, byName[k])
	}
	return sorted
}

// Instances returns each live server instance once
func (r *Registry) Instances() []server.Server {
	var insts []server.Server
	for _, e := range r.Entries() {
		insts = append(insts, e.Server)
	}
	return insts
}
