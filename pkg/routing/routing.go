package routing

import (
	"time"

	"github.com/ghjm/golib/pkg/syncro"
	"github.com/ghjm/localnet/pkg/proto"
	"github.com/ghjm/localnet/pkg/server"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const activeKey = "active"

// Table tracks which socket is connected to which server instance, and which addresses each socket wants to
// receive frames for.
type Table struct {
	assoc   syncro.Map[proto.Socket, server.Server]
	filters syncro.Map[proto.Socket, []proto.Address]
	active  *gocache.Cache
	refresh time.Duration
}

// New returns a new Table.  The ActiveSockets snapshot is recomputed at most once per refresh interval, unless
// a new association is made.  A zero refresh interval disables the snapshot cache.
func New(refresh time.Duration) *Table {
	t := &Table{
		assoc:   syncro.NewMap(make(map[proto.Socket]server.Server)),
		filters: syncro.NewMap(make(map[proto.Socket][]proto.Address)),
		refresh: refresh,
	}
	if refresh > 0 {
		t.active = gocache.New(refresh, 0)
	}
	return t
}

func (t *Table) invalidate() {
	if t.active != nil {
		t.active.Delete(activeKey)
	}
}

// Associate connects a socket to a server instance, replacing any previous association of the socket.
// Returns false if the socket was already associated with this instance.
func (t *Table) Associate(inst server.Server, sock proto.Socket) bool {
	if inst == nil || sock == 0 {
		return false
	}
	changed := false
	t.assoc.WorkWith(func(m *map[proto.Socket]server.Server) {
		cur, ok := (*m)[sock]
		if ok && cur == inst {
			return
		}
		(*m)[sock] = inst
		changed = true
	})
	if changed {
		t.invalidate()
		log.Debugf("associated socket %d", sock)
	}
	return changed
}

// Disassociate removes the association between a socket and an instance.  Nothing happens if the socket is
// associated with a different instance.
func (t *Table) Disassociate(inst server.Server, sock proto.Socket) bool {
	removed := false
	t.assoc.WorkWith(func(m *map[proto.Socket]server.Server) {
		cur, ok := (*m)[sock]
		if ok && cur == inst {
			delete(*m, sock)
			removed = true
		}
	})
	if removed {
		log.Debugf("disassociated socket %d", sock)
	}
	return removed
}

// IsInternal returns true if the socket is associated with any instance
func (t *Table) IsInternal(sock proto.Socket) bool {
	_, ok := t.assoc.Get(sock)
	return ok
}

// Find returns the instance a socket is associated with
func (t *Table) Find(sock proto.Socket) (server.Server, bool) {
	return t.assoc.Get(sock)
}

// Sockets returns the sockets associated with an instance, in ascending order
func (t *Table) Sockets(inst server.Server) []proto.Socket {
	var socks []proto.Socket
	t.assoc.WorkWithReadOnly(func(m map[proto.Socket]server.Server) {
		for s, i := range m {
			if i == inst {
				socks = append(socks, s)
			}
		}
	})
	slices.Sort(socks)
	return socks
}

// AddFilter registers interest in frames addressed to addr.  Returns false if the filter already existed.
func (t *Table) AddFilter(sock proto.Socket, addr proto.Address) bool {
	added := false
	t.filters.WorkWith(func(m *map[proto.Socket][]proto.Address) {
		for _, f := range (*m)[sock] {
			if f == addr {
				return
			}
		}
		(*m)[sock] = append((*m)[sock], addr)
		added = true
	})
	if added {
		log.Debugf("socket %d now receives frames for %s", sock, addr)
	}
	return added
}

// RemoveFilter removes one filter from a socket
func (t *Table) RemoveFilter(sock proto.Socket, addr proto.Address) bool {
	removed := false
	t.filters.WorkWith(func(m *map[proto.Socket][]proto.Address) {
		fs := (*m)[sock]
		for i, f := range fs {
			if f == addr {
				fs = append(fs[:i:i], fs[i+1:]...)
				removed = true
				break
			}
		}
		if len(fs) == 0 {
			delete(*m, sock)
		} else {
			(*m)[sock] = fs
		}
	})
	return removed
}

// Filters returns the filters registered on a socket, in the order they were added
func (t *Table) Filters(sock proto.Socket) []proto.Address {
	var fs []proto.Address
	t.filters.WorkWithReadOnly(func(m map[proto.Socket][]proto.Address) {
		fs = append(fs, m[sock]...)
	})
	return fs
}

// MatchingSockets returns every socket with a filter matching dest.  Sockets with an exact filter come first,
// then sockets that only match by wildcard, each group in ascending order.  No socket appears twice.
func (t *Table) MatchingSockets(dest proto.Address) []proto.Socket {
	var exact, wild []proto.Socket
	t.filters.WorkWithReadOnly(func(m map[proto.Socket][]proto.Address) {
		for sock, fs := range m {
			isExact, isWild := false, false
			for _, f := range fs {
				if f.Matches(dest) {
					isExact = true
					break
				}
				if f.MatchesWildcard(dest) {
					isWild = true
				}
			}
			if isExact {
				exact = append(exact, sock)
			} else if isWild {
				wild = append(wild, sock)
			}
		}
	})
	slices.Sort(exact)
	slices.Sort(wild)
	return append(exact, wild...)
}

// FindSocketForAddress returns the skip'th socket (counting from 0) whose filters match dest, in the order
// given by MatchingSockets.  Returns false once skip runs past the last match.
func (t *Table) FindSocketForAddress(dest proto.Address, skip int) (proto.Socket, bool) {
	if skip < 0 {
		return 0, false
	}
	socks := t.MatchingSockets(dest)
	if skip >= len(socks) {
		return 0, false
	}
	return socks[skip], true
}

func (t *Table) computeActive() []proto.Socket {
	var socks []proto.Socket
	t.assoc.WorkWithReadOnly(func(m map[proto.Socket]server.Server) {
		for s := range m {
			socks = append(socks, s)
		}
	})
	slices.Sort(socks)
	return socks
}

// ActiveSockets returns every associated socket, in ascending order.  The result may be up to one refresh
// interval out of date with respect to removed sockets.
func (t *Table) ActiveSockets() []proto.Socket {
	if t.active == nil {
		return t.computeActive()
	}
	if v, ok := t.active.Get(activeKey); ok {
		return append([]proto.Socket(nil), v.([]proto.Socket)...)
	}
	socks := t.computeActive()
	t.active.Set(activeKey, socks, gocache.DefaultExpiration)
	return append([]proto.Socket(nil), socks...)
}

// Refresh discards the cached ActiveSockets snapshot
func (t *Table) Refresh() {
	t.invalidate()
}

// Remove drops the association and all filters of a socket
func (t *Table) Remove(sock proto.Socket) {
	t.assoc.Delete(sock)
	t.filters.Delete(sock)
	log.Debugf("removed socket %d from routing", sock)
}
