package router

import (
	"context"
	"time"

	"github.com/ghjm/localnet/pkg/framequeue"
	"github.com/ghjm/localnet/pkg/proto"
	"github.com/ghjm/localnet/pkg/registry"
	"github.com/ghjm/localnet/pkg/routing"
	"github.com/ghjm/localnet/pkg/server"
	"github.com/ghjm/localnet/pkg/x/timerunner"
	log "github.com/sirupsen/logrus"
)

// Defaults for the delivery loop and routing table
const (
	DefaultDeliveryInterval = 30 * time.Millisecond
	DefaultActiveRefresh    = 5 * time.Second
	DefaultReadBufferSize   = 10240
	DefaultPacketsPerTick   = 1
)

// Tap is called for every frame delivered to a socket
type Tap func(sock proto.Socket, f framequeue.Frame)

// Router ties together the server registry, the routing table and the per-socket frame queues, and runs the
// delivery loop that moves datagrams from server instances to sockets.
type Router struct {
	ctx              context.Context
	registry         *registry.Registry
	table            *routing.Table
	queue            *framequeue.Queue
	deliveryInterval time.Duration
	activeRefresh    time.Duration
	readBufferSize   int
	packetsPerTick   int
	providers        []registry.Provider
	taps             []Tap
	runner           timerunner.TimeRunner
}

// Option modifies New
type Option func(*Router)

// WithDeliveryInterval sets how often the delivery loop polls server instances
func WithDeliveryInterval(d time.Duration) Option {
	return func(r *Router) {
		r.deliveryInterval = d
	}
}

// WithActiveRefresh sets the maximum age of the ActiveSockets snapshot
func WithActiveRefresh(d time.Duration) Option {
	return func(r *Router) {
		r.activeRefresh = d
	}
}

// WithReadBufferSize sets the largest datagram the delivery loop will read from an instance
func WithReadBufferSize(n int) Option {
	return func(r *Router) {
		r.readBufferSize = n
	}
}

// WithPacketsPerTick sets how many datagrams are read from each instance per delivery tick
func WithPacketsPerTick(n int) Option {
	return func(r *Router) {
		r.packetsPerTick = n
	}
}

// WithProviders adds server providers, consulted in order
func WithProviders(ps ...registry.Provider) Option {
	return func(r *Router) {
		r.providers = append(r.providers, ps...)
	}
}

// WithTap adds a function to be called on every delivered frame
func WithTap(t Tap) Option {
	return func(r *Router) {
		r.taps = append(r.taps, t)
	}
}

// New constructs a Router and starts its delivery loop, which runs until ctx is cancelled
func New(ctx context.Context, opts ...Option) *Router {
	r := &Router{
		ctx:              ctx,
		deliveryInterval: DefaultDeliveryInterval,
		activeRefresh:    DefaultActiveRefresh,
		readBufferSize:   DefaultReadBufferSize,
		packetsPerTick:   DefaultPacketsPerTick,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.deliveryInterval <= 0 {
		r.deliveryInterval = DefaultDeliveryInterval
	}
	if r.readBufferSize <= 0 {
		r.readBufferSize = DefaultReadBufferSize
	}
	if r.packetsPerTick <= 0 {
		r.packetsPerTick = DefaultPacketsPerTick
	}
	r.registry = registry.New(r.providers...)
	r.table = routing.New(r.activeRefresh)
	r.queue = framequeue.New()
	r.runner = timerunner.New(ctx, r.deliver, timerunner.Periodic(r.deliveryInterval))
	return r
}

// DeliverWithin asks the delivery loop to run no later than d from now, ahead of its regular interval
func (r *Router) DeliverWithin(d time.Duration) {
	r.runner.RunWithin(d)
}

// deliver runs one tick of the delivery loop
func (r *Router) deliver() {
	for _, inst := range r.registry.Instances() {
		ds, ok := server.AsDatagram(inst)
		if !ok {
			continue
		}
		for i := 0; i < r.packetsPerTick; i++ {
			buf := make([]byte, r.readBufferSize)
			from, n, ok := ds.OnPacketRead(buf)
			if !ok {
				break
			}
			r.route(framequeue.Frame{From: from, Payload: buf[:n]})
		}
	}
}

// route enqueues a frame for every socket whose filters match its source address
func (r *Router) route(f framequeue.Frame) int {
	count := 0
	for skip := 0; ; skip++ {
		sock, ok := r.table.FindSocketForAddress(f.From, skip)
		if !ok {
			break
		}
		if !r.table.IsInternal(sock) {
			continue
		}
		r.queue.Enqueue(sock, f)
		for _, t := range r.taps {
			t(sock, f)
		}
		count++
	}
	if count == 0 {
		log.Debugf("dropping %d byte frame from %s: no listening socket", len(f.Payload), f.From)
	}
	return count
}

// Done returns a channel that is closed when the delivery loop has stopped
func (r *Router) Done() <-chan struct{} {
	return r.runner.Done()
}

// Context returns the context the router was started with
func (r *Router) Context() context.Context {
	return r.ctx
}

// AddProvider appends a server provider
func (r *Router) AddProvider(p registry.Provider) {
	r.registry.AddProvider(p)
}

// Resolve returns the server instance for a hostname, creating it if a provider serves the hostname
func (r *Router) Resolve(hostname string) (server.Server, bool) {
	return r.registry.ResolveOrCreate(hostname)
}

// Find returns an existing server instance by hostname or alias
func (r *Router) Find(hostname string) (server.Server, bool) {
	return r.registry.Find(hostname)
}

// FindBySocket returns the server instance a socket is associated with
func (r *Router) FindBySocket(sock proto.Socket) (server.Server, bool) {
	return r.table.Find(sock)
}

// RegisterExisting stores an existing instance under an additional name
func (r *Router) RegisterExisting(key string, inst server.Server) {
	r.registry.RegisterExisting(key, inst)
}

// ReverseLookup returns a name a server instance is registered under
func (r *Router) ReverseLookup(inst server.Server) (string, bool) {
	return r.registry.ReverseLookup(inst)
}

// RecordResolution remembers that a fabricated address stands for a hostname
func (r *Router) RecordResolution(address string, hostname string) {
	r.registry.RecordResolution(address, hostname)
}

// Resolution returns the hostname a fabricated address stands for
func (r *Router) Resolution(address string) (string, bool) {
	return r.registry.Resolution(address)
}

// Associate connects a socket to a server instance
func (r *Router) Associate(inst server.Server, sock proto.Socket) bool {
	return r.table.Associate(inst, sock)
}

// Disassociate disconnects a socket from a server instance
func (r *Router) Disassociate(inst server.Server, sock proto.Socket) bool {
	return r.table.Disassociate(inst, sock)
}

// AddFilter registers a socket's interest in frames from an address
func (r *Router) AddFilter(sock proto.Socket, addr proto.Address) bool {
	return r.table.AddFilter(sock, addr)
}

// Filters returns the filters registered on a socket
func (r *Router) Filters(sock proto.Socket) []proto.Address {
	return r.table.Filters(sock)
}

// IsInternal returns true if a socket is associated with a server instance
func (r *Router) IsInternal(sock proto.Socket) bool {
	return r.table.IsInternal(sock)
}

// ActiveSockets returns a possibly slightly stale list of every internal socket
func (r *Router) ActiveSockets() []proto.Socket {
	return r.table.ActiveSockets()
}

// RefreshActive forces the next ActiveSockets call to recompute its result
func (r *Router) RefreshActive() {
	r.table.Refresh()
}

// Dequeue returns the oldest frame delivered to a socket
func (r *Router) Dequeue(sock proto.Socket) (framequeue.Frame, bool) {
	return r.queue.Dequeue(sock)
}

// Pending returns the number of frames waiting for a socket
func (r *Router) Pending(sock proto.Socket) int {
	return r.queue.Len(sock)
}

// Remove forgets a socket: its association, its filters and any undelivered frames
func (r *Router) Remove(sock proto.Socket) {
	r.table.Remove(sock)
	if n := r.queue.Drop(sock); n > 0 {
		log.Debugf("discarded %d undelivered frames for socket %d", n, sock)
	}
}
