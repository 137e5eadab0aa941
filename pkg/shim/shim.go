package shim

import (
	"context"
	"fmt"
	"time"

	"github.com/ghjm/golib/pkg/syncro"
	"github.com/ghjm/localnet/pkg/proto"
	"github.com/ghjm/localnet/pkg/router"
	"github.com/ghjm/localnet/pkg/server"
	log "github.com/sirupsen/logrus"
)

// ErrWouldBlock is returned when a non-blocking socket has nothing to offer
var ErrWouldBlock = fmt.Errorf("operation would block")

// ErrTimeout is returned when a blocking socket waited longer than the configured maximum
var ErrTimeout = fmt.Errorf("timed out waiting for virtual socket")

// ErrNotConnected is returned when a virtual socket refuses a write
var ErrNotConnected = fmt.Errorf("virtual socket is not connected")

// DefaultPollInterval is how often a blocking call re-probes a server instance
const DefaultPollInterval = 10 * time.Millisecond

type sockState struct {
	local       proto.Address
	remote      proto.Address
	nonblocking bool
}

// Shim turns intercepted socket calls into operations on a Router.  Calls on sockets and hosts that no server
// instance claims are forwarded to the real network.
type Shim struct {
	r            *router.Router
	real         Passthrough
	pollInterval time.Duration
	maxBlock     time.Duration
	sockets      syncro.Map[proto.Socket, sockState]
	flagNotices  syncro.Map[string, struct{}]
}

// Option modifies New
type Option func(*Shim)

// WithPollInterval sets how often blocking calls re-probe a server instance
func WithPollInterval(d time.Duration) Option {
	return func(s *Shim) {
		s.pollInterval = d
	}
}

// WithMaxBlock limits how long a blocking call waits.  Zero means wait until the context is cancelled.
func WithMaxBlock(d time.Duration) Option {
	return func(s *Shim) {
		s.maxBlock = d
	}
}

// New returns a Shim for the given router.  If real is nil, unclaimed traffic fails with ErrUnsupported.
func New(r *router.Router, real Passthrough, opts ...Option) *Shim {
	if real == nil {
		real = unsupported{}
	}
	s := &Shim{
		r:            r,
		real:         real,
		pollInterval: DefaultPollInterval,
		sockets:      syncro.NewMap(make(map[proto.Socket]sockState)),
		flagNotices:  syncro.NewMap(make(map[string]struct{})),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	return s
}

func (s *Shim) state(sock proto.Socket) sockState {
	st, _ := s.sockets.Get(sock)
	return st
}

func (s *Shim) updateState(sock proto.Socket, f func(*sockState)) {
	s.sockets.WorkWith(func(m *map[proto.Socket]sockState) {
		st := (*m)[sock]
		f(&st)
		(*m)[sock] = st
	})
}

func (s *Shim) header(sock proto.Socket) server.Header {
	st := s.state(sock)
	return server.Header{
		Socket: sock,
		Client: st.local,
		Server: st.remote,
	}
}

// noteFlags logs, once per operation, that the application passed flags that virtual sockets ignore
func (s *Shim) noteFlags(op string, flags int) {
	if flags == 0 {
		return
	}
	first := false
	s.flagNotices.WorkWith(func(m *map[string]struct{}) {
		if _, ok := (*m)[op]; !ok {
			(*m)[op] = struct{}{}
			first = true
		}
	})
	if first {
		log.Infof("application passed flags 0x%x to %s; flags are ignored on virtual sockets", flags, op)
	}
}

// poll calls try until it succeeds.  Non-blocking sockets get one attempt.  Only reads are polled.
func (s *Shim) poll(ctx context.Context, sock proto.Socket, try func() bool) error {
	if try() {
		return nil
	}
	if s.state(sock).nonblocking {
		return ErrWouldBlock
	}
	var deadline <-chan time.Time
	if s.maxBlock > 0 {
		timer := time.NewTimer(s.maxBlock)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrTimeout
		case <-ticker.C:
			if try() {
				return nil
			}
		}
	}
}

// SetBlocking sets whether reads and writes on a virtual socket wait for the server instance.  The setting is
// also applied to the real socket.
func (s *Shim) SetBlocking(sock proto.Socket, blocking bool) error {
	s.updateState(sock, func(st *sockState) {
		st.nonblocking = !blocking
	})
	return s.real.SetNonblock(sock, !blocking)
}

// Bind claims a local address.  If a server instance serves the host, the socket is associated with it and
// will receive frames addressed to local; otherwise the real socket is bound.
func (s *Shim) Bind(sock proto.Socket, local proto.Address) error {
	inst, ok := s.r.Find(local.Host)
	if !ok {
		inst, ok = s.r.Resolve(local.Host)
	}
	if ok {
		s.r.Associate(inst, sock)
		s.r.AddFilter(sock, local)
	} else if err := s.real.Bind(sock, local); err != nil {
		return err
	}
	s.updateState(sock, func(st *sockState) {
		st.local = local
	})
	log.Debugf("socket %d bound to %s", sock, local)
	return nil
}

// Connect disconnects the socket from any previous server instance, then connects it to the instance serving
// the remote host, or to the real network if there is none.
func (s *Shim) Connect(sock proto.Socket, remote proto.Address) error {
	if old, ok := s.r.FindBySocket(sock); ok {
		old.OnDisconnect(s.header(sock))
		s.r.Disassociate(old, sock)
	}
	inst, ok := s.r.Resolve(remote.Host)
	if !ok {
		err := s.real.Connect(sock, remote)
		if err == nil {
			s.updateState(sock, func(st *sockState) {
				st.remote = remote
			})
		}
		log.Debugf("socket %d connected to real host %s: %v", sock, remote, err)
		return err
	}
	s.updateState(sock, func(st *sockState) {
		st.remote = remote
	})
	s.r.Associate(inst, sock)
	if _, ok := server.AsDatagram(inst); ok {
		s.r.AddFilter(sock, remote)
	}
	inst.OnConnect(s.header(sock))
	log.Debugf("socket %d connected to virtual host %s", sock, remote)
	return nil
}

// Send writes data to the server instance the socket is connected to
func (s *Shim) Send(ctx context.Context, sock proto.Socket, data []byte, flags int) (int, error) {
	inst, ok := s.r.FindBySocket(sock)
	if !ok {
		return s.real.Send(sock, data, flags)
	}
	s.noteFlags("send", flags)
	return s.write(ctx, inst, func() bool {
		return inst.OnWriteRequest(s.header(sock), data)
	}, len(data))
}

// write gives a server instance one attempt at a write.  A refused write is reported as ErrNotConnected.
func (s *Shim) write(ctx context.Context, inst server.Server, try func() bool, n int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !try() {
		return 0, ErrNotConnected
	}
	if _, ok := server.AsDatagram(inst); ok {
		s.r.DeliverWithin(0)
	}
	return n, nil
}

// SendTo writes a datagram.  The instance is chosen by destination host first, then by the socket's existing
// association, and finally by asking the providers to serve dest.  The socket is associated with the instance
// and will receive frames from dest.
func (s *Shim) SendTo(ctx context.Context, sock proto.Socket, dest proto.Address, data []byte, flags int) (int, error) {
	inst, ok := s.r.Find(dest.Host)
	if !ok {
		inst, ok = s.r.FindBySocket(sock)
	}
	if !ok {
		inst, ok = s.r.Resolve(dest.Host)
	}
	if !ok {
		return s.real.SendTo(sock, dest, data, flags)
	}
	s.noteFlags("sendto", flags)
	s.r.Associate(inst, sock)
	s.r.AddFilter(sock, dest)
	h := s.header(sock)
	h.Server = dest
	write := func() bool {
		return inst.OnWriteRequest(h, data)
	}
	if ds, ok := server.AsDatagram(inst); ok {
		write = func() bool {
			return ds.OnPacketWrite(h, data)
		}
	}
	return s.write(ctx, inst, write, len(data))
}

// readFrame copies the oldest queued frame for a socket into buf, truncating it
func (s *Shim) readFrame(sock proto.Socket, buf []byte) (int, proto.Address, bool) {
	f, ok := s.r.Dequeue(sock)
	if !ok {
		return 0, proto.Address{}, false
	}
	return copy(buf, f.Payload), f.From, true
}

// Receive reads from the server instance the socket is connected to.  Stream instances are read directly;
// datagram instances are read through the socket's frame queue.
func (s *Shim) Receive(ctx context.Context, sock proto.Socket, buf []byte, flags int) (int, error) {
	inst, ok := s.r.FindBySocket(sock)
	if !ok {
		return s.real.Receive(sock, buf, flags)
	}
	s.noteFlags("recv", flags)
	var n int
	var try func() bool
	if ss, ok := server.AsStream(inst); ok {
		h := s.header(sock)
		try = func() bool {
			var ok bool
			n, ok = ss.OnReadRequest(h, buf)
			return ok
		}
	} else {
		try = func() bool {
			var ok bool
			n, _, ok = s.readFrame(sock, buf)
			return ok
		}
	}
	if err := s.poll(ctx, sock, try); err != nil {
		return 0, err
	}
	return n, nil
}

// ReceiveFrom reads one datagram from the socket's frame queue, along with the address it came from
func (s *Shim) ReceiveFrom(ctx context.Context, sock proto.Socket, buf []byte, flags int) (int, proto.Address, error) {
	inst, ok := s.r.FindBySocket(sock)
	if !ok {
		return s.real.ReceiveFrom(sock, buf, flags)
	}
	s.noteFlags("recvfrom", flags)
	var n int
	var from proto.Address
	var try func() bool
	if ss, ok := server.AsStream(inst); ok {
		h := s.header(sock)
		from = h.Server
		try = func() bool {
			var ok bool
			n, ok = ss.OnReadRequest(h, buf)
			return ok
		}
	} else {
		try = func() bool {
			var ok bool
			n, from, ok = s.readFrame(sock, buf)
			return ok
		}
	}
	if err := s.poll(ctx, sock, try); err != nil {
		return 0, proto.Address{}, err
	}
	return n, from, nil
}

// ResolveVirtual returns the address of a host served by a server instance.  Named hosts get a stable
// fabricated IPv4 address, which is remembered so that later calls using the address reach the same instance.
func (s *Shim) ResolveVirtual(name string) (string, bool) {
	inst, ok := s.r.Resolve(name)
	if !ok {
		return "", false
	}
	if proto.IsIPLiteral(name) {
		return name, true
	}
	addr := proto.FabricateIPv4(name)
	s.r.RecordResolution(addr, name)
	s.r.RegisterExisting(addr, inst)
	log.Debugf("resolved virtual host %s to %s", name, addr)
	return addr, true
}

// ReverseVirtual returns the hostname of an address belonging to a server instance
func (s *Shim) ReverseVirtual(addr string) (string, bool) {
	if name, ok := s.r.Resolution(addr); ok {
		return name, true
	}
	if inst, ok := s.r.Find(addr); ok {
		return s.r.ReverseLookup(inst)
	}
	return "", false
}

// ResolveHostname returns the addresses of a host, asking the real network about hosts with no server instance
func (s *Shim) ResolveHostname(ctx context.Context, name string) ([]string, error) {
	if addr, ok := s.ResolveVirtual(name); ok {
		return []string{addr}, nil
	}
	return s.real.LookupHost(ctx, name)
}

// ReverseResolve returns the names for an address.  Fabricated addresses map back to their hostname.
func (s *Shim) ReverseResolve(ctx context.Context, addr string) ([]string, error) {
	if name, ok := s.ReverseVirtual(addr); ok {
		return []string{name}, nil
	}
	return s.real.LookupAddr(ctx, addr)
}

// serverAddress returns the address an instance is known by, fabricating one for named hosts
func (s *Shim) serverAddress(inst server.Server) string {
	name, ok := s.r.ReverseLookup(inst)
	if !ok {
		return ""
	}
	if proto.IsIPLiteral(name) {
		return name
	}
	return proto.FabricateIPv4(name)
}

// PeerName returns the remote address of a virtual socket.  Returns false for sockets on the real network.
func (s *Shim) PeerName(sock proto.Socket) (proto.Address, bool) {
	inst, ok := s.r.FindBySocket(sock)
	if !ok {
		return proto.Address{}, false
	}
	return proto.NewAddress(s.serverAddress(inst), s.state(sock).remote.Port), true
}

// SockName returns the local address of a virtual socket.  Returns false for sockets on the real network.
func (s *Shim) SockName(sock proto.Socket) (proto.Address, bool) {
	inst, ok := s.r.FindBySocket(sock)
	if !ok {
		return proto.Address{}, false
	}
	if local := s.state(sock).local; local.Host != "" {
		return local, true
	}
	return proto.NewAddress(s.serverAddress(inst), 0), true
}

// SplitInternal separates sockets into virtual and real ones, for select-style readiness checks.  Virtual
// sockets are always considered ready.  The split uses the router's ActiveSockets snapshot, so a recently
// closed socket may still be reported as virtual.
func (s *Shim) SplitInternal(socks []proto.Socket) (internal []proto.Socket, external []proto.Socket) {
	active := make(map[proto.Socket]struct{})
	for _, sock := range s.r.ActiveSockets() {
		active[sock] = struct{}{}
	}
	for _, sock := range socks {
		if _, ok := active[sock]; ok {
			internal = append(internal, sock)
		} else {
			external = append(external, sock)
		}
	}
	return internal, external
}

// disconnect notifies the instance and forgets the socket
func (s *Shim) disconnect(sock proto.Socket) {
	if inst, ok := s.r.FindBySocket(sock); ok {
		inst.OnDisconnect(s.header(sock))
		log.Debugf("socket %d disconnected from virtual host %s", sock, s.state(sock).remote)
	}
	s.r.Remove(sock)
}

// Close disconnects a virtual socket and closes the real one
func (s *Shim) Close(sock proto.Socket) error {
	s.disconnect(sock)
	s.sockets.Delete(sock)
	return s.real.Close(sock)
}

// Shutdown disconnects a virtual socket and shuts down the real one
func (s *Shim) Shutdown(sock proto.Socket, how int) error {
	s.disconnect(sock)
	return s.real.Shutdown(sock, how)
}
