package server

import (
	"sync"

	"github.com/ghjm/localnet/pkg/proto"
)

// DatagramHandler is the protocol logic of a datagram server.  OnDatagram is called once for each inbound
// packet, with h.Server holding the address the client sent it to.  The handler may call Send on the owning
// Datagram.
type DatagramHandler interface {
	OnDatagram(h Header, payload []byte)
}

// DatagramHandlerFunc adapts a function to the DatagramHandler interface
type DatagramHandlerFunc func(Header, []byte)

// OnDatagram implements DatagramHandler
func (f DatagramHandlerFunc) OnDatagram(h Header, payload []byte) {
	f(h, payload)
}

type packet struct {
	from proto.Address
	data []byte
}

// Datagram provides thread-safe packet queueing.  Embed a *Datagram in a server type and pass the server itself
// as the handler to get a complete DatagramServer.
type Datagram struct {
	handler  DatagramHandler
	dispatch sync.Mutex
	lock     sync.Mutex
	queue    []packet
	host     proto.Address
}

// NewDatagram returns a new Datagram calling the given handler
func NewDatagram(handler DatagramHandler) *Datagram {
	return &Datagram{
		handler: handler,
	}
}

// Capabilities implements Server
func (d *Datagram) Capabilities() Capability {
	return CapDatagram
}

// OnConnect is a no-op for datagram servers
func (d *Datagram) OnConnect(Header) {}

// OnDisconnect is a no-op for datagram servers
func (d *Datagram) OnDisconnect(Header) {}

// Host returns the server address most recently written to
func (d *Datagram) Host() proto.Address {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.host
}

// Send queues an outgoing packet, originating from the server address most recently written to
func (d *Datagram) Send(data []byte) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.queue = append(d.queue, packet{from: d.host, data: append([]byte(nil), data...)})
}

// SendFrom queues an outgoing packet with an explicit source address
func (d *Datagram) SendFrom(from proto.Address, data []byte) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.queue = append(d.queue, packet{from: from, data: append([]byte(nil), data...)})
}

// Pending returns the number of queued outgoing packets
func (d *Datagram) Pending() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.queue)
}

// OnPacketRead dequeues one whole packet.  If buf is smaller than the packet, the excess is dropped.
func (d *Datagram) OnPacketRead(buf []byte) (proto.Address, int, bool) {
	if len(buf) == 0 {
		return proto.Address{}, 0, false
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.queue) == 0 {
		return proto.Address{}, 0, false
	}
	p := d.queue[0]
	d.queue[0] = packet{}
	d.queue = d.queue[1:]
	if len(d.queue) == 0 {
		d.queue = nil
	}
	return p.from, copy(buf, p.data), true
}

// OnPacketWrite records the destination as the server's address and passes the packet to the handler
func (d *Datagram) OnPacketWrite(h Header, data []byte) bool {
	d.dispatch.Lock()
	defer d.dispatch.Unlock()
	d.lock.Lock()
	d.host = h.Server
	d.lock.Unlock()
	if d.handler != nil {
		d.handler.OnDatagram(h, append([]byte(nil), data...))
	}
	return true
}

// OnReadRequest implements Server by dequeueing one packet
func (d *Datagram) OnReadRequest(_ Header, buf []byte) (int, bool) {
	_, n, ok := d.OnPacketRead(buf)
	return n, ok
}

// OnWriteRequest implements Server by delivering one packet
func (d *Datagram) OnWriteRequest(h Header, data []byte) bool {
	return d.OnPacketWrite(h, data)
}
