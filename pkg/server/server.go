package server

import (
	"github.com/ghjm/localnet/pkg/proto"
)

// Header describes the socket a request arrives on.  Client is the local end of the socket, Server the remote
// end the application believes it is talking to.
type Header struct {
	Socket proto.Socket
	Client proto.Address
	Server proto.Address
}

// Capability is a set of flags describing which IO variants a server implements
type Capability uint32

const (
	// CapStream indicates the server implements StreamServer
	CapStream Capability = 1 << iota
	// CapDatagram indicates the server implements DatagramServer
	CapDatagram
)

// Has returns true if all the flags in o are set in c
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

func (c Capability) String() string {
	switch {
	case c.Has(CapStream | CapDatagram):
		return "stream+datagram"
	case c.Has(CapStream):
		return "stream"
	case c.Has(CapDatagram):
		return "datagram"
	}
	return "none"
}

// Server is the capability surface every emulated server provides.  None of these methods may block or panic;
// a false return means "not now" and the caller decides whether to try again.
type Server interface {
	// OnConnect notifies the server that a socket connected to it
	OnConnect(Header)
	// OnDisconnect notifies the server that a socket disconnected from it
	OnDisconnect(Header)
	// OnReadRequest copies up to len(buf) bytes of pending server output into buf.  Returns the number of bytes
	// copied, and false if nothing is currently available.
	OnReadRequest(h Header, buf []byte) (int, bool)
	// OnWriteRequest hands client data to the server.  Returns false only if the connection cannot accept writes.
	OnWriteRequest(h Header, data []byte) bool
	// Capabilities reports the IO variants this server implements
	Capabilities() Capability
}

// StreamServer is a Server with byte-stream semantics
type StreamServer interface {
	Server
	// Send appends data to the outgoing stream of a socket.  Socket 0 broadcasts to every connected socket.
	Send(socket proto.Socket, data []byte)
}

// DatagramServer is a Server with packet semantics
type DatagramServer interface {
	Server
	// OnPacketRead dequeues one outgoing packet into buf, truncating it if buf is too small.  Returns the
	// address the packet originates from and the number of bytes copied.
	OnPacketRead(buf []byte) (proto.Address, int, bool)
	// OnPacketWrite delivers one inbound packet to the server
	OnPacketWrite(h Header, data []byte) bool
}

// AsStream returns the stream interface of a server, if it has one
func AsStream(s Server) (StreamServer, bool) {
	if s == nil || !s.Capabilities().Has(CapStream) {
		return nil, false
	}
	ss, ok := s.(StreamServer)
	return ss, ok
}

// AsDatagram returns the datagram interface of a server, if it has one
func AsDatagram(s Server) (DatagramServer, bool) {
	if s == nil || !s.Capabilities().Has(CapDatagram) {
		return nil, false
	}
	ds, ok := s.(DatagramServer)
	return ds, ok
}
