package server

import (
	"bytes"
	"sync"

	"github.com/ghjm/localnet/pkg/proto"
	"golang.org/x/exp/slices"
)

// StreamHandler is the protocol logic of a stream server.  OnStreamData is called after each write with the
// socket's accumulated incoming bytes; the handler consumes what it can parse and leaves the rest for later.
// The handler may call Send on the owning Stream.
type StreamHandler interface {
	OnStreamData(h Header, incoming *bytes.Buffer)
}

// StreamHandlerFunc adapts a function to the StreamHandler interface
type StreamHandlerFunc func(Header, *bytes.Buffer)

// OnStreamData implements StreamHandler
func (f StreamHandlerFunc) OnStreamData(h Header, incoming *bytes.Buffer) {
	f(h, incoming)
}

type streamState struct {
	incoming  *bytes.Buffer
	outgoing  []byte
	valid     bool
	lingering bool
}

// Stream provides thread-safe byte-stream buffering.  Embed a *Stream in a server type and pass the server
// itself as the handler to get a complete StreamServer.
type Stream struct {
	handler  StreamHandler
	dispatch sync.Mutex
	lock     sync.Mutex
	sockets  map[proto.Socket]*streamState
}

// NewStream returns a new Stream calling the given handler
func NewStream(handler StreamHandler) *Stream {
	return &Stream{
		handler: handler,
		sockets: make(map[proto.Socket]*streamState),
	}
}

// Capabilities implements Server
func (s *Stream) Capabilities() Capability {
	return CapStream
}

// OnConnect clears both streams of the socket and marks it connected
func (s *Stream) OnConnect(h Header) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sockets[h.Socket] = &streamState{
		incoming: &bytes.Buffer{},
		valid:    true,
	}
}

// OnDisconnect marks the socket disconnected and forgets it.  A socket with undrained outgoing data lingers
// until a read empties it.
func (s *Stream) OnDisconnect(h Header) {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, ok := s.sockets[h.Socket]
	if !ok {
		return
	}
	if !st.valid || len(st.outgoing) == 0 {
		delete(s.sockets, h.Socket)
		return
	}
	st.incoming = &bytes.Buffer{}
	st.lingering = true
	st.valid = false
}

// OnReadRequest drains up to len(buf) bytes of the socket's outgoing stream
func (s *Stream) OnReadRequest(h Header, buf []byte) (int, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	st, ok := s.sockets[h.Socket]
	if !ok || len(st.outgoing) == 0 {
		return 0, false
	}
	n := copy(buf, st.outgoing)
	st.outgoing = st.outgoing[n:]
	if len(st.outgoing) == 0 {
		st.outgoing = nil
		if st.lingering {
			delete(s.sockets, h.Socket)
		}
	}
	return n, true
}

// OnWriteRequest appends data to the socket's incoming stream and passes it to the handler
func (s *Stream) OnWriteRequest(h Header, data []byte) bool {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	s.lock.Lock()
	st, ok := s.sockets[h.Socket]
	if !ok || !st.valid {
		s.lock.Unlock()
		return false
	}
	st.incoming.Write(data)
	incoming := st.incoming
	s.lock.Unlock()
	if s.handler != nil {
		s.handler.OnStreamData(h, incoming)
	}
	return true
}

// Send appends data to the outgoing stream of a connected socket.  Socket 0 broadcasts to every connected
// socket.
func (s *Stream) Send(socket proto.Socket, data []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if socket != 0 {
		if st, ok := s.sockets[socket]; ok && st.valid {
			st.outgoing = append(st.outgoing, data...)
		}
		return
	}
	for _, st := range s.sockets {
		if st.valid {
			st.outgoing = append(st.outgoing, data...)
		}
	}
}

// Connected returns the sockets currently connected to this stream, in ascending order
func (s *Stream) Connected() []proto.Socket {
	s.lock.Lock()
	defer s.lock.Unlock()
	var socks []proto.Socket
	for sock, st := range s.sockets {
		if st.valid {
			socks = append(socks, sock)
		}
	}
	slices.Sort(socks)
	return socks
}

// Pending returns the number of outgoing bytes queued for a socket
func (s *Stream) Pending(socket proto.Socket) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, ok := s.sockets[socket]
	if !ok {
		return 0
	}
	return len(st.outgoing)
}
