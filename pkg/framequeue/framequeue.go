package framequeue

import (
	"github.com/ghjm/golib/pkg/syncro"
	"github.com/ghjm/localnet/pkg/proto"
)

// Frame is one datagram waiting to be received by a socket
type Frame struct {
	From    proto.Address
	Payload []byte
}

// Queue holds a FIFO of frames for each socket.  Queues are unbounded.
type Queue struct {
	frames syncro.Map[proto.Socket, []Frame]
}

// New returns a new, empty Queue
func New() *Queue {
	return &Queue{
		frames: syncro.NewMap(make(map[proto.Socket][]Frame)),
	}
}

// Enqueue appends a frame to a socket's queue.  The payload is copied.
func (q *Queue) Enqueue(sock proto.Socket, f Frame) {
	f.Payload = append([]byte(nil), f.Payload...)
	q.frames.WorkWith(func(m *map[proto.Socket][]Frame) {
		(*m)[sock] = append((*m)[sock], f)
	})
}

// Dequeue removes and returns the oldest frame queued for a socket
func (q *Queue) Dequeue(sock proto.Socket) (Frame, bool) {
	var f Frame
	var ok bool
	q.frames.WorkWith(func(m *map[proto.Socket][]Frame) {
		fs := (*m)[sock]
		if len(fs) == 0 {
			return
		}
		f, ok = fs[0], true
		fs[0] = Frame{}
		if len(fs) == 1 {
			delete(*m, sock)
		} else {
			(*m)[sock] = fs[1:]
		}
	})
	return f, ok
}

// Len returns the number of frames queued for a socket
func (q *Queue) Len(sock proto.Socket) int {
	var n int
	q.frames.WorkWithReadOnly(func(m map[proto.Socket][]Frame) {
		n = len(m[sock])
	})
	return n
}

// Drop discards every frame queued for a socket, returning how many there were
func (q *Queue) Drop(sock proto.Socket) int {
	var n int
	q.frames.WorkWith(func(m *map[proto.Socket][]Frame) {
		n = len((*m)[sock])
		delete(*m, sock)
	})
	return n
}

// Sockets returns the number of sockets with at least one queued frame
func (q *Queue) Sockets() int {
	var n int
	q.frames.WorkWithReadOnly(func(m map[proto.Socket][]Frame) {
		n = len(m)
	})
	return n
}
