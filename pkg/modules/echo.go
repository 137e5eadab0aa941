package modules

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ghjm/localnet/pkg/config"
	"github.com/ghjm/localnet/pkg/registry"
	"github.com/ghjm/localnet/pkg/server"
)

// EchoStream is a stream server that returns every byte written to it
type EchoStream struct {
	*server.Stream
}

func NewEchoStream() *EchoStream {
	e := &EchoStream{}
	e.Stream = server.NewStream(e)
	return e
}

// OnStreamData implements server.StreamHandler
func (e *EchoStream) OnStreamData(h server.Header, incoming *bytes.Buffer) {
	e.Send(h.Socket, incoming.Next(incoming.Len()))
}

// EchoDatagram is a datagram server that returns every packet to its sender
type EchoDatagram struct {
	*server.Datagram
}

func NewEchoDatagram() *EchoDatagram {
	e := &EchoDatagram{}
	e.Datagram = server.NewDatagram(e)
	return e
}

// OnDatagram implements server.DatagramHandler
func (e *EchoDatagram) OnDatagram(h server.Header, payload []byte) {
	e.SendFrom(h.Server, payload)
}

func newEchoModule(_ context.Context, params config.Params) ([]registry.Provider, error) {
	hosts, err := hostPatterns(params)
	if err != nil {
		return nil, err
	}
	var create func(string) server.Server
	mode := params.GetString("mode", "datagram")
	switch mode {
	case "datagram":
		create = func(string) server.Server { return NewEchoDatagram() }
	case "stream":
		create = func(string) server.Server { return NewEchoStream() }
	default:
		return nil, fmt.Errorf("invalid echo mode: %s", mode)
	}
	return []registry.Provider{&hostProvider{
		name:     "echo/" + mode,
		patterns: hosts,
		create:   create,
	}}, nil
}
