package shim

import (
	"context"
	"fmt"

	"github.com/ghjm/localnet/pkg/proto"
)

// ErrUnsupported is returned by passthrough operations that are not available on this platform
var ErrUnsupported = fmt.Errorf("operation not supported on this platform")

// Passthrough is the real network stack, used for any socket or host that no server instance claims
type Passthrough interface {
	Bind(sock proto.Socket, local proto.Address) error
	Connect(sock proto.Socket, remote proto.Address) error
	Send(sock proto.Socket, data []byte, flags int) (int, error)
	SendTo(sock proto.Socket, dest proto.Address, data []byte, flags int) (int, error)
	Receive(sock proto.Socket, buf []byte, flags int) (int, error)
	ReceiveFrom(sock proto.Socket, buf []byte, flags int) (int, proto.Address, error)
	SetNonblock(sock proto.Socket, nonblocking bool) error
	Close(sock proto.Socket) error
	Shutdown(sock proto.Socket, how int) error
	LookupHost(ctx context.Context, name string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// unsupported is a Passthrough that refuses every socket operation
type unsupported struct{}

func (unsupported) Bind(proto.Socket, proto.Address) error {
	return ErrUnsupported
}

func (unsupported) Connect(proto.Socket, proto.Address) error {
	return ErrUnsupported
}

func (unsupported) Send(proto.Socket, []byte, int) (int, error) {
	return 0, ErrUnsupported
}

func (unsupported) SendTo(proto.Socket, proto.Address, []byte, int) (int, error) {
	return 0, ErrUnsupported
}

func (unsupported) Receive(proto.Socket, []byte, int) (int, error) {
	return 0, ErrUnsupported
}

func (unsupported) ReceiveFrom(proto.Socket, []byte, int) (int, proto.Address, error) {
	return 0, proto.Address{}, ErrUnsupported
}

func (unsupported) SetNonblock(proto.Socket, bool) error {
	return nil
}

func (unsupported) Close(proto.Socket) error {
	return nil
}

func (unsupported) Shutdown(proto.Socket, int) error {
	return nil
}

func (unsupported) LookupHost(context.Context, string) ([]string, error) {
	return nil, ErrUnsupported
}

func (unsupported) LookupAddr(context.Context, string) ([]string, error) {
	return nil, ErrUnsupported
}
