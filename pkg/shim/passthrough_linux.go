//go:build linux

package shim

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ghjm/localnet/pkg/proto"
	"golang.org/x/sys/unix"
)

// systemPassthrough operates on real file descriptors.  Socket handles are fds.
type systemPassthrough struct {
	resolver *net.Resolver
}

// NewSystemPassthrough returns a Passthrough that performs real socket calls on file descriptors
func NewSystemPassthrough() Passthrough {
	return &systemPassthrough{
		resolver: net.DefaultResolver,
	}
}

// AddressFromSockaddr converts a unix socket address.  Non-IP addresses convert to the zero Address.
func AddressFromSockaddr(sa unix.Sockaddr) proto.Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return proto.NewAddress(net.IP(v.Addr[:]).String(), uint16(v.Port))
	case *unix.SockaddrInet6:
		return proto.NewAddress(net.IP(v.Addr[:]).String(), uint16(v.Port))
	}
	return proto.Address{}
}

// SockaddrFromAddress converts an Address with an IP literal host to a unix socket address
func SockaddrFromAddress(a proto.Address) (unix.Sockaddr, error) {
	ip := a.IP()
	switch {
	case ip.Is4():
		sa := &unix.SockaddrInet4{Port: int(a.Port)}
		copy(sa.Addr[:], ip)
		return sa, nil
	case ip.Is6():
		sa := &unix.SockaddrInet6{Port: int(a.Port)}
		copy(sa.Addr[:], ip)
		return sa, nil
	}
	return nil, fmt.Errorf("%s is not an IP address", a.Host)
}

func fd(sock proto.Socket) int {
	return int(sock)
}

func mapErr(err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return err
}

func (p *systemPassthrough) Bind(sock proto.Socket, local proto.Address) error {
	sa, err := SockaddrFromAddress(local)
	if err != nil {
		return err
	}
	return unix.Bind(fd(sock), sa)
}

func (p *systemPassthrough) Connect(sock proto.Socket, remote proto.Address) error {
	sa, err := SockaddrFromAddress(remote)
	if err != nil {
		return err
	}
	return mapErr(unix.Connect(fd(sock), sa))
}

func (p *systemPassthrough) Send(sock proto.Socket, data []byte, flags int) (int, error) {
	n, err := unix.SendmsgN(fd(sock), data, nil, nil, flags)
	return n, mapErr(err)
}

func (p *systemPassthrough) SendTo(sock proto.Socket, dest proto.Address, data []byte, flags int) (int, error) {
	sa, err := SockaddrFromAddress(dest)
	if err != nil {
		return 0, err
	}
	n, err := unix.SendmsgN(fd(sock), data, nil, sa, flags)
	return n, mapErr(err)
}

func (p *systemPassthrough) Receive(sock proto.Socket, buf []byte, flags int) (int, error) {
	n, _, err := unix.Recvfrom(fd(sock), buf, flags)
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

func (p *systemPassthrough) ReceiveFrom(sock proto.Socket, buf []byte, flags int) (int, proto.Address, error) {
	n, from, err := unix.Recvfrom(fd(sock), buf, flags)
	if err != nil {
		return 0, proto.Address{}, mapErr(err)
	}
	return n, AddressFromSockaddr(from), nil
}

func (p *systemPassthrough) SetNonblock(sock proto.Socket, nonblocking bool) error {
	return unix.SetNonblock(fd(sock), nonblocking)
}

func (p *systemPassthrough) Close(sock proto.Socket) error {
	return unix.Close(fd(sock))
}

func (p *systemPassthrough) Shutdown(sock proto.Socket, how int) error {
	return unix.Shutdown(fd(sock), how)
}

func (p *systemPassthrough) LookupHost(ctx context.Context, name string) ([]string, error) {
	return p.resolver.LookupHost(ctx, name)
}

func (p *systemPassthrough) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return p.resolver.LookupAddr(ctx, addr)
}
