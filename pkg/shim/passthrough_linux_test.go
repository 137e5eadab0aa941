//go:build linux

package shim

import (
	"errors"
	"testing"

	"github.com/ghjm/localnet/pkg/proto"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestSockaddrConversion(t *testing.T) {
	defer goleak.VerifyNone(t)
	for _, s := range []string{"93.184.216.34:80", "[fd00::1]:53"} {
		a, err := proto.ParseAddress(s)
		if err != nil {
			t.Fatalf("parse error: %s", err)
		}
		sa, err := SockaddrFromAddress(a)
		if err != nil {
			t.Fatalf("sockaddr error: %s", err)
		}
		if b := AddressFromSockaddr(sa); b != a {
			t.Errorf("conversion of %s produced %s", a, b)
		}
	}
	if _, err := SockaddrFromAddress(proto.NewAddress("game.example", 1)); err == nil {
		t.Errorf("hostname converted to a sockaddr")
	}
}

func TestSystemPassthrough(t *testing.T) {
	defer goleak.VerifyNone(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair error: %s", err)
	}
	p := NewSystemPassthrough()
	a, b := proto.Socket(fds[0]), proto.Socket(fds[1])
	defer func() {
		_ = p.Close(a)
		_ = p.Close(b)
	}()
	if err = p.SetNonblock(b, true); err != nil {
		t.Fatalf("set nonblock error: %s", err)
	}
	buf := make([]byte, 16)
	if _, err = p.Receive(b, buf, 0); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("expected ErrWouldBlock, got %v", err)
	}
	n, err := p.Send(a, []byte("ping"), 0)
	if err != nil || n != 4 {
		t.Fatalf("send returned %d, %v", n, err)
	}
	n, err = p.Receive(b, buf, 0)
	if err != nil || string(buf[:n]) != "ping" {
		t.Errorf("receive got %q, %v", buf[:n], err)
	}
}
