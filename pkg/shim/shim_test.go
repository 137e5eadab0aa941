package shim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ghjm/localnet/pkg/proto"
	"github.com/ghjm/localnet/pkg/registry"
	"github.com/ghjm/localnet/pkg/router"
	"github.com/ghjm/localnet/pkg/server"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

// fakeNet records the calls that fall through to the real network
type fakeNet struct {
	lock  sync.Mutex
	calls []string
}

func (f *fakeNet) record(format string, args ...interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeNet) Calls() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeNet) Bind(sock proto.Socket, local proto.Address) error {
	f.record("bind %d %s", sock, local)
	return nil
}

func (f *fakeNet) Connect(sock proto.Socket, remote proto.Address) error {
	f.record("connect %d %s", sock, remote)
	return nil
}

func (f *fakeNet) Send(sock proto.Socket, data []byte, _ int) (int, error) {
	f.record("send %d %x", sock, data)
	return len(data), nil
}

func (f *fakeNet) SendTo(sock proto.Socket, dest proto.Address, data []byte, _ int) (int, error) {
	f.record("sendto %d %s %x", sock, dest, data)
	return len(data), nil
}

func (f *fakeNet) Receive(sock proto.Socket, _ []byte, _ int) (int, error) {
	f.record("recv %d", sock)
	return 0, ErrWouldBlock
}

func (f *fakeNet) ReceiveFrom(sock proto.Socket, _ []byte, _ int) (int, proto.Address, error) {
	f.record("recvfrom %d", sock)
	return 0, proto.Address{}, ErrWouldBlock
}

func (f *fakeNet) SetNonblock(sock proto.Socket, nonblocking bool) error {
	f.record("nonblock %d %v", sock, nonblocking)
	return nil
}

func (f *fakeNet) Close(sock proto.Socket) error {
	f.record("close %d", sock)
	return nil
}

func (f *fakeNet) Shutdown(sock proto.Socket, how int) error {
	f.record("shutdown %d %d", sock, how)
	return nil
}

func (f *fakeNet) LookupHost(_ context.Context, name string) ([]string, error) {
	f.record("lookup %s", name)
	return []string{"192.0.2.1"}, nil
}

func (f *fakeNet) LookupAddr(_ context.Context, addr string) ([]string, error) {
	f.record("lookupaddr %s", addr)
	return []string{"real.example."}, nil
}

// gameServer is a datagram server that answers every packet with 0xAA
type gameServer struct {
	*server.Datagram
	lock sync.Mutex
	got  [][]byte
}

func newGameServer() *gameServer {
	g := &gameServer{}
	g.Datagram = server.NewDatagram(g)
	return g
}

func (g *gameServer) OnDatagram(_ server.Header, payload []byte) {
	g.lock.Lock()
	g.got = append(g.got, payload)
	g.lock.Unlock()
	g.Send([]byte{0xAA})
}

func (g *gameServer) Got() [][]byte {
	g.lock.Lock()
	defer g.lock.Unlock()
	return append([][]byte(nil), g.got...)
}

// lineServer is a stream server that echoes everything in upper case
type lineServer struct {
	*server.Stream
	lock         sync.Mutex
	disconnected []proto.Socket
}

func newLineServer() *lineServer {
	l := &lineServer{}
	l.Stream = server.NewStream(l)
	return l
}

func (l *lineServer) OnStreamData(h server.Header, in *bytes.Buffer) {
	l.Send(h.Socket, bytes.ToUpper(in.Next(in.Len())))
}

func (l *lineServer) OnDisconnect(h server.Header) {
	l.Stream.OnDisconnect(h)
	l.lock.Lock()
	defer l.lock.Unlock()
	l.disconnected = append(l.disconnected, h.Socket)
}

type testEnv struct {
	ctx    context.Context
	r      *router.Router
	s      *Shim
	net    *fakeNet
	game   *gameServer
	lan    *gameServer
	stream *lineServer
	stop   func()
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		ctx:    ctx,
		net:    &fakeNet{},
		game:   newGameServer(),
		lan:    newGameServer(),
		stream: newLineServer(),
	}
	provider := registry.ProviderFunc(func(hostname string) server.Server {
		switch hostname {
		case "game.example":
			return env.game
		case "chat.example":
			return env.stream
		case "10.1.2.3":
			return env.lan
		}
		return nil
	})
	env.r = router.New(ctx, router.WithDeliveryInterval(5*time.Millisecond), router.WithProviders(provider))
	opts = append([]Option{WithMaxBlock(2 * time.Second)}, opts...)
	env.s = New(env.r, env.net, opts...)
	env.stop = func() {
		cancel()
		select {
		case <-env.r.Done():
		case <-time.After(time.Second):
			t.Errorf("router did not stop")
		}
	}
	return env
}

func TestEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	defer env.stop()
	remote := proto.NewAddress("game.example", 27015)
	if err := env.s.Connect(5, remote); err != nil {
		t.Fatalf("connect error: %s", err)
	}
	inst, ok := env.r.FindBySocket(5)
	if !ok || inst != server.Server(env.game) {
		t.Fatalf("socket 5 not associated with the game server")
	}
	n, err := env.s.Send(env.ctx, 5, []byte{0x01, 0x02}, 0)
	if err != nil || n != 2 {
		t.Fatalf("send returned %d, %v", n, err)
	}
	if diff := cmp.Diff([][]byte{{0x01, 0x02}}, env.game.Got()); diff != "" {
		t.Errorf("server received mismatch (-want +got):\n%s", diff)
	}
	buf := make([]byte, 16)
	n, err = env.s.Receive(env.ctx, 5, buf, 0)
	if err != nil {
		t.Fatalf("receive error: %s", err)
	}
	if diff := cmp.Diff([]byte{0xAA}, buf[:n]); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}
	if len(env.net.Calls()) != 0 {
		t.Errorf("virtual traffic reached the real network: %v", env.net.Calls())
	}
}

func TestFallthrough(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	defer env.stop()
	remote := proto.NewAddress("198.51.100.7", 443)
	if err := env.s.Connect(3, remote); err != nil {
		t.Fatalf("connect error: %s", err)
	}
	if env.r.IsInternal(3) {
		t.Fatalf("unclaimed host produced an internal socket")
	}
	if _, err := env.s.Send(env.ctx, 3, []byte{0x10}, 0); err != nil {
		t.Fatalf("send error: %s", err)
	}
	if _, err := env.s.Receive(env.ctx, 3, make([]byte, 4), 0); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("expected the real receive result, got %v", err)
	}
	if err := env.s.Close(3); err != nil {
		t.Fatalf("close error: %s", err)
	}
	want := []string{
		"connect 3 198.51.100.7:443",
		"send 3 10",
		"recv 3",
		"close 3",
	}
	if diff := cmp.Diff(want, env.net.Calls()); diff != "" {
		t.Errorf("real network calls mismatch (-want +got):\n%s", diff)
	}
}

func TestNonBlockingReceive(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	defer env.stop()
	if err := env.s.Connect(5, proto.NewAddress("game.example", 27015)); err != nil {
		t.Fatalf("connect error: %s", err)
	}
	if err := env.s.SetBlocking(5, false); err != nil {
		t.Fatalf("set blocking error: %s", err)
	}
	if _, err := env.s.Receive(env.ctx, 5, make([]byte, 4), 0); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("expected ErrWouldBlock, got %v", err)
	}
}

func TestBlockingLimits(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, WithMaxBlock(20*time.Millisecond))
	defer env.stop()
	if err := env.s.Connect(5, proto.NewAddress("game.example", 27015)); err != nil {
		t.Fatalf("connect error: %s", err)
	}
	if _, err := env.s.Receive(env.ctx, 5, make([]byte, 4), 0); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	ctx, cancel := context.WithCancel(env.ctx)
	cancel()
	if _, err := env.s.Receive(ctx, 5, make([]byte, 4), 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStreamSocket(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	defer env.stop()
	if err := env.s.Connect(7, proto.NewAddress("chat.example", 6667)); err != nil {
		t.Fatalf("connect error: %s", err)
	}
	if _, err := env.s.Send(env.ctx, 7, []byte("hello"), 0x8); err != nil {
		t.Fatalf("send error: %s", err)
	}
	buf := make([]byte, 3)
	n, err := env.s.Receive(env.ctx, 7, buf, 0)
	if err != nil || string(buf[:n]) != "HEL" {
		t.Fatalf("first receive got %q, %v", buf[:n], err)
	}
	n, from, err := env.s.ReceiveFrom(env.ctx, 7, buf, 0)
	if err != nil || string(buf[:n]) != "LO" || from.Host != "chat.example" {
		t.Fatalf("second receive got %q from %s, %v", buf[:n], from, err)
	}
	if err = env.s.Close(7); err != nil {
		t.Fatalf("close error: %s", err)
	}
	if env.r.IsInternal(7) {
		t.Errorf("socket still internal after close")
	}
	env.stream.lock.Lock()
	defer env.stream.lock.Unlock()
	if diff := cmp.Diff([]proto.Socket{7}, env.stream.disconnected); diff != "" {
		t.Errorf("disconnect notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveHostname(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	defer env.stop()
	addrs, err := env.s.ResolveHostname(env.ctx, "game.example")
	if err != nil {
		t.Fatalf("resolve error: %s", err)
	}
	fake := proto.FabricateIPv4("game.example")
	if diff := cmp.Diff([]string{fake}, addrs); diff != "" {
		t.Fatalf("resolved address mismatch (-want +got):\n%s", diff)
	}
	inst, ok := env.r.Find(fake)
	if !ok || inst != server.Server(env.game) {
		t.Errorf("fabricated address does not reach the instance")
	}
	names, err := env.s.ReverseResolve(env.ctx, fake)
	if err != nil || len(names) != 1 || names[0] != "game.example" {
		t.Errorf("reverse resolve got %v, %v", names, err)
	}
	addrs, err = env.s.ResolveHostname(env.ctx, "elsewhere.example")
	if err != nil || len(addrs) != 1 || addrs[0] != "192.0.2.1" {
		t.Errorf("real resolve got %v, %v", addrs, err)
	}
}

func TestSendToReceiveFrom(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	defer env.stop()
	if err := env.s.Bind(9, proto.NewAddress("0.0.0.0", 5000)); err != nil {
		t.Fatalf("bind error: %s", err)
	}
	if env.r.IsInternal(9) {
		t.Fatalf("wildcard bind produced an internal socket")
	}
	addrs, _ := env.s.ResolveHostname(env.ctx, "game.example")
	dest := proto.NewAddress(addrs[0], 27015)
	if _, err := env.s.SendTo(env.ctx, 9, dest, []byte("q"), 0); err != nil {
		t.Fatalf("sendto error: %s", err)
	}
	if !env.r.IsInternal(9) {
		t.Fatalf("sendto did not associate the socket")
	}
	buf := make([]byte, 16)
	n, from, err := env.s.ReceiveFrom(env.ctx, 9, buf, 0)
	if err != nil {
		t.Fatalf("receive error: %s", err)
	}
	if from != dest || n != 1 || buf[0] != 0xAA {
		t.Errorf("received %x from %s", buf[:n], from)
	}
	peer, ok := env.s.PeerName(9)
	if !ok || peer.Host != addrs[0] {
		t.Errorf("peer name %s, %v", peer, ok)
	}
	local, ok := env.s.SockName(9)
	if !ok || local != proto.NewAddress("0.0.0.0", 5000) {
		t.Errorf("sock name %s, %v", local, ok)
	}
	internal, external := env.s.SplitInternal([]proto.Socket{2, 9})
	if diff := cmp.Diff([]proto.Socket{9}, internal); diff != "" {
		t.Errorf("internal sockets mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]proto.Socket{2}, external); diff != "" {
		t.Errorf("external sockets mismatch (-want +got):\n%s", diff)
	}
}

func TestReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	defer env.stop()
	if err := env.s.Connect(4, proto.NewAddress("chat.example", 6667)); err != nil {
		t.Fatalf("connect error: %s", err)
	}
	if err := env.s.Connect(4, proto.NewAddress("game.example", 27015)); err != nil {
		t.Fatalf("reconnect error: %s", err)
	}
	inst, _ := env.r.FindBySocket(4)
	if inst != server.Server(env.game) {
		t.Errorf("reconnect did not move the socket")
	}
	env.stream.lock.Lock()
	defer env.stream.lock.Unlock()
	if diff := cmp.Diff([]proto.Socket{4}, env.stream.disconnected); diff != "" {
		t.Errorf("old instance not notified (-want +got):\n%s", diff)
	}
}

func TestRealBindGetsNoFrames(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	defer env.stop()
	if err := env.s.Bind(7, proto.NewAddress("0.0.0.0", 27015)); err != nil {
		t.Fatalf("bind error: %s", err)
	}
	if err := env.s.Connect(5, proto.NewAddress("game.example", 27015)); err != nil {
		t.Fatalf("connect error: %s", err)
	}
	buf := make([]byte, 16)
	for i := 0; i < 3; i++ {
		if _, err := env.s.Send(env.ctx, 5, []byte{byte(i)}, 0); err != nil {
			t.Fatalf("send error: %s", err)
		}
		if _, err := env.s.Receive(env.ctx, 5, buf, 0); err != nil {
			t.Fatalf("receive error: %s", err)
		}
	}
	if env.r.IsInternal(7) {
		t.Fatalf("real bind produced an internal socket")
	}
	if len(env.r.Filters(7)) != 0 || env.r.Pending(7) != 0 {
		t.Errorf("real socket has %d filters and %d queued frames", len(env.r.Filters(7)), env.r.Pending(7))
	}
	if diff := cmp.Diff([]string{"bind 7 0.0.0.0:27015"}, env.net.Calls()); diff != "" {
		t.Errorf("real network calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSendToClaimedLiteral(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	defer env.stop()
	dest := proto.NewAddress("10.1.2.3", 4000)
	if _, err := env.s.SendTo(env.ctx, 9, dest, []byte("q"), 0); err != nil {
		t.Fatalf("sendto error: %s", err)
	}
	inst, ok := env.r.FindBySocket(9)
	if !ok || inst != server.Server(env.lan) {
		t.Fatalf("sendto did not create and associate the claimed instance")
	}
	if diff := cmp.Diff([][]byte{[]byte("q")}, env.lan.Got()); diff != "" {
		t.Errorf("server received mismatch (-want +got):\n%s", diff)
	}
	if len(env.net.Calls()) != 0 {
		t.Errorf("virtual traffic reached the real network: %v", env.net.Calls())
	}
	buf := make([]byte, 16)
	n, from, err := env.s.ReceiveFrom(env.ctx, 9, buf, 0)
	if err != nil || from != dest || n != 1 || buf[0] != 0xAA {
		t.Errorf("received %x from %s, %v", buf[:n], from, err)
	}
}

func TestRefusedWriteFailsFast(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, WithMaxBlock(0))
	defer env.stop()
	ctx, cancel := context.WithTimeout(env.ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := env.s.SendTo(ctx, 9, proto.NewAddress("chat.example", 80), []byte("hi"), 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from sendto, got %v", err)
	}
	if err := env.s.Bind(10, proto.NewAddress("chat.example", 6667)); err != nil {
		t.Fatalf("bind error: %s", err)
	}
	if _, err := env.s.Send(ctx, 10, []byte("hi"), 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from send, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("refused writes waited %s", elapsed)
	}
}
