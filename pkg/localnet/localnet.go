package localnet

import (
	"context"
	"fmt"
	"net"

	"github.com/ghjm/localnet/pkg/capture"
	"github.com/ghjm/localnet/pkg/config"
	"github.com/ghjm/localnet/pkg/dns"
	"github.com/ghjm/localnet/pkg/modules"
	"github.com/ghjm/localnet/pkg/proto"
	"github.com/ghjm/localnet/pkg/registry"
	"github.com/ghjm/localnet/pkg/router"
	"github.com/ghjm/localnet/pkg/shim"
	log "github.com/sirupsen/logrus"
)

// Node is a running virtualization layer built from a config
type Node struct {
	Router  *router.Router
	Shim    *shim.Shim
	Capture *capture.Writer
	DNSAddr net.Addr
	cancel  context.CancelFunc
}

func routerOptions(cfg config.Router) []router.Option {
	var opts []router.Option
	if cfg.DeliveryInterval > 0 {
		opts = append(opts, router.WithDeliveryInterval(cfg.DeliveryInterval))
	}
	if cfg.ActiveRefresh > 0 {
		opts = append(opts, router.WithActiveRefresh(cfg.ActiveRefresh))
	}
	if cfg.ReadBufferSize > 0 {
		opts = append(opts, router.WithReadBufferSize(cfg.ReadBufferSize))
	}
	if cfg.PacketsPerTick > 0 {
		opts = append(opts, router.WithPacketsPerTick(cfg.PacketsPerTick))
	}
	return opts
}

func shimOptions(cfg config.Shim) []shim.Option {
	var opts []shim.Option
	if cfg.PollInterval > 0 {
		opts = append(opts, shim.WithPollInterval(cfg.PollInterval))
	}
	if cfg.MaxBlock > 0 {
		opts = append(opts, shim.WithMaxBlock(cfg.MaxBlock))
	}
	return opts
}

// BuildProviders constructs the providers of every configured module, in config order
func BuildProviders(ctx context.Context, cfg *config.Config) ([]registry.Provider, error) {
	var providers []registry.Provider
	for i, m := range cfg.Modules {
		ps, err := modules.Build(ctx, m.Type, m.Params)
		if err != nil {
			return nil, fmt.Errorf("module %d: %w", i, err)
		}
		providers = append(providers, ps...)
	}
	return providers, nil
}

// Run starts a node.  If real is nil, the system passthrough is used.  The node runs until the context is
// cancelled or Close is called.
func Run(ctx context.Context, cfg *config.Config, real shim.Passthrough) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &Node{cancel: cancel}
	providers, err := BuildProviders(ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	opts := append(routerOptions(cfg.Router), router.WithProviders(providers...))
	var sh *shim.Shim
	if cfg.Capture.File != "" {
		n.Capture, err = capture.Create(cfg.Capture.File, cfg.Capture.SnapLen, func(sock proto.Socket) (proto.Address, bool) {
			return sh.SockName(sock)
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("error opening capture file: %w", err)
		}
		opts = append(opts, router.WithTap(n.Capture.Tap))
	}
	if real == nil {
		real = shim.NewSystemPassthrough()
	}
	n.Router = router.New(ctx, opts...)
	sh = shim.New(n.Router, real, shimOptions(cfg.Shim)...)
	n.Shim = sh
	if cfg.DNS.Listen.Host != "" {
		n.DNSAddr, err = n.runDNS(ctx, cfg.DNS)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("error starting DNS server: %w", err)
		}
	}
	log.Infof("localnet running with %d provider(s)", len(providers))
	return n, nil
}

func (n *Node) runDNS(ctx context.Context, cfg config.DNS) (net.Addr, error) {
	pc, err := net.ListenPacket("udp", cfg.Listen.String())
	if err != nil {
		return nil, err
	}
	// TCP shares the port the packet listener actually got
	var li net.Listener
	li, err = net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	s := &dns.Server{
		PacketConn: pc,
		Listener:   li,
		Resolver:   n.Shim,
		TTL:        cfg.TTL,
	}
	if cfg.Upstream.Host != "" {
		s.Upstream = cfg.Upstream.String()
	}
	err = s.Run(ctx)
	if err != nil {
		return nil, err
	}
	log.Infof("DNS server listening on %s", pc.LocalAddr())
	return pc.LocalAddr(), nil
}

// Close stops the node and waits for its background work to finish
func (n *Node) Close() {
	n.cancel()
	if n.Router != nil {
		<-n.Router.Done()
	}
	if n.Capture != nil {
		if err := n.Capture.Close(); err != nil {
			log.Warnf("error closing capture file: %s", err)
		}
	}
}
