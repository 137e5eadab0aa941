package modules

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/ghjm/golib/pkg/syncro"
	"github.com/ghjm/localnet/pkg/config"
	"github.com/ghjm/localnet/pkg/registry"
	"github.com/ghjm/localnet/pkg/server"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Factory builds the providers of one configured module
type Factory func(ctx context.Context, params config.Params) ([]registry.Provider, error)

var ErrUnknownModule = fmt.Errorf("unknown module type")

var factories syncro.Map[string, Factory]

// Register makes a module type available to Build.  Registering an existing type replaces it.
func Register(kind string, f Factory) {
	factories.Set(kind, f)
}

// Kinds returns the registered module types in sorted order
func Kinds() []string {
	var kinds []string
	factories.WorkWithReadOnly(func(m map[string]Factory) {
		for k := range m {
			kinds = append(kinds, k)
		}
	})
	slices.Sort(kinds)
	return kinds
}

// Build constructs the providers of a module.  The context bounds the lifetime of anything the module starts.
func Build(ctx context.Context, kind string, params config.Params) ([]registry.Provider, error) {
	f, ok := factories.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, kind)
	}
	ps, err := f(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("error building %s module: %w", kind, err)
	}
	log.Infof("loaded %s module with %d provider(s)", kind, len(ps))
	return ps, nil
}

func init() {
	Register("echo", newEchoModule)
	Register("exec", newExecModule)
	Register("plugin", newPluginModule)
	Register("plugin-dir", newPluginDirModule)
}

// hostProvider claims the hostnames matching any of its patterns.  Patterns use path.Match syntax.
type hostProvider struct {
	name     string
	patterns []string
	create   func(hostname string) server.Server
}

func (p *hostProvider) claims(hostname string) bool {
	hostname = strings.ToLower(hostname)
	for _, pat := range p.patterns {
		if ok, _ := path.Match(strings.ToLower(pat), hostname); ok {
			return true
		}
	}
	return false
}

// TryCreate implements registry.Provider
func (p *hostProvider) TryCreate(hostname string) server.Server {
	if !p.claims(hostname) {
		return nil
	}
	return p.create(hostname)
}

func (p *hostProvider) String() string {
	return p.name
}

// hostPatterns reads the required hosts parameter
func hostPatterns(params config.Params) ([]string, error) {
	hosts := params.GetList("hosts")
	if len(hosts) == 0 {
		return nil, fmt.Errorf("missing parameter: hosts")
	}
	for _, h := range hosts {
		if _, err := path.Match(h, ""); err != nil {
			return nil, fmt.Errorf("invalid host pattern %s: %w", h, err)
		}
	}
	return hosts, nil
}
