package modules

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ghjm/localnet/pkg/config"
	"github.com/ghjm/localnet/pkg/registry"
	"github.com/ghjm/localnet/pkg/server"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Plugins are Go plugins exporting these symbols.  Configure is optional.
const (
	CreateServerSymbol = "CreateServer"
	ConfigureSymbol    = "Configure"
)

// CreateServerFunc is the type of a plugin's CreateServer symbol.  It returns nil for hostnames the plugin
// does not serve.
type CreateServerFunc func(hostname string) server.Server

// ConfigureFunc is the type of a plugin's Configure symbol
type ConfigureFunc func(params config.Params) error

type pluginProvider struct {
	filename string
	create   CreateServerFunc
}

// TryCreate implements registry.Provider
func (p *pluginProvider) TryCreate(hostname string) server.Server {
	return p.create(hostname)
}

func (p *pluginProvider) String() string {
	return "plugin/" + filepath.Base(p.filename)
}

func newPluginModule(_ context.Context, params config.Params) ([]registry.Provider, error) {
	filename, err := params.GetRequiredString("file")
	if err != nil {
		return nil, err
	}
	var p registry.Provider
	p, err = loadPlugin(filename, params)
	if err != nil {
		return nil, err
	}
	return []registry.Provider{p}, nil
}

// newPluginDirModule loads every .so file in a directory, in lexical order.  Files that fail to load are
// skipped.
func newPluginDirModule(_ context.Context, params config.Params) ([]registry.Provider, error) {
	dir, err := params.GetRequiredString("dir")
	if err != nil {
		return nil, err
	}
	var files []string
	files, err = filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", dir, err)
	}
	slices.Sort(files)
	var ps []registry.Provider
	for _, f := range files {
		p, err := loadPlugin(f, params)
		if err != nil {
			log.Warnf("skipping plugin %s: %s", f, err)
			continue
		}
		ps = append(ps, p)
	}
	return ps, nil
}
