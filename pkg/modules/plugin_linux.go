//go:build linux

package modules

import (
	"fmt"
	"plugin"

	"github.com/ghjm/localnet/pkg/config"
	"github.com/ghjm/localnet/pkg/registry"
	"github.com/ghjm/localnet/pkg/server"
)

func loadPlugin(filename string, params config.Params) (registry.Provider, error) {
	plug, err := plugin.Open(filename)
	if err != nil {
		return nil, err
	}
	var symCreate plugin.Symbol
	symCreate, err = plug.Lookup(CreateServerSymbol)
	if err != nil {
		return nil, err
	}
	var create CreateServerFunc
	switch f := symCreate.(type) {
	case func(string) server.Server:
		create = f
	case *CreateServerFunc:
		create = *f
	default:
		return nil, fmt.Errorf("plugin %s function is of wrong type", CreateServerSymbol)
	}
	symConfigure, err := plug.Lookup(ConfigureSymbol)
	if err == nil {
		configure, ok := symConfigure.(func(config.Params) error)
		if !ok {
			return nil, fmt.Errorf("plugin %s function is of wrong type", ConfigureSymbol)
		}
		err = configure(params)
		if err != nil {
			return nil, fmt.Errorf("plugin configuration failed: %w", err)
		}
	}
	return &pluginProvider{filename: filename, create: create}, nil
}
