//go:build !linux

package modules

import (
	"fmt"

	"github.com/ghjm/localnet/pkg/config"
	"github.com/ghjm/localnet/pkg/registry"
)

func loadPlugin(_ string, _ config.Params) (registry.Provider, error) {
	return nil, fmt.Errorf("plugins are only supported on Linux")
}
