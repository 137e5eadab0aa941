package main

import (
	"github.com/ghjm/localnet/pkg/config"
	"github.com/ghjm/localnet/pkg/modules"
	"github.com/ghjm/localnet/pkg/server"
	log "github.com/sirupsen/logrus"
)

var hosts = map[string]bool{"echo.localnet": true}
var stream bool

// Configure is called once when the plugin is loaded.
func Configure(params config.Params) error { //nolint:deadcode
	if h := params.GetList("hosts"); len(h) > 0 {
		hosts = make(map[string]bool)
		for _, name := range h {
			hosts[name] = true
		}
	}
	var err error
	stream, err = params.GetBool("stream", false)
	return err
}

// CreateServer is called by the router for each hostname it has no server for.
func CreateServer(hostname string) server.Server { //nolint:deadcode
	if !hosts[hostname] {
		return nil
	}
	log.Debugf("echo plugin serving %s", hostname)
	if stream {
		return modules.NewEchoStream()
	}
	return modules.NewEchoDatagram()
}

func main() {}
