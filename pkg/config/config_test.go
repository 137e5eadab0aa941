package config

import (
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/ghjm/localnet/pkg/proto"
	"github.com/google/go-cmp/cmp"
)

var testYaml = `---
router:
  delivery_interval: 15ms
  active_refresh: 2s
  packets_per_tick: 4

shim:
  poll_interval: 5ms
  max_block: 1m

dns:
  listen: 127.0.0.1:5353
  upstream: "[2001:db8::53]:53"

capture:
  file: /tmp/localnet.pcap

modules:
  - type: echo
    params:
      hosts: game.example, chat.example
      mode: stream
  - type: plugin-dir
    params:
      dir: /usr/lib/localnet
`

var correctConfig = Config{
	Router: Router{
		DeliveryInterval: 15 * time.Millisecond,
		ActiveRefresh:    2 * time.Second,
		PacketsPerTick:   4,
	},
	Shim: Shim{
		PollInterval: 5 * time.Millisecond,
		MaxBlock:     time.Minute,
	},
	DNS: DNS{
		Listen:   proto.NewAddress("127.0.0.1", 5353),
		Upstream: proto.NewAddress("2001:db8::53", 53),
	},
	Capture: Capture{
		File: "/tmp/localnet.pcap",
	},
	Modules: []Module{
		{
			Type: "echo",
			Params: Params{
				"hosts": "game.example, chat.example",
				"mode":  "stream",
			},
		},
		{
			Type: "plugin-dir",
			Params: Params{
				"dir": "/usr/lib/localnet",
			},
		},
	},
}

func TestConfig(t *testing.T) {
	configFile, err := os.CreateTemp("", "configtest")
	if err != nil {
		t.Fatalf("error creating tempfile: %s", err)
	}
	defer func() {
		err := os.Remove(configFile.Name())
		if err != nil {
			t.Fatalf("error deleting tempfile: %s", err)
		}
	}()
	_, err = configFile.WriteString(testYaml)
	if err != nil {
		t.Fatalf("error writing to tempfile: %s", err)
	}
	err = configFile.Close()
	if err != nil {
		t.Fatalf("error closing tempfile: %s", err)
	}
	var config *Config
	config, err = LoadConfig(configFile.Name())
	if err != nil {
		t.Fatalf("error loading tempfile: %s", err)
	}
	if !reflect.DeepEqual(config, &correctConfig) {
		t.Fatalf("config loaded incorrectly: %s", cmp.Diff(&correctConfig, config))
	}
}

func TestBadConfig(t *testing.T) {
	if _, err := ParseConfig([]byte("dns:\n  listen: nonsense\n")); err == nil {
		t.Errorf("address without port accepted")
	}
}

func TestParams(t *testing.T) {
	p := Params{
		"port":    "27015",
		"bad":     "x",
		"flag":    "true",
		"wait":    "250ms",
		"count":   "3",
		"hosts":   " a.example,,b.example ",
		"command": "",
	}
	if port, err := p.GetPort("port"); err != nil || port != 27015 {
		t.Errorf("GetPort returned %d, %v", port, err)
	}
	if _, err := p.GetPort("bad"); err == nil {
		t.Errorf("GetPort accepted a non-number")
	}
	if _, err := p.GetPort("missing"); err == nil {
		t.Errorf("GetPort accepted a missing parameter")
	}
	if b, err := p.GetBool("flag", false); err != nil || !b {
		t.Errorf("GetBool returned %v, %v", b, err)
	}
	if b, err := p.GetBool("missing", true); err != nil || !b {
		t.Errorf("GetBool default returned %v, %v", b, err)
	}
	if d, err := p.GetDuration("wait", 0); err != nil || d != 250*time.Millisecond {
		t.Errorf("GetDuration returned %v, %v", d, err)
	}
	if n, err := p.GetInt("count", 0); err != nil || n != 3 {
		t.Errorf("GetInt returned %d, %v", n, err)
	}
	if s := p.GetString("missing", "def"); s != "def" {
		t.Errorf("GetString default returned %q", s)
	}
	if _, err := p.GetRequiredString("command"); err == nil {
		t.Errorf("GetRequiredString accepted an empty parameter")
	}
	if diff := cmp.Diff([]string{"a.example", "b.example"}, p.GetList("hosts")); diff != "" {
		t.Errorf("GetList mismatch (-want +got):\n%s", diff)
	}
	if p.GetList("missing") != nil {
		t.Errorf("GetList of a missing parameter was not empty")
	}
}
