package config

import (
	"os"
	"time"

	"github.com/ghjm/localnet/pkg/proto"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Router  Router   `yaml:"router"`
	Shim    Shim     `yaml:"shim"`
	DNS     DNS      `yaml:"dns"`
	Capture Capture  `yaml:"capture"`
	Modules []Module `yaml:"modules"`
}

// Router tunes the delivery loop.  Zero values mean the router's defaults.
type Router struct {
	DeliveryInterval time.Duration `yaml:"delivery_interval"`
	ActiveRefresh    time.Duration `yaml:"active_refresh"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	PacketsPerTick   int           `yaml:"packets_per_tick"`
}

// Shim tunes the blocking policy of virtual sockets
type Shim struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxBlock     time.Duration `yaml:"max_block"`
}

// DNS configures the optional DNS responder.  It is disabled if Listen is empty.
type DNS struct {
	Listen   proto.Address `yaml:"listen"`
	Upstream proto.Address `yaml:"upstream"`
	TTL      uint32        `yaml:"ttl"`
}

// Capture configures the optional pcap writer.  It is disabled if File is empty.
type Capture struct {
	File    string `yaml:"file"`
	SnapLen uint32 `yaml:"snaplen"`
}

// Module is one source of server instances
type Module struct {
	Type   string `yaml:"type"`
	Params Params `yaml:"params"`
}

func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	err := yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}
