package netstack

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the interface configuration. Zero fields fall back to the QEMU
// user-networking defaults.
type Config struct {
	IP      string `yaml:"ip"`
	Netmask string `yaml:"netmask"`
	Gateway string `yaml:"gateway"`

	// GatewayMAC optionally pre-seeds the ARP cache with the gateway's
	// hardware address, skipping the first resolution round trip.
	GatewayMAC string `yaml:"gateway_mac,omitempty"`

	ARPCacheTTLMillis uint64 `yaml:"arp_cache_ttl_ms"`
	ARPTimeoutMillis  uint64 `yaml:"arp_timeout_ms"`
	PingTimeoutMillis uint64 `yaml:"ping_timeout_ms"`
}

// DefaultConfig matches QEMU user-mode networking.
func DefaultConfig() Config {
	return Config{
		IP:                "10.0.2.15",
		Netmask:           "255.255.255.0",
		Gateway:           "10.0.2.2",
		ARPCacheTTLMillis: 300_000,
		ARPTimeoutMillis:  5_000,
		PingTimeoutMillis: 5_000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.IP == "" {
		c.IP = def.IP
	}
	if c.Netmask == "" {
		c.Netmask = def.Netmask
	}
	if c.Gateway == "" {
		c.Gateway = def.Gateway
	}
	if c.ARPCacheTTLMillis == 0 {
		c.ARPCacheTTLMillis = def.ARPCacheTTLMillis
	}
	if c.ARPTimeoutMillis == 0 {
		c.ARPTimeoutMillis = def.ARPTimeoutMillis
	}
	if c.PingTimeoutMillis == 0 {
		c.PingTimeoutMillis = def.PingTimeoutMillis
	}
	return c
}

// ReadConfig decodes a YAML configuration.
func ReadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("netstack: decode config: %w", err)
	}
	return cfg.withDefaults(), nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("netstack: open config: %w", err)
	}
	defer f.Close()
	return ReadConfig(f)
}
