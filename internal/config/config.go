// Package config loads the persisted JSON configuration shared by the
// Hub and Endpoint binaries: operating parameters, static tunnels,
// valid tunnel sources and client service declarations.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Parameters holds the "parameters" config section (§6).
type Parameters struct {
	AppName           string `json:"appName"`
	Adapter           string `json:"adapter"`
	HeartbeatInterval int    `json:"heartbeatInterval"` // milliseconds
	HeartbeatTimeout  int    `json:"heartbeatTimeout"`  // multiple of interval
	EncryptLink       bool   `json:"encryptLink"`
	CertFile          string `json:"certFile"`
	KeyFile           string `json:"keyFile"`
	ControlRevert     bool   `json:"controlRevert"`
	HubPriority       int    `json:"hubPriority"`
	UID               string `json:"uid"` // configured UID override, hex string
	EndpointPort      int    `json:"endpointPort"`
	TunnelPort        int    `json:"tunnelPort"`
	BeaconBasePort    int    `json:"beaconBasePort"`
	StatusAddr        string `json:"statusAddr"`
	Transport         string `json:"transport"` // "tcp" (default) or "quic"
	HubAddr           string `json:"hubAddr"`   // static "host:port", skips beacon discovery
	MaxConnections    int    `json:"maxConnections"`
}

// StaticTunnel is one entry of the "static-tunnels" section.
type StaticTunnel struct {
	Name      string `json:"name"`
	PrimaryIP string `json:"primaryIP"`
	BackupIP  string `json:"backupIP"`
	Port      int    `json:"port"`
	TLS       bool   `json:"tls"`
}

// ClientService is one entry of the "client-services" section.
type ClientService struct {
	Name     string `json:"name"`
	Location string `json:"location"` // "local" or "remote"
	Kind     string `json:"kind"`     // "multicast" or "e2e"
}

// Log holds the "log" config section, matching the teacher's shape.
type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// Config is the top-level document.
type Config struct {
	Log               Log             `json:"log"`
	Parameters        Parameters      `json:"parameters"`
	StaticTunnels     []*StaticTunnel `json:"static-tunnels"`
	ValidTunnelSrc    []string        `json:"valid-tunnel-sources"`
	ClientServices    []*ClientService `json:"client-services"`
}

// Default values applied when the corresponding field is zero.
const (
	DefaultHeartbeatIntervalMs = 2000
	DefaultHeartbeatTimeout    = 3
	DefaultEndpointPort        = 7932
	DefaultTunnelPort          = 7934
	DefaultBeaconBasePort      = 8040
	DefaultMaxConnections      = 10000
)

var (
	mu        sync.RWMutex
	globalCfg *Config
)

func init() {
	path := os.Getenv("SNCHUB_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	cfg, err := load(path)
	if err != nil {
		fmt.Printf("failed to load setting.json: %s\n", err.Error())
		cfg = &Config{}
	}
	applyDefaults(cfg)
	mu.Lock()
	globalCfg = cfg
	mu.Unlock()
}

func load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Parameters.HeartbeatInterval == 0 {
		cfg.Parameters.HeartbeatInterval = DefaultHeartbeatIntervalMs
	}
	if cfg.Parameters.HeartbeatTimeout == 0 {
		cfg.Parameters.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Parameters.EndpointPort == 0 {
		cfg.Parameters.EndpointPort = DefaultEndpointPort
	}
	if cfg.Parameters.TunnelPort == 0 {
		cfg.Parameters.TunnelPort = DefaultTunnelPort
	}
	if cfg.Parameters.BeaconBasePort == 0 {
		cfg.Parameters.BeaconBasePort = DefaultBeaconBasePort
	}
	if cfg.Parameters.Transport == "" {
		cfg.Parameters.Transport = "tcp"
	}
	if cfg.Parameters.MaxConnections == 0 {
		cfg.Parameters.MaxConnections = DefaultMaxConnections
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// HubAddr returns the configured static Hub address ("host:port"),
// or "" when the endpoint should discover one via beacon.
func (c *Config) HubAddr() string { return c.Parameters.HubAddr }

// Reload loads the file at path and, on success, replaces the global
// configuration. Parse or read errors are returned and leave the
// previously loaded configuration untouched.
func Reload(path string) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}
	applyDefaults(cfg)
	mu.Lock()
	globalCfg = cfg
	mu.Unlock()
	return nil
}

// Global returns the currently loaded configuration.
func Global() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalCfg
}
