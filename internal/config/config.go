// Package config loads the conductor/node YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Conductor is the conductor process's configuration.
type Conductor struct {
	ListenAddr      string        `yaml:"listen_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	CertDir         string        `yaml:"cert_dir"`
	EtcdEndpoints   []string      `yaml:"etcd_endpoints"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	CommandAckTimeout time.Duration `yaml:"command_ack_timeout"`
	SessionQueueSize int          `yaml:"session_queue_size"`
}

// DefaultConductor returns the conductor's documented defaults.
func DefaultConductor() Conductor {
	return Conductor{
		ListenAddr:        "0.0.0.0:50051",
		HTTPAddr:          "0.0.0.0:8080",
		CertDir:           "./certs",
		EtcdEndpoints:     []string{"localhost:2379"},
		SweepInterval:     2 * time.Second,
		CommandAckTimeout: 30 * time.Second,
		SessionQueueSize:  256,
	}
}

// Node is the node agent process's configuration.
type Node struct {
	NodeID              string         `yaml:"node_id"`
	ConductorAddr       string         `yaml:"conductor_addr"`
	Groups              []string       `yaml:"groups"`
	CapacitiesTotal     map[string]int64 `yaml:"capacities_total"`
	CertDir             string         `yaml:"cert_dir"`
	HeartbeatInterval   time.Duration  `yaml:"heartbeat_interval"`
	LogRingSize         int            `yaml:"log_ring_size"`
	StartGrace          time.Duration  `yaml:"start_grace"`
	StopGrace           time.Duration  `yaml:"stop_grace"`
	MetricsAddr         string         `yaml:"metrics_addr"`
}

// DefaultNode returns the node agent's documented defaults.
func DefaultNode() Node {
	return Node{
		ConductorAddr:     "127.0.0.1:50051",
		CertDir:           "./certs",
		HeartbeatInterval: 3 * time.Second,
		LogRingSize:       3000,
		StartGrace:        time.Second,
		StopGrace:         10 * time.Second,
		MetricsAddr:       "0.0.0.0:9102",
	}
}

// LoadConductor reads and parses a conductor config file, filling unset
// fields from DefaultConductor.
func LoadConductor(path string) (Conductor, error) {
	cfg := DefaultConductor()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadNode reads and parses a node config file, filling unset fields from
// DefaultNode.
func LoadNode(path string) (Node, error) {
	cfg := DefaultNode()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the node config carries the fields required to boot.
func (n Node) Validate() error {
	if n.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if len(n.Groups) == 0 {
		return fmt.Errorf("config: at least one group is required")
	}
	if n.HeartbeatInterval < time.Second || n.HeartbeatInterval > 30*time.Second {
		return fmt.Errorf("config: heartbeat_interval must be within [1s, 30s], got %s", n.HeartbeatInterval)
	}
	for label, v := range n.CapacitiesTotal {
		if v <= 0 {
			return fmt.Errorf("config: capacity %q must be positive, got %d", label, v)
		}
	}
	return nil
}
