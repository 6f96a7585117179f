// Command raftd is a bootstrap host for a single coreraft replica: it reads
// a YAML cluster description, wires a TCP transport, and drives the tick
// loop. It is intentionally thin — the core itself parses no config and
// owns no listener (spec.md §1).
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coreraft/raft/internal/conf"
)

// Config is the on-disk shape of a raftd bootstrap file.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
}

// NodeConfig identifies this process within the cluster and where its
// durable state lives.
type NodeConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

// ClusterConfig is the initial membership this node bootstraps with, or
// validates itself against if it is joining an already-running cluster.
type ClusterConfig struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig is one member of the initial configuration.
type ServerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
	Role    string `yaml:"role"`
}

// LoadConfig reads and validates a raftd bootstrap file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be nonzero")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if len(c.Cluster.Servers) == 0 {
		return fmt.Errorf("cluster.servers must contain at least one entry")
	}

	found := false
	seen := make(map[uint64]bool, len(c.Cluster.Servers))
	for _, s := range c.Cluster.Servers {
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id: %d", s.ID)
		}
		seen[s.ID] = true
		if s.ID == c.Node.ID {
			found = true
			if s.Address != c.Node.Address {
				return fmt.Errorf("node.address=%s disagrees with cluster.servers entry %s for id %d", c.Node.Address, s.Address, s.ID)
			}
		}
	}
	if !found {
		return fmt.Errorf("node.id=%d not present in cluster.servers", c.Node.ID)
	}
	return nil
}

// Configuration turns the YAML server list into the conf.Configuration the
// core consumes, the boundary spec.md §1 draws between "config file
// grammar" (out of scope) and the typed configuration the core accepts.
func (c *Config) Configuration() (conf.Configuration, error) {
	servers := make([]conf.Server, 0, len(c.Cluster.Servers))
	for _, s := range c.Cluster.Servers {
		role, err := parseRole(s.Role)
		if err != nil {
			return conf.Configuration{}, err
		}
		servers = append(servers, conf.Server{ID: s.ID, Address: s.Address, Role: role})
	}
	cfg := conf.Configuration{Servers: servers}
	if err := cfg.Validate(); err != nil {
		return conf.Configuration{}, err
	}
	return cfg, nil
}

func parseRole(s string) (conf.Role, error) {
	switch s {
	case "", "voter":
		return conf.RoleVoter, nil
	case "standby":
		return conf.RoleStandby, nil
	case "spare":
		return conf.RoleSpare, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}
