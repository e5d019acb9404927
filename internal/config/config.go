// Package config loads and validates the YAML cluster configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/logquorum/raft/internal/types"
)

// Duration is a time.Duration that unmarshals from YAML strings like "150ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Timing  TimingConfig  `yaml:"timing"`
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type TimingConfig struct {
	ElectionTimeoutMin Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	RPCTimeout         Duration `yaml:"rpc_timeout"`
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	// A single-node dev setup needs no configured identity.
	if c.Node.ID == "" && len(c.Cluster.Peers) == 0 {
		c.Node.ID = uuid.NewString()
	}
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if len(c.Cluster.Peers) > 0 {
		found := false
		for _, peer := range c.Cluster.Peers {
			if peer.ID == c.Node.ID {
				found = true
				if peer.Address != c.Node.Address {
					return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
						c.Node.Address, peer.Address)
				}
				break
			}
		}
		if !found {
			return fmt.Errorf("node.id=%s not found in cluster.peers", c.Node.ID)
		}
	}

	uniqueIDs := make(map[string]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == "" || peer.Address == "" {
			return fmt.Errorf("every peer needs an id and an address")
		}
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %s", peer.ID)
		}
		uniqueIDs[peer.ID] = true
	}

	min := time.Duration(c.Timing.ElectionTimeoutMin)
	max := time.Duration(c.Timing.ElectionTimeoutMax)
	hb := time.Duration(c.Timing.HeartbeatInterval)
	if min != 0 || max != 0 || hb != 0 {
		if min <= 0 || max <= min {
			return fmt.Errorf("timing: need 0 < election_timeout_min < election_timeout_max")
		}
		if hb <= 0 || hb >= min {
			return fmt.Errorf("timing: heartbeat_interval must be positive and below election_timeout_min")
		}
	}

	return nil
}

// PeerIDs returns all cluster members except this node.
func (c *Config) PeerIDs() []types.NodeID {
	ids := make([]types.NodeID, 0, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		if peer.ID != c.Node.ID {
			ids = append(ids, types.NodeID(peer.ID))
		}
	}
	return ids
}

// PeerAddresses returns the full membership address map, this node included.
func (c *Config) PeerAddresses() map[types.NodeID]string {
	res := make(map[types.NodeID]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[types.NodeID(peer.ID)] = peer.Address
	}
	return res
}
