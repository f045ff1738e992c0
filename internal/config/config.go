// Package config loads the engine's top-level configuration, grounded on
// the teacher/scheduler config pattern used across the pack: a plain
// yaml-tagged struct with an applyDefaults method, loaded with
// gopkg.in/yaml.v2.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/gobit/torrentcore/internal/obs"
)

// EngineConfig is the top-level configuration for a running engine
// instance: DHT bootstrap nodes, peer-wire tuning and subsystem timeouts.
type EngineConfig struct {
	// PeerID is this engine's 20-byte BitTorrent peer id. If empty, a
	// fresh one is generated at startup.
	PeerID string `yaml:"peer_id"`

	// ListenPort is the port announced to trackers and DHT get_peers
	// lookups; the engine opens no inbound TCP listener on it and only
	// dials out to peers.
	ListenPort int `yaml:"listen_port"`

	// MaxPipelineDepth caps how many outstanding block requests a peer
	// connection may have in flight at once.
	MaxPipelineDepth int `yaml:"max_pipeline_depth"`

	// MaxConnectionsPerTorrent caps how many peer connections a single
	// torrent's peer manager will keep open.
	MaxConnectionsPerTorrent int `yaml:"max_connections_per_torrent"`

	// RequestTimeout is how long an unfulfilled block request is kept
	// before it is forfeited back to the picker.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ChokeRoundInterval is how often the choking algorithm re-evaluates
	// which peers to unchoke.
	ChokeRoundInterval time.Duration `yaml:"choke_round_interval"`

	// OptimisticUnchokeRounds is how many choke rounds elapse between
	// rotations of the optimistic-unchoke slot.
	OptimisticUnchokeRounds int `yaml:"optimistic_unchoke_rounds"`

	// TrackerAnnounceInterval is the fallback announce interval used
	// until a tracker response supplies its own.
	TrackerAnnounceInterval time.Duration `yaml:"tracker_announce_interval"`

	// DHT carries the Kademlia node's own tuning knobs.
	DHT DHTConfig `yaml:"dht"`

	// Log configures the process-wide structured logger.
	Log obs.Config `yaml:"log"`
}

// DHTConfig configures the DHT node embedded in the engine.
type DHTConfig struct {
	// Enabled turns the DHT node on; when false the engine finds peers
	// only through trackers and peer addresses named in a magnet link.
	Enabled bool `yaml:"enabled"`

	// BootstrapNodes seeds the routing table on startup. Per design,
	// this is configuration, never a code-embedded constant, so
	// deployments can point at private bootstrap infrastructure.
	BootstrapNodes []string `yaml:"bootstrap_nodes"`

	// StateFile persists the routing table between runs.
	StateFile string `yaml:"state_file"`
}

// Default returns an EngineConfig with every field set to its default
// value, for callers that run without a config file on disk.
func Default() EngineConfig {
	return EngineConfig{}.applyDefaults()
}

// Load reads and parses an EngineConfig from a YAML file, applying
// defaults to any zero-valued fields.
func Load(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg.applyDefaults(), nil
}

func (c EngineConfig) applyDefaults() EngineConfig {
	if c.ListenPort == 0 {
		c.ListenPort = 6881
	}
	if c.MaxPipelineDepth == 0 {
		c.MaxPipelineDepth = 5
	}
	if c.MaxConnectionsPerTorrent == 0 {
		c.MaxConnectionsPerTorrent = 50
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ChokeRoundInterval == 0 {
		c.ChokeRoundInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeRounds == 0 {
		c.OptimisticUnchokeRounds = 3
	}
	if c.TrackerAnnounceInterval == 0 {
		c.TrackerAnnounceInterval = 30 * time.Minute
	}
	if len(c.DHT.BootstrapNodes) == 0 {
		c.DHT.BootstrapNodes = []string{
			"router.bittorrent.com:6881",
			"router.utorrent.com:6881",
			"dht.transmissionbt.com:6881",
		}
	}
	if c.DHT.StateFile == "" {
		c.DHT.StateFile = ".dht_nodes.json"
	}
	return c
}
