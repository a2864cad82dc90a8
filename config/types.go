package config

import (
	"time"

	"github.com/gardenledger/garden/store"
)

// NodeConfig represents a node's configuration
type NodeConfig struct {
	PrivKeyPath    string   `yaml:"privkey_path"`
	ListenAddr     string   `yaml:"listen_addr"`
	DataDir        string   `yaml:"data_dir"`
	Chain          string   `yaml:"chain"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	MetricsAddr    string   `yaml:"metrics_addr"`
}

// DiscoveryConfig selects how peers on the local network are found
type DiscoveryConfig struct {
	MDNS       bool   `yaml:"mdns"`
	DHT        bool   `yaml:"dht"`
	Rendezvous string `yaml:"rendezvous"`
}

// GardenConfig holds the configuration from node.yml
type GardenConfig struct {
	SelfNode  NodeConfig        `yaml:"self_node"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Store     store.StoreConfig `yaml:"store"`
}

// ConfigFile is the top-level structure for node.yml
type ConfigFile struct {
	Config GardenConfig `yaml:"config"`
}

type SyncConfig struct {
	BatchSize          int     `ini:"batch_size"`
	PendingDepth       int     `ini:"pending_depth"`
	HandshakeTimeoutMs int     `ini:"handshake_timeout_ms"`
	RequestTimeoutMs   int     `ini:"request_timeout_ms"`
	PeerSilenceS       int     `ini:"peer_silence_s"`
	RequestsPerSecond  float64 `ini:"requests_per_second"`
	RequestBurst       int     `ini:"request_burst"`
	ResyncIntervalS    int     `ini:"resync_interval_s"`
	AnnounceResync     bool    `ini:"announce_resync"`
}

func (c SyncConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

func (c SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c SyncConfig) PeerSilence() time.Duration {
	return time.Duration(c.PeerSilenceS) * time.Second
}

func (c SyncConfig) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalS) * time.Second
}

type ConsensusConfig struct {
	FinalityDepth uint64 `ini:"finality_depth"`
}

type LedgerConfig struct {
	AuthorIntervalMs   int `ini:"author_interval_ms"`
	MaxActionsPerBlock int `ini:"max_actions_per_block"`
}

func (c LedgerConfig) AuthorInterval() time.Duration {
	return time.Duration(c.AuthorIntervalMs) * time.Millisecond
}

// TuningConfig holds the sections of config.ini
type TuningConfig struct {
	Sync      SyncConfig
	Consensus ConsensusConfig
	Ledger    LedgerConfig
}
