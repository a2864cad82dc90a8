package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/store"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr = "/ip4/0.0.0.0/tcp/0"
	DefaultChain      = "garden"
	DefaultRendezvous = "garden-ledger"
)

// DefaultTuning returns the values used for anything config.ini leaves out.
func DefaultTuning() *TuningConfig {
	return &TuningConfig{
		Sync: SyncConfig{
			BatchSize:          64,
			PendingDepth:       256,
			HandshakeTimeoutMs: 5000,
			RequestTimeoutMs:   10000,
			PeerSilenceS:       120,
			RequestsPerSecond:  50,
			RequestBurst:       100,
			ResyncIntervalS:    30,
			AnnounceResync:     true,
		},
		Consensus: ConsensusConfig{
			FinalityDepth: 32,
		},
		Ledger: LedgerConfig{
			AuthorIntervalMs:   200,
			MaxActionsPerBlock: 128,
		},
	}
}

// LoadGardenConfig reads and parses the node.yml file
func LoadGardenConfig(path string) (*GardenConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfgFile ConfigFile
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfgFile); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg := &cfgFile.Config
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	logx.Info("CONFIG", "Loaded", path, "chain:", cfg.SelfNode.Chain, "store:", cfg.Store.Type)
	return cfg, nil
}

func (c *GardenConfig) applyDefaults(baseDir string) {
	n := &c.SelfNode
	if n.ListenAddr == "" {
		n.ListenAddr = DefaultListenAddr
	}
	if n.Chain == "" {
		n.Chain = DefaultChain
	}
	if n.DataDir == "" {
		n.DataDir = "data"
	}
	// relative paths are taken from the config file's directory, not the working directory
	n.DataDir = resolvePath(baseDir, n.DataDir)
	n.PrivKeyPath = resolvePath(baseDir, n.PrivKeyPath)
	if c.Discovery.Rendezvous == "" {
		c.Discovery.Rendezvous = DefaultRendezvous
	}
	if c.Store.Type == "" {
		c.Store.Type = store.LevelDBStoreType
	}
	if c.Store.Type == store.LevelDBStoreType && c.Store.Directory == "" {
		c.Store.Directory = filepath.Join(n.DataDir, "db")
	}
	c.Store.Directory = resolvePath(baseDir, c.Store.Directory)
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func (c *GardenConfig) Validate() error {
	if c.SelfNode.PrivKeyPath == "" {
		return fmt.Errorf("self_node.privkey_path is required")
	}
	if !store.ValidChainName(c.SelfNode.Chain) {
		return fmt.Errorf("self_node.chain %q must match [a-z0-9][a-z0-9._-]{0,63}", c.SelfNode.Chain)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// LoadSigner reads the node key named by privkey_path.
func (c *GardenConfig) LoadSigner() (*identity.KeySigner, error) {
	key, err := identity.LoadEd25519PrivKey(c.SelfNode.PrivKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load node key: %w", err)
	}
	return identity.NewKeySigner(key)
}

// LoadTuningConfig reads config.ini on top of DefaultTuning. An empty path returns
// the defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	tuning := DefaultTuning()
	if path == "" {
		return tuning, nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	sections := []struct {
		name string
		dst  interface{}
	}{
		{"sync", &tuning.Sync},
		{"consensus", &tuning.Consensus},
		{"ledger", &tuning.Ledger},
	}
	for _, s := range sections {
		if err := cfg.Section(s.name).MapTo(s.dst); err != nil {
			return nil, fmt.Errorf("section [%s]: %w", s.name, err)
		}
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning %s: %w", path, err)
	}
	return tuning, nil
}

func (t *TuningConfig) Validate() error {
	switch {
	case t.Sync.BatchSize <= 0:
		return fmt.Errorf("sync.batch_size must be positive")
	case t.Sync.PendingDepth <= 0:
		return fmt.Errorf("sync.pending_depth must be positive")
	case t.Sync.HandshakeTimeoutMs <= 0, t.Sync.RequestTimeoutMs <= 0:
		return fmt.Errorf("sync timeouts must be positive")
	case t.Sync.PeerSilenceS <= 0:
		return fmt.Errorf("sync.peer_silence_s must be positive")
	case t.Sync.RequestsPerSecond <= 0 || t.Sync.RequestBurst <= 0:
		return fmt.Errorf("sync request limits must be positive")
	case t.Ledger.AuthorIntervalMs <= 0:
		return fmt.Errorf("ledger.author_interval_ms must be positive")
	case t.Ledger.MaxActionsPerBlock <= 0:
		return fmt.Errorf("ledger.max_actions_per_block must be positive")
	}
	return nil
}
