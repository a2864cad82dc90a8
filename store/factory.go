package store

import (
	"fmt"

	"github.com/gardenledger/garden/db"
)

// StoreType represents the type of store implementation
type StoreType string

const (
	// LevelDBStoreType uses the LevelDB implementation
	LevelDBStoreType StoreType = "leveldb"

	// MemoryStoreType keeps everything in an in-memory LevelDB
	MemoryStoreType StoreType = "memory"

	// RedisStoreType uses the Redis implementation
	RedisStoreType StoreType = "redis"
)

// StoreConfig holds configuration for creating store instances
type StoreConfig struct {
	// Type specifies which store implementation to use
	Type StoreType `json:"type" yaml:"type"`

	// Directory is the database directory path (for file-based databases)
	Directory string `json:"directory" yaml:"directory"`

	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `json:"redis_db" yaml:"redis_db"`

	// SyncWrites fsyncs every block and head write before returning
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`
}

// Validate validates the store configuration
func (sc *StoreConfig) Validate() error {
	switch sc.Type {
	case LevelDBStoreType:
		if sc.Directory == "" {
			return fmt.Errorf("directory cannot be empty")
		}
	case RedisStoreType:
		if sc.RedisAddr == "" {
			return fmt.Errorf("redis_addr cannot be empty")
		}
	case MemoryStoreType:
	case "":
		return fmt.Errorf("store type cannot be empty")
	default:
		return fmt.Errorf("unsupported store type: %s", sc.Type)
	}
	return nil
}

// CreateProvider creates a database provider based on the configuration
func CreateProvider(config *StoreConfig) (db.DatabaseProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	switch config.Type {
	case LevelDBStoreType:
		return db.NewLevelDBProvider(config.Directory, config.SyncWrites)

	case MemoryStoreType:
		return db.NewMemLevelDBProvider()

	case RedisStoreType:
		return db.NewRedisProvider(config.RedisAddr, config.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// Open creates the provider, wraps it in a BlockStore and runs crash recovery.
func Open(config *StoreConfig, opts ...Option) (*BlockStore, error) {
	provider, err := CreateProvider(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	s, err := NewBlockStore(provider, opts...)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}

	if _, err := s.Recover(); err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("store recovery: %w", err)
	}
	return s, nil
}
