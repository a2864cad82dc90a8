package db

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBProvider implements DatabaseProvider for LevelDB
type LevelDBProvider struct {
	once sync.Once
	db   *leveldb.DB
	wo   *opt.WriteOptions
}

// NewLevelDBProvider opens (or creates) a LevelDB database in directory. With syncWrites
// every Put and batch Write is fsynced before it returns.
func NewLevelDBProvider(directory string, syncWrites bool) (DatabaseProvider, error) {
	db, err := leveldb.OpenFile(directory, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB: %w", err)
	}

	return &LevelDBProvider{db: db, wo: &opt.WriteOptions{Sync: syncWrites}}, nil
}

// NewMemLevelDBProvider returns a LevelDB instance backed by memory, for tests and
// throwaway nodes.
func NewMemLevelDBProvider() (DatabaseProvider, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory LevelDB: %w", err)
	}
	return &LevelDBProvider{db: db, wo: &opt.WriteOptions{}}, nil
}

// Get retrieves a value by key
func (p *LevelDBProvider) Get(key []byte) ([]byte, error) {
	value, err := p.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}

// GetBatch retrieves multiple values by keys in a single operation
func (p *LevelDBProvider) GetBatch(keys [][]byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	// one snapshot so the batch sees a consistent view
	snap, err := p.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	for _, key := range keys {
		value, err := snap.Get(key, nil)
		if err != nil {
			if !errors.Is(err, leveldb.ErrNotFound) {
				return nil, err
			}
			continue
		}
		result[string(key)] = value
	}

	return result, nil
}

// Put stores a key-value pair
func (p *LevelDBProvider) Put(key, value []byte) error {
	return p.db.Put(key, value, p.wo)
}

// Delete removes a key-value pair
func (p *LevelDBProvider) Delete(key []byte) error {
	return p.db.Delete(key, p.wo)
}

// Has checks if a key exists
func (p *LevelDBProvider) Has(key []byte) (bool, error) {
	return p.db.Has(key, nil)
}

// Close closes the database connection
func (p *LevelDBProvider) Close() error {
	// avoid double close when several stores share the provider
	var err error
	p.once.Do(func() {
		err = p.db.Close()
	})
	return err
}

// Batch returns a new batch for atomic operations
func (p *LevelDBProvider) Batch() DatabaseBatch {
	return &LevelDBBatch{
		batch: new(leveldb.Batch),
		db:    p.db,
		wo:    p.wo,
	}
}

// IteratePrefix iterates over all key-value pairs with the given prefix.
// The slices passed to callback are only valid until it returns.
func (p *LevelDBProvider) IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error {
	iter := p.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		if !callback(iter.Key(), iter.Value()) {
			break
		}
	}

	return iter.Error()
}

// LevelDBBatch implements DatabaseBatch for LevelDB
type LevelDBBatch struct {
	batch *leveldb.Batch
	db    *leveldb.DB
	wo    *opt.WriteOptions
}

// Put adds a key-value pair to the batch
func (b *LevelDBBatch) Put(key, value []byte) {
	b.batch.Put(key, value)
}

// Delete adds a deletion to the batch
func (b *LevelDBBatch) Delete(key []byte) {
	b.batch.Delete(key)
}

// Write commits all operations in the batch
func (b *LevelDBBatch) Write() error {
	return b.db.Write(b.batch, b.wo)
}

// Reset clears the batch
func (b *LevelDBBatch) Reset() {
	b.batch.Reset()
}

// Close releases batch resources
func (b *LevelDBBatch) Close() error {
	// LevelDB batch doesn't need explicit closing
	return nil
}
