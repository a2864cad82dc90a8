package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gardenledger/garden/logx"
	"github.com/redis/go-redis/v9"
)

const redisTimeout = 5 * time.Second

// RedisProvider implements DatabaseProvider for Redis. Batches run as MULTI/EXEC
// transactions so a head pointer and its history entry land together.
type RedisProvider struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisProvider connects to address and selects database index dbIndex.
func NewRedisProvider(address string, dbIndex int) (DatabaseProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		DB:           dbIndex,
		ReadTimeout:  redisTimeout,
		WriteTimeout: redisTimeout,
	})

	ctx := context.Background()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", address, err)
	}

	logx.Info("REDIS", "Connected to", address, "db", dbIndex)
	return &RedisProvider{
		client: client,
		ctx:    ctx,
	}, nil
}

// Get retrieves a value by key
func (p *RedisProvider) Get(key []byte) ([]byte, error) {
	value, err := p.client.Get(p.ctx, string(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}

// GetBatch retrieves multiple values with a single MGET
func (p *RedisProvider) GetBatch(keys [][]byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = string(k)
	}
	values, err := p.client.MGet(p.ctx, redisKeys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			result[redisKeys[i]] = []byte(s)
		}
	}
	return result, nil
}

// Put stores a key-value pair
func (p *RedisProvider) Put(key, value []byte) error {
	return p.client.Set(p.ctx, string(key), value, 0).Err()
}

// Delete removes a key-value pair
func (p *RedisProvider) Delete(key []byte) error {
	return p.client.Del(p.ctx, string(key)).Err()
}

// Has checks if a key exists
func (p *RedisProvider) Has(key []byte) (bool, error) {
	count, err := p.client.Exists(p.ctx, string(key)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Close closes the database connection
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// Batch returns a new batch for atomic operations
func (p *RedisProvider) Batch() DatabaseBatch {
	return &RedisBatch{
		client: p.client,
		ctx:    p.ctx,
		pipe:   p.client.TxPipeline(),
	}
}

// IteratePrefix implements prefix iteration with SCAN. SCAN has no order, so keys are
// collected and sorted before values are fetched.
func (p *RedisProvider) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	pattern := string(prefix) + "*"
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := p.client.Scan(p.ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		val, err := p.client.Get(p.ctx, k).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return err
		}
		if !fn([]byte(k), val) {
			return nil
		}
	}
	return nil
}

// RedisBatch implements DatabaseBatch for Redis
type RedisBatch struct {
	client *redis.Client
	ctx    context.Context
	pipe   redis.Pipeliner
}

// Put adds a key-value pair to the batch
func (b *RedisBatch) Put(key, value []byte) {
	b.pipe.Set(b.ctx, string(key), value, 0)
}

// Delete adds a deletion to the batch
func (b *RedisBatch) Delete(key []byte) {
	b.pipe.Del(b.ctx, string(key))
}

// Write commits all operations in the batch
func (b *RedisBatch) Write() error {
	_, err := b.pipe.Exec(b.ctx)
	return err
}

// Reset clears the batch
func (b *RedisBatch) Reset() {
	b.pipe.Discard()
	b.pipe = b.client.TxPipeline()
}

// Close releases batch resources
func (b *RedisBatch) Close() error {
	b.pipe.Discard()
	return nil
}
