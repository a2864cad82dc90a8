// Package store keeps blocks by content address and the head pointer of every named
// chain on top of a db.DatabaseProvider.
package store

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/db"
	"github.com/gardenledger/garden/jsonx"
	"github.com/gardenledger/garden/logx"
	"github.com/pkg/errors"
)

const DefaultHeadHistory = 64

// BlockStore is the only shared mutable state of a node. Blocks are immutable and
// content addressed so PutBlock needs no coordination; SetHead and CompareAndSetHead
// are linearized per chain name.
type BlockStore struct {
	provider    db.DatabaseProvider
	historySize uint64
	onRecovery  func(RecoveryEvent)

	mu         sync.Mutex
	chainLocks map[string]*sync.Mutex
}

type Option func(*BlockStore)

// WithHeadHistory bounds how many past head pointers are kept per chain for recovery.
func WithHeadHistory(n int) Option {
	return func(s *BlockStore) {
		if n > 0 {
			s.historySize = uint64(n)
		}
	}
}

// WithRecoveryHandler registers fn to observe head regressions found by Recover.
func WithRecoveryHandler(fn func(RecoveryEvent)) Option {
	return func(s *BlockStore) {
		s.onRecovery = fn
	}
}

func NewBlockStore(provider db.DatabaseProvider, opts ...Option) (*BlockStore, error) {
	if provider == nil {
		return nil, errors.New("provider cannot be nil")
	}
	s := &BlockStore{
		provider:    provider,
		historySize: DefaultHeadHistory,
		chainLocks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BlockStore) chainLock(chain string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.chainLocks[chain]
	if !ok {
		l = &sync.Mutex{}
		s.chainLocks[chain] = l
	}
	return l
}

// PutBlock durably stores b. Storing a block that is already present is a no-op.
// The block is committed once PutBlock returns nil.
func (s *BlockStore) PutBlock(b *block.Block) error {
	if b == nil {
		return errors.New("block cannot be nil")
	}
	key := blockKey(b.Hash)
	exists, err := s.provider.Has(key)
	if err != nil {
		return storeErr(KindDurability, "", b.Hash, errors.Wrap(err, "check block existence"))
	}
	if exists {
		return nil
	}

	value, err := jsonx.Marshal(b)
	if err != nil {
		return errors.Wrapf(err, "marshal block %s", b.Hash.Short())
	}
	if err := s.provider.Put(key, value); err != nil {
		return storeErr(KindDurability, "", b.Hash, errors.Wrap(err, "write block"))
	}

	logx.Debug("BLOCKSTORE", "Stored block", b.Index, b.Hash.Short())
	return nil
}

// GetBlock loads a block and checks that its bytes still hash to h.
func (s *BlockStore) GetBlock(h block.Hash) (*block.Block, error) {
	value, err := s.provider.Get(blockKey(h))
	if err != nil {
		return nil, storeErr(KindDurability, "", h, errors.Wrap(err, "read block"))
	}
	if value == nil {
		return nil, storeErr(KindNotFound, "", h, nil)
	}
	return decodeBlock(h, value)
}

// GetBlocks loads the blocks it can find in one read, in request order. Missing
// and corrupt blocks are left out.
func (s *BlockStore) GetBlocks(hashes []block.Hash) ([]*block.Block, error) {
	keys := make([][]byte, len(hashes))
	for i, h := range hashes {
		keys[i] = blockKey(h)
	}
	values, err := s.provider.GetBatch(keys)
	if err != nil {
		return nil, storeErr(KindDurability, "", block.Hash{}, errors.Wrap(err, "read blocks"))
	}

	out := make([]*block.Block, 0, len(values))
	for i, h := range hashes {
		value, ok := values[string(keys[i])]
		if !ok || value == nil {
			continue
		}
		b, err := decodeBlock(h, value)
		if err != nil {
			logx.Warn("BLOCKSTORE", "Skipping unreadable block", h.Short(), err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func decodeBlock(h block.Hash, value []byte) (*block.Block, error) {
	var b block.Block
	if err := jsonx.Unmarshal(value, &b); err != nil {
		return nil, storeErr(KindCorrupt, "", h, errors.Wrap(err, "decode block"))
	}
	if b.Hash != h || b.ComputeHash() != h {
		return nil, storeErr(KindCorrupt, "", h, errors.New("content does not match address"))
	}
	return &b, nil
}

func (s *BlockStore) HasBlock(h block.Hash) (bool, error) {
	ok, err := s.provider.Has(blockKey(h))
	if err != nil {
		return false, storeErr(KindDurability, "", h, err)
	}
	return ok, nil
}

// Head returns the head pointer of chain. ok is false when the chain has no head yet.
func (s *BlockStore) Head(chain string) (h block.Hash, ok bool, err error) {
	unavailable, err := s.provider.Has(unavailableKey(chain))
	if err != nil {
		return h, false, storeErr(KindDurability, chain, h, err)
	}
	if unavailable {
		return h, false, storeErr(KindUnavailable, chain, h, nil)
	}

	value, err := s.provider.Get(headKey(chain))
	if err != nil {
		return h, false, storeErr(KindDurability, chain, h, err)
	}
	if value == nil {
		return h, false, nil
	}
	h, err = block.HashFromHex(string(value))
	if err != nil {
		return h, false, storeErr(KindCorrupt, chain, h, err)
	}
	return h, true, nil
}

// SetHead points chain at h. h must already be stored; the pointer and a history entry
// are written in one atomic batch. The previous head stays readable as a block.
func (s *BlockStore) SetHead(chain string, h block.Hash) error {
	l := s.chainLock(chain)
	l.Lock()
	defer l.Unlock()
	return s.setHeadLocked(chain, h)
}

// CompareAndSetHead moves chain from expected to next. It fails with ErrHeadMoved if
// another writer changed the head first. RootHash as expected means "no head yet".
func (s *BlockStore) CompareAndSetHead(chain string, expected, next block.Hash) error {
	l := s.chainLock(chain)
	l.Lock()
	defer l.Unlock()

	current, ok, err := s.Head(chain)
	if err != nil && !errors.Is(err, ErrChainUnavailable) {
		return err
	}
	if !ok {
		current = block.RootHash
	}
	if current != expected {
		return storeErr(KindHeadMoved, chain, current, errors.Errorf("expected %s", expected.Short()))
	}
	return s.setHeadLocked(chain, next)
}

func (s *BlockStore) setHeadLocked(chain string, h block.Hash) error {
	if !ValidChainName(chain) {
		return errors.Errorf("invalid chain name %q", chain)
	}
	stored, err := s.HasBlock(h)
	if err != nil {
		return err
	}
	if !stored {
		return storeErr(KindHeadNotStored, chain, h, nil)
	}

	seq, err := s.nextHistorySeq(chain)
	if err != nil {
		return err
	}
	value := []byte(h.String())

	err = db.WithBatch(s.provider, func(batch db.DatabaseBatch) error {
		batch.Put(headKey(chain), value)
		batch.Put(headHistoryKey(chain, seq), value)
		batch.Put(historySeqKey(chain), encodeUint64(seq))
		batch.Delete(unavailableKey(chain))
		if seq >= s.historySize {
			batch.Delete(headHistoryKey(chain, seq-s.historySize))
		}
		return nil
	})
	if err != nil {
		return storeErr(KindDurability, chain, h, err)
	}

	logx.Info("BLOCKSTORE", "Head of", chain, "set to", h.Short())
	return nil
}

func (s *BlockStore) nextHistorySeq(chain string) (uint64, error) {
	value, err := s.provider.Get(historySeqKey(chain))
	if err != nil {
		return 0, storeErr(KindDurability, chain, block.RootHash, err)
	}
	if value == nil {
		return 0, nil
	}
	if len(value) != 8 {
		return 0, storeErr(KindCorrupt, chain, block.RootHash, errors.Errorf("history sequence length %d", len(value)))
	}
	return binary.BigEndian.Uint64(value) + 1, nil
}

// IterateHeads calls fn for every chain with a head pointer, in name order.
func (s *BlockStore) IterateHeads(fn func(chain string, head block.Hash) bool) error {
	var decodeErr error
	err := s.provider.IteratePrefix([]byte(PrefixHead), func(key, value []byte) bool {
		chain := strings.TrimPrefix(string(key), PrefixHead)
		h, err := block.HashFromHex(string(value))
		if err != nil {
			decodeErr = storeErr(KindCorrupt, chain, block.RootHash, err)
			return false
		}
		return fn(chain, h)
	})
	if err != nil {
		return storeErr(KindDurability, "", block.RootHash, err)
	}
	return decodeErr
}

// Heads returns every head pointer keyed by chain name.
func (s *BlockStore) Heads() (map[string]block.Hash, error) {
	heads := make(map[string]block.Hash)
	err := s.IterateHeads(func(chain string, head block.Hash) bool {
		heads[chain] = head
		return true
	})
	return heads, err
}

// headHistory returns past heads of chain, newest first.
func (s *BlockStore) headHistory(chain string) ([]block.Hash, error) {
	var out []block.Hash
	err := s.provider.IteratePrefix(headHistoryPrefix(chain), func(key, value []byte) bool {
		h, err := block.HashFromHex(string(value))
		if err != nil {
			logx.Warn("BLOCKSTORE", "Skipping unreadable head history entry", string(key))
			return true
		}
		out = append(out, h)
		return true
	})
	if err != nil {
		return nil, storeErr(KindDurability, chain, block.RootHash, err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LoadChain rebuilds the chain ending at head by walking parent hashes back to genesis.
// Every block is re-validated on the way.
func (s *BlockStore) LoadChain(head block.Hash) (block.Chain, error) {
	if head.IsRoot() {
		return block.Chain{}, nil
	}

	var rev []*block.Block
	next := head
	for {
		b, err := s.GetBlock(next)
		if err != nil {
			if errors.Is(err, ErrBlockNotFound) {
				return block.Chain{}, storeErr(KindMissingAncestor, "", next, errors.Errorf("walking back from %s", head.Short()))
			}
			return block.Chain{}, err
		}
		rev = append(rev, b)
		if b.IsGenesis() {
			break
		}
		if uint64(len(rev)) > rev[0].Index {
			return block.Chain{}, storeErr(KindCorrupt, "", b.Hash, errors.New("ancestor walk longer than head index"))
		}
		next = b.PrevHash
	}

	blocks := make([]*block.Block, len(rev))
	for i, b := range rev {
		blocks[len(rev)-1-i] = b
	}
	c, err := block.NewChain(blocks)
	if err != nil {
		return block.Chain{}, storeErr(KindCorrupt, "", head, err)
	}
	return c, nil
}

// LoadHeadChain loads the chain currently adopted under name. A chain with no head
// yet is empty.
func (s *BlockStore) LoadHeadChain(chain string) (block.Chain, error) {
	h, ok, err := s.Head(chain)
	if err != nil {
		return block.Chain{}, err
	}
	if !ok {
		return block.Chain{}, nil
	}
	return s.LoadChain(h)
}

// FinalizedIndex returns the finality watermark persisted for chain.
func (s *BlockStore) FinalizedIndex(chain string) (uint64, bool, error) {
	value, err := s.provider.Get(finalizedKey(chain))
	if err != nil {
		return 0, false, storeErr(KindDurability, chain, block.RootHash, err)
	}
	if value == nil {
		return 0, false, nil
	}
	if len(value) != 8 {
		return 0, false, storeErr(KindCorrupt, chain, block.RootHash, errors.Errorf("watermark length %d", len(value)))
	}
	return binary.BigEndian.Uint64(value), true, nil
}

func (s *BlockStore) SetFinalizedIndex(chain string, index uint64) error {
	if err := s.provider.Put(finalizedKey(chain), encodeUint64(index)); err != nil {
		return storeErr(KindDurability, chain, block.RootHash, err)
	}
	return nil
}

// Close closes the underlying database provider
func (s *BlockStore) Close() error {
	return s.provider.Close()
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
