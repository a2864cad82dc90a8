package store

import (
	"sync"
	"testing"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/block/blocktest"
	"github.com/gardenledger/garden/db"
	"github.com/gardenledger/garden/jsonx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *BlockStore {
	t.Helper()
	provider, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	s, err := NewBlockStore(provider, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putChain(t *testing.T, s *BlockStore, c block.Chain) {
	t.Helper()
	for _, b := range c.Blocks() {
		require.NoError(t, s.PutBlock(b))
	}
}

func snapshot(t *testing.T, s *BlockStore) map[string]string {
	t.Helper()
	out := make(map[string]string)
	require.NoError(t, s.provider.IteratePrefix(nil, func(key, value []byte) bool {
		out[string(key)] = string(value)
		return true
	}))
	return out
}

func TestPutBlockIdempotent(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	g := blocktest.Genesis(t, signer, block.NewPlantAt(block.Position{X: 2, Y: 3}, "rose")).Head()

	require.NoError(t, s.PutBlock(g))
	once := snapshot(t, s)
	require.NoError(t, s.PutBlock(g))
	assert.Equal(t, once, snapshot(t, s))

	got, err := s.GetBlock(g.Hash)
	require.NoError(t, err)
	assert.Equal(t, g.Hash, got.Hash)
	assert.Equal(t, g.Actions, got.Actions)
}

func TestGetBlockNotFoundAndCorrupt(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	g := blocktest.Genesis(t, signer).Head()

	_, err := s.GetBlock(g.Hash)
	assert.ErrorIs(t, err, ErrBlockNotFound)

	tampered := g.Clone()
	tampered.Timestamp++
	raw, err := jsonx.Marshal(tampered)
	require.NoError(t, err)
	require.NoError(t, s.provider.Put(blockKey(g.Hash), raw))

	_, err = s.GetBlock(g.Hash)
	assert.ErrorIs(t, err, ErrCorruptBlock)
}

func TestGetBlocksSkipsMissingAndCorrupt(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	c := blocktest.Grow(t, signer, blocktest.Genesis(t, signer), 3)
	putChain(t, s, c)
	blocks := c.Blocks()

	tampered := blocks[1].Clone()
	tampered.Timestamp++
	raw, err := jsonx.Marshal(tampered)
	require.NoError(t, err)
	require.NoError(t, s.provider.Put(blockKey(blocks[1].Hash), raw))

	missing := blocktest.Genesis(t, blocktest.Signer(t)).HeadHash()
	got, err := s.GetBlocks([]block.Hash{blocks[3].Hash, missing, blocks[1].Hash, blocks[0].Hash})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, blocks[3].Hash, got[0].Hash)
	assert.Equal(t, blocks[0].Hash, got[1].Hash)

	got, err = s.GetBlocks(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSetHeadRequiresStoredBlock(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	g := blocktest.Genesis(t, signer).Head()

	err := s.SetHead("home", g.Hash)
	assert.ErrorIs(t, err, ErrHeadNotStored)
	_, ok, err := s.Head("home")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutBlock(g))
	require.NoError(t, s.SetHead("home", g.Hash))
	h, ok, err := s.Head("home")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, g.Hash, h)

	assert.Error(t, s.SetHead("Not:Valid", g.Hash))
}

func TestOldHeadStaysReadable(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	c := blocktest.Grow(t, signer, blocktest.Genesis(t, signer), 2)
	putChain(t, s, c)

	require.NoError(t, s.SetHead("home", c.At(1).Hash))
	require.NoError(t, s.SetHead("home", c.Head().Hash))

	old, err := s.LoadChain(c.At(1).Hash)
	require.NoError(t, err)
	assert.Equal(t, 2, old.Len())

	loaded, err := s.LoadHeadChain("home")
	require.NoError(t, err)
	assert.Equal(t, c.HeadHash(), loaded.HeadHash())
	assert.Equal(t, 3, loaded.Len())
}

func TestCompareAndSetHead(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	c := blocktest.Grow(t, signer, blocktest.Genesis(t, signer), 1)
	putChain(t, s, c)

	require.NoError(t, s.CompareAndSetHead("home", block.RootHash, c.At(0).Hash))
	err := s.CompareAndSetHead("home", block.RootHash, c.Head().Hash)
	assert.ErrorIs(t, err, ErrHeadMoved)
	require.NoError(t, s.CompareAndSetHead("home", c.At(0).Hash, c.Head().Hash))
}

func TestConcurrentCompareAndSetHeadLinearized(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	g := blocktest.Genesis(t, signer)
	putChain(t, s, g)
	require.NoError(t, s.SetHead("home", g.HeadHash()))

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		branches []block.Chain
	)
	for i := 0; i < writers; i++ {
		c := blocktest.ExtendAfter(t, signer, g, 0, block.NewPlantAt(block.Position{X: int32(i)}, "x"))
		putChain(t, s, c)
		branches = append(branches, c)
	}
	for _, c := range branches {
		wg.Add(1)
		go func(c block.Chain) {
			defer wg.Done()
			if err := s.CompareAndSetHead("home", g.HeadHash(), c.HeadHash()); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestIterateHeads(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	a := blocktest.Genesis(t, signer)
	b := blocktest.Genesis(t, blocktest.Signer(t))
	putChain(t, s, a)
	putChain(t, s, b)
	require.NoError(t, s.SetHead("beta", b.HeadHash()))
	require.NoError(t, s.SetHead("alpha", a.HeadHash()))

	var names []string
	require.NoError(t, s.IterateHeads(func(chain string, head block.Hash) bool {
		names = append(names, chain)
		return true
	}))
	assert.Equal(t, []string{"alpha", "beta"}, names)

	heads, err := s.Heads()
	require.NoError(t, err)
	assert.Equal(t, a.HeadHash(), heads["alpha"])
}

func TestLoadChainMissingAncestor(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	c := blocktest.Grow(t, signer, blocktest.Genesis(t, signer), 3)
	putChain(t, s, c)
	require.NoError(t, s.provider.Delete(blockKey(c.At(1).Hash)))

	_, err := s.LoadChain(c.HeadHash())
	assert.ErrorIs(t, err, ErrMissingAncestor)
}

func TestRecoverFallsBackToResolvableHead(t *testing.T) {
	var events []RecoveryEvent
	s := newTestStore(t, WithRecoveryHandler(func(ev RecoveryEvent) { events = append(events, ev) }))
	signer := blocktest.Signer(t)
	c := blocktest.Grow(t, signer, blocktest.Genesis(t, signer), 3)
	putChain(t, s, c)
	for _, b := range c.Blocks() {
		require.NoError(t, s.SetHead("home", b.Hash))
	}

	// the newest block was lost after its head pointer was written
	require.NoError(t, s.provider.Delete(blockKey(c.HeadHash())))

	got, err := s.Recover()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.HeadHash(), got[0].From)
	assert.Equal(t, c.At(2).Hash, got[0].To)
	assert.False(t, got[0].Unavailable)
	assert.Equal(t, got, events)

	h, ok, err := s.Head("home")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.At(2).Hash, h)

	again, err := s.Recover()
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRecoverMarksChainUnavailable(t *testing.T) {
	s := newTestStore(t)
	signer := blocktest.Signer(t)
	c := blocktest.Genesis(t, signer)
	putChain(t, s, c)
	require.NoError(t, s.SetHead("home", c.HeadHash()))
	require.NoError(t, s.provider.Delete(blockKey(c.HeadHash())))

	got, err := s.Recover()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Unavailable)

	_, err = s.LoadHeadChain("home")
	assert.ErrorIs(t, err, ErrChainUnavailable)

	// a re-sync makes the chain available again
	putChain(t, s, c)
	require.NoError(t, s.SetHead("home", c.HeadHash()))
	loaded, err := s.LoadHeadChain("home")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
}

func TestHeadHistoryBounded(t *testing.T) {
	s := newTestStore(t, WithHeadHistory(2))
	signer := blocktest.Signer(t)
	c := blocktest.Grow(t, signer, blocktest.Genesis(t, signer), 4)
	putChain(t, s, c)
	for _, b := range c.Blocks() {
		require.NoError(t, s.SetHead("home", b.Hash))
	}

	history, err := s.headHistory("home")
	require.NoError(t, err)
	assert.Equal(t, []block.Hash{c.At(4).Hash, c.At(3).Hash}, history)
}

func TestFinalizedIndex(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.FinalizedIndex("home")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetFinalizedIndex("home", 7))
	idx, ok, err := s.FinalizedIndex("home")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), idx)
}

func TestValidChainName(t *testing.T) {
	assert.True(t, ValidChainName("my-garden"))
	assert.True(t, ValidChainName("g1.backup_2"))
	assert.False(t, ValidChainName(""))
	assert.False(t, ValidChainName("-lead"))
	assert.False(t, ValidChainName("a:b"))
	assert.False(t, ValidChainName("Upper"))
}

func TestOpenLevelDB(t *testing.T) {
	dir := t.TempDir()
	signer := blocktest.Signer(t)
	c := blocktest.Genesis(t, signer)

	s, err := Open(&StoreConfig{Type: LevelDBStoreType, Directory: dir, SyncWrites: true})
	require.NoError(t, err)
	putChain(t, s, c)
	require.NoError(t, s.SetHead("home", c.HeadHash()))
	require.NoError(t, s.Close())

	s, err = Open(&StoreConfig{Type: LevelDBStoreType, Directory: dir})
	require.NoError(t, err)
	defer s.Close()
	loaded, err := s.LoadHeadChain("home")
	require.NoError(t, err)
	assert.Equal(t, c.HeadHash(), loaded.HeadHash())
}

func TestStoreConfigValidate(t *testing.T) {
	assert.Error(t, (&StoreConfig{}).Validate())
	assert.Error(t, (&StoreConfig{Type: LevelDBStoreType}).Validate())
	assert.Error(t, (&StoreConfig{Type: RedisStoreType}).Validate())
	assert.Error(t, (&StoreConfig{Type: "rocksdb"}).Validate())
	assert.NoError(t, (&StoreConfig{Type: MemoryStoreType}).Validate())
}
