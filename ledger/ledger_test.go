package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/block/blocktest"
	"github.com/gardenledger/garden/consensus"
	"github.com/gardenledger/garden/db"
	"github.com/gardenledger/garden/events"
	"github.com/gardenledger/garden/garden"
	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.BlockStore {
	t.Helper()
	provider, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	s, err := store.NewBlockStore(provider)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLedger(t *testing.T, s *store.BlockStore, signer identity.Signer, maxActions int) *Ledger {
	t.Helper()
	l, err := New(Options{
		Chain:              "home",
		Signer:             signer,
		Store:              s,
		Engine:             consensus.NewEngine(s, 4),
		AuthorInterval:     10 * time.Millisecond,
		MaxActionsPerBlock: maxActions,
	})
	require.NoError(t, err)
	return l
}

func runLedger(t *testing.T, l *Ledger) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func submit(t *testing.T, l *Ledger, a block.Action) block.Hash {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := l.SubmitAction(ctx, a)
	require.NoError(t, err)
	return h
}

func TestSubmitActionAuthorsBlocks(t *testing.T) {
	s := newStore(t)
	signer := blocktest.Signer(t)
	l := newLedger(t, s, signer, 16)
	runLedger(t, l)

	var heads []*block.Block
	var mu sync.Mutex
	l.OnHeadBlock(func(b *block.Block) {
		mu.Lock()
		heads = append(heads, b)
		mu.Unlock()
	})

	g := submit(t, l, block.NewNamePlot("p1", "allotment"))
	head, index := l.Head()
	assert.Equal(t, g, head)
	assert.Equal(t, uint64(0), index)

	pos := block.Position{X: 2, Y: 3}
	h := submit(t, l, block.NewPlantAt(pos, "rose"))
	head, index = l.Head()
	assert.Equal(t, h, head)
	assert.Equal(t, uint64(1), index)

	state := l.CurrentState()
	require.NotNil(t, state.Plot)
	assert.Equal(t, "allotment", state.Plot.Name)
	p, ok := state.At(pos)
	require.True(t, ok)
	assert.Equal(t, "rose", p.Species)
	assert.Equal(t, signer.ID(), p.PlantedBy)

	stored, ok, err := s.Head("home")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h, stored)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, heads, 2)
	assert.Equal(t, h, heads[1].Hash)
}

func TestSubmitActionBatchesIntoOneBlock(t *testing.T) {
	l := newLedger(t, newStore(t), blocktest.Signer(t), 2)
	runLedger(t, l)

	var wg sync.WaitGroup
	hashes := make([]block.Hash, 2)
	for i := range hashes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hashes[i] = submit(t, l, block.NewPlantAt(block.Position{X: int32(i)}, "bean"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, hashes[0], hashes[1])
	c := l.Current()
	require.Equal(t, 1, c.Len())
	assert.Len(t, c.Head().Actions, 2)
}

func TestSubmitActionRejectsEmptyAndStopped(t *testing.T) {
	l := newLedger(t, newStore(t), blocktest.Signer(t), 4)

	_, err := l.SubmitAction(context.Background(), block.Action{})
	assert.ErrorIs(t, err, ErrEmptyAction)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))

	_, err = l.SubmitAction(context.Background(), block.NewGrow(block.Position{}, 1))
	assert.ErrorIs(t, err, ErrLedgerStopped)
}

func TestSubscribeStateStartsWithLatest(t *testing.T) {
	l := newLedger(t, newStore(t), blocktest.Signer(t), 4)
	runLedger(t, l)

	submit(t, l, block.NewPlantAt(block.Position{}, "moss"))

	id, ch := l.SubscribeState()
	defer l.UnsubscribeState(id)
	first := <-ch
	assert.Len(t, first.Plants, 1)

	submit(t, l, block.NewRemoveAt(block.Position{}))
	select {
	case next := <-ch:
		assert.Empty(t, next.Plants)
		assert.Equal(t, uint64(2), next.Height)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot after authoring")
	}
}

func offerChain(t *testing.T, l *Ledger, c block.Chain) (consensus.Decision, error) {
	t.Helper()
	for _, b := range c.Blocks() {
		require.NoError(t, l.Store().PutBlock(b))
	}
	return l.Offer(c, "peer")
}

func nextEvent(t *testing.T, ch <-chan events.LedgerEvent) events.LedgerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestOfferFastForwardThenReorg(t *testing.T) {
	l := newLedger(t, newStore(t), blocktest.Signer(t), 4)
	_, evs := l.Events().Subscribe()
	remote := blocktest.Signer(t)

	g := blocktest.Genesis(t, remote, block.NewNamePlot("p", "shared"))
	local := blocktest.Extend(t, remote, g, block.NewPlantAt(block.Position{X: 1}, "leek"))

	d, err := offerChain(t, l, local)
	require.NoError(t, err)
	assert.Equal(t, consensus.RemoteExtendsLocal, d.Relation)
	assert.True(t, d.Changed)
	ev := nextEvent(t, evs).(*events.HeadChanged)
	assert.False(t, ev.Reorg)
	assert.Equal(t, local.HeadHash(), ev.Head)

	// a longer fork from genesis replaces the leek with a kale
	fork := blocktest.Extend(t, remote, g, block.NewPlantAt(block.Position{X: 2}, "kale"))
	fork = blocktest.Grow(t, remote, fork, 1)
	d, err = offerChain(t, l, fork)
	require.NoError(t, err)
	assert.Equal(t, consensus.Forked, d.Relation)
	assert.True(t, d.Changed)
	ev = nextEvent(t, evs).(*events.HeadChanged)
	assert.True(t, ev.Reorg)

	state := l.CurrentState()
	assert.Equal(t, garden.Project(fork).Digest(), state.Digest())
	_, hasLeek := state.At(block.Position{X: 1})
	assert.False(t, hasLeek)

	// an equally long fork with later timestamps ranks lower
	late := blocktest.ExtendAfter(t, remote, g, time.Hour)
	late = blocktest.ExtendAfter(t, remote, late, time.Hour)
	d, err = offerChain(t, l, late)
	require.NoError(t, err)
	assert.False(t, d.Changed)
	head, _ := l.Head()
	assert.Equal(t, fork.HeadHash(), head)
}

func TestOfferUnrelatedChain(t *testing.T) {
	signer := blocktest.Signer(t)
	l := newLedger(t, newStore(t), signer, 4)
	_, evs := l.Events().Subscribe()

	mine := blocktest.Genesis(t, signer)
	_, err := offerChain(t, l, mine)
	require.NoError(t, err)
	nextEvent(t, evs)

	other := blocktest.Genesis(t, blocktest.Signer(t), block.NewNamePlot("x", "elsewhere"))
	_, err = offerChain(t, l, other)
	assert.ErrorIs(t, err, consensus.ErrNoCommonAncestor)

	ev, ok := nextEvent(t, evs).(*events.UnrelatedChain)
	require.True(t, ok)
	assert.Equal(t, "peer", ev.Peer)
	assert.Equal(t, other.HeadHash(), ev.RemoteHead)

	head, _ := l.Head()
	assert.Equal(t, mine.HeadHash(), head)
}

func TestReloadReplaysStoredChain(t *testing.T) {
	dir := t.TempDir()
	open := func() *store.BlockStore {
		provider, err := db.NewLevelDBProvider(dir, true)
		require.NoError(t, err)
		s, err := store.NewBlockStore(provider)
		require.NoError(t, err)
		return s
	}
	signer := blocktest.Signer(t)

	s := open()
	l := newLedger(t, s, signer, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	submit(t, l, block.NewPlantAt(block.Position{X: 2, Y: 3}, "rose"))
	submit(t, l, block.NewGrow(block.Position{X: 2, Y: 3}, 5))
	want := l.CurrentState().Digest()
	cancel()
	<-done
	require.NoError(t, s.Close())

	s = open()
	defer s.Close()
	reloaded := newLedger(t, s, signer, 4)
	assert.Equal(t, want, reloaded.CurrentState().Digest())
	assert.Equal(t, 2, reloaded.Current().Len())
}
