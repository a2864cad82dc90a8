// Package ledger owns the adopted chain of one garden: it authors local blocks, adopts
// chains chosen by the fork-choice engine and publishes the resulting garden state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/consensus"
	"github.com/gardenledger/garden/events"
	"github.com/gardenledger/garden/garden"
	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/monitoring"
	"github.com/gardenledger/garden/store"
)

var (
	ErrLedgerStopped = errors.New("ledger stopped")
	ErrEmptyAction   = errors.New("action type is empty")
)

type Options struct {
	Chain  string
	Signer identity.Signer
	Store  *store.BlockStore
	Engine *consensus.Engine
	Bus    *events.EventBus

	AuthorInterval     time.Duration
	MaxActionsPerBlock int

	// Now stamps authored blocks; time.Now when nil.
	Now func() time.Time
}

type submitRequest struct {
	action block.Action
	reply  chan submitResult
}

type submitResult struct {
	hash block.Hash
	err  error
}

type Ledger struct {
	chain  string
	signer identity.Signer
	store  *store.BlockStore
	engine *consensus.Engine
	bus    *events.EventBus
	feed   *events.StateFeed
	now    func() time.Time

	authorInterval time.Duration
	maxActions     int

	mu      sync.RWMutex
	current block.Chain
	state   *garden.State

	broadcastMu sync.RWMutex
	broadcast   []func(*block.Block)

	submitCh chan submitRequest
	done     chan struct{}
	stopOnce sync.Once
}

// New loads the adopted chain of opts.Chain from the store, re-validating every block,
// and projects it. A chain the store marked unavailable starts empty and is filled by
// the next sync.
func New(opts Options) (*Ledger, error) {
	if opts.Store == nil || opts.Signer == nil {
		return nil, errors.New("ledger needs a store and a signer")
	}
	if !store.ValidChainName(opts.Chain) {
		return nil, fmt.Errorf("invalid chain name %q", opts.Chain)
	}
	if opts.Engine == nil {
		opts.Engine = consensus.NewEngine(opts.Store, 0)
	}
	if opts.Bus == nil {
		opts.Bus = events.NewEventBus()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AuthorInterval <= 0 {
		opts.AuthorInterval = 200 * time.Millisecond
	}
	if opts.MaxActionsPerBlock <= 0 {
		opts.MaxActionsPerBlock = 128
	}

	current, err := opts.Store.LoadHeadChain(opts.Chain)
	switch {
	case errors.Is(err, store.ErrChainUnavailable):
		logx.Warn("LEDGER", "Chain", opts.Chain, "is unavailable locally, waiting for a peer to re-sync it")
		current = block.Chain{}
	case err != nil:
		return nil, fmt.Errorf("load chain %s: %w", opts.Chain, err)
	}
	if err := opts.Engine.Observe(opts.Chain, current); err != nil {
		return nil, err
	}

	state := garden.Project(current)
	l := &Ledger{
		chain:          opts.Chain,
		signer:         opts.Signer,
		store:          opts.Store,
		engine:         opts.Engine,
		bus:            opts.Bus,
		feed:           events.NewStateFeed(state.Clone()),
		now:            opts.Now,
		authorInterval: opts.AuthorInterval,
		maxActions:     opts.MaxActionsPerBlock,
		current:        current,
		state:          state,
		submitCh:       make(chan submitRequest),
		done:           make(chan struct{}),
	}
	monitoring.SetChainHeight(headIndex(current))
	logx.Info("LEDGER", "Loaded chain", opts.Chain, "blocks:", current.Len(), "head:", current.HeadHash().Short())
	return l, nil
}

func headIndex(c block.Chain) uint64 {
	if h := c.Head(); h != nil {
		return h.Index
	}
	return 0
}

func (l *Ledger) Chain() string {
	return l.chain
}

func (l *Ledger) PeerID() identity.PeerID {
	return l.signer.ID()
}

func (l *Ledger) Store() *store.BlockStore {
	return l.store
}

func (l *Ledger) Events() *events.EventBus {
	return l.bus
}

// Current returns the adopted chain.
func (l *Ledger) Current() block.Chain {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Head returns the adopted head hash and index. An empty chain reports RootHash.
func (l *Ledger) Head() (block.Hash, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.HeadHash(), headIndex(l.current)
}

// CurrentState returns the latest published garden snapshot. Callers must not modify it.
func (l *Ledger) CurrentState() *garden.State {
	return l.feed.Latest()
}

// SubscribeState streams garden snapshots, starting with the current one.
func (l *Ledger) SubscribeState() (events.SubscriberID, <-chan *garden.State) {
	return l.feed.Subscribe()
}

func (l *Ledger) UnsubscribeState(id events.SubscriberID) bool {
	return l.feed.Unsubscribe(id)
}

// OnHeadBlock registers fn to receive the head block after every head change, authored
// or adopted. The syncer uses it to gossip.
func (l *Ledger) OnHeadBlock(fn func(*block.Block)) {
	l.broadcastMu.Lock()
	defer l.broadcastMu.Unlock()
	l.broadcast = append(l.broadcast, fn)
}

func (l *Ledger) notifyHead(b *block.Block) {
	l.broadcastMu.RLock()
	fns := append([]func(*block.Block){}, l.broadcast...)
	l.broadcastMu.RUnlock()
	for _, fn := range fns {
		fn(b)
	}
}

// Offer reconciles a stored candidate chain against the adopted one and adopts it if
// the engine chooses it.
func (l *Ledger) Offer(candidate block.Chain, source string) (consensus.Decision, error) {
	l.mu.Lock()
	d, err := l.engine.Reconcile(l.chain, l.current, candidate)
	if err != nil {
		l.mu.Unlock()
		if errors.Is(err, consensus.ErrNoCommonAncestor) {
			l.bus.Publish(events.NewUnrelatedChain(l.chain, source, candidate.HeadHash()))
		}
		return d, err
	}
	if !d.Changed {
		l.mu.Unlock()
		return d, nil
	}
	err = l.commitLocked(d.Adopted, d.Relation == consensus.Forked)
	head := l.current.Head()
	l.mu.Unlock()
	if err != nil {
		return d, err
	}

	logx.Info("LEDGER", "Adopted", d.Relation.String(), "from", source, "head #", head.Index, head.Hash.Short())
	l.notifyHead(head)
	return d, nil
}

// commitLocked stores next (blocks first, head pointer last) and moves the ledger to it.
func (l *Ledger) commitLocked(next block.Chain, reorg bool) error {
	prev := l.current
	ancestor := -1
	if !reorg {
		ancestor = prev.Len() - 1
	}

	for _, b := range next.Suffix(ancestor) {
		if err := l.store.PutBlock(b); err != nil {
			return err
		}
	}
	if err := l.store.CompareAndSetHead(l.chain, prev.HeadHash(), next.HeadHash()); err != nil {
		return err
	}

	state := l.state
	if reorg {
		state = garden.Project(next)
	} else {
		for _, b := range next.Suffix(ancestor) {
			garden.Apply(state, b)
		}
	}
	l.current, l.state = next, state

	if err := l.engine.Observe(l.chain, next); err != nil {
		logx.Error("LEDGER", "Failed to advance finality watermark:", err)
	}
	monitoring.SetChainHeight(headIndex(next))
	l.feed.Publish(state.Clone())
	l.bus.Publish(events.NewHeadChanged(l.chain, next.Head(), prev.HeadHash(), reorg))
	return nil
}

// SubmitAction queues action for the next authored block and waits until that block is
// signed and committed, returning its hash. Signing and storage failures are returned
// to the caller.
func (l *Ledger) SubmitAction(ctx context.Context, action block.Action) (block.Hash, error) {
	if action.Type == "" {
		return block.Hash{}, ErrEmptyAction
	}
	req := submitRequest{action: action, reply: make(chan submitResult, 1)}
	select {
	case l.submitCh <- req:
	case <-ctx.Done():
		return block.Hash{}, ctx.Err()
	case <-l.done:
		return block.Hash{}, ErrLedgerStopped
	}
	select {
	case res := <-req.reply:
		return res.hash, res.err
	case <-ctx.Done():
		return block.Hash{}, ctx.Err()
	}
}

// Run is the authoring loop. Submitted actions are batched for up to the author
// interval, or until a block is full, then signed into one block on the adopted head.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.authorInterval)
	defer ticker.Stop()
	defer l.stop()

	var pending []submitRequest
	for {
		select {
		case req := <-l.submitCh:
			pending = append(pending, req)
			if len(pending) >= l.maxActions {
				l.author(pending)
				pending = nil
			}
		case <-ticker.C:
			if len(pending) > 0 {
				l.author(pending)
				pending = nil
			}
		case <-ctx.Done():
			for _, req := range pending {
				req.reply <- submitResult{err: ErrLedgerStopped}
			}
			return nil
		}
	}
}

func (l *Ledger) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.feed.Close()
	})
}

func (l *Ledger) author(reqs []submitRequest) {
	actions := make([]block.Action, len(reqs))
	for i, r := range reqs {
		actions[i] = r.action
	}

	b, err := l.authorBlock(actions)
	res := submitResult{err: err}
	if err != nil {
		logx.Error("LEDGER", "Failed to author block:", err)
	} else {
		res.hash = b.Hash
		monitoring.IncreaseAuthoredBlocks()
		l.notifyHead(b)
	}
	for _, r := range reqs {
		r.reply <- res
	}
}

func (l *Ledger) authorBlock(actions []block.Action) (*block.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := block.NewBlock(l.current.Head(), l.now(), actions, l.signer)
	if err != nil {
		return nil, err
	}
	next, err := l.current.Append(b)
	if err != nil {
		return nil, fmt.Errorf("authored block does not extend head: %w", err)
	}
	if err := l.commitLocked(next, false); err != nil {
		return nil, err
	}
	logx.Info("LEDGER", "Authored block #", b.Index, b.Hash.Short(), "actions:", len(actions))
	return b, nil
}
