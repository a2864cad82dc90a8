package consensus

import (
	"sync"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/monitoring"
	"github.com/pkg/errors"
)

// FinalityStore persists the finality watermark of each chain.
type FinalityStore interface {
	FinalizedIndex(chain string) (uint64, bool, error)
	SetFinalizedIndex(chain string, index uint64) error
}

// Decision is the outcome of one reconciliation.
type Decision struct {
	Relation Relation
	Ancestor int
	Adopted  block.Chain
	// Changed is set when Adopted differs from the local chain.
	Changed bool
	Outcome monitoring.ForkOutcome
}

// Engine applies fork choice for every chain a node follows. Blocks at or below the
// finality watermark of a chain are never replaced.
type Engine struct {
	store         FinalityStore
	finalityDepth uint64

	mu        sync.Mutex
	watermark map[string]uint64
}

// NewEngine creates an engine. finalityDepth 0 disables the watermark.
func NewEngine(store FinalityStore, finalityDepth uint64) *Engine {
	return &Engine{
		store:         store,
		finalityDepth: finalityDepth,
		watermark:     make(map[string]uint64),
	}
}

// Finalized returns the watermark of chain: every block with an index at or below it
// is final.
func (e *Engine) Finalized(chain string) (uint64, bool, error) {
	if e.finalityDepth == 0 {
		return 0, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalizedLocked(chain)
}

func (e *Engine) finalizedLocked(chain string) (uint64, bool, error) {
	if wm, ok := e.watermark[chain]; ok {
		return wm, true, nil
	}
	if e.store == nil {
		return 0, false, nil
	}
	wm, ok, err := e.store.FinalizedIndex(chain)
	if err != nil {
		return 0, false, errors.Wrapf(err, "load watermark of %s", chain)
	}
	if ok {
		e.watermark[chain] = wm
	}
	return wm, ok, nil
}

// Observe advances the watermark of chain to the adopted head index minus the
// finality depth. The watermark never moves backwards.
func (e *Engine) Observe(chain string, adopted block.Chain) error {
	head := adopted.Head()
	if e.finalityDepth == 0 || head == nil || head.Index < e.finalityDepth {
		return nil
	}
	next := head.Index - e.finalityDepth

	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok, err := e.finalizedLocked(chain)
	if err != nil {
		return err
	}
	if ok && next <= current {
		return nil
	}
	if e.store != nil {
		if err := e.store.SetFinalizedIndex(chain, next); err != nil {
			return errors.Wrapf(err, "persist watermark of %s", chain)
		}
	}
	e.watermark[chain] = next
	logx.Debug("CONSENSUS", "Finalized", chain, "up to #", next)
	return nil
}

// Reconcile chooses between the local chain and a remote one. The adopted chain is
// always the higher ranked of the two, so swapping local and remote adopts the same
// chain. A remote that would replace finalized blocks is refused with ErrBelowFinality.
func (e *Engine) Reconcile(chain string, local, remote block.Chain) (Decision, error) {
	remote, err := rootRemote(local, remote)
	if err != nil {
		if errors.Is(err, ErrNoCommonAncestor) {
			monitoring.RecordForkResolution(monitoring.ForkUnrelated)
		}
		return Decision{Relation: Forked, Ancestor: -1, Adopted: local}, err
	}
	rel, ancestor, err := classifyRooted(local, remote)
	if err != nil {
		if errors.Is(err, ErrNoCommonAncestor) {
			monitoring.RecordForkResolution(monitoring.ForkUnrelated)
		}
		return Decision{Relation: rel, Ancestor: ancestor, Adopted: local}, err
	}

	d := Decision{Relation: rel, Ancestor: ancestor, Adopted: local}
	switch rel {
	case Identical:
		d.Outcome = monitoring.ForkAlreadySynced

	case LocalExtendsRemote:
		d.Outcome = monitoring.ForkKeptLocal

	case RemoteExtendsLocal:
		adopted, err := fastForward(local, remote, ancestor)
		if err != nil {
			return Decision{Relation: rel, Ancestor: ancestor, Adopted: local}, err
		}
		d.Adopted, d.Changed, d.Outcome = adopted, true, monitoring.ForkFastForward

	case Forked:
		if block.Compare(remote, local) <= 0 {
			d.Outcome = monitoring.ForkKeptLocal
			break
		}
		if err := e.checkFinality(chain, local, remote, ancestor); err != nil {
			monitoring.RecordForkResolution(monitoring.ForkBelowFinality)
			return d, err
		}
		d.Adopted, d.Changed, d.Outcome = remote, true, monitoring.ForkAdoptedRemote
	}

	monitoring.RecordForkResolution(d.Outcome)
	if d.Changed {
		logx.Info("CONSENSUS", "Chain", chain, rel.String(), "ancestor #", ancestor,
			"local", local.Rank().String(), "adopted", d.Adopted.Rank().String())
	}
	return d, nil
}

func (e *Engine) checkFinality(chain string, local, remote block.Chain, ancestor int) error {
	if e.finalityDepth == 0 {
		return nil
	}
	e.mu.Lock()
	wm, ok, err := e.finalizedLocked(chain)
	e.mu.Unlock()
	if err != nil || !ok {
		return err
	}
	// the first replaced block is ancestor+1
	if uint64(ancestor+1) <= wm {
		return &ReconciliationError{
			Kind:       KindBelowFinality,
			LocalHead:  local.HeadHash(),
			RemoteHead: remote.HeadHash(),
			Ancestor:   ancestor,
			Finalized:  wm,
		}
	}
	return nil
}

// fastForward appends the remote blocks after the shared head one by one so each is
// validated against its parent again.
func fastForward(local, remote block.Chain, ancestor int) (block.Chain, error) {
	adopted := local
	for _, b := range remote.Suffix(ancestor) {
		next, err := adopted.Append(b)
		if err != nil {
			return local, err
		}
		adopted = next
	}
	return adopted, nil
}
