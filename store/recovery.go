package store

import (
	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/monitoring"
)

// RecoveryEvent records a head pointer that did not resolve at startup. To is the
// head the chain fell back to; Unavailable is set when no past head resolved either.
type RecoveryEvent struct {
	Chain       string
	From        block.Hash
	To          block.Hash
	Reason      error
	Unavailable bool
}

// Recover checks that every head pointer resolves to a full, valid ancestor chain.
// A head that does not is replaced by the newest entry of its head history that does.
// Chains left with nothing resolvable are marked unavailable until a peer re-syncs them.
func (s *BlockStore) Recover() ([]RecoveryEvent, error) {
	heads, err := s.Heads()
	if err != nil {
		return nil, err
	}

	var events []RecoveryEvent
	for chain, head := range heads {
		_, loadErr := s.LoadChain(head)
		if loadErr == nil {
			continue
		}
		ev, err := s.recoverChain(chain, head, loadErr)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
		s.emitRecovery(ev)
	}
	return events, nil
}

func (s *BlockStore) recoverChain(chain string, broken block.Hash, reason error) (RecoveryEvent, error) {
	l := s.chainLock(chain)
	l.Lock()
	defer l.Unlock()

	ev := RecoveryEvent{Chain: chain, From: broken, Reason: reason}

	history, err := s.headHistory(chain)
	if err != nil {
		return ev, err
	}
	for _, candidate := range history {
		if candidate == broken {
			continue
		}
		if _, err := s.LoadChain(candidate); err != nil {
			continue
		}
		if err := s.setHeadLocked(chain, candidate); err != nil {
			return ev, err
		}
		ev.To = candidate
		return ev, nil
	}

	batch := s.provider.Batch()
	batch.Delete(headKey(chain))
	batch.Put(unavailableKey(chain), []byte(broken.String()))
	if err := batch.Write(); err != nil {
		_ = batch.Close()
		return ev, storeErr(KindDurability, chain, broken, err)
	}
	_ = batch.Close()
	ev.Unavailable = true
	return ev, nil
}

func (s *BlockStore) emitRecovery(ev RecoveryEvent) {
	monitoring.IncreaseStoreRecoveries()
	if ev.Unavailable {
		logx.Error("BLOCKSTORE", "Chain", ev.Chain, "unavailable: head", ev.From.Short(), "has no resolvable history:", ev.Reason)
	} else {
		logx.Warn("BLOCKSTORE", "Chain", ev.Chain, "regressed from", ev.From.Short(), "to", ev.To.Short(), "reason:", ev.Reason)
	}
	if s.onRecovery != nil {
		s.onRecovery(ev)
	}
}
