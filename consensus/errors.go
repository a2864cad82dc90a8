package consensus

import (
	"fmt"

	"github.com/gardenledger/garden/block"
)

type ErrorKind string

const (
	// KindNoCommonAncestor means the chains are different gardens. They are never merged
	// here; callers surface the pair to whoever connects gardens.
	KindNoCommonAncestor ErrorKind = "no_common_ancestor"
	KindBelowFinality    ErrorKind = "below_finality"
)

type ReconciliationError struct {
	Kind       ErrorKind
	LocalHead  block.Hash
	RemoteHead block.Hash
	Ancestor   int
	Finalized  uint64
	Err        error
}

var (
	ErrNoCommonAncestor = &ReconciliationError{Kind: KindNoCommonAncestor}
	ErrBelowFinality    = &ReconciliationError{Kind: KindBelowFinality}
)

func (e *ReconciliationError) Error() string {
	switch e.Kind {
	case KindBelowFinality:
		return fmt.Sprintf("reconcile: %s: fork at #%d below finalized #%d (local %s, remote %s)",
			e.Kind, e.Ancestor, e.Finalized, e.LocalHead.Short(), e.RemoteHead.Short())
	default:
		msg := fmt.Sprintf("reconcile: %s (local %s, remote %s)", e.Kind, e.LocalHead.Short(), e.RemoteHead.Short())
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

func (e *ReconciliationError) Is(target error) bool {
	t, ok := target.(*ReconciliationError)
	return ok && t.Kind == e.Kind
}
