package store

import (
	"fmt"

	"github.com/gardenledger/garden/block"
)

type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindDurability      ErrorKind = "durability"
	KindMissingAncestor ErrorKind = "missing_ancestor"
	KindCorrupt         ErrorKind = "corrupt"
	KindUnavailable     ErrorKind = "unavailable"
	KindHeadNotStored   ErrorKind = "head_not_stored"
	KindHeadMoved       ErrorKind = "head_moved"
)

// StoreError reports a failure of the block store. Match with errors.Is against the
// Err* values.
type StoreError struct {
	Kind  ErrorKind
	Chain string
	Hash  block.Hash
	Err   error
}

var (
	ErrBlockNotFound    = &StoreError{Kind: KindNotFound}
	ErrDurability       = &StoreError{Kind: KindDurability}
	ErrMissingAncestor  = &StoreError{Kind: KindMissingAncestor}
	ErrCorruptBlock     = &StoreError{Kind: KindCorrupt}
	ErrChainUnavailable = &StoreError{Kind: KindUnavailable}
	ErrHeadNotStored    = &StoreError{Kind: KindHeadNotStored}
	ErrHeadMoved        = &StoreError{Kind: KindHeadMoved}
)

func (e *StoreError) Error() string {
	msg := "store: " + string(e.Kind)
	if e.Chain != "" {
		msg += fmt.Sprintf(" chain=%s", e.Chain)
	}
	if e.Hash != block.RootHash {
		msg += fmt.Sprintf(" block=%s", e.Hash.Short())
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Kind == e.Kind
}

func storeErr(kind ErrorKind, chain string, h block.Hash, err error) *StoreError {
	return &StoreError{Kind: kind, Chain: chain, Hash: h, Err: err}
}
