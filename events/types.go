package events

import (
	"time"

	"github.com/gardenledger/garden/block"
)

// EventType is an enum-like string type for ledger events
type EventType string

const (
	EventHeadChanged    EventType = "HeadChanged"
	EventBlockRejected  EventType = "BlockRejected"
	EventStoreRecovered EventType = "StoreRecovered"
	EventUnrelatedChain EventType = "UnrelatedChain"
)

// LedgerEvent represents anything a node reports about the chains it follows
type LedgerEvent interface {
	Type() EventType
	Timestamp() time.Time
	Chain() string
}

type base struct {
	chain     string
	timestamp time.Time
}

func newBase(chain string) base {
	return base{chain: chain, timestamp: time.Now()}
}

func (b base) Chain() string {
	return b.chain
}

func (b base) Timestamp() time.Time {
	return b.timestamp
}

// HeadChanged is published when the adopted chain moves, either by extension or reorg.
type HeadChanged struct {
	base
	Head     block.Hash
	Index    uint64
	Previous block.Hash
	// Reorg is set when the previous head is not an ancestor of the new one.
	Reorg bool
}

func NewHeadChanged(chain string, head *block.Block, previous block.Hash, reorg bool) *HeadChanged {
	return &HeadChanged{
		base:     newBase(chain),
		Head:     head.Hash,
		Index:    head.Index,
		Previous: previous,
		Reorg:    reorg,
	}
}

func (e *HeadChanged) Type() EventType {
	return EventHeadChanged
}

// BlockRejected is published when a block fails validation.
type BlockRejected struct {
	base
	Hash   block.Hash
	Source string // peer id, or "local"
	Err    error
}

func NewBlockRejected(chain string, hash block.Hash, source string, err error) *BlockRejected {
	return &BlockRejected{base: newBase(chain), Hash: hash, Source: source, Err: err}
}

func (e *BlockRejected) Type() EventType {
	return EventBlockRejected
}

// StoreRecovered is published when crash recovery moved a head pointer back.
type StoreRecovered struct {
	base
	From        block.Hash
	To          block.Hash
	Unavailable bool
}

func NewStoreRecovered(chain string, from, to block.Hash, unavailable bool) *StoreRecovered {
	return &StoreRecovered{base: newBase(chain), From: from, To: to, Unavailable: unavailable}
}

func (e *StoreRecovered) Type() EventType {
	return EventStoreRecovered
}

// UnrelatedChain is published when a peer offers a chain with a different genesis.
// Connecting two gardens is left to whoever consumes this event.
type UnrelatedChain struct {
	base
	Peer       string
	RemoteHead block.Hash
}

func NewUnrelatedChain(chain, peer string, remoteHead block.Hash) *UnrelatedChain {
	return &UnrelatedChain{base: newBase(chain), Peer: peer, RemoteHead: remoteHead}
}

func (e *UnrelatedChain) Type() EventType {
	return EventUnrelatedChain
}
