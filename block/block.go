package block

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"sync"
	"time"

	"github.com/gardenledger/garden/identity"
)

type Block struct {
	Index     uint64          `json:"index"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds at authoring
	PrevHash  Hash            `json:"prev_hash"`
	Actions   []Action        `json:"actions"`
	Author    identity.PeerID `json:"author"`
	Signature []byte          `json:"signature"`
	Hash      Hash            `json:"hash"` // sha256(signing digest || signature)
}

var hashPool = sync.Pool{
	New: func() interface{} {
		return sha256.New()
	},
}

func writeUint64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeBytes(h hash.Hash, b []byte) {
	writeUint64(h, uint64(len(b)))
	h.Write(b)
}

// SigningDigest is the digest the author signs. It covers every field except the
// signature and the hash.
func (b *Block) SigningDigest() Hash {
	h := hashPool.Get().(hash.Hash)
	defer hashPool.Put(h)
	h.Reset()

	writeUint64(h, b.Index)
	writeUint64(h, uint64(b.Timestamp))
	h.Write(b.PrevHash[:])
	writeBytes(h, []byte(b.Author))
	writeUint64(h, uint64(len(b.Actions)))
	for _, a := range b.Actions {
		writeBytes(h, []byte(a.Type))
		writeBytes(h, a.payload())
	}

	var out Hash
	h.Sum(out[:0])
	return out
}

// ComputeHash recomputes the content address from the fields of b.
func (b *Block) ComputeHash() Hash {
	digest := b.SigningDigest()

	h := hashPool.Get().(hash.Hash)
	defer hashPool.Put(h)
	h.Reset()

	h.Write(digest[:])
	writeBytes(h, b.Signature)

	var out Hash
	h.Sum(out[:0])
	return out
}

// Seal signs b with signer and fills in Author, Signature and Hash.
func (b *Block) Seal(signer identity.Signer) error {
	b.Author = signer.ID()
	digest := b.SigningDigest()
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return fmt.Errorf("sign block %d: %w", b.Index, err)
	}
	b.Signature = sig
	b.Hash = b.ComputeHash()
	return nil
}

// NewBlock authors and signs a block on top of prev (nil for a genesis block).
func NewBlock(prev *Block, timestamp time.Time, actions []Action, signer identity.Signer) (*Block, error) {
	b := &Block{
		Timestamp: timestamp.UnixMilli(),
		PrevHash:  RootHash,
		Actions:   cloneActions(actions),
	}
	if prev != nil {
		b.Index = prev.Index + 1
		b.PrevHash = prev.Hash
		// clocks on different peers drift; never author a timestamp behind the parent
		if b.Timestamp < prev.Timestamp {
			b.Timestamp = prev.Timestamp
		}
	}
	if err := b.Seal(signer); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Block) IsGenesis() bool {
	return b.Index == 0
}

func (b *Block) Time() time.Time {
	return time.UnixMilli(b.Timestamp)
}

func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.Actions = cloneActions(b.Actions)
	c.Signature = append([]byte(nil), b.Signature...)
	return &c
}

func (b *Block) String() string {
	return fmt.Sprintf("block{#%d %s prev=%s by=%s actions=%d}", b.Index, b.Hash.Short(), b.PrevHash.Short(), b.Author.Short(), len(b.Actions))
}

func cloneActions(actions []Action) []Action {
	if actions == nil {
		return nil
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a.clone()
	}
	return out
}
