package block

import (
	"errors"
	"fmt"
)

var ErrNotAttached = errors.New("segment does not attach to base chain")

// Chain is an immutable, hash-linked run of blocks. A rooted chain starts at genesis;
// a rootless one (a continuation received without its history) starts anywhere and is
// made rooted with Graft. Divergent histories are separate Chain values sharing a prefix.
type Chain struct {
	blocks []*Block
}

// NewChain validates blocks in order and returns them as a chain. If the first block
// is not a genesis block only its integrity is checked; see Rooted.
func NewChain(blocks []*Block) (Chain, error) {
	var c Chain
	if len(blocks) == 0 {
		return c, nil
	}
	first := blocks[0]
	if first.IsGenesis() {
		if err := Validate(first, nil); err != nil {
			return Chain{}, err
		}
	} else if err := VerifyIntegrity(first); err != nil {
		return Chain{}, err
	}
	c.blocks = append(make([]*Block, 0, len(blocks)), first)

	for _, b := range blocks[1:] {
		if err := Validate(b, c.blocks[len(c.blocks)-1]); err != nil {
			return Chain{}, err
		}
		c.blocks = append(c.blocks, b)
	}
	return c, nil
}

// Append validates candidate against the head and returns the extended chain. On error
// the receiver is returned unchanged.
func (c Chain) Append(candidate *Block) (Chain, error) {
	if err := Validate(candidate, c.Head()); err != nil {
		return c, err
	}
	// full slice expression forces a copy so chains sharing a prefix never alias
	n := len(c.blocks)
	return Chain{blocks: append(c.blocks[:n:n], candidate)}, nil
}

func (c Chain) Len() int {
	return len(c.blocks)
}

func (c Chain) IsEmpty() bool {
	return len(c.blocks) == 0
}

// Rooted reports whether the chain starts at a genesis block.
func (c Chain) Rooted() bool {
	return len(c.blocks) == 0 || c.blocks[0].IsGenesis()
}

func (c Chain) Head() *Block {
	if len(c.blocks) == 0 {
		return nil
	}
	return c.blocks[len(c.blocks)-1]
}

// HeadHash identifies the chain. An empty chain is identified by RootHash.
func (c Chain) HeadHash() Hash {
	if h := c.Head(); h != nil {
		return h.Hash
	}
	return RootHash
}

func (c Chain) First() *Block {
	if len(c.blocks) == 0 {
		return nil
	}
	return c.blocks[0]
}

func (c Chain) At(i int) *Block {
	return c.blocks[i]
}

// Blocks returns a copy of the block slice.
func (c Chain) Blocks() []*Block {
	return append([]*Block(nil), c.blocks...)
}

// Find returns the position of the block with hash h.
func (c Chain) Find(h Hash) (int, bool) {
	for i := len(c.blocks) - 1; i >= 0; i-- {
		if c.blocks[i].Hash == h {
			return i, true
		}
	}
	return -1, false
}

func (c Chain) Contains(h Hash) bool {
	_, ok := c.Find(h)
	return ok
}

// ByIndex returns the block with the given index in a rooted chain.
func (c Chain) ByIndex(index uint64) (*Block, bool) {
	if len(c.blocks) == 0 {
		return nil, false
	}
	base := c.blocks[0].Index
	if index < base || index-base >= uint64(len(c.blocks)) {
		return nil, false
	}
	return c.blocks[index-base], true
}

// Prefix returns the first n blocks.
func (c Chain) Prefix(n int) Chain {
	if n > len(c.blocks) {
		n = len(c.blocks)
	}
	return Chain{blocks: c.blocks[:n:n]}
}

// Suffix returns the blocks after position i.
func (c Chain) Suffix(i int) []*Block {
	if i+1 >= len(c.blocks) {
		return nil
	}
	return append([]*Block(nil), c.blocks[i+1:]...)
}

// Graft attaches a rootless chain to base at the parent of its first block.
func (c Chain) Graft(base Chain) (Chain, error) {
	if c.Rooted() {
		return c, nil
	}
	parent := c.blocks[0].PrevHash
	at, ok := base.Find(parent)
	if !ok {
		return Chain{}, fmt.Errorf("%w: parent %s of #%d", ErrNotAttached, parent.Short(), c.blocks[0].Index)
	}
	out := base.Prefix(at + 1)
	for _, b := range c.blocks {
		var err error
		if out, err = out.Append(b); err != nil {
			return Chain{}, err
		}
	}
	return out, nil
}
