package syncer

import (
	"sort"
	"sync"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/monitoring"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type pendingEntry struct {
	block  *block.Block
	source identity.PeerID
}

// PendingBuffer holds blocks whose parent is not stored yet. It keeps at most depth
// blocks; adding to a full buffer evicts the oldest one. Evicted hashes are kept so
// the next sync round can request them again.
type PendingBuffer struct {
	mu       sync.Mutex
	depth    int
	blocks   *simplelru.LRU[block.Hash, pendingEntry]
	children map[block.Hash]map[block.Hash]struct{}
	evicted  map[block.Hash]struct{}
	taking   bool
}

func NewPendingBuffer(depth int) *PendingBuffer {
	if depth <= 0 {
		depth = 1
	}
	p := &PendingBuffer{
		depth:    depth,
		children: make(map[block.Hash]map[block.Hash]struct{}),
		evicted:  make(map[block.Hash]struct{}),
	}
	// entries are never read with Get, so recency order is insertion order
	p.blocks, _ = simplelru.NewLRU[block.Hash, pendingEntry](depth, p.onRemove)
	return p
}

// onRemove runs under p.mu for both evictions and explicit removals.
func (p *PendingBuffer) onRemove(h block.Hash, e pendingEntry) {
	parent := e.block.PrevHash
	if kids, ok := p.children[parent]; ok {
		delete(kids, h)
		if len(kids) == 0 {
			delete(p.children, parent)
		}
	}
	if !p.taking && len(p.evicted) < p.depth {
		p.evicted[h] = struct{}{}
	}
}

// Add buffers b and reports whether it was new.
func (p *PendingBuffer) Add(b *block.Block, source identity.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocks.Contains(b.Hash) {
		return false
	}
	delete(p.evicted, b.Hash)
	p.blocks.Add(b.Hash, pendingEntry{block: b, source: source})
	kids, ok := p.children[b.PrevHash]
	if !ok {
		kids = make(map[block.Hash]struct{})
		p.children[b.PrevHash] = kids
	}
	kids[b.Hash] = struct{}{}
	monitoring.SetPendingBlocks(p.blocks.Len())
	return true
}

func (p *PendingBuffer) Has(h block.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocks.Contains(h)
}

func (p *PendingBuffer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocks.Len()
}

// TakeChildren removes and returns the buffered blocks whose parent is parent.
func (p *PendingBuffer) TakeChildren(parent block.Hash) []pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	kids := p.children[parent]
	if len(kids) == 0 {
		return nil
	}
	hashes := make([]block.Hash, 0, len(kids))
	for h := range kids {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })

	out := make([]pendingEntry, 0, len(hashes))
	p.taking = true
	for _, h := range hashes {
		if e, ok := p.blocks.Peek(h); ok {
			out = append(out, e)
			p.blocks.Remove(h)
		}
	}
	p.taking = false
	monitoring.SetPendingBlocks(p.blocks.Len())
	return out
}

// MissingParents lists the parents of buffered blocks that are not buffered
// themselves.
func (p *PendingBuffer) MissingParents() []block.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []block.Hash
	for parent := range p.children {
		if !p.blocks.Contains(parent) {
			out = append(out, parent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// TakeEvicted returns and forgets the hashes evicted since the last call.
func (p *PendingBuffer) TakeEvicted() []block.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.evicted) == 0 {
		return nil
	}
	out := make([]block.Hash, 0, len(p.evicted))
	for h := range p.evicted {
		out = append(out, h)
	}
	p.evicted = make(map[block.Hash]struct{})
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
