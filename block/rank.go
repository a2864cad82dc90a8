package block

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Rank orders competing chains: longer wins, then the lower sum of authored timestamps
// (the history that was written earlier), then the smaller head hash.
type Rank struct {
	Length       uint64
	TimestampSum *uint256.Int
	Head         Hash
}

func (c Chain) Rank() Rank {
	sum := uint256.NewInt(0)
	for _, b := range c.blocks {
		ts := b.Timestamp
		if ts < 0 {
			ts = 0
		}
		sum.Add(sum, uint256.NewInt(uint64(ts)))
	}
	return Rank{
		Length:       uint64(len(c.blocks)),
		TimestampSum: sum,
		Head:         c.HeadHash(),
	}
}

// Compare returns 1 if r ranks above o, -1 if below and 0 if they are the same chain.
func (r Rank) Compare(o Rank) int {
	switch {
	case r.Length > o.Length:
		return 1
	case r.Length < o.Length:
		return -1
	}
	if c := r.TimestampSum.Cmp(o.TimestampSum); c != 0 {
		return -c
	}
	switch {
	case r.Head.Less(o.Head):
		return 1
	case o.Head.Less(r.Head):
		return -1
	}
	return 0
}

func (r Rank) String() string {
	return fmt.Sprintf("rank{len=%d tsum=%s head=%s}", r.Length, r.TimestampSum.Dec(), r.Head.Short())
}

// Compare ranks two chains; see Rank.Compare.
func Compare(a, b Chain) int {
	return a.Rank().Compare(b.Rank())
}

// Better returns whichever of a and b ranks higher. The result does not depend on
// argument order.
func Better(a, b Chain) Chain {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}
