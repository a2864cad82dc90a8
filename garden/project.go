// Package garden derives the garden from a chain by replaying its actions.
package garden

import (
	"math"

	"github.com/gardenledger/garden/block"
)

// Project replays every block of c, in index order, into a fresh State.
func Project(c block.Chain) *State {
	s := NewState()
	for i := 0; i < c.Len(); i++ {
		Apply(s, c.At(i))
	}
	return s
}

// Apply replays the actions of b onto s in their authored order. Actions that cannot be
// decoded are skipped, as are types this build does not know.
func Apply(s *State, b *block.Block) {
	for _, a := range b.Actions {
		applyAction(s, b, a)
	}
	s.Height++
	s.Head = b.Hash
}

func applyAction(s *State, b *block.Block, a block.Action) {
	decoded, err := a.Decode()
	if err != nil {
		return
	}
	switch v := decoded.(type) {
	case block.PlantAt:
		s.Plants[v.Position] = Plant{
			Species:   v.Species,
			PlantedAt: b.Timestamp,
			PlantedBy: b.Author,
		}
	case block.RemoveAt:
		delete(s.Plants, v.Position)
	case block.Grow:
		p, ok := s.Plants[v.Position]
		if !ok {
			return
		}
		// saturates at both ends rather than wrapping
		growth := int64(p.Growth) + int64(v.Delta)
		p.Growth = int32(min(max(growth, 0), math.MaxInt32))
		s.Plants[v.Position] = p
	case block.NamePlot:
		if s.Plot == nil {
			s.Plot = &Plot{ID: v.ID, Name: v.Name}
		}
	}
}
