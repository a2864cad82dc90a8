package garden

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/identity"
)

type Plant struct {
	Species   string          `json:"species"`
	Growth    int32           `json:"growth"`
	PlantedAt int64           `json:"planted_at"` // timestamp of the block that planted it
	PlantedBy identity.PeerID `json:"planted_by"`
}

type Plot struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// State is the materialized garden at a chain head. It is a cache: replaying the same
// chain always produces an equal State.
type State struct {
	Plants map[block.Position]Plant
	Plot   *Plot
	Height uint64     // number of blocks replayed
	Head   block.Hash // hash of the last block replayed
}

func NewState() *State {
	return &State{
		Plants: make(map[block.Position]Plant),
		Head:   block.RootHash,
	}
}

func (s *State) Clone() *State {
	c := &State{
		Plants: make(map[block.Position]Plant, len(s.Plants)),
		Height: s.Height,
		Head:   s.Head,
	}
	for pos, p := range s.Plants {
		c.Plants[pos] = p
	}
	if s.Plot != nil {
		plot := *s.Plot
		c.Plot = &plot
	}
	return c
}

func (s *State) At(pos block.Position) (Plant, bool) {
	p, ok := s.Plants[pos]
	return p, ok
}

type Entry struct {
	Position block.Position `json:"position"`
	Plant    Plant          `json:"plant"`
}

// Entries lists plants ordered by row then column.
func (s *State) Entries() []Entry {
	out := make([]Entry, 0, len(s.Plants))
	for pos, p := range s.Plants {
		out = append(out, Entry{Position: pos, Plant: p})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Position, out[j].Position
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return out
}

// Digest is a stable fingerprint of the state contents, equal across processes for
// equal states.
func (s *State) Digest() block.Hash {
	h := sha256.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	str := func(v string) {
		put(uint64(len(v)))
		h.Write([]byte(v))
	}

	put(s.Height)
	h.Write(s.Head[:])
	if s.Plot != nil {
		put(1)
		str(s.Plot.ID)
		str(s.Plot.Name)
	} else {
		put(0)
	}
	for _, e := range s.Entries() {
		put(uint64(uint32(e.Position.X)))
		put(uint64(uint32(e.Position.Y)))
		str(e.Plant.Species)
		put(uint64(uint32(e.Plant.Growth)))
		put(uint64(e.Plant.PlantedAt))
		str(string(e.Plant.PlantedBy))
	}

	var out block.Hash
	h.Sum(out[:0])
	return out
}
