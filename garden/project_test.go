package garden_test

import (
	"math"
	"testing"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/block/blocktest"
	"github.com/gardenledger/garden/garden"
	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/jsonx"
	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fuzzOp struct {
	Kind    uint8
	X, Y    int8
	Species string
	Delta   int8
}

func (op fuzzOp) action() block.Action {
	pos := block.Position{X: int32(op.X % 4), Y: int32(op.Y % 4)}
	switch op.Kind % 5 {
	case 0:
		return block.NewPlantAt(pos, op.Species)
	case 1:
		return block.NewRemoveAt(pos)
	case 2:
		return block.NewGrow(pos, int32(op.Delta))
	case 3:
		return block.NewNamePlot("plot-"+op.Species, op.Species)
	default:
		return block.Action{Type: "unknown_" + op.Species, Data: jsonx.RawMessage(`{"v":1}`)}
	}
}

func randomChain(t *testing.T, seed int64, signer identity.Signer) block.Chain {
	f := fuzz.NewWithSeed(seed).NilChance(0).NumElements(0, 6)
	c := blocktest.Genesis(t, signer)
	for i := 0; i < 12; i++ {
		var ops []fuzzOp
		f.Fuzz(&ops)
		actions := make([]block.Action, 0, len(ops))
		for _, op := range ops {
			actions = append(actions, op.action())
		}
		c = blocktest.Extend(t, signer, c, actions...)
	}
	return c
}

func TestProjectDeterministic(t *testing.T) {
	signer := blocktest.Signer(t)
	for seed := int64(1); seed <= 20; seed++ {
		c := randomChain(t, seed, signer)

		first := garden.Project(c)
		second := garden.Project(c)
		assert.Equal(t, first, second)
		assert.Equal(t, first.Digest(), second.Digest())

		// a chain decoded from the same bytes projects to the same state
		var blocks []*block.Block
		raw, err := jsonx.Marshal(c.Blocks())
		require.NoError(t, err)
		require.NoError(t, jsonx.Unmarshal(raw, &blocks))
		decoded, err := block.NewChain(blocks)
		require.NoError(t, err)
		assert.Equal(t, first.Digest(), garden.Project(decoded).Digest())
	}
}

func TestIncrementalApplyMatchesReplay(t *testing.T) {
	signer := blocktest.Signer(t)
	c := randomChain(t, 99, signer)

	s := garden.NewState()
	for _, b := range c.Blocks() {
		garden.Apply(s, b)
	}
	assert.Equal(t, garden.Project(c).Digest(), s.Digest())
	assert.Equal(t, uint64(c.Len()), s.Height)
	assert.Equal(t, c.HeadHash(), s.Head)
}

func TestPlantLastWriteWins(t *testing.T) {
	signer := blocktest.Signer(t)
	pos := block.Position{X: 2, Y: 3}
	c := blocktest.Genesis(t, signer)
	c = blocktest.Extend(t, signer, c,
		block.NewPlantAt(pos, "rose"),
		block.NewPlantAt(pos, "tulip"),
	)

	s := garden.Project(c)
	p, ok := s.At(pos)
	require.True(t, ok)
	assert.Equal(t, "tulip", p.Species)
	assert.Equal(t, signer.ID(), p.PlantedBy)
	assert.Len(t, s.Plants, 1)

	c = blocktest.Extend(t, signer, c, block.NewPlantAt(pos, "daisy"))
	p, _ = garden.Project(c).At(pos)
	assert.Equal(t, "daisy", p.Species)
	assert.Equal(t, int32(0), p.Growth)
}

func TestGrowAndRemove(t *testing.T) {
	signer := blocktest.Signer(t)
	pos := block.Position{X: 1, Y: 1}
	empty := block.Position{X: 9, Y: 9}

	c := blocktest.Genesis(t, signer, block.NewPlantAt(pos, "oak"))
	c = blocktest.Extend(t, signer, c, block.NewGrow(pos, 3), block.NewGrow(empty, 5))
	c = blocktest.Extend(t, signer, c, block.NewGrow(pos, -10))

	s := garden.Project(c)
	p, ok := s.At(pos)
	require.True(t, ok)
	assert.Equal(t, int32(0), p.Growth, "growth never drops below zero")
	_, ok = s.At(empty)
	assert.False(t, ok, "grow on empty ground plants nothing")

	c = blocktest.Extend(t, signer, c, block.NewGrow(pos, 2))
	p, _ = garden.Project(c).At(pos)
	assert.Equal(t, int32(2), p.Growth)

	c = blocktest.Extend(t, signer, c, block.NewGrow(pos, math.MaxInt32), block.NewGrow(pos, 1))
	p, _ = garden.Project(c).At(pos)
	assert.Equal(t, int32(math.MaxInt32), p.Growth, "growth saturates instead of wrapping")

	c = blocktest.Extend(t, signer, c, block.NewGrow(pos, math.MinInt32))
	p, _ = garden.Project(c).At(pos)
	assert.Equal(t, int32(0), p.Growth)

	c = blocktest.Extend(t, signer, c, block.NewRemoveAt(pos))
	assert.Empty(t, garden.Project(c).Plants)
}

func TestNamePlotFirstWins(t *testing.T) {
	signer := blocktest.Signer(t)
	c := blocktest.Genesis(t, signer, block.NewNamePlot("a1", "Greg's plot"))
	c = blocktest.Extend(t, signer, c, block.NewNamePlot("b2", "Someone else's"))

	s := garden.Project(c)
	require.NotNil(t, s.Plot)
	assert.Equal(t, "a1", s.Plot.ID)
	assert.Equal(t, "Greg's plot", s.Plot.Name)
}

func TestUnknownAndMalformedActionsAreNoOps(t *testing.T) {
	signer := blocktest.Signer(t)
	base := blocktest.Genesis(t, signer, block.NewPlantAt(block.Position{}, "moss"))
	before := garden.Project(base)

	c := blocktest.Extend(t, signer, base,
		block.Action{Type: "water_at", Data: jsonx.RawMessage(`{"x":1}`)},
		block.Action{Type: block.ActionPlantAt, Data: jsonx.RawMessage(`"not an object"`)},
	)
	after := garden.Project(c)

	assert.Equal(t, before.Plants, after.Plants)
	assert.Equal(t, before.Height+1, after.Height)
}

func TestCloneIsIndependent(t *testing.T) {
	signer := blocktest.Signer(t)
	c := blocktest.Genesis(t, signer, block.NewPlantAt(block.Position{}, "moss"), block.NewNamePlot("p", "home"))
	s := garden.Project(c)

	cp := s.Clone()
	cp.Plants[block.Position{X: 5}] = garden.Plant{Species: "weed"}
	cp.Plot.Name = "renamed"

	assert.Len(t, s.Plants, 1)
	assert.Equal(t, "home", s.Plot.Name)
}
