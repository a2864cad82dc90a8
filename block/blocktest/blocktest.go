// Package blocktest builds signed blocks and chains for tests.
package blocktest

import (
	"testing"
	"time"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/identity"
	"github.com/stretchr/testify/require"
)

// Epoch is the timestamp of every test genesis block.
var Epoch = time.UnixMilli(1_700_000_000_000)

func Signer(t testing.TB) *identity.KeySigner {
	t.Helper()
	s, err := identity.GenerateSigner()
	require.NoError(t, err)
	return s
}

func Genesis(t testing.TB, signer identity.Signer, actions ...block.Action) block.Chain {
	t.Helper()
	g, err := block.NewBlock(nil, Epoch, actions, signer)
	require.NoError(t, err)
	c, err := block.NewChain([]*block.Block{g})
	require.NoError(t, err)
	return c
}

// Extend appends one block authored one second after the head.
func Extend(t testing.TB, signer identity.Signer, c block.Chain, actions ...block.Action) block.Chain {
	t.Helper()
	return ExtendAfter(t, signer, c, time.Second, actions...)
}

// ExtendAfter appends one block authored d after the head.
func ExtendAfter(t testing.TB, signer identity.Signer, c block.Chain, d time.Duration, actions ...block.Action) block.Chain {
	t.Helper()
	head := c.Head()
	require.NotNil(t, head, "extend an empty chain")
	b, err := block.NewBlock(head, head.Time().Add(d), actions, signer)
	require.NoError(t, err)
	next, err := c.Append(b)
	require.NoError(t, err)
	return next
}

// Grow appends n empty blocks.
func Grow(t testing.TB, signer identity.Signer, c block.Chain, n int) block.Chain {
	t.Helper()
	for i := 0; i < n; i++ {
		c = Extend(t, signer, c)
	}
	return c
}
