package syncer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/block/blocktest"
	"github.com/gardenledger/garden/config"
	"github.com/gardenledger/garden/consensus"
	"github.com/gardenledger/garden/db"
	"github.com/gardenledger/garden/garden"
	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/ledger"
	"github.com/gardenledger/garden/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.SyncConfig {
	cfg := config.DefaultTuning().Sync
	cfg.BatchSize = 2
	cfg.HandshakeTimeoutMs = 2000
	cfg.RequestTimeoutMs = 2000
	cfg.ResyncIntervalS = 1
	return cfg
}

type node struct {
	signer *identity.KeySigner
	ledger *ledger.Ledger
	syncer *Syncer
}

func newNode(t *testing.T, chain string, cfg config.SyncConfig) *node {
	t.Helper()
	provider, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	st, err := store.NewBlockStore(provider)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	signer := blocktest.Signer(t)
	l, err := ledger.New(ledger.Options{
		Chain:          chain,
		Signer:         signer,
		Store:          st,
		Engine:         consensus.NewEngine(st, 0),
		AuthorInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return &node{signer: signer, ledger: l, syncer: New(l, cfg)}
}

func (n *node) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.ledger.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (n *node) submit(t *testing.T, a block.Action) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := n.ledger.SubmitAction(ctx, a)
	require.NoError(t, err)
}

func (n *node) adopt(t *testing.T, c block.Chain) {
	t.Helper()
	for _, b := range c.Blocks() {
		require.NoError(t, n.ledger.Store().PutBlock(b))
	}
	_, err := n.ledger.Offer(c, "test")
	require.NoError(t, err)
}

// connect runs a session between a and b over an in-memory pipe.
func connect(t *testing.T, a, b *node) (errA, errB <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pa, pb := net.Pipe()
	ea, eb := make(chan error, 1), make(chan error, 1)
	go func() { ea <- a.syncer.HandleConn(ctx, pa, ConnOptions{Outbound: true}) }()
	go func() { eb <- b.syncer.HandleConn(ctx, pb, ConnOptions{Expect: a.signer.ID()}) }()
	return ea, eb
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestTwoPeersSyncGarden(t *testing.T) {
	cfg := testConfig()
	x, y := newNode(t, "home", cfg), newNode(t, "home", cfg)
	x.run(t)

	pos := block.Position{X: 2, Y: 3}
	x.submit(t, block.NewNamePlot("p1", "allotment"))
	x.submit(t, block.NewPlantAt(pos, "rose"))
	for i := 0; i < 4; i++ {
		x.submit(t, block.NewGrow(pos, 1))
	}
	require.Equal(t, 6, x.ledger.Current().Len())

	connect(t, x, y)

	require.Eventually(t, func() bool {
		p, ok := y.ledger.CurrentState().At(pos)
		return ok && p.Growth == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, x.ledger.CurrentState().Digest(), y.ledger.CurrentState().Digest())

	p, _ := y.ledger.CurrentState().At(pos)
	assert.Equal(t, "rose", p.Species)
	assert.Equal(t, x.signer.ID(), p.PlantedBy)

	// blocks authored after the handshake arrive by announcement
	x.submit(t, block.NewGrow(pos, 1))
	require.Eventually(t, func() bool {
		p, ok := y.ledger.CurrentState().At(pos)
		return ok && p.Growth == 5
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		info, ok := x.syncer.Registry().Get(y.signer.ID())
		return ok && info.ID == y.signer.ID()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestForkedPeersConverge(t *testing.T) {
	cfg := testConfig()
	x, y := newNode(t, "home", cfg), newNode(t, "home", cfg)
	author := blocktest.Signer(t)

	g := blocktest.Genesis(t, author, block.NewNamePlot("p1", "shared"))
	xs := blocktest.Extend(t, x.signer, g, block.NewPlantAt(block.Position{X: 1}, "leek"))
	ys := blocktest.Extend(t, y.signer, g, block.NewPlantAt(block.Position{X: 2}, "kale"))
	ys = blocktest.Extend(t, y.signer, ys, block.NewGrow(block.Position{X: 2}, 1))
	ys = blocktest.Extend(t, y.signer, ys, block.NewGrow(block.Position{X: 2}, 1))
	x.adopt(t, xs)
	y.adopt(t, ys)

	connect(t, x, y)

	want := block.Better(xs, ys).HeadHash()
	require.Eventually(t, func() bool {
		hx, _ := x.ledger.Head()
		hy, _ := y.ledger.Head()
		return hx == want && hy == want
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, garden.Project(ys).Digest(), x.ledger.CurrentState().Digest())

	// the losing block stays stored for a later reorg
	ok, err := y.ledger.Store().HasBlock(xs.HeadHash())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAnnouncedOrphanWaitsForParent(t *testing.T) {
	n := newNode(t, "home", testConfig())
	author := blocktest.Signer(t)
	g := blocktest.Genesis(t, author)
	n.adopt(t, g)

	c := blocktest.Extend(t, author, g, block.NewPlantAt(block.Position{}, "moss"))
	c = blocktest.Extend(t, author, c, block.NewGrow(block.Position{}, 2))

	assert.True(t, n.syncer.receiveBlock(c.At(2), author.ID()))
	assert.Equal(t, 1, n.syncer.Pending().Len())
	head, _ := n.ledger.Head()
	assert.Equal(t, g.HeadHash(), head)

	assert.False(t, n.syncer.receiveBlock(c.At(1), author.ID()))
	assert.Equal(t, 0, n.syncer.Pending().Len())
	head, _ = n.ledger.Head()
	assert.Equal(t, c.HeadHash(), head)
	p, ok := n.ledger.CurrentState().At(block.Position{})
	require.True(t, ok)
	assert.Equal(t, int32(2), p.Growth)

	// a tampered announcement is rejected without touching the buffer
	bad := c.Head().Clone()
	bad.Signature[0] ^= 1
	bad.Hash = bad.ComputeHash()
	assert.False(t, n.syncer.receiveBlock(bad, author.ID()))
	assert.Equal(t, 0, n.syncer.Pending().Len())
}

func TestHandleGossipRejectsNonAnnounce(t *testing.T) {
	n := newNode(t, "home", testConfig())
	data, err := EncodeMessage(Bye{Reason: "nope"})
	require.NoError(t, err)
	assert.ErrorIs(t, n.syncer.HandleGossip(blocktest.Signer(t).ID(), data), ErrUnexpected)
	assert.ErrorIs(t, n.syncer.HandleGossip("", []byte("{")), ErrMalformed)
}

func TestChainMismatchEndsSession(t *testing.T) {
	cfg := testConfig()
	x, y := newNode(t, "home", cfg), newNode(t, "away", cfg)
	ea, eb := connect(t, x, y)
	assert.ErrorIs(t, waitErr(t, ea), ErrChainMismatch)
	assert.ErrorIs(t, waitErr(t, eb), ErrChainMismatch)
	assert.Equal(t, 0, x.syncer.Registry().Len())
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeoutMs = 100
	n := newNode(t, "home", cfg)

	pa, pb := net.Pipe()
	defer pb.Close()
	err := n.syncer.HandleConn(context.Background(), pa, ConnOptions{})
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

// rawPeer speaks the protocol by hand from the other end of a pipe.
func rawPeer(t *testing.T, conn net.Conn, chain string) (*Conn, <-chan Message) {
	t.Helper()
	hello := Hello{Version: ProtocolVersion, PeerID: blocktest.Signer(t).ID(), Chain: chain, HeadHash: block.RootHash, Empty: true}
	return rawPeerWithHello(t, conn, hello)
}

func rawPeerWithHello(t *testing.T, conn net.Conn, hello Hello) (*Conn, <-chan Message) {
	t.Helper()
	c := NewConn(conn, 0)
	t.Cleanup(func() { _ = c.Close() })
	msgs := make(chan Message, 64)
	go func() {
		defer close(msgs)
		for {
			m, err := c.Receive()
			if err != nil {
				return
			}
			msgs <- m
		}
	}()
	require.NoError(t, c.Send(context.Background(), hello))
	return c, msgs
}

func TestInvalidBlockKeepsValidPrefix(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	n := newNode(t, "home", cfg)

	author := blocktest.Signer(t)
	pos := block.Position{X: 2, Y: 3}
	c := blocktest.Genesis(t, author)
	c = blocktest.Extend(t, author, c, block.NewPlantAt(pos, "rose"))
	bad := blocktest.Extend(t, author, c).Head().Clone()
	bad.Signature[0] ^= 1
	bad.Hash = bad.ComputeHash()
	served := append(c.Blocks(), bad)

	pa, pb := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.syncer.HandleConn(ctx, pa, ConnOptions{}) }()

	hello := Hello{Version: ProtocolVersion, PeerID: author.ID(), Chain: "home", HeadHash: bad.Hash, HeadIndex: bad.Index}
	raw, msgs := rawPeerWithHello(t, pb, hello)
	go func() {
		for m := range msgs {
			req, ok := m.(BlockRequest)
			if !ok {
				continue
			}
			var blocks []*block.Block
			for _, b := range served {
				if int64(b.Index) > req.From && int64(b.Index) <= req.To {
					blocks = append(blocks, b)
				}
			}
			if raw.Send(context.Background(), BlockResponse{ID: req.ID, Blocks: blocks}) != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		head, _ := n.ledger.Head()
		return head == c.HeadHash()
	}, 5*time.Second, 10*time.Millisecond)
	_, ok := n.ledger.CurrentState().At(pos)
	assert.True(t, ok)

	stored, err := n.ledger.Store().HasBlock(bad.Hash)
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestRequestFloodClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1
	cfg.RequestBurst = 2
	n := newNode(t, "home", cfg)

	pa, pb := net.Pipe()
	errCh := make(chan error, 1)
	go func() { errCh <- n.syncer.HandleConn(context.Background(), pa, ConnOptions{}) }()

	raw, msgs := rawPeer(t, pb, "home")
	go func() {
		for i := 0; i < 5; i++ {
			if raw.Send(context.Background(), BlockRequest{ID: uint64(i), From: -1, To: 0}) != nil {
				return
			}
		}
	}()

	assert.ErrorIs(t, waitErr(t, errCh), ErrRateLimited)

	var bye *Bye
	for m := range msgs {
		if v, ok := m.(Bye); ok {
			bye = &v
		}
	}
	require.NotNil(t, bye)
	assert.Equal(t, string(KindRateLimited), bye.Reason)
}

func TestMalformedMessageClosesSession(t *testing.T) {
	n := newNode(t, "home", testConfig())
	pa, pb := net.Pipe()
	errCh := make(chan error, 1)
	go func() { errCh <- n.syncer.HandleConn(context.Background(), pa, ConnOptions{}) }()

	rawPeer(t, pb, "home")
	go func() { _, _ = pb.Write([]byte("{\"type\":\"block_request\",\"payload\":[]}\n")) }()

	assert.ErrorIs(t, waitErr(t, errCh), ErrMalformed)
}

func TestServeRangeCapsBatch(t *testing.T) {
	n := newNode(t, "home", testConfig())
	author := blocktest.Signer(t)
	n.adopt(t, blocktest.Grow(t, author, blocktest.Genesis(t, author), 5))

	blocks := n.syncer.serveRange(-1, 10)
	require.Len(t, blocks, 2)
	assert.True(t, blocks[0].IsGenesis())

	blocks = n.syncer.serveRange(3, 10)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint64(4), blocks[0].Index)
	assert.Equal(t, uint64(5), blocks[1].Index)

	assert.Empty(t, n.syncer.serveRange(5, 10))
}
