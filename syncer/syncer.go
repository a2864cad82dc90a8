// Package syncer implements the peer synchronization protocol over any byte stream.
// It fetches missing blocks from peers, validates and stores them, and hands the
// resulting chains to the ledger, which decides what to adopt.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/config"
	"github.com/gardenledger/garden/consensus"
	"github.com/gardenledger/garden/events"
	"github.com/gardenledger/garden/exception"
	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/monitoring"
	"github.com/gardenledger/garden/store"
)

// Ledger is the part of ledger.Ledger the syncer drives.
type Ledger interface {
	Chain() string
	PeerID() identity.PeerID
	Head() (block.Hash, uint64)
	Current() block.Chain
	Store() *store.BlockStore
	Events() *events.EventBus
	Offer(candidate block.Chain, source string) (consensus.Decision, error)
	OnHeadBlock(fn func(*block.Block))
}

// GossipFunc publishes an encoded announce message to every subscriber of the chain.
type GossipFunc func(ctx context.Context, data []byte) error

type ConnOptions struct {
	// Outbound is set on the side that opened the connection.
	Outbound bool
	// Expect, when set, is the peer ID the transport authenticated.
	Expect identity.PeerID
	// MaxMessageSize bounds one message; DefaultMaxMessageSize when zero.
	MaxMessageSize int
	// Addr is the remote address as the transport reports it, kept in the registry.
	Addr string
}

// maxHashRounds bounds how far by-hash fetching walks back through missing parents.
const maxHashRounds = 8

type Syncer struct {
	ledger   Ledger
	store    *store.BlockStore
	self     identity.PeerID
	cfg      config.SyncConfig
	registry *PeerRegistry
	pending  *PendingBuffer

	gossip GossipFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// withDefaults fills unset tuning values from config.DefaultTuning.
func withDefaults(cfg config.SyncConfig) config.SyncConfig {
	def := config.DefaultTuning().Sync
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PendingDepth <= 0 {
		cfg.PendingDepth = def.PendingDepth
	}
	if cfg.HandshakeTimeoutMs <= 0 {
		cfg.HandshakeTimeoutMs = def.HandshakeTimeoutMs
	}
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = def.RequestTimeoutMs
	}
	if cfg.PeerSilenceS <= 0 {
		cfg.PeerSilenceS = def.PeerSilenceS
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = def.RequestBurst
	}
	if cfg.ResyncIntervalS <= 0 {
		cfg.ResyncIntervalS = def.ResyncIntervalS
	}
	return cfg
}

func New(l Ledger, cfg config.SyncConfig) *Syncer {
	cfg = withDefaults(cfg)
	s := &Syncer{
		ledger:   l,
		store:    l.Store(),
		self:     l.PeerID(),
		cfg:      cfg,
		registry: NewPeerRegistry(),
		pending:  NewPendingBuffer(cfg.PendingDepth),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	l.OnHeadBlock(s.broadcast)
	return s
}

// SetGossip installs the publisher used for announcements besides open sessions.
func (s *Syncer) SetGossip(fn GossipFunc) {
	s.gossip = fn
}

func (s *Syncer) Registry() *PeerRegistry {
	return s.registry
}

func (s *Syncer) Pending() *PendingBuffer {
	return s.pending
}

// Run collects silent peers until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	defer s.cancel()
	ticker := time.NewTicker(s.cfg.PeerSilence() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, sess := range s.registry.CollectStale(s.cfg.PeerSilence()) {
				logx.Info("SYNC", "Dropping silent peer", sess.peer.Short())
				monitoring.RecordSessionClosed("silent")
				sess.close()
			}
		case <-ctx.Done():
			for _, sess := range s.registry.sessions() {
				sess.close()
			}
			return nil
		}
	}
}

// HandleConn runs one session over rwc until the peer leaves, the session fails or
// ctx is done. rwc is closed on return.
func (s *Syncer) HandleConn(ctx context.Context, rwc io.ReadWriteCloser, opts ConnOptions) error {
	sess := newSession(s, NewConn(rwc, opts.MaxMessageSize), opts)
	err := sess.run(ctx)

	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		monitoring.RecordSessionClosed(string(perr.Kind))
		logx.Warn("SYNC", "Session closed:", err)
	case err != nil && ctx.Err() == nil:
		monitoring.RecordSessionClosed("io")
		logx.Debug("SYNC", "Session with", sess.peer.Short(), "ended:", err)
	}
	return err
}

// HandleGossip processes an announce received on the gossip topic.
func (s *Syncer) HandleGossip(from identity.PeerID, data []byte) error {
	m, err := DecodeMessage(data)
	if err != nil {
		return protocolErr(KindMalformed, from, err)
	}
	a, ok := m.(Announce)
	if !ok {
		return protocolErr(KindUnexpected, from, fmt.Errorf("%s on gossip", m.Type()))
	}
	if !s.receiveBlock(a.Block, from) || !s.cfg.AnnounceResync {
		return nil
	}
	if sess := s.registry.session(from); sess != nil {
		sess.requestFetch(fetchTarget{hash: a.Block.Hash, index: a.Block.Index})
	}
	return nil
}

func (s *Syncer) broadcast(b *block.Block) {
	for _, sess := range s.registry.sessions() {
		sess.enqueueAnnounce(b)
	}
	if s.gossip == nil {
		return
	}
	data, err := EncodeMessage(Announce{Block: b})
	if err != nil {
		logx.Error("SYNC", "Failed to encode announce:", err)
		return
	}
	exception.SafeGo("gossipAnnounce", func() {
		if err := s.gossip(s.ctx, data); err != nil {
			logx.Warn("SYNC", "Failed to gossip block", b.Hash.Short(), ":", err)
		}
	})
}

// serveRange returns the adopted blocks with index in (from, to], at most one batch.
func (s *Syncer) serveRange(from, to int64) []*block.Block {
	c := s.ledger.Current()
	if c.IsEmpty() {
		return nil
	}
	if from < -1 {
		from = -1
	}
	if head := int64(c.Head().Index); to > head {
		to = head
	}
	if to-from > int64(s.cfg.BatchSize) {
		to = from + int64(s.cfg.BatchSize)
	}
	if to <= from {
		return nil
	}
	out := make([]*block.Block, 0, to-from)
	for i := from + 1; i <= to; i++ {
		out = append(out, c.At(int(i)))
	}
	return out
}

func (s *Syncer) serveHashes(hashes []block.Hash) []*block.Block {
	if len(hashes) > s.cfg.BatchSize {
		hashes = hashes[:s.cfg.BatchSize]
	}
	out, err := s.store.GetBlocks(hashes)
	if err != nil {
		logx.Warn("SYNC", "Failed to read requested blocks:", err)
		return nil
	}
	return out
}

func (s *Syncer) known(h block.Hash) bool {
	ok, err := s.store.HasBlock(h)
	if err != nil {
		logx.Error("SYNC", "Store lookup failed:", err)
	}
	return ok
}

func (s *Syncer) reject(b *block.Block, source identity.PeerID, err error) {
	var verr *block.ValidationError
	reason := "other"
	if errors.As(err, &verr) {
		reason = string(verr.Kind)
	}
	monitoring.RecordRejectedBlock(reason)
	s.ledger.Events().Publish(events.NewBlockRejected(s.ledger.Chain(), b.Hash, source.String(), err))
	logx.Warn("SYNC", "Rejected block #", b.Index, b.Hash.Short(), "from", source.Short(), ":", err)
}

// accept validates b against its stored parent (nil for genesis) and stores it.
func (s *Syncer) accept(b, parent *block.Block, source identity.PeerID) error {
	if err := block.Validate(b, parent); err != nil {
		s.reject(b, source, err)
		return err
	}
	if err := s.store.PutBlock(b); err != nil {
		return err
	}
	monitoring.IncreaseAcceptedBlocks()
	return nil
}

// acceptRun stores blocks in order on top of parent and returns the last one, plus
// the heads of buffered runs that could be stored along the way.
func (s *Syncer) acceptRun(parent *block.Block, blocks []*block.Block, source identity.PeerID) (*block.Block, []*block.Block, error) {
	prev := parent
	var leaves []*block.Block
	for _, b := range blocks {
		if b == nil {
			return prev, leaves, protocolErr(KindMalformed, source, errors.New("null block in response"))
		}
		if err := s.accept(b, prev, source); err != nil {
			return prev, leaves, err
		}
		prev = b
		leaves = append(leaves, s.drainPending(b)...)
	}
	return prev, leaves, nil
}

// drainPending stores the buffered descendants of a newly stored block and returns
// the heads of the runs it completed.
func (s *Syncer) drainPending(parent *block.Block) []*block.Block {
	var leaves []*block.Block
	queue := []*block.Block{parent}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		kids := s.pending.TakeChildren(p.Hash)
		if len(kids) == 0 {
			if p != parent {
				leaves = append(leaves, p)
			}
			continue
		}
		for _, e := range kids {
			if err := s.accept(e.block, p, e.source); err != nil {
				continue
			}
			queue = append(queue, e.block)
		}
	}
	return leaves
}

// receiveBlock handles one announced block. It reports whether the block's history
// is missing and should be fetched from the announcer.
func (s *Syncer) receiveBlock(b *block.Block, source identity.PeerID) (needFetch bool) {
	if err := block.VerifyIntegrity(b); err != nil {
		s.reject(b, source, err)
		return false
	}
	if s.known(b.Hash) {
		return false
	}

	var parent *block.Block
	if !b.IsGenesis() {
		p, err := s.store.GetBlock(b.PrevHash)
		if errors.Is(err, store.ErrBlockNotFound) {
			if s.pending.Add(b, source) {
				logx.Debug("SYNC", "Buffered block #", b.Index, b.Hash.Short(), "waiting for", b.PrevHash.Short())
			}
			return true
		}
		if err != nil {
			logx.Error("SYNC", "Failed to load parent of", b.Hash.Short(), ":", err)
			return false
		}
		parent = p
	}

	if err := s.accept(b, parent, source); err != nil {
		return false
	}
	heads := s.drainPending(b)
	if len(heads) == 0 {
		heads = []*block.Block{b}
	}
	for _, h := range heads {
		s.offer(h.Hash, source)
	}
	return false
}

// offer hands the stored chain ending at head to the ledger.
func (s *Syncer) offer(head block.Hash, source identity.PeerID) {
	c, err := s.store.LoadChain(head)
	if err != nil {
		logx.Warn("SYNC", "Cannot load chain at", head.Short(), ":", err)
		return
	}
	d, err := s.ledger.Offer(c, source.String())
	switch {
	case errors.Is(err, consensus.ErrNoCommonAncestor):
		logx.Info("SYNC", "Peer", source.Short(), "follows an unrelated garden")
	case errors.Is(err, consensus.ErrBelowFinality):
		logx.Warn("SYNC", "Ignored fork from", source.Short(), ":", err)
	case err != nil:
		logx.Error("SYNC", "Offer from", source.Short(), "failed:", err)
	default:
		logx.Debug("SYNC", "Offered #", c.Head().Index, "from", source.Short(), "->", d.Relation.String())
	}
}

// fetch downloads the peer's chain up to t. The first request starts just below the
// lower of both heads and backs off exponentially toward genesis until the first
// returned block has a stored parent; the rest is fetched forward in batches, each
// block validated and stored before the next request.
func (s *Syncer) fetch(ctx context.Context, sess *Session, t fetchTarget) error {
	if s.known(t.hash) {
		s.offer(t.hash, sess.peer)
		return s.fetchMissing(ctx, sess)
	}

	to := int64(t.index)
	from := int64(-1)
	if c := s.ledger.Current(); !c.IsEmpty() {
		from = min(int64(c.Head().Index), to-1)
	}
	batch := int64(s.cfg.BatchSize)

	var parent *block.Block
	var first []*block.Block
	for back := int64(1); ; back *= 2 {
		resp, err := sess.request(ctx, BlockRequest{From: from, To: min(from+batch, to)})
		if err != nil {
			return err
		}
		if len(resp.Blocks) == 0 || resp.Blocks[0] == nil {
			return fmt.Errorf("peer has no blocks in (%d, %d]", from, min(from+batch, to))
		}
		b0 := resp.Blocks[0]
		if b0.IsGenesis() {
			first = resp.Blocks
			break
		}
		p, err := s.store.GetBlock(b0.PrevHash)
		if err == nil {
			parent, first = p, resp.Blocks
			break
		}
		if !errors.Is(err, store.ErrBlockNotFound) {
			return err
		}
		if from < 0 {
			return protocolErr(KindMalformed, sess.peer, errors.New("chain does not start at genesis"))
		}
		from = max(from-back, -1)
	}

	head, leaves, err := s.acceptRun(parent, first, sess.peer)
	for err == nil && head.Index < uint64(to) {
		resp, rerr := sess.request(ctx, BlockRequest{From: int64(head.Index), To: min(int64(head.Index)+batch, to)})
		if rerr != nil {
			err = rerr
			break
		}
		if len(resp.Blocks) == 0 {
			break
		}
		var more []*block.Block
		head, more, err = s.acceptRun(head, resp.Blocks, sess.peer)
		leaves = append(leaves, more...)
	}

	// blocks stored before a failure are still offered; only the bad block is dropped
	if head != nil && head != parent {
		s.offer(head.Hash, sess.peer)
	}
	for _, leaf := range leaves {
		s.offer(leaf.Hash, sess.peer)
	}
	if err != nil {
		return err
	}
	logx.Info("SYNC", "Fetched up to #", head.Index, head.Hash.Short(), "from", sess.peer.Short())
	return s.fetchMissing(ctx, sess)
}

// fetchMissing requests by hash the blocks the pending buffer evicted and the
// missing parents of buffered blocks.
func (s *Syncer) fetchMissing(ctx context.Context, sess *Session) error {
	for round := 0; round < maxHashRounds; round++ {
		var want []block.Hash
		for _, h := range append(s.pending.TakeEvicted(), s.pending.MissingParents()...) {
			if !s.known(h) {
				want = append(want, h)
			}
		}
		if len(want) == 0 {
			return nil
		}
		if len(want) > s.cfg.BatchSize {
			want = want[:s.cfg.BatchSize]
		}

		resp, err := sess.request(ctx, BlockRequestByHash{Hashes: want})
		if err != nil {
			return err
		}
		if len(resp.Blocks) == 0 {
			return nil
		}
		for _, b := range resp.Blocks {
			if b != nil {
				s.receiveBlock(b, sess.peer)
			}
		}
	}
	return nil
}
