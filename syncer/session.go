package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/exception"
	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/monitoring"
	"golang.org/x/time/rate"
)

type State int32

const (
	StateDiscovered State = iota
	StateHandshaking
	StateHeadExchanged
	StateSyncing
	StateIdle
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateHandshaking:
		return "handshaking"
	case StateHeadExchanged:
		return "head_exchanged"
	case StateSyncing:
		return "syncing"
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type fetchTarget struct {
	hash  block.Hash
	index uint64
}

// Session runs the sync protocol with one peer over one connection. A reader
// goroutine feeds the session loop, which answers requests inline; fetching from
// the peer runs on a worker so both sides can sync from each other at once.
type Session struct {
	syncer   *Syncer
	conn     *Conn
	outbound bool
	expect   identity.PeerID
	addr     string

	peer   identity.PeerID
	dialer identity.PeerID
	state  atomic.Int32

	limiter *rate.Limiter
	inbox   chan Message
	readErr chan error

	reqSeq  atomic.Uint64
	waitMu  sync.Mutex
	waiting map[uint64]chan BlockResponse

	fetchMu  sync.Mutex
	fetchFor *fetchTarget
	fetchCh  chan struct{}

	announceCh chan *block.Block
	workerErr  chan error

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(s *Syncer, conn *Conn, opts ConnOptions) *Session {
	sess := &Session{
		syncer:     s,
		conn:       conn,
		outbound:   opts.Outbound,
		expect:     opts.Expect,
		addr:       opts.Addr,
		limiter:    rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.RequestBurst),
		inbox:      make(chan Message, 64),
		readErr:    make(chan error, 1),
		waiting:    make(map[uint64]chan BlockResponse),
		fetchCh:    make(chan struct{}, 1),
		announceCh: make(chan *block.Block, 32),
		workerErr:  make(chan error, 1),
		done:       make(chan struct{}),
	}
	sess.setState(StateDiscovered)
	return sess
}

func (s *Session) Peer() identity.PeerID {
	return s.peer
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	exception.SafeGo("syncReader", func() { s.readLoop(ctx) })

	s.setState(StateHandshaking)
	hello, err := s.handshake(ctx)
	if err != nil {
		return err
	}

	replaced, err := s.syncer.registry.Register(s, hello)
	if errors.Is(err, ErrDuplicateSession) {
		s.sendBye(ctx, "duplicate session")
		return nil
	}
	if replaced != nil {
		replaced.close()
	}
	defer s.syncer.registry.Remove(s)
	logx.Info("SYNC", "Session established with", s.peer.Short(), "head #", hello.HeadIndex, hello.HeadHash.Short())

	s.setState(StateHeadExchanged)
	s.observeHead(hello)

	exception.SafeGo("syncWorker", func() { s.fetchLoop(ctx) })
	return s.loop(ctx)
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		m, err := s.conn.Receive()
		if err != nil {
			s.readErr <- err
			return
		}
		select {
		case s.inbox <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) hello() Hello {
	head, index := s.syncer.ledger.Head()
	return Hello{
		Version:   ProtocolVersion,
		PeerID:    s.syncer.self,
		Chain:     s.syncer.ledger.Chain(),
		HeadHash:  head,
		HeadIndex: index,
		Empty:     head.IsRoot(),
	}
}

func (s *Session) send(ctx context.Context, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.syncer.cfg.RequestTimeout())
	defer cancel()
	return s.conn.Send(ctx, m)
}

func (s *Session) sendBye(ctx context.Context, reason string) {
	if err := s.send(ctx, Bye{Reason: reason}); err != nil {
		logx.Debug("SYNC", "Failed to send bye:", err)
	}
}

func (s *Session) handshake(ctx context.Context) (Hello, error) {
	timer := time.NewTimer(s.syncer.cfg.HandshakeTimeout())
	defer timer.Stop()

	sent := make(chan error, 1)
	go func() { sent <- s.send(ctx, s.hello()) }()

	var hello Hello
	for got := false; !got; {
		select {
		case m := <-s.inbox:
			switch v := m.(type) {
			case Hello:
				hello, got = v, true
			case Bye:
				return Hello{}, protocolErr(KindUnexpected, s.expect, fmt.Errorf("peer left during handshake: %s", v.Reason))
			default:
				return Hello{}, protocolErr(KindUnexpected, s.expect, fmt.Errorf("%s before hello", m.Type()))
			}
		case err := <-s.readErr:
			return Hello{}, s.readFailure(err)
		case <-timer.C:
			return Hello{}, protocolErr(KindHandshakeTimeout, s.expect, nil)
		case <-ctx.Done():
			return Hello{}, ctx.Err()
		}
	}
	select {
	case err := <-sent:
		if err != nil {
			return Hello{}, err
		}
	case <-timer.C:
		return Hello{}, protocolErr(KindHandshakeTimeout, s.expect, nil)
	case <-ctx.Done():
		return Hello{}, ctx.Err()
	}

	if _, err := hello.PeerID.PublicKey(); err != nil {
		return Hello{}, protocolErr(KindMalformed, "", err)
	}
	if s.expect != "" && hello.PeerID != s.expect {
		return Hello{}, protocolErr(KindMalformed, s.expect, fmt.Errorf("hello from %s", hello.PeerID.Short()))
	}
	s.peer = hello.PeerID
	if hello.PeerID == s.syncer.self {
		s.sendBye(ctx, "self")
		return Hello{}, protocolErr(KindUnexpected, s.peer, errors.New("connected to self"))
	}
	if hello.Chain != s.syncer.ledger.Chain() {
		s.sendBye(ctx, "chain mismatch")
		return Hello{}, protocolErr(KindChainMismatch, s.peer, fmt.Errorf("peer follows %q", hello.Chain))
	}
	if hello.Version != ProtocolVersion {
		s.sendBye(ctx, "version mismatch")
		return Hello{}, protocolErr(KindMalformed, s.peer, fmt.Errorf("protocol version %d", hello.Version))
	}

	if s.outbound {
		s.dialer = s.syncer.self
	} else {
		s.dialer = s.peer
	}
	return hello, nil
}

func (s *Session) readFailure(err error) error {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		perr.Peer = s.peer
		return perr
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Session) loop(ctx context.Context) error {
	resync := time.NewTicker(s.syncer.cfg.ResyncInterval())
	defer resync.Stop()

	for {
		select {
		case m := <-s.inbox:
			s.syncer.registry.Touch(s.peer)
			if done, err := s.handle(ctx, m); done || err != nil {
				return err
			}
		case err := <-s.readErr:
			return s.readFailure(err)
		case err := <-s.workerErr:
			reason := "error"
			var perr *ProtocolError
			if errors.As(err, &perr) {
				reason = string(perr.Kind)
			}
			s.sendBye(ctx, reason)
			return err
		case b := <-s.announceCh:
			if info, ok := s.syncer.registry.Get(s.peer); ok && info.HeadHash == b.Hash {
				continue
			}
			if err := s.send(ctx, Announce{Block: b}); err != nil {
				return err
			}
		case <-resync.C:
			if err := s.send(ctx, s.hello()); err != nil {
				return err
			}
		case <-s.done:
			return nil
		case <-ctx.Done():
			s.sendBye(context.Background(), "shutdown")
			return nil
		}
	}
}

// handle processes one inbound message. done is set when the peer said goodbye.
func (s *Session) handle(ctx context.Context, m Message) (done bool, err error) {
	switch v := m.(type) {
	case Hello:
		if v.PeerID != s.peer || v.Chain != s.syncer.ledger.Chain() {
			return false, protocolErr(KindUnexpected, s.peer, errors.New("hello changed identity"))
		}
		s.observeHead(v)

	case BlockRequest:
		if err := s.allow(ctx); err != nil {
			return false, err
		}
		return false, s.send(ctx, BlockResponse{ID: v.ID, Blocks: s.syncer.serveRange(v.From, v.To)})

	case BlockRequestByHash:
		if err := s.allow(ctx); err != nil {
			return false, err
		}
		return false, s.send(ctx, BlockResponse{ID: v.ID, Blocks: s.syncer.serveHashes(v.Hashes)})

	case BlockResponse:
		s.waitMu.Lock()
		ch, ok := s.waiting[v.ID]
		s.waitMu.Unlock()
		if ok {
			select {
			case ch <- v:
			default:
			}
		}

	case Announce:
		s.syncer.registry.UpdateHead(s.peer, v.Block.Hash, v.Block.Index)
		if s.syncer.receiveBlock(v.Block, s.peer) && s.syncer.cfg.AnnounceResync {
			s.requestFetch(fetchTarget{hash: v.Block.Hash, index: v.Block.Index})
		}

	case Bye:
		logx.Info("SYNC", "Peer", s.peer.Short(), "closed the session:", v.Reason)
		monitoring.RecordSessionClosed("bye")
		return true, nil
	}
	return false, nil
}

func (s *Session) allow(ctx context.Context) error {
	if s.limiter.Allow() {
		return nil
	}
	s.sendBye(ctx, string(KindRateLimited))
	return protocolErr(KindRateLimited, s.peer, nil)
}

func (s *Session) observeHead(h Hello) {
	s.syncer.registry.UpdateHead(s.peer, h.HeadHash, h.HeadIndex)
	if h.Empty {
		return
	}
	s.requestFetch(fetchTarget{hash: h.HeadHash, index: h.HeadIndex})
}

// requestFetch schedules a fetch toward t. Targets requested while a fetch runs are
// conflated, keeping the highest one.
func (s *Session) requestFetch(t fetchTarget) {
	s.fetchMu.Lock()
	if s.fetchFor == nil || t.index >= s.fetchFor.index {
		s.fetchFor = &t
	}
	s.fetchMu.Unlock()
	select {
	case s.fetchCh <- struct{}{}:
	default:
	}
}

func (s *Session) enqueueAnnounce(b *block.Block) {
	select {
	case s.announceCh <- b:
	default:
		logx.Debug("SYNC", "Announce queue full for", s.peer.Short())
	}
}

func (s *Session) fetchLoop(ctx context.Context) {
	for {
		select {
		case <-s.fetchCh:
		case <-ctx.Done():
			return
		}
		s.fetchMu.Lock()
		t := s.fetchFor
		s.fetchFor = nil
		s.fetchMu.Unlock()
		if t == nil {
			continue
		}

		s.setState(StateSyncing)
		err := s.syncer.fetch(ctx, s, *t)
		s.setState(StateIdle)
		if err == nil {
			continue
		}
		var perr *ProtocolError
		if errors.As(err, &perr) {
			select {
			case s.workerErr <- err:
			default:
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		logx.Warn("SYNC", "Sync with", s.peer.Short(), "failed:", err)
	}
}

// request sends a block request and waits for the matching response.
func (s *Session) request(ctx context.Context, m Message) (BlockResponse, error) {
	id := s.reqSeq.Add(1)
	switch v := m.(type) {
	case BlockRequest:
		v.ID = id
		m = v
	case BlockRequestByHash:
		v.ID = id
		m = v
	}

	ch := make(chan BlockResponse, 1)
	s.waitMu.Lock()
	s.waiting[id] = ch
	s.waitMu.Unlock()
	defer func() {
		s.waitMu.Lock()
		delete(s.waiting, id)
		s.waitMu.Unlock()
	}()

	start := time.Now()
	if err := s.send(ctx, m); err != nil {
		return BlockResponse{}, err
	}
	timer := time.NewTimer(s.syncer.cfg.RequestTimeout())
	defer timer.Stop()
	select {
	case resp := <-ch:
		monitoring.RecordSyncBatch(time.Since(start))
		return resp, nil
	case <-timer.C:
		return BlockResponse{}, protocolErr(KindRequestTimeout, s.peer, fmt.Errorf("%s #%d", m.Type(), id))
	case <-s.done:
		return BlockResponse{}, io.ErrClosedPipe
	case <-ctx.Done():
		return BlockResponse{}, ctx.Err()
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateDisconnected)
		close(s.done)
		_ = s.conn.Close()
	})
}
