package syncer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/monitoring"
)

var ErrDuplicateSession = errors.New("peer already has a session")

type PeerInfo struct {
	ID        identity.PeerID `json:"id"`
	HeadHash  block.Hash      `json:"head_hash"`
	HeadIndex uint64          `json:"head_index"`
	Addr      string          `json:"addr,omitempty"`
	Outbound  bool            `json:"outbound"`
	Connected time.Time       `json:"connected"`
	LastSeen  time.Time       `json:"last_seen"`
}

type peerEntry struct {
	info    PeerInfo
	session *Session
}

// PeerRegistry tracks the peers with an established session, one session per peer.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[identity.PeerID]*peerEntry
	now   func() time.Time
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[identity.PeerID]*peerEntry),
		now:   time.Now,
	}
}

// Register adds s after its handshake. When the peer already has a session both
// sides keep the one dialed by the lower peer ID, so simultaneous dials settle on
// the same connection; a redial in the same direction replaces the old session.
// The losing session is returned for the caller to close, or ErrDuplicateSession
// when s itself loses.
func (r *PeerRegistry) Register(s *Session, hello Hello) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry := &peerEntry{
		info: PeerInfo{
			ID:        s.peer,
			HeadHash:  hello.HeadHash,
			HeadIndex: hello.HeadIndex,
			Addr:      s.addr,
			Outbound:  s.outbound,
			Connected: now,
			LastSeen:  now,
		},
		session: s,
	}

	var replaced *Session
	if old, ok := r.peers[s.peer]; ok && old.session != s {
		if old.session.dialer != s.dialer && old.session.dialer < s.dialer {
			return nil, ErrDuplicateSession
		}
		replaced = old.session
	}
	r.peers[s.peer] = entry
	monitoring.SetPeerCount(len(r.peers))
	return replaced, nil
}

// Remove drops the peer of s if s is still its registered session.
func (r *PeerRegistry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[s.peer]
	if !ok || e.session != s {
		return false
	}
	delete(r.peers, s.peer)
	monitoring.SetPeerCount(len(r.peers))
	return true
}

func (r *PeerRegistry) Touch(id identity.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[id]; ok {
		e.info.LastSeen = r.now()
	}
}

func (r *PeerRegistry) UpdateHead(id identity.PeerID, head block.Hash, index uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[id]; ok {
		e.info.HeadHash = head
		e.info.HeadIndex = index
		e.info.LastSeen = r.now()
	}
}

func (r *PeerRegistry) Get(id identity.PeerID) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return e.info, true
}

func (r *PeerRegistry) session(id identity.PeerID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peers[id]; ok {
		return e.session
	}
	return nil
}

func (r *PeerRegistry) sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.session)
	}
	return out
}

// Peers lists registered peers ordered by ID.
func (r *PeerRegistry) Peers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// CollectStale removes and returns the sessions of peers not heard from within
// silence.
func (r *PeerRegistry) CollectStale(silence time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-silence)
	var out []*Session
	for id, e := range r.peers {
		if e.info.LastSeen.Before(cutoff) {
			out = append(out, e.session)
			delete(r.peers, id)
		}
	}
	if len(out) > 0 {
		monitoring.SetPeerCount(len(r.peers))
	}
	return out
}
