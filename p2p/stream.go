package p2p

import (
	"github.com/gardenledger/garden/exception"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/syncer"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// claim marks pid as having a sync stream. It reports false if one is running.
func (n *Network) claim(pid peer.ID) bool {
	n.activeMu.Lock()
	defer n.activeMu.Unlock()
	if _, ok := n.active[pid]; ok {
		return false
	}
	n.active[pid] = struct{}{}
	return true
}

func (n *Network) release(pid peer.ID) {
	n.activeMu.Lock()
	delete(n.active, pid)
	n.activeMu.Unlock()
}

func (n *Network) handleSyncStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	expect, err := PeerIDFromLibp2p(remote)
	if err != nil {
		logx.Warn("NETWORK:SYNC", "Refusing sync stream:", err)
		_ = s.Reset()
		return
	}
	if !n.claim(remote) {
		// the registry settles which of two concurrent sessions survives
		logx.Debug("NETWORK:SYNC", "Second sync stream from", remote.String())
	} else {
		defer n.release(remote)
	}
	_ = n.syncer.HandleConn(n.ctx, s, syncer.ConnOptions{
		Expect: expect,
		Addr:   s.Conn().RemoteMultiaddr().String(),
	})
}

// onConnected opens a sync stream on every connection this node dialed.
func (n *Network) onConnected(_ network.Network, c network.Conn) {
	if c.Stat().Direction != network.DirOutbound {
		return
	}
	pid := c.RemotePeer()
	exception.SafeGo("OpenSyncStream", func() { n.openSync(pid) })
}

func (n *Network) openSync(pid peer.ID) {
	if !n.claim(pid) {
		return
	}
	defer n.release(pid)

	expect, err := PeerIDFromLibp2p(pid)
	if err != nil {
		logx.Warn("NETWORK:SYNC", "Not syncing with", pid.String(), ":", err)
		return
	}
	s, err := n.host.NewStream(n.ctx, pid, SyncProtocol)
	if err != nil {
		logx.Debug("NETWORK:SYNC", "Peer", pid.String(), "does not speak", string(SyncProtocol), ":", err)
		return
	}
	logx.Info("NETWORK:SYNC", "Opened sync stream to", pid.String())
	_ = n.syncer.HandleConn(n.ctx, s, syncer.ConnOptions{
		Outbound: true,
		Expect:   expect,
		Addr:     s.Conn().RemoteMultiaddr().String(),
	})
}
