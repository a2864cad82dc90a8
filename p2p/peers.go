package p2p

import (
	"context"
	"time"

	"github.com/gardenledger/garden/discovery"
	"github.com/gardenledger/garden/exception"
	"github.com/gardenledger/garden/logx"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// connect dials a discovered peer unless it is this node, already connected, or the
// peer limit is reached. Sync starts from onConnected.
func (n *Network) connect(info peer.AddrInfo) {
	if info.ID == n.host.ID() || n.host.Network().Connectedness(info.ID) == network.Connected {
		return
	}
	if len(n.host.Network().Peers()) >= n.cfg.MaxPeers {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, ConnectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		logx.Debug("DISCOVERY", "Failed to connect to", info.ID.String(), ":", err)
		return
	}
	logx.Info("DISCOVERY", "Connected to peer:", info.ID.String())
}

func (n *Network) connectBootstrap() {
	infos, err := discovery.ResolveAndParseMultiAddrs(n.cfg.BootstrapPeers)
	if err != nil {
		logx.Error("NETWORK:SETUP", "Invalid bootstrap address:", err)
		return
	}
	for _, info := range infos {
		n.connect(info)
	}
}

// discoveryLoop advertises on the DHT, dials what it finds, and reopens sync
// streams to connected peers that lost theirs.
func (n *Network) discoveryLoop() {
	ns := n.namespace()
	for {
		if n.disc != nil {
			n.findPeers(ns)
		}
		n.ensureSessions()

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(DiscoveryInterval):
		}
	}
}

func (n *Network) findPeers(ns string) {
	if _, err := n.disc.Advertise(n.ctx, ns); err != nil {
		logx.Debug("DISCOVERY", "Failed to advertise", ns, ":", err)
	}
	peerChan, err := n.disc.FindPeers(n.ctx, ns, n.cfg.MaxPeers)
	if err != nil {
		logx.Error("DISCOVERY", "Failed to find peers:", err)
		return
	}
	for p := range peerChan {
		if len(p.Addrs) == 0 {
			continue
		}
		n.connect(p)
	}
}

func (n *Network) ensureSessions() {
	for _, pid := range n.host.Network().Peers() {
		expect, err := PeerIDFromLibp2p(pid)
		if err != nil {
			continue
		}
		if _, ok := n.syncer.Registry().Get(expect); ok {
			continue
		}
		exception.SafeGo("OpenSyncStream", func() { n.openSync(pid) })
	}
}
