// Package p2p carries the sync protocol over libp2p: one sync stream per connected
// peer, block announcements on a gossipsub topic, and peer discovery over mDNS and a
// private DHT.
package p2p

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync"

	"github.com/gardenledger/garden/config"
	"github.com/gardenledger/garden/discovery"
	"github.com/gardenledger/garden/exception"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/syncer"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

type Config struct {
	PrivKey        ed25519.PrivateKey
	ListenAddr     string
	BootstrapPeers []string
	Chain          string
	Discovery      config.DiscoveryConfig
	// DHTDataDir, when set, persists the DHT routing state.
	DHTDataDir string
	MaxPeers   int
}

type Network struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	disc   discovery.Discovery
	mdns   mdns.Service
	syncer *syncer.Syncer
	cfg    Config

	activeMu sync.Mutex
	active   map[peer.ID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// listenAddrs adds the QUIC twin of a TCP listen address.
func listenAddrs(listenAddr string) []string {
	if !strings.Contains(listenAddr, "/tcp/") {
		return []string{listenAddr}
	}
	quicAddr := strings.Replace(listenAddr, "/tcp/", "/udp/", 1) + "/quic-v1"
	return []string{listenAddr, quicAddr}
}

func NewNetwork(parent context.Context, cfg Config, s *syncer.Syncer) (*Network, error) {
	privKey, err := UnmarshalEd25519PrivateKey(cfg.PrivKey)
	if err != nil {
		return nil, err
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddrs(cfg.ListenAddr)...),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	n := &Network{
		host:   h,
		syncer: s,
		cfg:    cfg,
		active: make(map[peer.ID]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := n.setup(); err != nil {
		_ = n.Close()
		return nil, err
	}

	logx.Info("NETWORK", fmt.Sprintf("Libp2p network started with ID: %s", h.ID().String()))
	for _, addr := range n.Addrs() {
		logx.Info("NETWORK", "Listening on:", addr)
	}
	return n, nil
}

func (n *Network) setup() error {
	var psOpts []pubsub.Option
	if n.cfg.Discovery.DHT {
		disc, err := discovery.NewDHTDiscovery(n.ctx, n.host, discovery.DHTConfig{
			BootNodes:    n.cfg.BootstrapPeers,
			DataStoreDir: n.cfg.DHTDataDir,
		})
		if err != nil {
			return fmt.Errorf("failed to create dht discovery: %w", err)
		}
		n.disc = disc
		if err := disc.Start(); err != nil {
			return fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
		psOpts = append(psOpts, pubsub.WithDiscovery(disc.GetRawDiscovery()))
	}

	psOpts = append(psOpts, pubsub.WithMaxMessageSize(syncer.DefaultMaxMessageSize))
	ps, err := pubsub.NewGossipSub(n.ctx, n.host, psOpts...)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	n.pubsub = ps
	if err := n.joinTopic(); err != nil {
		return err
	}

	n.host.SetStreamHandler(SyncProtocol, n.handleSyncStream)
	n.host.Network().Notify(&network.NotifyBundle{ConnectedF: n.onConnected})

	if n.cfg.Discovery.MDNS {
		svc, err := discovery.StartMDNS(n.host, n.namespace(), func(info peer.AddrInfo) {
			exception.SafeGo("MDNSConnect", func() { n.connect(info) })
		})
		if err != nil {
			return fmt.Errorf("failed to start mdns: %w", err)
		}
		n.mdns = svc
	}

	exception.SafeGo("ConnectBootstrap", n.connectBootstrap)
	exception.SafeGo("Discovery", n.discoveryLoop)
	exception.SafeGoWithPanic("HandleAnnounceTopic", n.handleAnnounceTopic)
	return nil
}

func (n *Network) namespace() string {
	rendezvous := n.cfg.Discovery.Rendezvous
	if rendezvous == "" {
		rendezvous = "garden"
	}
	return discovery.Namespace(rendezvous, n.cfg.Chain)
}

func (n *Network) Host() host.Host {
	return n.host
}

// Addrs returns the full /p2p addresses other nodes can bootstrap from.
func (n *Network) Addrs() []string {
	out := AddrStrings(n.host.Addrs())
	for i, addr := range out {
		out[i] = fmt.Sprintf("%s/p2p/%s", addr, n.host.ID().String())
	}
	return out
}

func (n *Network) Close() error {
	n.cancel()
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.topic != nil {
		_ = n.topic.Close()
	}
	if n.disc != nil {
		_ = n.disc.Close()
	}
	return n.host.Close()
}
