// Package discovery finds peers following the same garden: kad-dht rendezvous on a
// private protocol prefix and multicast DNS on the local network.
package discovery

import (
	"context"
	"time"

	"github.com/gardenledger/garden/logx"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/discovery"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	libp2p_peer "github.com/libp2p/go-libp2p/core/peer"
	libp2p_dis "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/pkg/errors"
)

// ProtocolPrefix keeps the garden DHT separate from the public IPFS one.
const ProtocolPrefix = "/garden"

// Discovery is the interface for the underlying peer discovery protocol.
type Discovery interface {
	Start() error
	Close() error
	Advertise(ctx context.Context, ns string) (time.Duration, error)
	FindPeers(ctx context.Context, ns string, peerLimit int) (<-chan libp2p_peer.AddrInfo, error)
	GetRawDiscovery() discovery.Discovery
}

// Namespace is the rendezvous string under which peers of chain advertise.
func Namespace(rendezvous, chain string) string {
	return rendezvous + "/" + chain
}

// dhtDiscovery wraps libp2p routing discovery over a kad-dht it owns.
type dhtDiscovery struct {
	dht  *dht.IpfsDHT
	disc discovery.Discovery
	host libp2p_host.Host

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDHTDiscovery starts a DHT node on host with opt.
func NewDHTDiscovery(ctx context.Context, host libp2p_host.Host, opt DHTConfig) (Discovery, error) {
	opts, err := opt.GetLibp2pRawOptions()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ipfsDHT, err := dht.New(ctx, host, opts...)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to create dht")
	}
	return &dhtDiscovery{
		dht:    ipfsDHT,
		disc:   libp2p_dis.NewRoutingDiscovery(ipfsDHT),
		host:   host,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (d *dhtDiscovery) Start() error {
	return d.dht.Bootstrap(d.ctx)
}

func (d *dhtDiscovery) Close() error {
	err := d.dht.Close()
	if err != nil {
		logx.Error("DHTDISCOVERY", "Failed to close dht:", err)
	}
	d.cancel()
	return err
}

func (d *dhtDiscovery) Advertise(ctx context.Context, ns string) (time.Duration, error) {
	return d.disc.Advertise(ctx, ns)
}

func (d *dhtDiscovery) FindPeers(ctx context.Context, ns string, peerLimit int) (<-chan libp2p_peer.AddrInfo, error) {
	return d.disc.FindPeers(ctx, ns, discovery.Limit(peerLimit))
}

// GetRawDiscovery is passed to gossipsub so topic peers are found through the DHT.
func (d *dhtDiscovery) GetRawDiscovery() discovery.Discovery {
	return d.disc
}
