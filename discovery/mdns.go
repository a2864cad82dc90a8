package discovery

import (
	"github.com/gardenledger/garden/logx"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	libp2p_peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

type mdnsNotifee struct {
	self  libp2p_peer.ID
	found func(libp2p_peer.AddrInfo)
}

func (n *mdnsNotifee) HandlePeerFound(info libp2p_peer.AddrInfo) {
	if info.ID == n.self || len(info.Addrs) == 0 {
		return
	}
	logx.Debug("MDNS", "Found peer", info.ID.String())
	n.found(info)
}

// StartMDNS announces host on the local network under serviceName and reports
// every other peer announcing the same name.
func StartMDNS(host libp2p_host.Host, serviceName string, found func(libp2p_peer.AddrInfo)) (mdns.Service, error) {
	svc := mdns.NewMdnsService(host, serviceName, &mdnsNotifee{self: host.ID(), found: found})
	if err := svc.Start(); err != nil {
		return nil, err
	}
	logx.Info("MDNS", "Announcing on the local network as", serviceName)
	return svc, nil
}
