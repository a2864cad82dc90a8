package discovery

import (
	"context"
	"time"

	libp2p_peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
)

const resolveTimeout = 10 * time.Second

// ResolveAndParseMultiAddrs resolves /dns* components and groups the resulting
// addresses by peer. Empty strings are skipped.
func ResolveAndParseMultiAddrs(addrStrings []string) ([]libp2p_peer.AddrInfo, error) {
	var addrs []ma.Multiaddr
	for _, addrStr := range addrStrings {
		if addrStr == "" {
			continue
		}
		mAddr, err := ma.NewMultiaddr(addrStr)
		if err != nil {
			return nil, err
		}
		resolved, err := resolveMultiAddr(mAddr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, resolved...)
	}
	if len(addrs) == 0 {
		return nil, nil
	}
	return libp2p_peer.AddrInfosFromP2pAddrs(addrs...)
}

func resolveMultiAddr(raw ma.Multiaddr) ([]ma.Multiaddr, error) {
	if !madns.Matches(raw) {
		return []ma.Multiaddr{raw}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	return madns.Resolve(ctx, raw)
}
