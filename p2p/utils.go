package p2p

import (
	"crypto/ed25519"
	"fmt"

	"github.com/gardenledger/garden/identity"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// UnmarshalEd25519PrivateKey converts a node key into a libp2p identity, so the host
// ID and the ledger peer ID come from the same key.
func UnmarshalEd25519PrivateKey(private ed25519.PrivateKey) (crypto.PrivKey, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(private))
	}
	return crypto.UnmarshalEd25519PrivateKey(private)
}

// PeerIDFromLibp2p maps a libp2p peer ID back to the ledger peer ID of the same key.
func PeerIDFromLibp2p(pid peer.ID) (identity.PeerID, error) {
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return "", fmt.Errorf("extract public key of %s: %w", pid, err)
	}
	if pub.Type() != crypto.Ed25519 {
		return "", fmt.Errorf("peer %s does not use an ed25519 key", pid)
	}
	raw, err := pub.Raw()
	if err != nil {
		return "", err
	}
	return identity.PeerIDFromPublicKey(ed25519.PublicKey(raw)), nil
}

func AddrStrings(addrs []ma.Multiaddr) []string {
	strAddrs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		strAddrs = append(strAddrs, addr.String())
	}
	return strAddrs
}
