package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	SyncProtocol protocol.ID = "/garden/sync/1.0.0"

	DefaultMaxPeers   = 32
	DiscoveryInterval = 30 * time.Second
	ConnectTimeout    = 10 * time.Second
)

// TopicName is the gossipsub topic carrying block announcements of chain.
func TopicName(chain string) string {
	return "garden/" + chain + "/announce"
}
