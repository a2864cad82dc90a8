package p2p

import (
	"context"
	"fmt"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/syncer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

func (n *Network) joinTopic() error {
	name := TopicName(n.cfg.Chain)
	if err := n.pubsub.RegisterTopicValidator(name, validateAnnounce); err != nil {
		return fmt.Errorf("failed to register validator for %s: %w", name, err)
	}
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	n.topic, n.sub = topic, sub

	n.syncer.SetGossip(func(ctx context.Context, data []byte) error {
		return topic.Publish(ctx, data)
	})
	return nil
}

// validateAnnounce stops malformed or tampered announcements from being forwarded.
// Linkage is checked later, by the syncer, against the local store.
func validateAnnounce(_ context.Context, _ peer.ID, msg *pubsub.Message) bool {
	m, err := syncer.DecodeMessage(msg.Data)
	if err != nil {
		return false
	}
	a, ok := m.(syncer.Announce)
	if !ok {
		return false
	}
	return block.VerifyIntegrity(a.Block) == nil
}

func (n *Network) handleAnnounceTopic() {
	for {
		msg, err := n.sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil {
				logx.Error("NETWORK:ANNOUNCE", "Subscription ended:", err)
			}
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		from, err := PeerIDFromLibp2p(msg.GetFrom())
		if err != nil {
			logx.Warn("NETWORK:ANNOUNCE", "Dropping announce:", err)
			continue
		}
		if err := n.syncer.HandleGossip(from, msg.Data); err != nil {
			logx.Warn("NETWORK:ANNOUNCE", "Invalid announce from", from.Short(), ":", err)
		}
	}
}
