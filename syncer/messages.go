package syncer

import (
	"fmt"

	"github.com/gardenledger/garden/block"
	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/jsonx"
)

const ProtocolVersion = 1

type MessageType string

const (
	MsgHello              MessageType = "hello"
	MsgBlockRequest       MessageType = "block_request"
	MsgBlockRequestByHash MessageType = "block_request_by_hash"
	MsgBlockResponse      MessageType = "block_response"
	MsgAnnounce           MessageType = "announce"
	MsgBye                MessageType = "bye"
)

// Message is one of the payload types below.
type Message interface {
	Type() MessageType
}

// Envelope is the framing of every message on a sync stream, one per line.
type Envelope struct {
	Type    MessageType      `json:"type"`
	Payload jsonx.RawMessage `json:"payload"`
}

type Hello struct {
	Version   int             `json:"version"`
	PeerID    identity.PeerID `json:"peer_id"`
	Chain     string          `json:"chain"`
	HeadHash  block.Hash      `json:"head_hash"`
	HeadIndex uint64          `json:"head_index"`
	// Empty is set by a peer with no blocks yet; HeadHash is then RootHash.
	Empty bool `json:"empty,omitempty"`
}

// BlockRequest asks for the blocks of the adopted chain with index in (From, To].
// From is -1 to include genesis.
type BlockRequest struct {
	ID   uint64 `json:"id"`
	From int64  `json:"from"`
	To   int64  `json:"to"`
}

type BlockRequestByHash struct {
	ID     uint64       `json:"id"`
	Hashes []block.Hash `json:"hashes"`
}

// BlockResponse answers the request with the same ID. Blocks are in index order; a
// by-hash response omits hashes the peer does not have.
type BlockResponse struct {
	ID     uint64         `json:"id"`
	Blocks []*block.Block `json:"blocks"`
}

type Announce struct {
	Block *block.Block `json:"block"`
}

type Bye struct {
	Reason string `json:"reason"`
}

func (Hello) Type() MessageType              { return MsgHello }
func (BlockRequest) Type() MessageType       { return MsgBlockRequest }
func (BlockRequestByHash) Type() MessageType { return MsgBlockRequestByHash }
func (BlockResponse) Type() MessageType      { return MsgBlockResponse }
func (Announce) Type() MessageType           { return MsgAnnounce }
func (Bye) Type() MessageType                { return MsgBye }

func EncodeMessage(m Message) ([]byte, error) {
	payload, err := jsonx.Marshal(m)
	if err != nil {
		return nil, err
	}
	return jsonx.Marshal(Envelope{Type: m.Type(), Payload: payload})
}

func DecodeMessage(data []byte) (Message, error) {
	var env Envelope
	if err := jsonx.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}

	var m Message
	var err error
	switch env.Type {
	case MsgHello:
		var v Hello
		err = jsonx.Unmarshal(env.Payload, &v)
		m = v
	case MsgBlockRequest:
		var v BlockRequest
		err = jsonx.Unmarshal(env.Payload, &v)
		m = v
	case MsgBlockRequestByHash:
		var v BlockRequestByHash
		err = jsonx.Unmarshal(env.Payload, &v)
		m = v
	case MsgBlockResponse:
		var v BlockResponse
		err = jsonx.Unmarshal(env.Payload, &v)
		m = v
	case MsgAnnounce:
		var v Announce
		err = jsonx.Unmarshal(env.Payload, &v)
		if err == nil && v.Block == nil {
			err = fmt.Errorf("announce without block")
		}
		m = v
	case MsgBye:
		var v Bye
		err = jsonx.Unmarshal(env.Payload, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", env.Type, err)
	}
	return m, nil
}
