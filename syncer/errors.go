package syncer

import (
	"fmt"

	"github.com/gardenledger/garden/identity"
)

type ProtocolErrorKind string

const (
	KindMalformed        ProtocolErrorKind = "malformed"
	KindHandshakeTimeout ProtocolErrorKind = "handshake_timeout"
	KindRequestTimeout   ProtocolErrorKind = "request_timeout"
	KindRateLimited      ProtocolErrorKind = "rate_limited"
	KindChainMismatch    ProtocolErrorKind = "chain_mismatch"
	KindUnexpected       ProtocolErrorKind = "unexpected_message"
)

// ProtocolError ends one session. Other sessions and the ledger are unaffected.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Peer identity.PeerID
	Err  error
}

var (
	ErrMalformed        = &ProtocolError{Kind: KindMalformed}
	ErrHandshakeTimeout = &ProtocolError{Kind: KindHandshakeTimeout}
	ErrRequestTimeout   = &ProtocolError{Kind: KindRequestTimeout}
	ErrRateLimited      = &ProtocolError{Kind: KindRateLimited}
	ErrChainMismatch    = &ProtocolError{Kind: KindChainMismatch}
	ErrUnexpected       = &ProtocolError{Kind: KindUnexpected}
)

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("sync protocol: %s", e.Kind)
	if e.Peer != "" {
		msg += " with " + e.Peer.Short()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Kind == e.Kind
}

func protocolErr(kind ProtocolErrorKind, peer identity.PeerID, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Peer: peer, Err: err}
}
