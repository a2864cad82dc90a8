// Package identity provides the signing identity of a garden peer.
//
// A peer ID is the base58 encoding of the peer's ed25519 public key, so any peer can
// verify a block's signature from its author ID alone.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gardenledger/garden/common"
)

var (
	ErrInvalidPeerID    = errors.New("invalid peer id")
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrInvalidKey       = errors.New("invalid ed25519 private key")
)

// PeerID identifies a peer and the author of a block.
type PeerID string

func (id PeerID) String() string {
	return string(id)
}

// Short is an abbreviated form for log lines.
func (id PeerID) Short() string {
	if len(id) <= 10 {
		return string(id)
	}
	return string(id[:10])
}

// PublicKey decodes the ed25519 public key embedded in the peer ID.
func (id PeerID) PublicKey() (ed25519.PublicKey, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPeerID)
	}
	raw, err := common.DecodeBase58ToBytes(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d key bytes, got %d", ErrInvalidPeerID, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// PeerIDFromPublicKey derives the peer ID of a public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	return PeerID(common.EncodeBytesToBase58(pub))
}

// Signer is the signing half of an identity provider.
type Signer interface {
	ID() PeerID
	Sign(msg []byte) ([]byte, error)
}

// KeySigner signs with an in-memory ed25519 key.
type KeySigner struct {
	priv ed25519.PrivateKey
	id   PeerID
}

func NewKeySigner(priv ed25519.PrivateKey) (*KeySigner, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &KeySigner{priv: priv, id: PeerIDFromPublicKey(pub)}, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*KeySigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewKeySigner(priv)
}

func (s *KeySigner) ID() PeerID {
	return s.id
}

func (s *KeySigner) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

// PrivateKey exposes the key so the transport can derive its libp2p identity from it.
func (s *KeySigner) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Verify checks sig over msg against the key embedded in id.
func Verify(id PeerID, msg, sig []byte) error {
	pub, err := id.PublicKey()
	if err != nil {
		return err
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// LoadEd25519PrivKey loads an Ed25519 private key from a file (expects hex encoding)
func LoadEd25519PrivKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.PrivateKeySize, len(key))
	}
	return ed25519.PrivateKey(key), nil
}

// SaveEd25519PrivKey writes key as hex with owner-only permissions.
func SaveEd25519PrivKey(path string, key ed25519.PrivateKey) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600)
}
