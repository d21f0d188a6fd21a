package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"meshwire/internal/identity"
)

// Fixed suite: ed25519 signatures, X25519 ephemeral ECDH,
// XChaCha20-Poly1305 payload sealing, blake3 digests.

const (
	KeySize       = chacha20poly1305.KeySize
	NonceSize     = chacha20poly1305.NonceSizeX
	SignatureSize = ed25519.SignatureSize
	EphemeralSize = curve25519.PointSize

	labelDirectKey    = "meshwire:direct:v1"
	labelBroadcastKey = "meshwire:broadcast:v1"
)

var (
	ErrBadKeySize = errors.New("bad key size")
	ErrOpenFailed = errors.New("aead open failed")
)

// Suite implements the signing and sealing capabilities of one node.
type Suite struct {
	keys         *identity.Keypair
	broadcastKey []byte
}

// NewSuite binds a suite to the node keypair. networkID scopes the broadcast
// key so nodes on different networks cannot open each other's floods.
func NewSuite(keys *identity.Keypair, networkID string) *Suite {
	return &Suite{
		keys:         keys,
		broadcastKey: deriveBroadcastKey(networkID),
	}
}

func deriveBroadcastKey(networkID string) []byte {
	r := hkdf.New(sha256.New, []byte(networkID), nil, []byte(labelBroadcastKey))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		panic(err)
	}
	return key
}

func (s *Suite) PublicKey() identity.PublicKey {
	return s.keys.Public
}

func (s *Suite) Sign(msg []byte) []byte {
	return ed25519.Sign(s.keys.SignPriv, msg)
}

// Verify checks sig over msg against any node's full public key.
func Verify(msg, sig []byte, pub identity.PublicKey) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub.SignKey(), msg, sig)
}

// SealTo encrypts for one recipient: fresh X25519 ephemeral against the
// recipient box key, sealed nonce-prefixed. The returned ephemeral public
// key travels in the envelope header.
func (s *Suite) SealTo(recipient identity.PublicKey, plaintext, aad []byte) (eph [EphemeralSize]byte, sealed []byte, err error) {
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(ephPriv); err != nil {
		return eph, nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return eph, nil, err
	}
	shared, err := curve25519.X25519(ephPriv, recipient.BoxKey())
	if err != nil {
		return eph, nil, err
	}
	key := directKey(shared, ephPub, recipient.BoxKey())
	sealed, err = seal(key, plaintext, aad)
	if err != nil {
		return eph, nil, err
	}
	copy(eph[:], ephPub)
	return eph, sealed, nil
}

// OpenFrom reverses SealTo with this node's box key.
func (s *Suite) OpenFrom(eph [EphemeralSize]byte, sealed, aad []byte) ([]byte, error) {
	shared, err := curve25519.X25519(s.keys.BoxPriv, eph[:])
	if err != nil {
		return nil, err
	}
	key := directKey(shared, eph[:], s.keys.Public.BoxKey())
	return open(key, sealed, aad)
}

func (s *Suite) SealBroadcast(plaintext, aad []byte) ([]byte, error) {
	return seal(s.broadcastKey, plaintext, aad)
}

func (s *Suite) OpenBroadcast(sealed, aad []byte) ([]byte, error) {
	return open(s.broadcastKey, sealed, aad)
}

func directKey(shared, ephPub, recipientBox []byte) []byte {
	h := blake3.New(KeySize, nil)
	_, _ = h.Write([]byte(labelDirectKey))
	_, _ = h.Write(shared)
	_, _ = h.Write(ephPub)
	_, _ = h.Write(recipientBox)
	return h.Sum(nil)
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d", ErrBadKeySize, KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d", ErrBadKeySize, KeySize)
	}
	if len(sealed) < NonceSize {
		return nil, ErrOpenFailed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}
