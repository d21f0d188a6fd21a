package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

const (
	NodeIDSize = 32
	// PublicKeySize is the ed25519 signing key followed by the x25519 box key.
	PublicKeySize = ed25519.PublicKeySize + curve25519.PointSize

	nodeIDDomain = "meshwire:nodeid:v1"

	signPubFile  = "sign_pub.bin"
	signPrivFile = "sign_priv.bin"
	boxPrivFile  = "box_priv.bin"
)

// NodeID is derived from a peer's public key and never changes for that key.
type NodeID [NodeIDSize]byte

// PublicKey carries both halves of a node's identity: sign pub || box pub.
type PublicKey [PublicKeySize]byte

var zeroID NodeID

func (id NodeID) IsZero() bool {
	return id == zeroID
}

func (id NodeID) String() string {
	return base58.Encode(id[:])
}

func ParseNodeID(s string) (NodeID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("parse node id: %w", err)
	}
	if len(raw) != NodeIDSize {
		return NodeID{}, fmt.Errorf("parse node id: bad length %d", len(raw))
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

// DeriveNodeID binds a NodeID to the full public key. A forged key can only
// introduce a new identity, never claim an existing one.
func DeriveNodeID(pub PublicKey) NodeID {
	buf := make([]byte, 0, len(nodeIDDomain)+PublicKeySize)
	buf = append(buf, nodeIDDomain...)
	buf = append(buf, pub[:]...)
	return NodeID(blake3.Sum256(buf))
}

func (pk PublicKey) SignKey() ed25519.PublicKey {
	return ed25519.PublicKey(pk[:ed25519.PublicKeySize])
}

func (pk PublicKey) BoxKey() []byte {
	return pk[ed25519.PublicKeySize:]
}

func (pk PublicKey) IsZero() bool {
	var zero PublicKey
	return pk == zero
}

// Distance is the XOR metric between two node IDs, big-endian ordered:
// Less(a^t, b^t) decides which of a, b sits closer to t.
type Distance [NodeIDSize]byte

func XOR(a, b NodeID) Distance {
	var d Distance
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func (d Distance) Less(other Distance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// BucketIndex maps a distance to its k-bucket: 255 for the most distant
// half of the keyspace down to 0 for the nearest non-self peers. Equal IDs
// (zero distance) return -1 and never occupy a bucket.
func (d Distance) BucketIndex() int {
	for i, b := range d {
		if b != 0 {
			return (NodeIDSize-1-i)*8 + (7 - bits.LeadingZeros8(b))
		}
	}
	return -1
}

// Keypair holds the node's long-term signing and box keys.
type Keypair struct {
	Public   PublicKey
	SignPriv ed25519.PrivateKey
	BoxPriv  []byte
}

func (kp *Keypair) NodeID() NodeID {
	return DeriveNodeID(kp.Public)
}

func GenerateKeypair() (*Keypair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	boxPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(boxPriv); err != nil {
		return nil, err
	}
	boxPub, err := curve25519.X25519(boxPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var pub PublicKey
	copy(pub[:ed25519.PublicKeySize], signPub)
	copy(pub[ed25519.PublicKeySize:], boxPub)
	return &Keypair{Public: pub, SignPriv: signPriv, BoxPriv: boxPriv}, nil
}

// LoadOrCreateKeypair reads the keypair from home, generating and persisting
// a fresh one on first run.
func LoadOrCreateKeypair(home string) (*Keypair, error) {
	if home == "" {
		return GenerateKeypair()
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	kp, err := loadKeypair(home)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	kp, err = GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := saveKeypair(home, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func loadKeypair(home string) (*Keypair, error) {
	signPub, err := os.ReadFile(filepath.Join(home, signPubFile))
	if err != nil {
		return nil, err
	}
	signPriv, err := os.ReadFile(filepath.Join(home, signPrivFile))
	if err != nil {
		return nil, err
	}
	boxPriv, err := os.ReadFile(filepath.Join(home, boxPrivFile))
	if err != nil {
		return nil, err
	}
	if len(signPub) != ed25519.PublicKeySize || len(signPriv) != ed25519.PrivateKeySize || len(boxPriv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("corrupt keypair files in %s", home)
	}
	boxPub, err := curve25519.X25519(boxPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var pub PublicKey
	copy(pub[:ed25519.PublicKeySize], signPub)
	copy(pub[ed25519.PublicKeySize:], boxPub)
	return &Keypair{Public: pub, SignPriv: ed25519.PrivateKey(signPriv), BoxPriv: boxPriv}, nil
}

func saveKeypair(home string, kp *Keypair) error {
	if err := os.WriteFile(filepath.Join(home, signPubFile), kp.Public[:ed25519.PublicKeySize], 0600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(home, signPrivFile), kp.SignPriv, 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(home, boxPrivFile), kp.BoxPriv, 0600)
}
