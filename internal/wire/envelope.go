package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
	"lukechampine.com/blake3"

	"meshwire/internal/crypto"
	"meshwire/internal/identity"
)

const (
	// MaxFrameSize bounds a whole encoded envelope on the wire.
	MaxFrameSize = 1 << 20

	Magic   uint16 = 0x4D57
	Version byte   = 1

	MessageIDSize = 32

	// MaxClosestCount caps the ClosestN fan-out a peer may request.
	MaxClosestCount = 64

	msgIDDomain = "meshwire:msgid:v1"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

type SelectorKind byte

const (
	SelectorDirect SelectorKind = iota
	SelectorBroadcast
	SelectorClosestN
)

// Selector names the set of nodes a message is addressed to.
type Selector struct {
	Kind   SelectorKind
	Target identity.NodeID // Direct, ClosestN
	Count  int             // ClosestN
}

func Direct(target identity.NodeID) Selector {
	return Selector{Kind: SelectorDirect, Target: target}
}

func Broadcast() Selector {
	return Selector{Kind: SelectorBroadcast}
}

func ClosestN(target identity.NodeID, count int) Selector {
	return Selector{Kind: SelectorClosestN, Target: target, Count: count}
}

func (s Selector) String() string {
	switch s.Kind {
	case SelectorDirect:
		return "direct:" + s.Target.String()
	case SelectorBroadcast:
		return "broadcast"
	case SelectorClosestN:
		return fmt.Sprintf("closest%d:%s", s.Count, s.Target)
	default:
		return fmt.Sprintf("selector(%d)", s.Kind)
	}
}

type MessageID [MessageIDSize]byte

func (m MessageID) String() string {
	return hex.EncodeToString(m[:8])
}

// ComputeMessageID digests (origin, tag, plaintext payload) so that
// retransmissions of the same logical message collide on purpose.
func ComputeMessageID(origin identity.NodeID, tag uint16, payload []byte) MessageID {
	h := blake3.New(MessageIDSize, nil)
	_, _ = h.Write([]byte(msgIDDomain))
	_, _ = h.Write(origin[:])
	var t [2]byte
	binary.BigEndian.PutUint16(t[:], tag)
	_, _ = h.Write(t[:])
	_, _ = h.Write(payload)
	var id MessageID
	copy(id[:], h.Sum(nil))
	return id
}

// AAD binds a sealed payload to its origin, tag, and message id before the
// ephemeral key and signature exist.
func AAD(origin identity.NodeID, tag uint16, msgID MessageID) []byte {
	out := make([]byte, 0, identity.NodeIDSize+2+MessageIDSize)
	out = append(out, origin[:]...)
	var t [2]byte
	binary.BigEndian.PutUint16(t[:], tag)
	out = append(out, t[:]...)
	out = append(out, msgID[:]...)
	return out
}

// Envelope is the signed header plus the opaque sealed payload. The TTL byte
// sits outside the signed region so relays can decrement it without access
// to the origin's key.
type Envelope struct {
	Tag       uint16
	Origin    identity.NodeID
	OriginKey identity.PublicKey
	Selector  Selector
	TTL       uint8
	MessageID MessageID
	Ephemeral [crypto.EphemeralSize]byte
	Signature [crypto.SignatureSize]byte
	Sealed    []byte
}

// SignedRegion is the byte view the origin signs and the AEAD authenticates.
func (e *Envelope) SignedRegion() []byte {
	var buf bytes.Buffer
	writeHeaderCommon(&buf, e)
	return buf.Bytes()
}

func writeHeaderCommon(buf *bytes.Buffer, e *Envelope) {
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], Magic)
	buf.Write(u16[:])
	buf.WriteByte(Version)
	binary.BigEndian.PutUint16(u16[:], e.Tag)
	buf.Write(u16[:])
	buf.Write(e.Origin[:])
	buf.Write(e.OriginKey[:])
	buf.WriteByte(byte(e.Selector.Kind))
	switch e.Selector.Kind {
	case SelectorDirect:
		buf.Write(e.Selector.Target[:])
	case SelectorClosestN:
		buf.Write(e.Selector.Target[:])
		buf.Write(varint.ToUvarint(uint64(e.Selector.Count)))
	}
	buf.Write(e.MessageID[:])
	buf.Write(e.Ephemeral[:])
}

// Encode lays the envelope out as signed-region fields with TTL and
// signature spliced in, then the length-prefixed sealed payload.
func Encode(e *Envelope) ([]byte, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(256 + len(e.Sealed))
	writeHeaderCommon(&buf, e)
	buf.WriteByte(e.TTL)
	buf.Write(e.Signature[:])
	buf.Write(varint.ToUvarint(uint64(len(e.Sealed))))
	buf.Write(e.Sealed)
	out := buf.Bytes()
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("%w: envelope exceeds %d bytes", ErrMalformedEnvelope, MaxFrameSize)
	}
	return out, nil
}

func validate(e *Envelope) error {
	switch e.Selector.Kind {
	case SelectorDirect:
		if e.Selector.Target.IsZero() {
			return fmt.Errorf("%w: zero direct target", ErrMalformedEnvelope)
		}
	case SelectorBroadcast:
	case SelectorClosestN:
		if e.Selector.Target.IsZero() {
			return fmt.Errorf("%w: zero closest target", ErrMalformedEnvelope)
		}
		if e.Selector.Count <= 0 || e.Selector.Count > MaxClosestCount {
			return fmt.Errorf("%w: closest count %d out of range", ErrMalformedEnvelope, e.Selector.Count)
		}
	default:
		return fmt.Errorf("%w: unknown selector kind %d", ErrMalformedEnvelope, e.Selector.Kind)
	}
	if e.Origin.IsZero() {
		return fmt.Errorf("%w: zero origin", ErrMalformedEnvelope)
	}
	return nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedEnvelope)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n, err := varint.FromUvarint(r.buf[r.off:])
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: bad varint", ErrMalformedEnvelope)
	}
	r.off += n
	return v, nil
}

// Decode fails closed: truncated, oversized, or out-of-range input returns
// ErrMalformedEnvelope, never a partial envelope.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedEnvelope, MaxFrameSize)
	}
	r := &reader{buf: raw}
	magic, err := r.take(2)
	if err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint16(magic) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedEnvelope)
	}
	ver, err := r.byte()
	if err != nil {
		return nil, err
	}
	if ver != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, ver)
	}
	e := &Envelope{}
	tag, err := r.take(2)
	if err != nil {
		return nil, err
	}
	e.Tag = binary.BigEndian.Uint16(tag)
	origin, err := r.take(identity.NodeIDSize)
	if err != nil {
		return nil, err
	}
	copy(e.Origin[:], origin)
	originKey, err := r.take(identity.PublicKeySize)
	if err != nil {
		return nil, err
	}
	copy(e.OriginKey[:], originKey)
	kind, err := r.byte()
	if err != nil {
		return nil, err
	}
	e.Selector.Kind = SelectorKind(kind)
	switch e.Selector.Kind {
	case SelectorDirect:
		target, err := r.take(identity.NodeIDSize)
		if err != nil {
			return nil, err
		}
		copy(e.Selector.Target[:], target)
	case SelectorBroadcast:
	case SelectorClosestN:
		target, err := r.take(identity.NodeIDSize)
		if err != nil {
			return nil, err
		}
		copy(e.Selector.Target[:], target)
		count, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if count == 0 || count > MaxClosestCount {
			return nil, fmt.Errorf("%w: closest count %d out of range", ErrMalformedEnvelope, count)
		}
		e.Selector.Count = int(count)
	default:
		return nil, fmt.Errorf("%w: unknown selector kind %d", ErrMalformedEnvelope, kind)
	}
	msgID, err := r.take(MessageIDSize)
	if err != nil {
		return nil, err
	}
	copy(e.MessageID[:], msgID)
	eph, err := r.take(crypto.EphemeralSize)
	if err != nil {
		return nil, err
	}
	copy(e.Ephemeral[:], eph)
	ttl, err := r.byte()
	if err != nil {
		return nil, err
	}
	e.TTL = ttl
	sig, err := r.take(crypto.SignatureSize)
	if err != nil {
		return nil, err
	}
	copy(e.Signature[:], sig)
	payLen, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if payLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: payload length %d out of range", ErrMalformedEnvelope, payLen)
	}
	sealed, err := r.take(int(payLen))
	if err != nil {
		return nil, err
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEnvelope, len(raw)-r.off)
	}
	e.Sealed = append([]byte(nil), sealed...)
	if err := validate(e); err != nil {
		return nil, err
	}
	return e, nil
}
