package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"meshwire/internal/identity"
)

func sampleEnvelope(t *testing.T, sel Selector) *Envelope {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	e := &Envelope{
		Tag:       7,
		Origin:    kp.NodeID(),
		OriginKey: kp.Public,
		Selector:  sel,
		TTL:       4,
		Sealed:    []byte("sealed payload bytes"),
	}
	e.MessageID = ComputeMessageID(e.Origin, e.Tag, []byte("plain"))
	for i := range e.Ephemeral {
		e.Ephemeral[i] = byte(i)
	}
	for i := range e.Signature {
		e.Signature[i] = byte(255 - i)
	}
	return e
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var target identity.NodeID
	target[3] = 9
	selectors := []Selector{
		Direct(target),
		Broadcast(),
		ClosestN(target, 8),
	}
	for _, sel := range selectors {
		e := sampleEnvelope(t, sel)
		raw, err := Encode(e)
		require.NoError(t, err, sel.String())
		got, err := Decode(raw)
		require.NoError(t, err, sel.String())
		require.Equal(t, e, got, sel.String())
	}
}

func TestDecodeFailsClosed(t *testing.T) {
	var target identity.NodeID
	target[0] = 1
	e := sampleEnvelope(t, Direct(target))
	raw, err := Encode(e)
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     {},
		"truncated": raw[:len(raw)/2],
		"trailing":  append(append([]byte(nil), raw...), 0xAA),
		"bad magic": append([]byte{0, 0}, raw[2:]...),
		"bad version": func() []byte {
			b := append([]byte(nil), raw...)
			b[2] = 99
			return b
		}(),
		"bad selector": func() []byte {
			b := append([]byte(nil), raw...)
			b[5+identity.NodeIDSize+identity.PublicKeySize] = 0xFF
			return b
		}(),
	}
	for name, input := range cases {
		_, err := Decode(input)
		require.Error(t, err, name)
		require.True(t, errors.Is(err, ErrMalformedEnvelope), name)
	}
}

func TestDecodeRejectsClosestCountOutOfRange(t *testing.T) {
	var target identity.NodeID
	target[0] = 1
	e := sampleEnvelope(t, ClosestN(target, MaxClosestCount))
	raw, err := Encode(e)
	require.NoError(t, err)
	_, err = Decode(raw)
	require.NoError(t, err)

	e.Selector.Count = MaxClosestCount + 1
	_, err = Encode(e)
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestMessageIDDeterministic(t *testing.T) {
	var a, b identity.NodeID
	a[0], b[0] = 1, 2
	id1 := ComputeMessageID(a, 3, []byte("payload"))
	id2 := ComputeMessageID(a, 3, []byte("payload"))
	require.Equal(t, id1, id2)
	require.NotEqual(t, id1, ComputeMessageID(b, 3, []byte("payload")))
	require.NotEqual(t, id1, ComputeMessageID(a, 4, []byte("payload")))
	require.NotEqual(t, id1, ComputeMessageID(a, 3, []byte("other")))
}

func TestSignedRegionExcludesTTL(t *testing.T) {
	var target identity.NodeID
	target[0] = 1
	e := sampleEnvelope(t, Direct(target))
	region := e.SignedRegion()
	e.TTL--
	require.Equal(t, region, e.SignedRegion())
	e.Tag++
	require.NotEqual(t, region, e.SignedRegion())
}
