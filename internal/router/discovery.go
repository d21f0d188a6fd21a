package router

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/multiformats/go-varint"
	"go.uber.org/zap"

	"meshwire/internal/identity"
	"meshwire/internal/routing"
	"meshwire/internal/wire"
)

// Discovery owns the top of the tag space; application traffic below it
// never collides with these.
const (
	TagDiscoverRequest  uint16 = 0xFFFE
	TagDiscoverResponse uint16 = 0xFFFF

	// discoveryNonceSize keeps repeated rounds from colliding in the
	// dedup store: the nonce varies the payload, so the message id varies.
	discoveryNonceSize = 8

	maxDiscoveryEntries = 64
	maxDiscoveryAddrLen = 256
)

var errBadDiscoveryPayload = errors.New("malformed discovery payload")

// peerEntry is one (id, key, address) triple exchanged during discovery.
type peerEntry struct {
	ID     identity.NodeID
	PubKey identity.PublicKey
	Addr   string
}

// discoveryLoop asks the network for neighbors on a jittered interval,
// more eagerly while the table sits below the low-water mark.
func (n *Node) discoveryLoop(ctx context.Context) {
	n.discoverRound(ctx)
	timer := n.clock.Timer(n.nextDiscoveryWait())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			n.discoverRound(ctx)
			timer.Reset(n.nextDiscoveryWait())
		}
	}
}

func (n *Node) nextDiscoveryWait() time.Duration {
	interval := n.cfg.DiscoveryInterval
	if n.table.Len() < n.cfg.LowWaterMark {
		interval /= 4
		if interval < time.Second {
			interval = time.Second
		}
	}
	return n.jitter(interval)
}

// discoverRound sends one request for our own neighborhood to every
// seed plus a few connected peers.
func (n *Node) discoverRound(ctx context.Context) {
	payload := n.encodeDiscoverRequest(n.id)
	frame, err := n.sealDiscovery(TagDiscoverRequest, payload)
	if err != nil {
		n.log.Warn("could not build discovery request", zap.Error(err))
		return
	}
	addrs := append([]string(nil), n.cfg.Seeds...)
	for i, p := range n.table.ConnectedPeers() {
		if i >= 3 {
			break
		}
		if a := p.Addr(); a != "" {
			addrs = append(addrs, a)
		}
	}
	for _, addr := range addrs {
		sctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		err := n.tr.Send(sctx, addr, frame)
		cancel()
		if err != nil {
			n.rl.Info("discover:"+addr, "discovery send failed",
				zap.String("addr", addr), zap.Error(err))
		}
	}
}

// sealDiscovery wraps a discovery payload in a one-hop broadcast
// envelope. Seeds are reached before any key exchange, so the network
// broadcast key is the only secret both sides hold.
func (n *Node) sealDiscovery(tag uint16, payload []byte) ([]byte, error) {
	msgID := wire.ComputeMessageID(n.id, tag, payload)
	aad := wire.AAD(n.id, tag, msgID)
	sealed, err := n.suite.SealBroadcast(payload, aad)
	if err != nil {
		return nil, err
	}
	env := &wire.Envelope{
		Tag:       tag,
		Origin:    n.id,
		OriginKey: n.suite.PublicKey(),
		Selector:  wire.Broadcast(),
		TTL:       1,
		MessageID: msgID,
		Sealed:    sealed,
	}
	copy(env.Signature[:], n.suite.Sign(env.SignedRegion()))
	n.dedup.Register(msgID)
	return wire.Encode(env)
}

func (n *Node) handleDiscoverRequest(ctx context.Context, origin identity.NodeID, payload []byte, remoteAddr string) {
	target, err := decodeDiscoverRequest(payload)
	if err != nil {
		n.m.DropInbound(dropMalformed)
		return
	}
	entries := []peerEntry{{ID: n.id, PubKey: n.suite.PublicKey(), Addr: n.cfg.ListenAddr}}
	for _, p := range n.table.Closest(target, n.cfg.ClosestFanout) {
		if p.ID == origin {
			continue
		}
		entries = append(entries, peerEntry{ID: p.ID, PubKey: p.PubKey, Addr: p.Addr()})
	}
	resp := n.encodeDiscoverResponse(entries)
	frame, err := n.sealDiscovery(TagDiscoverResponse, resp)
	if err != nil {
		n.log.Warn("could not build discovery response", zap.Error(err))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	defer cancel()
	if err := n.tr.Send(sctx, remoteAddr, frame); err != nil {
		n.rl.Info("discover:"+remoteAddr, "discovery reply failed",
			zap.String("addr", remoteAddr), zap.Error(err))
	}
}

// handleDiscoverResponse admits advertised peers as unverified entries.
// They stay Unknown until traffic they signed arrives.
func (n *Node) handleDiscoverResponse(origin identity.NodeID, payload []byte) {
	entries, err := decodeDiscoverResponse(payload)
	if err != nil {
		n.m.DropInbound(dropMalformed)
		return
	}
	admitted := 0
	for _, e := range entries {
		if e.ID == n.id {
			continue
		}
		if identity.DeriveNodeID(e.PubKey) != e.ID {
			continue
		}
		p := routing.Peer{ID: e.ID, PubKey: e.PubKey}
		if e.Addr != "" {
			p.Addrs = []string{e.Addr}
		}
		if err := n.table.InsertOrUpdate(p); err == nil {
			admitted++
		}
	}
	if admitted > 0 {
		n.log.Debug("admitted discovered peers",
			zap.String("from", origin.String()), zap.Int("count", admitted))
	}
}

func (n *Node) encodeDiscoverRequest(target identity.NodeID) []byte {
	out := make([]byte, 0, discoveryNonceSize+identity.NodeIDSize)
	out = append(out, n.nonce()...)
	out = append(out, target[:]...)
	return out
}

func decodeDiscoverRequest(payload []byte) (identity.NodeID, error) {
	var target identity.NodeID
	if len(payload) != discoveryNonceSize+identity.NodeIDSize {
		return target, errBadDiscoveryPayload
	}
	copy(target[:], payload[discoveryNonceSize:])
	return target, nil
}

func (n *Node) encodeDiscoverResponse(entries []peerEntry) []byte {
	if len(entries) > maxDiscoveryEntries {
		entries = entries[:maxDiscoveryEntries]
	}
	out := append([]byte(nil), n.nonce()...)
	out = append(out, varint.ToUvarint(uint64(len(entries)))...)
	for _, e := range entries {
		out = append(out, e.ID[:]...)
		out = append(out, e.PubKey[:]...)
		addr := e.Addr
		if len(addr) > maxDiscoveryAddrLen {
			addr = addr[:maxDiscoveryAddrLen]
		}
		out = append(out, varint.ToUvarint(uint64(len(addr)))...)
		out = append(out, addr...)
	}
	return out
}

func decodeDiscoverResponse(payload []byte) ([]peerEntry, error) {
	if len(payload) < discoveryNonceSize {
		return nil, errBadDiscoveryPayload
	}
	rest := payload[discoveryNonceSize:]
	count, read, err := varint.FromUvarint(rest)
	if err != nil || count > maxDiscoveryEntries {
		return nil, errBadDiscoveryPayload
	}
	rest = rest[read:]
	entries := make([]peerEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(rest) < identity.NodeIDSize+identity.PublicKeySize {
			return nil, errBadDiscoveryPayload
		}
		var e peerEntry
		copy(e.ID[:], rest[:identity.NodeIDSize])
		rest = rest[identity.NodeIDSize:]
		copy(e.PubKey[:], rest[:identity.PublicKeySize])
		rest = rest[identity.PublicKeySize:]
		alen, read, err := varint.FromUvarint(rest)
		if err != nil || alen > maxDiscoveryAddrLen {
			return nil, errBadDiscoveryPayload
		}
		rest = rest[read:]
		if uint64(len(rest)) < alen {
			return nil, errBadDiscoveryPayload
		}
		e.Addr = string(rest[:alen])
		rest = rest[alen:]
		entries = append(entries, e)
	}
	if len(rest) != 0 {
		return nil, errBadDiscoveryPayload
	}
	return entries, nil
}

// nonce returns eight random bytes for discovery payload uniqueness.
func (n *Node) nonce() []byte {
	n.randMu.Lock()
	defer n.randMu.Unlock()
	var b [discoveryNonceSize]byte
	binary.BigEndian.PutUint64(b[:], n.rand.Uint64())
	return b[:]
}
