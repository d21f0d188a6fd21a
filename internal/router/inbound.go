package router

import (
	"context"

	"go.uber.org/zap"

	"meshwire/internal/crypto"
	"meshwire/internal/identity"
	"meshwire/internal/routing"
	"meshwire/internal/wire"
)

// Inbound drop reasons, recorded per frame that does not reach a
// subscriber or the relay path.
const (
	dropMalformed   = "malformed"
	dropOwnOrigin   = "own_origin"
	dropBanned      = "banned"
	dropKeyMismatch = "key_mismatch"
	dropPinMismatch = "pin_mismatch"
	dropBadSig      = "bad_signature"
	dropMisrouted   = "misrouted"
	dropDecrypt     = "decrypt_failed"
)

// HandleFrame is the single entry point for raw inbound frames. Every
// frame passes the full validation pipeline before any of its content
// is trusted: decode, origin checks, signature, dedup, then decrypt.
func (n *Node) HandleFrame(remoteAddr string, frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		n.m.DropInbound(dropMalformed)
		n.penalizeSender(remoteAddr)
		n.rl.Warn("malformed:"+remoteAddr, "dropped malformed frame",
			zap.String("addr", remoteAddr), zap.Error(err))
		return
	}

	if env.Origin == n.id {
		n.m.DropInbound(dropOwnOrigin)
		return
	}
	if n.table.IsBanned(env.Origin) {
		n.m.DropInbound(dropBanned)
		return
	}
	if identity.DeriveNodeID(env.OriginKey) != env.Origin {
		n.m.DropInbound(dropKeyMismatch)
		n.penalizeSender(remoteAddr)
		return
	}

	// NodeIds are key digests, so a pinned key can only disagree after
	// memory corruption or a digest collision. Treat it as hostile.
	if pinned, ok := n.pins.Get(env.Origin); ok && pinned != env.OriginKey {
		n.table.Ban(env.Origin)
		n.m.DropInbound(dropPinMismatch)
		n.log.Warn("origin key changed under pinned id, banning",
			zap.String("origin", env.Origin.String()))
		return
	}

	if !crypto.Verify(env.SignedRegion(), env.Signature[:], env.OriginKey) {
		n.m.DropInbound(dropBadSig)
		n.penalizeSender(remoteAddr)
		return
	}

	if !n.dedup.Register(env.MessageID) {
		n.m.DuplicateDropped.Inc()
		return
	}

	ctx := context.Background()
	senderID := n.recordContact(ctx, env, remoteAddr)

	switch env.Selector.Kind {
	case wire.SelectorDirect:
		if env.Selector.Target != n.id {
			// Direct envelopes never relay; one addressed elsewhere
			// reached us by mistake or by probe.
			n.m.DropInbound(dropMisrouted)
			return
		}
		aad := wire.AAD(env.Origin, env.Tag, env.MessageID)
		payload, err := n.suite.OpenFrom(env.Ephemeral, env.Sealed, aad)
		if err != nil {
			n.m.DropInbound(dropDecrypt)
			n.penalizeSender(remoteAddr)
			return
		}
		n.deliverLocal(ctx, env, payload, remoteAddr)
	case wire.SelectorBroadcast, wire.SelectorClosestN:
		n.handleFanned(ctx, env, remoteAddr, senderID)
	default:
		n.m.DropInbound(dropMalformed)
	}
}

// handleFanned processes Broadcast and ClosestN envelopes: deliver
// locally when addressed to us, then relay onward while TTL allows.
func (n *Node) handleFanned(ctx context.Context, env *wire.Envelope, remoteAddr string, senderID identity.NodeID) {
	addressed := true
	if env.Selector.Kind == wire.SelectorClosestN {
		addressed = n.withinClosest(env.Selector.Target, env.Selector.Count)
	}
	if addressed {
		aad := wire.AAD(env.Origin, env.Tag, env.MessageID)
		payload, err := n.suite.OpenBroadcast(env.Sealed, aad)
		if err != nil {
			n.m.DropInbound(dropDecrypt)
			n.penalizeSender(remoteAddr)
			return
		}
		n.deliverLocal(ctx, env, payload, remoteAddr)
	}
	if env.TTL > 1 {
		fwd := *env
		fwd.TTL = env.TTL - 1
		exclude := map[identity.NodeID]struct{}{env.Origin: {}}
		if senderID != (identity.NodeID{}) {
			exclude[senderID] = struct{}{}
		}
		n.relay(ctx, &fwd, exclude)
	}
}

// deliverLocal routes a verified, decrypted payload either to the
// discovery handlers or to subscribers of its tag.
func (n *Node) deliverLocal(ctx context.Context, env *wire.Envelope, payload []byte, remoteAddr string) {
	switch env.Tag {
	case TagDiscoverRequest:
		n.handleDiscoverRequest(ctx, env.Origin, payload, remoteAddr)
		return
	case TagDiscoverResponse:
		n.handleDiscoverResponse(env.Origin, payload)
		return
	}
	n.m.Delivered.Inc()
	n.subs.deliver(env.Tag, Delivery{Origin: env.Origin, Payload: payload})
}

// recordContact updates peer records from a verified frame. A Direct
// envelope cannot have been relayed, so its transport address belongs
// to the origin; for fanned traffic only an address we already know how
// to attribute is refreshed. Returns the sender's id when attributable.
func (n *Node) recordContact(ctx context.Context, env *wire.Envelope, remoteAddr string) identity.NodeID {
	n.pins.Add(env.Origin, env.OriginKey)

	peer := routing.Peer{ID: env.Origin, PubKey: env.OriginKey}
	direct := env.Selector.Kind == wire.SelectorDirect && env.Selector.Target == n.id
	if direct {
		peer.Addrs = []string{remoteAddr}
	}
	if err := n.table.InsertOrUpdate(peer); err != nil {
		n.rl.Info("insert:"+env.Origin.String(), "could not admit peer",
			zap.String("origin", env.Origin.String()), zap.Error(err))
	}

	if direct {
		n.table.MarkConnected(env.Origin, remoteAddr)
		n.flushStored(ctx, env.Origin, n.drainAddr(env.Origin, remoteAddr))
		return env.Origin
	}
	if id, ok := n.table.ByAddr(remoteAddr); ok {
		n.table.MarkConnected(id, remoteAddr)
		n.flushStored(ctx, id, n.drainAddr(id, remoteAddr))
		return id
	}
	return identity.NodeID{}
}

// drainAddr picks where to send a peer's parked messages. The peer's
// advertised address beats the observed source address, which may carry
// an ephemeral port.
func (n *Node) drainAddr(id identity.NodeID, observed string) string {
	if p, ok := n.table.Get(id); ok {
		if a := p.Addr(); a != "" {
			return a
		}
	}
	return observed
}

// withinClosest reports whether we rank inside the count closest ids to
// target, judged against our own view of the network.
func (n *Node) withinClosest(target identity.NodeID, count int) bool {
	peers := n.table.Closest(target, count)
	if len(peers) < count {
		return true
	}
	self := identity.XOR(n.id, target)
	worst := identity.XOR(peers[len(peers)-1].ID, target)
	return self.Less(worst)
}

// penalizeSender charges a failure to whichever known peer owns addr.
func (n *Node) penalizeSender(addr string) {
	if id, ok := n.table.ByAddr(addr); ok {
		n.table.MarkFailed(id)
	}
}
