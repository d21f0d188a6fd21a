package router

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshwire/internal/identity"
	"meshwire/internal/routing"
	"meshwire/internal/wire"
)

// PublishOptions tunes a single publish.
type PublishOptions struct {
	// Storable parks a Direct message in the store-and-forward buffer
	// when the destination is known but unreachable.
	Storable bool
	// TTL overrides the configured default hop limit when nonzero.
	TTL uint8
}

// Publish signs, seals, and sends payload under tag according to sel.
func (n *Node) Publish(ctx context.Context, tag uint16, payload []byte, sel wire.Selector) (wire.MessageID, error) {
	return n.PublishWith(ctx, tag, payload, sel, PublishOptions{})
}

func (n *Node) PublishWith(ctx context.Context, tag uint16, payload []byte, sel wire.Selector, opts PublishOptions) (wire.MessageID, error) {
	var zero wire.MessageID
	if len(payload) == 0 {
		return zero, errors.New("empty payload")
	}
	ttl := uint8(n.cfg.DefaultTTL)
	if opts.TTL != 0 {
		ttl = opts.TTL
	}
	msgID := wire.ComputeMessageID(n.id, tag, payload)
	aad := wire.AAD(n.id, tag, msgID)

	env := &wire.Envelope{
		Tag:       tag,
		Origin:    n.id,
		OriginKey: n.suite.PublicKey(),
		Selector:  sel,
		TTL:       ttl,
		MessageID: msgID,
	}

	var direct routing.Peer
	switch sel.Kind {
	case wire.SelectorDirect:
		p, ok := n.table.Get(sel.Target)
		if !ok || p.State == routing.StateBanned {
			return msgID, ErrNoRoute
		}
		direct = p
		eph, sealed, err := n.suite.SealTo(p.PubKey, payload, aad)
		if err != nil {
			return msgID, err
		}
		env.Ephemeral = eph
		env.Sealed = sealed
	case wire.SelectorBroadcast, wire.SelectorClosestN:
		sealed, err := n.suite.SealBroadcast(payload, aad)
		if err != nil {
			return msgID, err
		}
		env.Sealed = sealed
	default:
		return msgID, wire.ErrMalformedEnvelope
	}
	copy(env.Signature[:], n.suite.Sign(env.SignedRegion()))

	frame, err := wire.Encode(env)
	if err != nil {
		return msgID, err
	}

	// Register our own id so an echo of this message is dropped on
	// arrival instead of redelivered to our subscribers.
	n.dedup.Register(msgID)
	n.m.Published.Inc()

	switch sel.Kind {
	case wire.SelectorDirect:
		sendErr := n.sendPeer(ctx, direct, frame)
		if sendErr == nil {
			return msgID, nil
		}
		if opts.Storable {
			if serr := n.buffer.Store(sel.Target, env); serr != nil {
				return msgID, multierr.Append(sendErr, serr)
			}
			n.m.Stored.Inc()
			n.log.Debug("parked message for offline peer",
				zap.String("dest", sel.Target.String()),
				zap.String("msgid", msgID.String()))
			return msgID, nil
		}
		return msgID, sendErr
	case wire.SelectorBroadcast:
		return msgID, n.fanOut(ctx, n.table.ConnectedPeers(), frame, nil)
	default:
		return msgID, n.fanOut(ctx, n.table.Closest(sel.Target, sel.Count), frame, nil)
	}
}

// fanOut sends frame to every eligible peer concurrently. The publish
// succeeds if at least one send lands; the combined error surfaces only
// when every attempt fails.
func (n *Node) fanOut(ctx context.Context, peers []routing.Peer, frame []byte, exclude map[identity.NodeID]struct{}) error {
	var eligible []routing.Peer
	for _, p := range peers {
		if p.ID == n.id {
			continue
		}
		if _, skip := exclude[p.ID]; skip {
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		return ErrNoRoute
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		merr error
		sent int
	)
	for _, p := range eligible {
		g.Go(func() error {
			if err := n.sendPeer(ctx, p, frame); err != nil {
				mu.Lock()
				merr = multierr.Append(merr, err)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			sent++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if sent == 0 {
		return merr
	}
	return nil
}

// sendPeer delivers one frame under the configured send timeout and
// feeds the outcome back into the peer's liveness record.
func (n *Node) sendPeer(ctx context.Context, p routing.Peer, frame []byte) error {
	addr := p.Addr()
	if addr == "" {
		return ErrNoRoute
	}
	sctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	err := n.tr.Send(sctx, addr, frame)
	cancel()
	if err != nil {
		n.m.SendFailures.Inc()
		n.table.MarkFailed(p.ID)
		n.rl.Warn("send:"+addr, "send failed",
			zap.String("peer", p.ID.String()),
			zap.String("addr", addr),
			zap.Error(err))
		return err
	}
	n.table.MarkConnected(p.ID, addr)
	return nil
}

// relay forwards a verified inbound envelope onward. The caller has
// already decremented TTL; the origin's signature still covers the
// header because TTL sits outside the signed region.
func (n *Node) relay(ctx context.Context, env *wire.Envelope, exclude map[identity.NodeID]struct{}) {
	var peers []routing.Peer
	switch env.Selector.Kind {
	case wire.SelectorBroadcast:
		peers = n.table.ConnectedPeers()
	case wire.SelectorClosestN:
		peers = n.table.Closest(env.Selector.Target, env.Selector.Count)
	default:
		return
	}
	frame, err := wire.Encode(env)
	if err != nil {
		return
	}
	if err := n.fanOut(ctx, peers, frame, exclude); err != nil {
		n.rl.Info("relay", "relay found no takers",
			zap.String("msgid", env.MessageID.String()),
			zap.Error(err))
		return
	}
	n.m.Relayed.Inc()
}

// flushStored re-sends everything parked for dest to its fresh address.
// A send failure parks the remainder again and stops the drain.
func (n *Node) flushStored(ctx context.Context, dest identity.NodeID, addr string) {
	msgs := n.buffer.Drain(dest)
	for i, sm := range msgs {
		frame, err := wire.Encode(sm.Envelope)
		if err != nil {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		err = n.tr.Send(sctx, addr, frame)
		cancel()
		if err != nil {
			n.m.SendFailures.Inc()
			for _, rest := range msgs[i:] {
				if serr := n.buffer.Store(dest, rest.Envelope); serr != nil {
					n.log.Warn("dropped stored message on re-park",
						zap.String("dest", dest.String()), zap.Error(serr))
				}
			}
			return
		}
		n.m.Drained.Inc()
	}
	if len(msgs) > 0 {
		n.log.Info("drained stored messages",
			zap.String("dest", dest.String()), zap.Int("count", len(msgs)))
	}
}
