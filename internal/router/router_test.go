package router

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"meshwire/internal/config"
	"meshwire/internal/crypto"
	"meshwire/internal/identity"
	"meshwire/internal/routing"
	"meshwire/internal/transport"
	"meshwire/internal/wire"
)

func testConfig(addr string, seeds []string) *config.Config {
	return &config.Config{
		ListenAddr:        addr,
		NetworkID:         "testnet",
		Seeds:             seeds,
		BucketSize:        8,
		ClosestFanout:     4,
		DefaultTTL:        4,
		FailThreshold:     3,
		BanDuration:       time.Minute,
		DedupWindow:       time.Minute,
		DedupCapacity:     1024,
		StoreGlobalBytes:  1 << 20,
		StorePerPeerBytes: 1 << 18,
		StoreExpiry:       time.Hour,
		DiscoveryInterval: time.Minute,
		LowWaterMark:      0,
		SendTimeout:       time.Second,
		SubscriberBuffer:  16,
	}
}

type testNode struct {
	n    *Node
	keys *identity.Keypair
	addr string
	clk  *clock.Mock
}

func startNode(t *testing.T, net *transport.MemNetwork, addr string, seeds ...string) *testNode {
	t.Helper()
	keys, err := identity.GenerateKeypair()
	require.NoError(t, err)
	clk := clock.NewMock()
	n, err := New(Options{
		Keys:      keys,
		Config:    testConfig(addr, seeds),
		Transport: net.Endpoint(addr),
		Clock:     clk,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = n.Run(ctx) }()
	require.Eventually(t, func() bool { return net.Listening(addr) },
		time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		_ = n.Close()
	})
	return &testNode{n: n, keys: keys, addr: addr, clk: clk}
}

// introduce tells a about b, optionally as an already-connected peer.
func introduce(t *testing.T, a, b *testNode, connected bool) {
	t.Helper()
	err := a.n.Table().InsertOrUpdate(routing.Peer{
		ID:     b.n.ID(),
		PubKey: b.keys.Public,
		Addrs:  []string{b.addr},
	})
	require.NoError(t, err)
	if connected {
		a.n.Table().MarkConnected(b.n.ID(), b.addr)
	}
}

func recvDelivery(t *testing.T, sub *Subscription) Delivery {
	t.Helper()
	select {
	case d := <-sub.C:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func requireNoDelivery(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case d := <-sub.C:
		t.Fatalf("unexpected delivery from %s", d.Origin)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDirectDeliveryExactlyOnce(t *testing.T) {
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")
	b := startNode(t, net, "b")
	introduce(t, a, b, false)

	sub := b.n.Subscribe(7)
	defer sub.Cancel()

	payload := []byte("pay alice 5")
	id, err := a.n.Publish(context.Background(), 7, payload, wire.Direct(b.n.ID()))
	require.NoError(t, err)

	d := recvDelivery(t, sub)
	require.Equal(t, a.n.ID(), d.Origin)
	require.Equal(t, payload, d.Payload)

	// The receiver learned the origin's verified key and address.
	p, ok := b.n.Table().Get(a.n.ID())
	require.True(t, ok)
	require.Equal(t, routing.StateConnected, p.State)

	// Republishing the same logical message produces the same id and is
	// suppressed on arrival.
	id2, err := a.n.Publish(context.Background(), 7, payload, wire.Direct(b.n.ID()))
	require.NoError(t, err)
	require.Equal(t, id, id2)
	requireNoDelivery(t, sub)
	require.Equal(t, float64(1),
		b.n.Metrics().Snapshot()["meshwire_duplicate_dropped_total"])
}

func TestDirectNoRoute(t *testing.T) {
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")

	var stranger identity.NodeID
	stranger[0] = 0xAB
	_, err := a.n.Publish(context.Background(), 1, []byte("x"), wire.Direct(stranger))
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestBroadcastRelayRespectsTTL(t *testing.T) {
	// Chain topology a-b-c-d: only adjacent nodes know each other.
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")
	b := startNode(t, net, "b")
	c := startNode(t, net, "c")
	d := startNode(t, net, "d")
	introduce(t, a, b, true)
	introduce(t, b, a, true)
	introduce(t, b, c, true)
	introduce(t, c, b, true)
	introduce(t, c, d, true)
	introduce(t, d, c, true)

	subB := b.n.Subscribe(9)
	subC := c.n.Subscribe(9)
	subD := d.n.Subscribe(9)
	defer subB.Cancel()
	defer subC.Cancel()
	defer subD.Cancel()

	_, err := a.n.PublishWith(context.Background(), 9, []byte("new block"),
		wire.Broadcast(), PublishOptions{TTL: 2})
	require.NoError(t, err)

	// Two hops reach b and c; the TTL is spent before d.
	require.Equal(t, []byte("new block"), recvDelivery(t, subB).Payload)
	require.Equal(t, []byte("new block"), recvDelivery(t, subC).Payload)
	requireNoDelivery(t, subD)

	require.Equal(t, float64(1),
		b.n.Metrics().Snapshot()["meshwire_relayed_total"])
	require.Equal(t, float64(0),
		c.n.Metrics().Snapshot()["meshwire_relayed_total"])
}

func TestClosestNReachesNearestPeers(t *testing.T) {
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")
	peers := []*testNode{
		startNode(t, net, "p0"),
		startNode(t, net, "p1"),
		startNode(t, net, "p2"),
	}
	for _, p := range peers {
		introduce(t, a, p, true)
	}

	var target identity.NodeID
	target[31] = 1
	sort.Slice(peers, func(i, j int) bool {
		return identity.XOR(peers[i].n.ID(), target).
			Less(identity.XOR(peers[j].n.ID(), target))
	})

	subs := make([]*Subscription, len(peers))
	for i, p := range peers {
		subs[i] = p.n.Subscribe(3)
		defer subs[i].Cancel()
	}

	_, err := a.n.PublishWith(context.Background(), 3, []byte("shard"),
		wire.ClosestN(target, 2), PublishOptions{TTL: 1})
	require.NoError(t, err)

	recvDelivery(t, subs[0])
	recvDelivery(t, subs[1])
	requireNoDelivery(t, subs[2])
}

func TestStoreAndForwardDrainsOnReconnect(t *testing.T) {
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")
	b := startNode(t, net, "b")
	introduce(t, a, b, true)
	introduce(t, b, a, true)

	sub := b.n.Subscribe(5)
	defer sub.Cancel()

	net.SetUnreachable("b", true)
	_, err := a.n.PublishWith(context.Background(), 5, []byte("block:1"),
		wire.Direct(b.n.ID()), PublishOptions{Storable: true})
	require.NoError(t, err)
	require.Equal(t, float64(1),
		a.n.Metrics().Snapshot()["meshwire_stored_total"])
	requireNoDelivery(t, sub)

	// The destination comes back and makes contact; the parked message
	// follows immediately.
	net.SetUnreachable("b", false)
	_, err = b.n.Publish(context.Background(), 6, []byte("hello"), wire.Direct(a.n.ID()))
	require.NoError(t, err)

	require.Equal(t, []byte("block:1"), recvDelivery(t, sub).Payload)
	require.Equal(t, float64(1),
		a.n.Metrics().Snapshot()["meshwire_drained_total"])

	// Nothing left to drain on the next contact.
	_, err = b.n.Publish(context.Background(), 6, []byte("again"), wire.Direct(a.n.ID()))
	require.NoError(t, err)
	requireNoDelivery(t, sub)
}

func TestStoreWithoutStorableFails(t *testing.T) {
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")
	b := startNode(t, net, "b")
	introduce(t, a, b, true)

	net.SetUnreachable("b", true)
	_, err := a.n.Publish(context.Background(), 5, []byte("x"), wire.Direct(b.n.ID()))
	require.Error(t, err)
	require.Equal(t, float64(0),
		a.n.Metrics().Snapshot()["meshwire_stored_total"])
}

func TestMalformedFramePenalizesSender(t *testing.T) {
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")
	b := startNode(t, net, "b")
	introduce(t, a, b, true)

	junk := net.Endpoint("b")
	for i := 0; i < 3; i++ {
		require.NoError(t, junk.Send(context.Background(), "a", []byte("garbage")))
	}
	require.Equal(t, float64(3),
		a.n.Metrics().Snapshot()["meshwire_inbound_dropped_total,reason=malformed"])
	require.True(t, a.n.Table().IsBanned(b.n.ID()))
}

func TestBadSignatureDropped(t *testing.T) {
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")

	mallory, err := identity.GenerateKeypair()
	require.NoError(t, err)
	suite := crypto.NewSuite(mallory, "testnet")

	tag := uint16(7)
	payload := []byte("forged")
	msgID := wire.ComputeMessageID(mallory.NodeID(), tag, payload)
	sealed, err := suite.SealBroadcast(payload, wire.AAD(mallory.NodeID(), tag, msgID))
	require.NoError(t, err)
	env := &wire.Envelope{
		Tag:       tag,
		Origin:    mallory.NodeID(),
		OriginKey: mallory.Public,
		Selector:  wire.Broadcast(),
		TTL:       1,
		MessageID: msgID,
		Sealed:    sealed,
	}
	// Signature left zeroed.
	frame, err := wire.Encode(env)
	require.NoError(t, err)

	sub := a.n.Subscribe(tag)
	defer sub.Cancel()
	require.NoError(t, net.Endpoint("m").Send(context.Background(), "a", frame))
	requireNoDelivery(t, sub)
	require.Equal(t, float64(1),
		a.n.Metrics().Snapshot()["meshwire_inbound_dropped_total,reason=bad_signature"])
}

func TestWrongNetworkBroadcastRejected(t *testing.T) {
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")

	other, err := identity.GenerateKeypair()
	require.NoError(t, err)
	suite := crypto.NewSuite(other, "othernet")

	tag := uint16(2)
	payload := []byte("cross-network")
	msgID := wire.ComputeMessageID(other.NodeID(), tag, payload)
	sealed, err := suite.SealBroadcast(payload, wire.AAD(other.NodeID(), tag, msgID))
	require.NoError(t, err)
	env := &wire.Envelope{
		Tag:       tag,
		Origin:    other.NodeID(),
		OriginKey: other.Public,
		Selector:  wire.Broadcast(),
		TTL:       1,
		MessageID: msgID,
		Sealed:    sealed,
	}
	copy(env.Signature[:], suite.Sign(env.SignedRegion()))
	frame, err := wire.Encode(env)
	require.NoError(t, err)

	sub := a.n.Subscribe(tag)
	defer sub.Cancel()
	require.NoError(t, net.Endpoint("o").Send(context.Background(), "a", frame))
	requireNoDelivery(t, sub)
	require.Equal(t, float64(1),
		a.n.Metrics().Snapshot()["meshwire_inbound_dropped_total,reason=decrypt_failed"])
}

func TestSeedDiscoveryPopulatesTable(t *testing.T) {
	net := transport.NewMemNetwork()
	b := startNode(t, net, "b")
	a := startNode(t, net, "a", "b")

	// The startup round may fire before the listener is up; advancing the
	// clock past the discovery interval forces fresh rounds until one lands.
	require.Eventually(t, func() bool {
		a.clk.Add(2 * time.Minute)
		_, ok := a.n.Table().Get(b.n.ID())
		return ok
	}, time.Second, 5*time.Millisecond)

	p, _ := a.n.Table().Get(b.n.ID())
	require.Equal(t, b.keys.Public, p.PubKey)
	require.Contains(t, p.Addrs, "b")

	// The seed also learned about us from the request itself.
	require.Eventually(t, func() bool {
		_, ok := b.n.Table().Get(a.n.ID())
		return ok
	}, time.Second, time.Millisecond)
}

func TestSubscriptionCancelCloses(t *testing.T) {
	net := transport.NewMemNetwork()
	a := startNode(t, net, "a")

	sub := a.n.Subscribe(4)
	sub.Cancel()
	_, open := <-sub.C
	require.False(t, open)
	sub.Cancel()
}
