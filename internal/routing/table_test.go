package routing

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"meshwire/internal/identity"
)

func newPeer(t *testing.T) Peer {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	return Peer{ID: kp.NodeID(), PubKey: kp.Public, Addrs: []string{"127.0.0.1:1"}}
}

func newTable(t *testing.T, opts Options) (*Table, identity.NodeID) {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	self := kp.NodeID()
	return NewTable(self, opts), self
}

func TestBucketNeverExceedsK(t *testing.T) {
	tb, self := newTable(t, Options{BucketSize: 4})
	for i := 0; i < 64; i++ {
		p := newPeer(t)
		err := tb.InsertOrUpdate(p)
		if err != nil {
			require.ErrorIs(t, err, ErrRoutingTableFull)
		}
	}
	counts := make(map[int]int)
	for id := range tb.byID {
		idx := identity.XOR(self, id).BucketIndex()
		counts[idx]++
	}
	for idx, n := range counts {
		require.LessOrEqual(t, n, 4, "bucket %d", idx)
	}
}

func TestEvictionPrefersDisconnected(t *testing.T) {
	mock := clock.NewMock()
	tb, self := newTable(t, Options{BucketSize: 8, Clock: mock})

	var connected, disconnected []Peer
	// Fill one shared bucket far from self: flip the top bit so every peer
	// lands in bucket 255.
	mkFar := func() Peer {
		p := newPeer(t)
		p.ID[0] = self[0] ^ 0x80
		return p
	}
	for len(connected)+len(disconnected) < 8 {
		p := mkFar()
		if identity.XOR(self, p.ID).BucketIndex() != 255 {
			continue
		}
		require.NoError(t, tb.InsertOrUpdate(p))
		if len(connected) < 6 {
			tb.MarkConnected(p.ID, p.Addr())
			connected = append(connected, p)
		} else {
			disconnected = append(disconnected, p)
		}
		mock.Add(time.Second)
	}

	newcomer := mkFar()
	for identity.XOR(self, newcomer.ID).BucketIndex() != 255 {
		newcomer = mkFar()
	}
	require.NoError(t, tb.InsertOrUpdate(newcomer))

	// Oldest disconnected peer was evicted, every connected peer survives.
	_, ok := tb.Get(disconnected[0].ID)
	require.False(t, ok, "oldest disconnected peer should be evicted")
	for _, p := range connected {
		_, ok := tb.Get(p.ID)
		require.True(t, ok, "connected peer evicted")
	}
}

func TestInsertRejectedWhenBucketAllConnected(t *testing.T) {
	mock := clock.NewMock()
	tb, self := newTable(t, Options{BucketSize: 2, Clock: mock})
	inserted := 0
	for inserted < 2 {
		p := newPeer(t)
		p.ID[0] = self[0] ^ 0x80
		if identity.XOR(self, p.ID).BucketIndex() != 255 {
			continue
		}
		require.NoError(t, tb.InsertOrUpdate(p))
		tb.MarkConnected(p.ID, "")
		inserted++
	}
	for {
		p := newPeer(t)
		p.ID[0] = self[0] ^ 0x80
		if identity.XOR(self, p.ID).BucketIndex() != 255 {
			continue
		}
		require.ErrorIs(t, tb.InsertOrUpdate(p), ErrRoutingTableFull)
		break
	}
}

func TestClosestOrderingAndStateFilter(t *testing.T) {
	tb, _ := newTable(t, Options{BucketSize: 20})
	var target identity.NodeID
	target[31] = 1

	peers := make([]Peer, 0, 10)
	for i := 0; i < 10; i++ {
		p := newPeer(t)
		require.NoError(t, tb.InsertOrUpdate(p))
		tb.MarkConnected(p.ID, "")
		peers = append(peers, p)
	}
	banned := peers[0]
	for i := 0; i < DefaultFailThreshold; i++ {
		tb.MarkFailed(banned.ID)
	}
	require.True(t, tb.IsBanned(banned.ID))

	got := tb.Closest(target, 5)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		di := identity.XOR(got[i-1].ID, target)
		dj := identity.XOR(got[i].ID, target)
		require.False(t, dj.Less(di), "closest not distance-ordered")
	}
	for _, p := range got {
		require.NotEqual(t, banned.ID, p.ID, "banned peer returned")
	}
}

func TestBanCooldownLazyUnban(t *testing.T) {
	mock := clock.NewMock()
	tb, _ := newTable(t, Options{BucketSize: 8, Clock: mock, BanDuration: time.Minute, FailThreshold: 2})
	p := newPeer(t)
	require.NoError(t, tb.InsertOrUpdate(p))
	tb.MarkConnected(p.ID, "")
	tb.MarkFailed(p.ID)
	tb.MarkFailed(p.ID)
	require.True(t, tb.IsBanned(p.ID))
	require.Empty(t, tb.ConnectedPeers())

	// MarkConnected cannot resurrect a banned peer inside the cooldown.
	tb.MarkConnected(p.ID, "")
	require.True(t, tb.IsBanned(p.ID))

	mock.Add(time.Minute + time.Second)
	require.False(t, tb.IsBanned(p.ID))
	got, ok := tb.Get(p.ID)
	require.True(t, ok)
	require.Equal(t, StateDisconnected, got.State)
	require.Zero(t, got.FailCount)
}

func TestSelfInsertRejected(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	tb := NewTable(kp.NodeID(), Options{})
	err = tb.InsertOrUpdate(Peer{ID: kp.NodeID(), PubKey: kp.Public})
	require.ErrorIs(t, err, ErrSelfInsert)
}

func TestPersistReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.jsonl")
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	self := kp.NodeID()

	tb := NewTable(self, Options{PersistPath: path})
	p := newPeer(t)
	require.NoError(t, tb.InsertOrUpdate(p))

	tb2 := NewTable(self, Options{PersistPath: path})
	got, ok := tb2.Get(p.ID)
	require.True(t, ok)
	require.Equal(t, p.PubKey, got.PubKey)
	require.Equal(t, StateUnknown, got.State, "reloaded peers start unverified")
}
