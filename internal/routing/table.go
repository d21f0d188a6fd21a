package routing

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshwire/internal/identity"
	"meshwire/internal/store"
)

const (
	DefaultBucketSize    = 20
	DefaultFailThreshold = 5
	DefaultBanDuration   = 10 * time.Minute

	bucketCount = identity.NodeIDSize * 8
)

var (
	ErrRoutingTableFull = errors.New("routing table full")
	ErrSelfInsert       = errors.New("cannot insert self")
)

type State int

const (
	StateUnknown State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateBanned:
		return "banned"
	default:
		return "invalid"
	}
}

// Peer is a known remote node. Callers always receive copies; the table
// owns the canonical records.
type Peer struct {
	ID          identity.NodeID
	PubKey      identity.PublicKey
	Addrs       []string
	LastSeen    time.Time
	State       State
	FailCount   int
	BannedUntil time.Time
}

func (p Peer) Addr() string {
	if len(p.Addrs) == 0 {
		return ""
	}
	return p.Addrs[0]
}

type Options struct {
	BucketSize    int
	FailThreshold int
	BanDuration   time.Duration
	PersistPath   string
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Table holds known peers in distance-ordered k-buckets. Every bucket keeps
// at most K peers and never two entries for the same NodeID; the lock makes
// each operation atomic so callers never observe a bucket mid-change.
type Table struct {
	mu            sync.Mutex
	self          identity.NodeID
	k             int
	failThreshold int
	banDuration   time.Duration
	persistPath   string
	clock         clock.Clock
	log           *zap.Logger
	buckets       [bucketCount][]*Peer
	byID          map[identity.NodeID]*Peer
	byAddr        map[string]identity.NodeID
}

type diskPeer struct {
	ID     string   `json:"id"`
	PubKey string   `json:"pubkey"`
	Addrs  []string `json:"addrs,omitempty"`
}

func NewTable(self identity.NodeID, opts Options) *Table {
	k := opts.BucketSize
	if k <= 0 {
		k = DefaultBucketSize
	}
	threshold := opts.FailThreshold
	if threshold <= 0 {
		threshold = DefaultFailThreshold
	}
	ban := opts.BanDuration
	if ban <= 0 {
		ban = DefaultBanDuration
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &Table{
		self:          self,
		k:             k,
		failThreshold: threshold,
		banDuration:   ban,
		persistPath:   opts.PersistPath,
		clock:         clk,
		log:           log.Named("routing"),
		byID:          make(map[identity.NodeID]*Peer),
		byAddr:        make(map[string]identity.NodeID),
	}
	if t.persistPath != "" {
		t.loadPersisted()
	}
	return t
}

// InsertOrUpdate merges p into its bucket. A full bucket evicts the
// least-recently-seen non-connected peer; if every slot is held by a
// connected peer the insert is rejected with ErrRoutingTableFull and the
// caller just drops the new peer.
func (t *Table) InsertOrUpdate(p Peer) error {
	if p.ID == t.self {
		return ErrSelfInsert
	}
	idx := identity.XOR(t.self, p.ID).BucketIndex()
	if idx < 0 {
		return ErrSelfInsert
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byID[p.ID]; ok {
		t.refreshLocked(existing, now)
		if existing.PubKey.IsZero() && !p.PubKey.IsZero() {
			existing.PubKey = p.PubKey
		}
		existing.Addrs = mergeAddrs(existing.Addrs, p.Addrs)
		if p.State > existing.State && existing.State != StateBanned {
			existing.State = p.State
		}
		existing.LastSeen = now
		t.indexAddrsLocked(existing)
		t.persistLocked(existing)
		return nil
	}
	bucket := t.buckets[idx]
	if len(bucket) >= t.k {
		victim := -1
		for i, b := range bucket {
			t.refreshLocked(b, now)
			if b.State == StateConnected {
				continue
			}
			if victim == -1 || b.LastSeen.Before(bucket[victim].LastSeen) {
				victim = i
			}
		}
		if victim == -1 {
			return ErrRoutingTableFull
		}
		evicted := bucket[victim]
		delete(t.byID, evicted.ID)
		t.unindexAddrsLocked(evicted)
		bucket = append(bucket[:victim], bucket[victim+1:]...)
		t.log.Debug("evicted peer",
			zap.String("peer", evicted.ID.String()),
			zap.Stringer("state", evicted.State))
	}
	np := p
	np.Addrs = mergeAddrs(nil, p.Addrs)
	if np.State == StateBanned {
		np.State = StateUnknown
	}
	np.LastSeen = now
	t.buckets[idx] = append(bucket, &np)
	t.byID[np.ID] = &np
	t.indexAddrsLocked(&np)
	t.persistLocked(&np)
	return nil
}

func (t *Table) Remove(id identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *Table) removeLocked(id identity.NodeID) {
	p, ok := t.byID[id]
	if !ok {
		return
	}
	t.unindexAddrsLocked(p)
	delete(t.byID, id)
	idx := identity.XOR(t.self, id).BucketIndex()
	if idx < 0 {
		return
	}
	bucket := t.buckets[idx]
	for i, b := range bucket {
		if b.ID == id {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Closest returns up to count routable peers ordered by distance to target,
// ties broken by most recent contact. Banned peers are never returned.
func (t *Table) Closest(target identity.NodeID, count int) []Peer {
	if count <= 0 {
		return nil
	}
	now := t.clock.Now()
	t.mu.Lock()
	candidates := make([]*Peer, 0, len(t.byID))
	for _, p := range t.byID {
		t.refreshLocked(p, now)
		if p.State == StateConnected || p.State == StateDisconnected {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		di := identity.XOR(candidates[i].ID, target)
		dj := identity.XOR(candidates[j].ID, target)
		if di == dj {
			return candidates[i].LastSeen.After(candidates[j].LastSeen)
		}
		return di.Less(dj)
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]Peer, len(candidates))
	for i, p := range candidates {
		out[i] = copyPeer(p)
	}
	t.mu.Unlock()
	return out
}

func (t *Table) ConnectedPeers() []Peer {
	now := t.clock.Now()
	t.mu.Lock()
	out := make([]Peer, 0, len(t.byID))
	for _, p := range t.byID {
		t.refreshLocked(p, now)
		if p.State == StateConnected {
			out = append(out, copyPeer(p))
		}
	}
	t.mu.Unlock()
	return out
}

// All returns every known peer in any state.
func (t *Table) All() []Peer {
	now := t.clock.Now()
	t.mu.Lock()
	out := make([]Peer, 0, len(t.byID))
	for _, p := range t.byID {
		t.refreshLocked(p, now)
		out = append(out, copyPeer(p))
	}
	t.mu.Unlock()
	return out
}

func (t *Table) Get(id identity.NodeID) (Peer, bool) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return Peer{}, false
	}
	t.refreshLocked(p, now)
	return copyPeer(p), true
}

// MarkFailed counts a failure against the peer; crossing the threshold bans
// it for the cooldown period. Banned peers drop out of routing decisions
// immediately and become eviction fodder on the next bucket pressure.
func (t *Table) MarkFailed(id identity.NodeID) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return
	}
	t.refreshLocked(p, now)
	p.FailCount++
	if p.State == StateBanned {
		return
	}
	if p.FailCount >= t.failThreshold {
		p.State = StateBanned
		p.BannedUntil = now.Add(t.banDuration)
		t.log.Info("peer banned",
			zap.String("peer", id.String()),
			zap.Int("failures", p.FailCount),
			zap.Time("until", p.BannedUntil))
		return
	}
	if p.State == StateConnected || p.State == StateConnecting {
		p.State = StateDisconnected
	}
}

// Ban moves the peer straight to Banned, used on protocol violations.
func (t *Table) Ban(id identity.NodeID) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return
	}
	p.FailCount = t.failThreshold
	p.State = StateBanned
	p.BannedUntil = now.Add(t.banDuration)
	t.log.Info("peer banned for protocol violation", zap.String("peer", id.String()))
}

func (t *Table) IsBanned(id identity.NodeID) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return false
	}
	t.refreshLocked(p, now)
	return p.State == StateBanned
}

// MarkConnected records a successful exchange: resets failures, refreshes
// last-seen, and promotes the peer. Banned peers stay banned until the
// cooldown lapses.
func (t *Table) MarkConnected(id identity.NodeID, addr string) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return
	}
	t.refreshLocked(p, now)
	if p.State == StateBanned {
		return
	}
	p.State = StateConnected
	p.FailCount = 0
	p.LastSeen = now
	if addr != "" {
		p.Addrs = mergeAddrs(p.Addrs, []string{addr})
		t.indexAddrsLocked(p)
	}
}

// ByAddr resolves an observed transport address to the peer that owns it.
// First writer wins on conflicting claims.
func (t *Table) ByAddr(addr string) (identity.NodeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byAddr[addr]
	return id, ok
}

func (t *Table) indexAddrsLocked(p *Peer) {
	for _, a := range p.Addrs {
		if _, claimed := t.byAddr[a]; !claimed {
			t.byAddr[a] = p.ID
		}
	}
}

func (t *Table) unindexAddrsLocked(p *Peer) {
	for _, a := range p.Addrs {
		if owner, ok := t.byAddr[a]; ok && owner == p.ID {
			delete(t.byAddr, a)
		}
	}
}

func (t *Table) MarkDisconnected(id identity.NodeID) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return
	}
	t.refreshLocked(p, now)
	if p.State == StateConnected || p.State == StateConnecting {
		p.State = StateDisconnected
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *Table) BucketLen(id identity.NodeID) int {
	idx := identity.XOR(t.self, id).BucketIndex()
	if idx < 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets[idx])
}

// refreshLocked applies the lazy un-ban: a banned peer whose deadline has
// passed becomes Disconnected with a clean failure count.
func (t *Table) refreshLocked(p *Peer, now time.Time) {
	if p.State == StateBanned && !p.BannedUntil.After(now) {
		p.State = StateDisconnected
		p.FailCount = 0
		p.BannedUntil = time.Time{}
	}
}

func (t *Table) persistLocked(p *Peer) {
	if t.persistPath == "" || p.PubKey.IsZero() {
		return
	}
	rec := diskPeer{
		ID:     p.ID.String(),
		PubKey: hex.EncodeToString(p.PubKey[:]),
		Addrs:  p.Addrs,
	}
	if err := store.AppendJSONL(t.persistPath, rec); err != nil {
		t.log.Warn("persist peer failed", zap.Error(err))
	}
}

func (t *Table) loadPersisted() {
	_ = store.ScanJSONL(t.persistPath, func(line []byte) {
		var rec diskPeer
		if err := json.Unmarshal(line, &rec); err != nil {
			return
		}
		id, err := identity.ParseNodeID(rec.ID)
		if err != nil {
			return
		}
		raw, err := hex.DecodeString(rec.PubKey)
		if err != nil || len(raw) != identity.PublicKeySize {
			return
		}
		var pub identity.PublicKey
		copy(pub[:], raw)
		if identity.DeriveNodeID(pub) != id {
			return
		}
		p := Peer{ID: id, PubKey: pub, Addrs: rec.Addrs, State: StateUnknown}
		idx := identity.XOR(t.self, id).BucketIndex()
		if idx < 0 {
			return
		}
		if existing, ok := t.byID[id]; ok {
			existing.Addrs = mergeAddrs(existing.Addrs, rec.Addrs)
			return
		}
		if len(t.buckets[idx]) >= t.k {
			return
		}
		p.LastSeen = t.clock.Now()
		t.buckets[idx] = append(t.buckets[idx], &p)
		t.byID[id] = &p
		t.indexAddrsLocked(&p)
	})
}

func copyPeer(p *Peer) Peer {
	out := *p
	out.Addrs = append([]string(nil), p.Addrs...)
	return out
}

func mergeAddrs(existing, more []string) []string {
	out := append([]string(nil), existing...)
	for _, a := range more {
		if a == "" {
			continue
		}
		dup := false
		for _, b := range out {
			if a == b {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return out
}
