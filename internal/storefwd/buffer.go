package storefwd

import (
	"container/list"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshwire/internal/identity"
	"meshwire/internal/store"
	"meshwire/internal/wire"
)

const (
	DefaultGlobalBytes  = 32 << 20
	DefaultPerPeerBytes = 1 << 20
	DefaultExpiry       = 6 * time.Hour
)

var ErrBufferFull = errors.New("store-and-forward buffer full")

// StoredMessage is one parked envelope awaiting its destination's return.
type StoredMessage struct {
	Destination identity.NodeID
	Envelope    *wire.Envelope
	StoredAt    time.Time
	ExpiresAt   time.Time
}

type Options struct {
	GlobalBytes  int64
	PerPeerBytes int64
	Expiry       time.Duration
	PersistPath  string
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Buffer parks messages for unreachable destinations under hard byte
// bounds. When a bound would be exceeded the oldest entries go first;
// expiry is enforced independently of capacity pressure.
type Buffer struct {
	mu           sync.Mutex
	globalBytes  int64
	perPeerBytes int64
	expiry       time.Duration
	persistPath  string
	clock        clock.Clock
	log          *zap.Logger
	order        *list.List // front = newest, back = oldest
	perDest      map[identity.NodeID]int64
	usedBytes    int64
	dirty        bool
}

type storedEntry struct {
	dest      identity.NodeID
	env       *wire.Envelope
	encoded   []byte
	storedAt  time.Time
	expiresAt time.Time
}

type diskEntry struct {
	Dest      string `json:"dest"`
	Envelope  string `json:"envelope"`
	StoredAt  int64  `json:"stored_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func New(opts Options) *Buffer {
	global := opts.GlobalBytes
	if global <= 0 {
		global = DefaultGlobalBytes
	}
	perPeer := opts.PerPeerBytes
	if perPeer <= 0 {
		perPeer = DefaultPerPeerBytes
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	b := &Buffer{
		globalBytes:  global,
		perPeerBytes: perPeer,
		expiry:       expiry,
		persistPath:  opts.PersistPath,
		clock:        clk,
		log:          log.Named("storefwd"),
		order:        list.New(),
		perDest:      make(map[identity.NodeID]int64),
	}
	if b.persistPath != "" {
		b.loadPersisted()
	}
	return b
}

// Store parks env for dest. It rejects with ErrBufferFull when evicting
// older entries cannot reclaim enough space; the caller drops the message.
func (b *Buffer) Store(dest identity.NodeID, env *wire.Envelope) error {
	encoded, err := wire.Encode(env)
	if err != nil {
		return err
	}
	size := int64(len(encoded))
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneExpiredLocked(now)
	if size > b.perPeerBytes || size > b.globalBytes {
		return ErrBufferFull
	}
	for b.perDest[dest]+size > b.perPeerBytes {
		if !b.evictOldestLocked(&dest) {
			return ErrBufferFull
		}
	}
	for b.usedBytes+size > b.globalBytes {
		if !b.evictOldestLocked(nil) {
			return ErrBufferFull
		}
	}
	ent := &storedEntry{
		dest:      dest,
		env:       env,
		encoded:   encoded,
		storedAt:  now,
		expiresAt: now.Add(b.expiry),
	}
	b.order.PushFront(ent)
	b.perDest[dest] += size
	b.usedBytes += size
	b.persistAppendLocked(ent)
	return nil
}

// Drain removes and returns every live entry for dest, oldest first, so the
// caller can hand them back to the outbound path in arrival order.
func (b *Buffer) Drain(dest identity.NodeID) []StoredMessage {
	now := b.clock.Now()
	b.mu.Lock()
	b.pruneExpiredLocked(now)
	var out []StoredMessage
	for el := b.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*storedEntry)
		if ent.dest == dest {
			out = append(out, StoredMessage{
				Destination: ent.dest,
				Envelope:    ent.env,
				StoredAt:    ent.storedAt,
				ExpiresAt:   ent.expiresAt,
			})
			b.removeLocked(el, ent)
		}
		el = prev
	}
	if len(out) > 0 {
		b.dirty = true
	}
	b.rewriteIfDirtyLocked()
	b.mu.Unlock()
	return out
}

// Sweep purges expired entries regardless of capacity pressure.
func (b *Buffer) Sweep() int {
	now := b.clock.Now()
	b.mu.Lock()
	before := b.order.Len()
	b.pruneExpiredLocked(now)
	removed := before - b.order.Len()
	b.rewriteIfDirtyLocked()
	b.mu.Unlock()
	return removed
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

func (b *Buffer) UsedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedBytes
}

func (b *Buffer) pruneExpiredLocked(now time.Time) {
	for el := b.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*storedEntry)
		if !ent.expiresAt.After(now) {
			b.removeLocked(el, ent)
			b.dirty = true
		}
		el = prev
	}
}

// evictOldestLocked drops the oldest entry, optionally restricted to one
// destination. Reports whether anything was evicted.
func (b *Buffer) evictOldestLocked(dest *identity.NodeID) bool {
	for el := b.order.Back(); el != nil; el = el.Prev() {
		ent := el.Value.(*storedEntry)
		if dest != nil && ent.dest != *dest {
			continue
		}
		b.removeLocked(el, ent)
		b.dirty = true
		b.log.Debug("evicted stored message",
			zap.String("dest", ent.dest.String()),
			zap.Int("bytes", len(ent.encoded)))
		return true
	}
	return false
}

func (b *Buffer) removeLocked(el *list.Element, ent *storedEntry) {
	size := int64(len(ent.encoded))
	b.order.Remove(el)
	b.usedBytes -= size
	b.perDest[ent.dest] -= size
	if b.perDest[ent.dest] <= 0 {
		delete(b.perDest, ent.dest)
	}
}

func (b *Buffer) persistAppendLocked(ent *storedEntry) {
	if b.persistPath == "" {
		return
	}
	rec := diskEntry{
		Dest:      ent.dest.String(),
		Envelope:  hex.EncodeToString(ent.encoded),
		StoredAt:  ent.storedAt.Unix(),
		ExpiresAt: ent.expiresAt.Unix(),
	}
	if err := store.AppendJSONL(b.persistPath, rec); err != nil {
		b.log.Warn("persist stored message failed", zap.Error(err))
	}
}

func (b *Buffer) rewriteIfDirtyLocked() {
	if b.persistPath == "" || !b.dirty {
		return
	}
	recs := make([]any, 0, b.order.Len())
	for el := b.order.Back(); el != nil; el = el.Prev() {
		ent := el.Value.(*storedEntry)
		recs = append(recs, diskEntry{
			Dest:      ent.dest.String(),
			Envelope:  hex.EncodeToString(ent.encoded),
			StoredAt:  ent.storedAt.Unix(),
			ExpiresAt: ent.expiresAt.Unix(),
		})
	}
	if err := store.RewriteJSONL(b.persistPath, recs); err != nil {
		b.log.Warn("rewrite stored messages failed", zap.Error(err))
		return
	}
	b.dirty = false
}

func (b *Buffer) loadPersisted() {
	now := b.clock.Now()
	_ = store.ScanJSONL(b.persistPath, func(line []byte) {
		var rec diskEntry
		if err := json.Unmarshal(line, &rec); err != nil {
			return
		}
		dest, err := identity.ParseNodeID(rec.Dest)
		if err != nil {
			return
		}
		encoded, err := hex.DecodeString(rec.Envelope)
		if err != nil {
			return
		}
		env, err := wire.Decode(encoded)
		if err != nil {
			return
		}
		expires := time.Unix(rec.ExpiresAt, 0)
		if !expires.After(now) {
			return
		}
		size := int64(len(encoded))
		if b.usedBytes+size > b.globalBytes || b.perDest[dest]+size > b.perPeerBytes {
			return
		}
		ent := &storedEntry{
			dest:      dest,
			env:       env,
			encoded:   encoded,
			storedAt:  time.Unix(rec.StoredAt, 0),
			expiresAt: expires,
		}
		b.order.PushFront(ent)
		b.perDest[dest] += size
		b.usedBytes += size
	})
}
