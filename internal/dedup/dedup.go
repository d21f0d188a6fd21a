package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"meshwire/internal/wire"
)

const (
	DefaultCapacity = 8192
	DefaultWindow   = 5 * time.Minute
)

// Store remembers message ids for a retention window so duplicate physical
// copies are never reprocessed. Oldest entries fall out first when the
// capacity bound is hit, expiry handles the rest.
type Store struct {
	mu      sync.Mutex
	cap     int
	window  time.Duration
	clock   clock.Clock
	entries map[wire.MessageID]*list.Element
	order   *list.List
}

type entry struct {
	id        wire.MessageID
	firstSeen time.Time
}

func New(capacity int, window time.Duration, clk clock.Clock) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		cap:     capacity,
		window:  window,
		clock:   clk,
		entries: make(map[wire.MessageID]*list.Element),
		order:   list.New(),
	}
}

// Register records id and reports whether it was fresh. A second call
// within the window returns false and does not extend the window; the first
// sighting pins the expiry.
func (s *Store) Register(id wire.MessageID) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	if _, ok := s.entries[id]; ok {
		return false
	}
	for s.cap > 0 && s.order.Len() >= s.cap {
		back := s.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*entry)
		delete(s.entries, old.id)
		s.order.Remove(back)
	}
	el := s.order.PushFront(&entry{id: id, firstSeen: now})
	s.entries[id] = el
	return true
}

// Seen reports whether id is inside the retention window without
// registering it.
func (s *Store) Seen(id wire.MessageID) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	_, ok := s.entries[id]
	return ok
}

// Sweep drops expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.order.Len()
	s.pruneLocked(now)
	return before - s.order.Len()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *Store) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	for {
		back := s.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*entry)
		if ent.firstSeen.After(cutoff) {
			return
		}
		delete(s.entries, ent.id)
		s.order.Remove(back)
	}
}
