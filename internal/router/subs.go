package router

import (
	"sync"

	"meshwire/internal/identity"
	"meshwire/internal/metrics"
)

// Delivery is one verified payload handed to a subscriber.
type Delivery struct {
	Origin  identity.NodeID
	Payload []byte
}

// Subscription streams verified messages for one tag. Cancelling closes
// the channel; resubscribing to the same tag starts a fresh stream.
type Subscription struct {
	C      <-chan Delivery
	ch     chan Delivery
	tag    uint16
	parent *subscribers
	once   sync.Once
}

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.parent.cancel(s)
	})
}

// subscribers maps tag → delivery channels. The lock covers channel sends
// and closes, so a cancel can never race a delivery onto a closed channel.
type subscribers struct {
	mu      sync.Mutex
	byTag   map[uint16]map[*Subscription]struct{}
	bufSize int
	m       *metrics.Metrics
}

func newSubscribers(bufSize int, m *metrics.Metrics) *subscribers {
	return &subscribers{
		byTag:   make(map[uint16]map[*Subscription]struct{}),
		bufSize: bufSize,
		m:       m,
	}
}

func (s *subscribers) subscribe(tag uint16) *Subscription {
	ch := make(chan Delivery, s.bufSize)
	sub := &Subscription{C: ch, ch: ch, tag: tag, parent: s}
	s.mu.Lock()
	set := s.byTag[tag]
	if set == nil {
		set = make(map[*Subscription]struct{})
		s.byTag[tag] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *subscribers) cancel(sub *Subscription) {
	s.mu.Lock()
	if set, ok := s.byTag[sub.tag]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.byTag, sub.tag)
		}
	}
	close(sub.ch)
	s.mu.Unlock()
}

// deliver fans one delivery out to every subscriber of tag. A saturated
// subscriber loses the message rather than stalling the inbound pipeline.
func (s *subscribers) deliver(tag uint16, d Delivery) {
	s.mu.Lock()
	for sub := range s.byTag[tag] {
		select {
		case sub.ch <- d:
		default:
			s.m.SubscriberDropped.Inc()
		}
	}
	s.mu.Unlock()
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	for _, set := range s.byTag {
		for sub := range set {
			sub.once.Do(func() {})
			close(sub.ch)
		}
	}
	s.byTag = make(map[uint16]map[*Subscription]struct{})
	s.mu.Unlock()
}
