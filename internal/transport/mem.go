package transport

import (
	"context"
	"errors"
	"sync"
)

// MemNetwork wires MemTransport endpoints together in-process. Tests inject
// it where production wiring uses QUIC.
type MemNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemTransport
	// Unreachable addresses fail sends immediately, simulating dead peers.
	unreachable map[string]bool
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		endpoints:   make(map[string]*MemTransport),
		unreachable: make(map[string]bool),
	}
}

// SetUnreachable toggles simulated reachability for addr.
func (n *MemNetwork) SetUnreachable(addr string, down bool) {
	n.mu.Lock()
	n.unreachable[addr] = down
	n.mu.Unlock()
}

// Listening reports whether the endpoint at addr has a handler installed.
func (n *MemNetwork) Listening(addr string) bool {
	n.mu.Lock()
	t := n.endpoints[addr]
	n.mu.Unlock()
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler != nil && !t.closed
}

// Endpoint creates (or returns) the transport bound to addr.
func (n *MemNetwork) Endpoint(addr string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.endpoints[addr]; ok {
		return t
	}
	t := &MemTransport{net: n, addr: addr}
	n.endpoints[addr] = t
	return t
}

type MemTransport struct {
	net  *MemNetwork
	addr string

	mu      sync.Mutex
	handler Handler
	closed  bool
}

func (t *MemTransport) Listen(ctx context.Context, addr string, handle Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.handler = handle
	t.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (t *MemTransport) Send(ctx context.Context, addr string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.net.mu.Lock()
	down := t.net.unreachable[addr]
	peer := t.net.endpoints[addr]
	t.net.mu.Unlock()
	if down || peer == nil {
		return errors.New("peer unreachable")
	}
	peer.mu.Lock()
	handler := peer.handler
	closed := peer.closed
	peer.mu.Unlock()
	if closed || handler == nil {
		return errors.New("peer not listening")
	}
	// Copy so the receiver never aliases the sender's buffer.
	cp := append([]byte(nil), frame...)
	handler(t.addr, cp)
	return nil
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.handler = nil
	t.mu.Unlock()
	return nil
}
