package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// Handler receives one inbound frame with the sender's observed address.
type Handler func(remoteAddr string, frame []byte)

// Transport moves opaque frames between peer addresses. The routing layer
// never touches sockets directly; it only sees this surface.
type Transport interface {
	// Send delivers one frame to addr, honoring ctx for cancellation and
	// per-send timeouts.
	Send(ctx context.Context, addr string, frame []byte) error
	// Listen serves inbound frames to handle until ctx is cancelled.
	Listen(ctx context.Context, addr string, handle Handler) error
	Close() error
}
