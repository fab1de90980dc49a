package transport

import (
	"context"
	"time"

	"tarun-kavipurapu/swarmlink/pkg/protocol"
)

// Node is one side of a connection to a remote peer.
type Node interface {
	Send(msg protocol.Message) error
	// Receive blocks for the next message or until the read timeout expires.
	Receive() (protocol.Message, error)
	SetReadTimeout(d time.Duration)
	Close() error
	Addr() string
}

// Handler runs the session of one accepted connection. The transport closes
// the node when the handler returns.
type Handler func(Node)

// Transport handles the network layer
type Transport interface {
	ListenAndAccept() error
	Dial(ctx context.Context, addr string) (Node, error)
	Close() error
	Addr() string
	SetHandler(Handler)
}
