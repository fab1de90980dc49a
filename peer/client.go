package peer

import (
	"context"
	"fmt"
	"time"

	"tarun-kavipurapu/swarmlink/pkg/protocol"
	"tarun-kavipurapu/swarmlink/pkg/registry"
	"tarun-kavipurapu/swarmlink/pkg/transport"
)

// Client issues outbound requests. Every request uses its own connection,
// which is closed once the response has been read.
type Client struct {
	transport transport.Transport
	timeout   time.Duration
}

func NewClient(t transport.Transport, timeout time.Duration) *Client {
	return &Client{transport: t, timeout: timeout}
}

func (c *Client) open(ctx context.Context, peer registry.Peer) (transport.Node, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	node, err := c.transport.Dial(ctx, peer.Addr())
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to dial peer %s at %s: %w", peer.ID, peer.Addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		node.SetReadTimeout(time.Until(deadline))
	}
	return node, ctx, cancel, nil
}

// roundTrip sends req and waits for one reply. An ERROR reply is returned as
// a *protocol.RemoteError.
func (c *Client) roundTrip(ctx context.Context, peer registry.Peer, req protocol.Message) (protocol.Message, error) {
	node, ctx, cancel, err := c.open(ctx, peer)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer node.Close()

	// unblock Receive when the caller gives up
	stop := context.AfterFunc(ctx, func() { node.Close() })
	defer stop()

	if err := node.Send(req); err != nil {
		return nil, fmt.Errorf("failed to send %s to %s: %w", req.Kind(), peer.ID, err)
	}
	resp, err := node.Receive()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s to %s: %w", req.Kind(), peer.ID, ctx.Err())
		}
		return nil, fmt.Errorf("failed to read reply to %s from %s: %w", req.Kind(), peer.ID, err)
	}
	if e, ok := resp.(protocol.Error); ok {
		return nil, &protocol.RemoteError{Peer: peer.ID, Code: e.Code, Reason: e.Reason}
	}
	return resp, nil
}

// FileList asks peer for the files matching req.
func (c *Client) FileList(ctx context.Context, peer registry.Peer, req protocol.FileListRequest) ([]protocol.FileInfo, error) {
	resp, err := c.roundTrip(ctx, peer, req)
	if err != nil {
		return nil, err
	}
	list, ok := resp.(protocol.FileListResponse)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s from %s, got %s", protocol.ErrMalformed, protocol.KindFileListResponse, peer.ID, resp.Kind())
	}
	return list.Files, nil
}

// Piece fetches one raw piece. The caller verifies its hash.
func (c *Client) Piece(ctx context.Context, peer registry.Peer, fileID string, index int) ([]byte, error) {
	resp, err := c.roundTrip(ctx, peer, protocol.PieceRequest{FileID: fileID, Index: index})
	if err != nil {
		return nil, err
	}
	piece, ok := resp.(protocol.PieceResponse)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s from %s, got %s", protocol.ErrMalformed, protocol.KindPieceResponse, peer.ID, resp.Kind())
	}
	if piece.FileID != fileID || piece.Index != index {
		return nil, fmt.Errorf("%w: %s answered piece %s/%d for %s/%d", protocol.ErrMalformed, peer.ID, piece.FileID, piece.Index, fileID, index)
	}
	return piece.Data, nil
}

// Chat delivers a one-way chat message.
func (c *Client) Chat(ctx context.Context, peer registry.Peer, msg protocol.Chat) error {
	node, _, cancel, err := c.open(ctx, peer)
	if err != nil {
		return err
	}
	defer cancel()
	defer node.Close()

	if err := node.Send(msg); err != nil {
		return fmt.Errorf("failed to send chat to %s: %w", peer.ID, err)
	}
	return nil
}
