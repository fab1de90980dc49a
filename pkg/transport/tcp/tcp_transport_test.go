package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/swarmlink/pkg/protocol"
	"tarun-kavipurapu/swarmlink/pkg/transport"
)

func startEcho(t *testing.T, opts Options) *TCPTransport {
	t.Helper()

	tr := NewTCPTransport("127.0.0.1:0", opts)
	tr.SetHandler(func(node transport.Node) {
		for {
			msg, err := node.Receive()
			if err != nil {
				return
			}
			req, ok := msg.(protocol.PieceRequest)
			if !ok {
				_ = node.Send(protocol.Error{Code: protocol.CodeBadRequest, Reason: "echo"})
				continue
			}
			_ = node.Send(protocol.PieceResponse{FileID: req.FileID, Index: req.Index, Data: []byte("ok")})
		}
	})
	require.NoError(t, tr.ListenAndAccept())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSessionHandlesSeveralRequests(t *testing.T) {
	tr := startEcho(t, Options{})

	node, err := tr.Dial(context.Background(), tr.Addr())
	require.NoError(t, err)
	defer node.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, node.Send(protocol.PieceRequest{FileID: "f", Index: i}))
		msg, err := node.Receive()
		require.NoError(t, err)
		resp, ok := msg.(protocol.PieceResponse)
		require.True(t, ok)
		assert.Equal(t, i, resp.Index)
	}

	require.NoError(t, node.Send(protocol.FileListRequest{}))
	msg, err := node.Receive()
	require.NoError(t, err)
	assert.IsType(t, protocol.Error{}, msg)
}

func TestGarbageClosesConnection(t *testing.T) {
	tr := startEcho(t, Options{})

	conn, err := net.Dial("tcp", tr.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x42, 0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReceiveTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			// accept and stay silent
			time.Sleep(time.Second)
			conn.Close()
		}
	}()

	tr := NewTCPTransport("127.0.0.1:0", Options{ReadTimeout: 50 * time.Millisecond})
	node, err := tr.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer node.Close()

	_, err = node.Receive()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestCloseStopsSessions(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:0", Options{})
	started := make(chan struct{})
	tr.SetHandler(func(node transport.Node) {
		close(started)
		_, _ = node.Receive()
	})
	require.NoError(t, tr.ListenAndAccept())

	node, err := tr.Dial(context.Background(), tr.Addr())
	require.NoError(t, err)
	defer node.Close()
	<-started

	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
