package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"tarun-kavipurapu/swarmlink/pkg/logger"
	"tarun-kavipurapu/swarmlink/pkg/protocol"
	"tarun-kavipurapu/swarmlink/pkg/transport"
)

// Options tune timeouts and limits shared by every connection of a transport.
type Options struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}

// TCPNode implements transport.Node
type TCPNode struct {
	conn net.Conn
	// TCP连接并发写入不是安全的, frames must never interleave
	lock sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxFrameSize int
}

func NewTCPNode(conn net.Conn, opts Options) *TCPNode {
	opts = opts.withDefaults()
	return &TCPNode{
		conn:         conn,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		maxFrameSize: opts.MaxFrameSize,
	}
}

func (n *TCPNode) Send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	if n.writeTimeout > 0 {
		if err := n.conn.SetWriteDeadline(time.Now().Add(n.writeTimeout)); err != nil {
			return err
		}
	}
	if err := writeFrame(n.conn, payload, n.maxFrameSize); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", msg.Kind(), err)
	}
	return nil
}

func (n *TCPNode) Receive() (protocol.Message, error) {
	if n.readTimeout > 0 {
		if err := n.conn.SetReadDeadline(time.Now().Add(n.readTimeout)); err != nil {
			return nil, err
		}
	}
	payload, err := readFrame(n.conn, n.maxFrameSize)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(payload)
}

func (n *TCPNode) SetReadTimeout(d time.Duration) {
	n.readTimeout = d
}

func (n *TCPNode) Close() error {
	return n.conn.Close()
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr string
	listener   net.Listener
	handler    transport.Handler
	opts       Options

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	quitCh chan struct{}
	wg     sync.WaitGroup
}

func NewTCPTransport(addr string, opts Options) *TCPTransport {
	return &TCPTransport{
		listenAddr: addr,
		opts:       opts.withDefaults(),
		conns:      make(map[net.Conn]struct{}),
		quitCh:     make(chan struct{}),
	}
}

func (t *TCPTransport) SetHandler(h transport.Handler) {
	t.handler = h
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.quitCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.Addr(), err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.mu.Lock()
		select {
		case <-t.quitCh:
			t.mu.Unlock()
			conn.Close()
			return
		default:
		}
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		node := NewTCPNode(conn, t.opts)
		t.wg.Add(1)
		go t.handleConn(conn, node)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn, node *TCPNode) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
		t.wg.Done()
	}()

	if t.handler == nil {
		logger.Sugar.Warnf("[TCPTransport] no handler installed, dropping %s", node.Addr())
		return
	}
	t.handler(node)
}

// Dial opens an outbound connection. The caller owns the returned node.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (transport.Node, error) {
	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPNode(conn, t.opts), nil
}

// Close stops accepting, closes live sessions and waits for their handlers.
func (t *TCPTransport) Close() error {
	select {
	case <-t.quitCh:
		return nil
	default:
		close(t.quitCh)
	}

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	t.mu.Lock()
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

// Addr returns the bound address once listening, the configured one before.
func (t *TCPTransport) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}
