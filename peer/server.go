package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"tarun-kavipurapu/swarmlink/pkg/fileindex"
	"tarun-kavipurapu/swarmlink/pkg/logger"
	"tarun-kavipurapu/swarmlink/pkg/protocol"
	"tarun-kavipurapu/swarmlink/pkg/transport"
	"tarun-kavipurapu/swarmlink/pkg/transport/tcp"
)

// ChatMessage is a chat received from another node.
type ChatMessage struct {
	FromID     string    `json:"from_id"`
	FromName   string    `json:"from_name"`
	Text       string    `json:"text"`
	RemoteAddr string    `json:"remote_addr"`
	Received   time.Time `json:"received"`
}

// ChatHandler is called for every received chat, from the session goroutine.
type ChatHandler func(ChatMessage)

// serveSession is the transfer server's request loop for one connection. It
// runs until the peer closes, the idle timeout expires or the framing breaks.
func (n *Node) serveSession(conn transport.Node) {
	remote := conn.Addr()
	logger.Sugar.Debugf("[TransferServer] session opened by %s", remote)
	defer logger.Sugar.Debugf("[TransferServer] session with %s closed", remote)

	for {
		msg, err := conn.Receive()
		if err != nil {
			var unknown *protocol.UnknownKindError
			switch {
			case errors.As(err, &unknown):
				// the frame was intact, so the session can go on
				if !n.refuse(conn, protocol.CodeUnknownKind, fmt.Sprintf("unknown message kind %q", unknown.Kind)) {
					return
				}
				continue
			case errors.Is(err, protocol.ErrMalformed):
				n.refuse(conn, protocol.CodeBadRequest, err.Error())
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case isTimeout(err):
				logger.Sugar.Debugf("[TransferServer] %s idle, closing", remote)
			default:
				logger.Sugar.Warnf("[TransferServer] closing %s: %v", remote, err)
			}
			return
		}

		reply := n.dispatch(remote, msg)
		if reply == nil {
			continue
		}
		if e, ok := reply.(protocol.Error); ok {
			n.metrics.RequestsRefused.WithLabelValues(string(e.Code)).Inc()
		}
		if err := conn.Send(reply); err != nil {
			if errors.Is(err, tcp.ErrFrameTooLarge) {
				// nothing was written, so the peer can still be told why
				logger.Sugar.Warnf("[TransferServer] reply to %s too large: %v", remote, err)
				if n.refuse(conn, protocol.CodeIOError, fmt.Sprintf("%s does not fit in a frame", reply.Kind())) {
					continue
				}
				return
			}
			logger.Sugar.Warnf("[TransferServer] reply to %s failed: %v", remote, err)
			return
		}
	}
}

// dispatch handles one request and returns the reply, nil for one-way kinds.
func (n *Node) dispatch(remote string, msg protocol.Message) protocol.Message {
	switch m := msg.(type) {
	case protocol.Chat:
		n.deliverChat(remote, m)
		return nil

	case protocol.FileListRequest:
		return protocol.FileListResponse{Files: n.matchLocal(m)}

	case protocol.PieceRequest:
		data, err := n.index.GetPiece(m.FileID, m.Index)
		if err != nil {
			return pieceError(err)
		}
		n.metrics.PiecesServed.Inc()
		n.metrics.BytesServed.Add(float64(len(data)))
		logger.Sugar.Debugf("[TransferServer] sent piece %d of %s (%d bytes) to %s", m.Index, m.FileID, len(data), remote)
		return protocol.PieceResponse{FileID: m.FileID, Index: m.Index, Data: data}

	default:
		return protocol.Error{Code: protocol.CodeBadRequest, Reason: fmt.Sprintf("%s is not a request", msg.Kind())}
	}
}

func pieceError(err error) protocol.Error {
	switch {
	case errors.Is(err, fileindex.ErrUnknownFile):
		return protocol.Error{Code: protocol.CodeUnknownFile, Reason: err.Error()}
	case errors.Is(err, fileindex.ErrUnknownPiece):
		return protocol.Error{Code: protocol.CodeUnknownPiece, Reason: err.Error()}
	default:
		logger.Sugar.Errorf("[TransferServer] %v", err)
		return protocol.Error{Code: protocol.CodeIOError, Reason: "failed to read piece"}
	}
}

// matchLocal filters the shared files by id, then by query; an empty request
// lists everything.
func (n *Node) matchLocal(req protocol.FileListRequest) []protocol.FileInfo {
	var files []fileindex.SharedFile
	switch {
	case req.FileID != "":
		if f, err := n.index.Get(req.FileID); err == nil {
			files = append(files, f)
		}
	case req.Query != "":
		files = n.index.Lookup(req.Query)
	default:
		files = n.index.List()
	}

	out := make([]protocol.FileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, f.Info())
	}
	return out
}

func (n *Node) deliverChat(remote string, m protocol.Chat) {
	msg := ChatMessage{
		FromID:     m.FromID,
		FromName:   m.FromName,
		Text:       m.Text,
		RemoteAddr: remote,
		Received:   time.Now(),
	}
	if p, err := n.registry.Get(m.FromID); err == nil {
		n.registry.Touch(p.ID)
		if msg.FromName == "" {
			msg.FromName = p.Name
		}
	}
	if msg.FromName == "" {
		msg.FromName = m.FromID
	}

	logger.Sugar.Infof("[Chat] %s: %s", msg.FromName, msg.Text)

	n.chatMu.RLock()
	handlers := append([]ChatHandler(nil), n.chatHandlers...)
	n.chatMu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// refuse sends an ERROR and reports whether the connection is still usable.
func (n *Node) refuse(conn transport.Node, code protocol.ErrorCode, reason string) bool {
	n.metrics.RequestsRefused.WithLabelValues(string(code)).Inc()
	if err := conn.Send(protocol.Error{Code: code, Reason: reason}); err != nil {
		logger.Sugar.Debugf("[TransferServer] send ERROR to %s: %v", conn.Addr(), err)
		return false
	}
	return true
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
