package protocol

import (
	"fmt"
	"strings"
)

// Kind tags every envelope on the wire.
type Kind string

const (
	KindChat             Kind = "CHAT"
	KindFileListRequest  Kind = "FILE_LIST_REQUEST"
	KindFileListResponse Kind = "FILE_LIST_RESPONSE"
	KindPieceRequest     Kind = "PIECE_REQUEST"
	KindPieceResponse    Kind = "PIECE_RESPONSE"
	KindError            Kind = "ERROR"
)

// ErrorCode classifies an ERROR reply.
type ErrorCode string

const (
	CodeUnknownFile  ErrorCode = "unknown_file"
	CodeUnknownPiece ErrorCode = "unknown_piece"
	CodeUnknownKind  ErrorCode = "unknown_kind"
	CodeBadRequest   ErrorCode = "bad_request"
	CodeIOError      ErrorCode = "io_error"
)

// Message is one variant of the envelope body union.
type Message interface {
	Kind() Kind
	validate() error
}

// --- Domain Types ---

// FileInfo is SharedFile metadata as exchanged between nodes.
type FileInfo struct {
	FileID      string   `json:"file_id"`
	Name        string   `json:"name"`
	Size        int64    `json:"size"`
	PieceSize   int64    `json:"piece_size"`
	PieceCount  int      `json:"piece_count"`
	PieceHashes []string `json:"piece_hashes"`
}

// Chat is a one-way text message; the server sends no reply.
type Chat struct {
	FromID   string `json:"from_id"`
	FromName string `json:"from_name"`
	Text     string `json:"text"`
}

func (Chat) Kind() Kind { return KindChat }

func (m Chat) validate() error {
	if m.FromID == "" {
		return fmt.Errorf("chat: from_id is empty")
	}
	return nil
}

// FileListRequest asks for the peer's shared files. An empty FileID and Query
// lists everything.
type FileListRequest struct {
	FileID string `json:"file_id,omitempty"`
	Query  string `json:"query,omitempty"`
}

func (FileListRequest) Kind() Kind { return KindFileListRequest }

func (FileListRequest) validate() error { return nil }

type FileListResponse struct {
	Files []FileInfo `json:"files"`
}

func (FileListResponse) Kind() Kind { return KindFileListResponse }

func (m FileListResponse) validate() error {
	for i, f := range m.Files {
		if f.FileID == "" {
			return fmt.Errorf("file list: entry %d has no file_id", i)
		}
	}
	return nil
}

type PieceRequest struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
}

func (PieceRequest) Kind() Kind { return KindPieceRequest }

func (m PieceRequest) validate() error {
	if m.FileID == "" {
		return fmt.Errorf("piece request: file_id is empty")
	}
	if m.Index < 0 {
		return fmt.Errorf("piece request: negative index %d", m.Index)
	}
	return nil
}

type PieceResponse struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
	Data   []byte `json:"data"`
}

func (PieceResponse) Kind() Kind { return KindPieceResponse }

func (m PieceResponse) validate() error {
	if m.FileID == "" {
		return fmt.Errorf("piece response: file_id is empty")
	}
	if m.Index < 0 {
		return fmt.Errorf("piece response: negative index %d", m.Index)
	}
	return nil
}

// Error is sent in place of a response that cannot be produced.
type Error struct {
	Code   ErrorCode `json:"code"`
	Reason string    `json:"reason"`
}

func (Error) Kind() Kind { return KindError }

func (m Error) validate() error {
	if m.Code == "" {
		return fmt.Errorf("error: code is empty")
	}
	return nil
}

// RemoteError is returned to callers when a peer answered with ERROR.
type RemoteError struct {
	Peer   string
	Code   ErrorCode
	Reason string
}

func (e *RemoteError) Error() string {
	var sb strings.Builder
	sb.WriteString("remote error")
	if e.Peer != "" {
		sb.WriteString(" from ")
		sb.WriteString(e.Peer)
	}
	fmt.Fprintf(&sb, ": %s: %s", e.Code, e.Reason)
	return sb.String()
}
