package fileindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"tarun-kavipurapu/swarmlink/pkg/protocol"
)

// DefaultPieceSize is the piece length used when sharing a file.
const DefaultPieceSize = 256 * 1024

// MaxPieceSize bounds the piece length so that a base64 encoded
// PIECE_RESPONSE still fits in a default transport frame.
const MaxPieceSize = 8 * 1024 * 1024

// SharedFile is the immutable piece index of one file.
type SharedFile struct {
	FileID      string   `json:"file_id"`
	Name        string   `json:"name"`
	Size        int64    `json:"size"`
	PieceSize   int64    `json:"piece_size"`
	PieceCount  int      `json:"piece_count"`
	PieceHashes []string `json:"piece_hashes"`
}

// HashPiece returns the hex SHA-256 of a piece.
func HashPiece(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DeriveFileID hashes the concatenation of the raw piece digests, so that
// byte-identical content yields the same id on every node.
func DeriveFileID(pieceHashes []string) (string, error) {
	h := sha256.New()
	for i, ph := range pieceHashes {
		raw, err := hex.DecodeString(ph)
		if err != nil || len(raw) != sha256.Size {
			return "", fmt.Errorf("piece %d: invalid hash %q", i, ph)
		}
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PieceCountFor returns ceil(size / pieceSize).
func PieceCountFor(size, pieceSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + pieceSize - 1) / pieceSize)
}

// PieceOffset returns the absolute byte offset of piece index.
func (f SharedFile) PieceOffset(index int) int64 {
	return int64(index) * f.PieceSize
}

// PieceLength returns the length of piece index; only the last may be short.
func (f SharedFile) PieceLength(index int) int64 {
	if index < 0 || index >= f.PieceCount {
		return 0
	}
	if index == f.PieceCount-1 {
		return f.Size - f.PieceOffset(index)
	}
	return f.PieceSize
}

// Validate checks the metadata invariants, including that FileID really is
// derived from PieceHashes. Remote metadata must pass it before use.
func (f SharedFile) Validate() error {
	if f.PieceSize <= 0 || f.PieceSize > MaxPieceSize {
		return fmt.Errorf("file %s: invalid piece size %d", f.FileID, f.PieceSize)
	}
	if f.Size < 0 {
		return fmt.Errorf("file %s: invalid size %d", f.FileID, f.Size)
	}
	if f.PieceCount != len(f.PieceHashes) {
		return fmt.Errorf("file %s: piece count %d != %d hashes", f.FileID, f.PieceCount, len(f.PieceHashes))
	}
	if want := PieceCountFor(f.Size, f.PieceSize); f.PieceCount != want {
		return fmt.Errorf("file %s: piece count %d, size %d needs %d", f.FileID, f.PieceCount, f.Size, want)
	}
	id, err := DeriveFileID(f.PieceHashes)
	if err != nil {
		return fmt.Errorf("file %s: %w", f.FileID, err)
	}
	if id != f.FileID {
		return fmt.Errorf("file %s: id does not match piece hashes", f.FileID)
	}
	return nil
}

// Info converts to the wire representation.
func (f SharedFile) Info() protocol.FileInfo {
	return protocol.FileInfo{
		FileID:      f.FileID,
		Name:        f.Name,
		Size:        f.Size,
		PieceSize:   f.PieceSize,
		PieceCount:  f.PieceCount,
		PieceHashes: append([]string(nil), f.PieceHashes...),
	}
}

// FromInfo converts wire metadata back; the result is not yet validated.
func FromInfo(info protocol.FileInfo) SharedFile {
	return SharedFile{
		FileID:      info.FileID,
		Name:        info.Name,
		Size:        info.Size,
		PieceSize:   info.PieceSize,
		PieceCount:  info.PieceCount,
		PieceHashes: append([]string(nil), info.PieceHashes...),
	}
}

// SameContent reports whether both describe identical bytes.
func (f SharedFile) SameContent(other SharedFile) bool {
	if f.FileID != other.FileID || f.Size != other.Size || f.PieceSize != other.PieceSize {
		return false
	}
	if len(f.PieceHashes) != len(other.PieceHashes) {
		return false
	}
	for i := range f.PieceHashes {
		if f.PieceHashes[i] != other.PieceHashes[i] {
			return false
		}
	}
	return true
}
