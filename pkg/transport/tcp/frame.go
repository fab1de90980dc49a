package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameVersion is the only header version this node speaks.
const FrameVersion = 0x01

// Header is the fixed-size frame header
// [Version (1 byte)] + [Length (4 bytes, big-endian)]
const HeaderSize = 5

// DefaultMaxFrameSize bounds a single envelope. Pieces grow by a third once
// base64 encoded inside the JSON body, so the largest allowed piece still fits.
const DefaultMaxFrameSize = 16 * 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("frame has zero length")
	ErrBadVersion    = errors.New("unsupported frame version")
)

// writeFrame writes header and payload in a single Write call.
func writeFrame(w io.Writer, payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxSize)
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = FrameVersion
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// readFrame blocks until a whole frame is read. A clean close before the
// header returns io.EOF; a close inside a frame returns io.ErrUnexpectedEOF.
func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if header[0] != FrameVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, header[0])
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
