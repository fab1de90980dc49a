package tcp

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSurvivesFragmentedReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte(`{"kind":"FILE_LIST_REQUEST"}`), 1024))
	require.NoError(t, writeFrame(&buf, []byte(`second`), 1024))

	r := iotest.OneByteReader(&buf)

	first, err := readFrame(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"FILE_LIST_REQUEST"}`, string(first))

	second, err := readFrame(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))

	_, err = readFrame(r, 1024)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("0123456789"), 1024))

	whole := buf.Bytes()

	_, err := readFrame(bytes.NewReader(whole[:3]), 1024)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "short header")

	_, err = readFrame(bytes.NewReader(whole[:HeaderSize+4]), 1024)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "short body")

	_, err = readFrame(bytes.NewReader(whole[:HeaderSize]), 1024)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "header only")
}

func TestOversizedFrameRejectedBeforeRead(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = FrameVersion
	binary.BigEndian.PutUint32(header[1:], 1<<31)

	_, err := readFrame(bytes.NewReader(header), 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	err = writeFrame(io.Discard, make([]byte, 2048), 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestBadHeader(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{0x09, 0, 0, 0, 1, 'x'}), 1024)
	assert.ErrorIs(t, err, ErrBadVersion)

	_, err = readFrame(bytes.NewReader([]byte{FrameVersion, 0, 0, 0, 0}), 1024)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}
