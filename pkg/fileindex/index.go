package fileindex

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"tarun-kavipurapu/swarmlink/pkg/logger"
)

var (
	ErrUnknownFile  = errors.New("unknown file")
	ErrUnknownPiece = errors.New("unknown piece")
)

type entry struct {
	meta SharedFile
	path string
}

// Index holds the files this node serves. Metadata lives in memory only;
// piece bytes are read from the backing path on demand.
type Index struct {
	fs        afero.Fs
	pieceSize int64

	mu    sync.RWMutex
	files map[string]*entry
}

func New(fs afero.Fs, pieceSize int64) *Index {
	if pieceSize <= 0 {
		pieceSize = DefaultPieceSize
	}
	if pieceSize > MaxPieceSize {
		logger.Sugar.Warnf("[FileIndex] piece size %d above limit, using %d", pieceSize, MaxPieceSize)
		pieceSize = MaxPieceSize
	}
	return &Index{
		fs:        fs,
		pieceSize: pieceSize,
		files:     make(map[string]*entry),
	}
}

// PieceSize returns the piece length used by Share.
func (x *Index) PieceSize() int64 {
	return x.pieceSize
}

// Share reads path fully, hashes every piece and registers the result.
func (x *Index) Share(path string) (SharedFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	file, err := x.fs.Open(abs)
	if err != nil {
		return SharedFile{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return SharedFile{}, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.IsDir() {
		return SharedFile{}, fmt.Errorf("share %s: is a directory", abs)
	}

	meta, err := Build(file, info.Name(), x.pieceSize)
	if err != nil {
		return SharedFile{}, fmt.Errorf("failed to hash %s: %w", abs, err)
	}

	x.Register(meta, abs)
	logger.Sugar.Infof("[FileIndex] shared %s: file_id=%s size=%d pieces=%d", meta.Name, meta.FileID, meta.Size, meta.PieceCount)
	return meta, nil
}

// Build streams r in pieceSize pieces and returns the resulting index.
func Build(r io.Reader, name string, pieceSize int64) (SharedFile, error) {
	if pieceSize <= 0 || pieceSize > MaxPieceSize {
		return SharedFile{}, fmt.Errorf("invalid piece size %d", pieceSize)
	}

	var (
		hashes []string
		size   int64
		buf    = make([]byte, pieceSize)
	)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			hashes = append(hashes, HashPiece(buf[:n]))
			size += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return SharedFile{}, err
		}
	}

	id, err := DeriveFileID(hashes)
	if err != nil {
		return SharedFile{}, err
	}
	return SharedFile{
		FileID:      id,
		Name:        name,
		Size:        size,
		PieceSize:   pieceSize,
		PieceCount:  len(hashes),
		PieceHashes: hashes,
	}, nil
}

// Register serves meta from path, e.g. a file this node just downloaded.
func (x *Index) Register(meta SharedFile, path string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.files[meta.FileID] = &entry{meta: meta, path: path}
}

func (x *Index) Get(fileID string) (SharedFile, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e, ok := x.files[fileID]
	if !ok {
		return SharedFile{}, fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	return e.meta, nil
}

// List returns every shared file ordered by name.
func (x *Index) List() []SharedFile {
	x.mu.RLock()
	out := make([]SharedFile, 0, len(x.files))
	for _, e := range x.files {
		out = append(out, e.meta)
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].FileID < out[j].FileID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Lookup matches query against file names (case-insensitive substring) and
// file ids (exact). An empty query matches nothing.
func (x *Index) Lookup(query string) []SharedFile {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	lower := strings.ToLower(query)

	var out []SharedFile
	for _, f := range x.List() {
		if f.FileID == query || strings.Contains(strings.ToLower(f.Name), lower) {
			out = append(out, f)
		}
	}
	return out
}

// GetPiece reads one piece of a shared file. Every call opens its own handle,
// so concurrent requests never share a file offset.
func (x *Index) GetPiece(fileID string, index int) ([]byte, error) {
	x.mu.RLock()
	e, ok := x.files[fileID]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}

	meta := e.meta
	if index < 0 || index >= meta.PieceCount {
		return nil, fmt.Errorf("%w: index %d of %d in %s", ErrUnknownPiece, index, meta.PieceCount, fileID)
	}

	file, err := x.fs.Open(e.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared file: %w", err)
	}
	defer file.Close()

	data := make([]byte, meta.PieceLength(index))
	n, err := file.ReadAt(data, meta.PieceOffset(index))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		return nil, fmt.Errorf("failed to read piece %d of %s: %w", index, e.path, err)
	}
	return data, nil
}
