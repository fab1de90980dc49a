package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Destination is a preallocated output file written piece by piece.
// Writers must cover disjoint byte ranges; no lock is taken around WriteAt,
// which relies on positional writes (pwrite) of the underlying file.
type Destination struct {
	path string
	size int64
	file afero.File
}

// Create makes parent directories and sizes path to its final length so that
// pieces can land at their absolute offsets in any order.
func Create(fs afero.Fs, path string, size int64) (*Destination, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	file, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to preallocate %s: %w", path, err)
	}

	return &Destination{path: path, size: size, file: file}, nil
}

func (d *Destination) Path() string {
	return d.path
}

// WriteAt stores data at offset.
func (d *Destination) WriteAt(offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > d.size {
		return fmt.Errorf("write %s: range [%d,%d) outside file of %d bytes", d.path, offset, offset+int64(len(data)), d.size)
	}
	if _, err := d.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write %s at %d: %w", d.path, offset, err)
	}
	return nil
}

// Close flushes and closes the file.
func (d *Destination) Close() error {
	if err := d.file.Sync(); err != nil {
		d.file.Close()
		return fmt.Errorf("sync %s: %w", d.path, err)
	}
	return d.file.Close()
}
