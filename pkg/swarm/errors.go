package swarm

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSeeders is returned when no active peer reports the requested file.
	ErrNoSeeders = errors.New("no peer holds the requested file")

	errHashMismatch = errors.New("piece hash mismatch")
)

// IncompleteError reports a download that ended without every piece.
// Err combines the causes (last error per abandoned piece, or the context
// error on cancellation).
type IncompleteError struct {
	FileID  string
	Missing []int
	Err     error
}

func (e *IncompleteError) Error() string {
	msg := fmt.Sprintf("download of %s incomplete: %d piece(s) missing %v", e.FileID, len(e.Missing), e.Missing)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IncompleteError) Unwrap() error {
	return e.Err
}
