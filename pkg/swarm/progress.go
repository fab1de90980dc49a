package swarm

import (
	"sort"
	"sync"
	"time"
)

// PieceState represents the current state of a piece download
type PieceState int

const (
	PiecePending PieceState = iota
	PieceDownloading
	PieceCompleted
	PieceFailed
)

// String returns a string representation of the piece state
func (s PieceState) String() string {
	switch s {
	case PiecePending:
		return "pending"
	case PieceDownloading:
		return "downloading"
	case PieceCompleted:
		return "completed"
	case PieceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PieceProgress tracks the progress of a single piece
type PieceProgress struct {
	Index      int
	State      PieceState
	PeerID     string
	Attempts   int
	BytesTotal int64
	StartTime  time.Time
	EndTime    time.Time
}

// Snapshot is a consistent copy of a tracker's counters.
type Snapshot struct {
	FileID          string
	FileName        string
	FileSize        int64
	TotalPieces     int
	Completed       int
	Failed          int
	Retries         int
	ActivePeers     int
	BytesDownloaded int64
	Speed           float64 // bytes/sec
	Elapsed         time.Duration
	Done            bool
}

// Percent returns byte progress in the range 0-100.
func (s Snapshot) Percent() float64 {
	if s.FileSize == 0 {
		if s.Done {
			return 100
		}
		return 0
	}
	return float64(s.BytesDownloaded) / float64(s.FileSize) * 100
}

// ETA estimates the remaining time from the current speed.
func (s Snapshot) ETA() time.Duration {
	remaining := s.FileSize - s.BytesDownloaded
	if s.Speed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/s.Speed) * time.Second
}

// DownloadTracker tracks the progress of an entire file download
type DownloadTracker struct {
	mu              sync.RWMutex
	fileID          string
	fileName        string
	fileSize        int64
	pieces          []*PieceProgress
	activePeers     map[string]int // peerID -> in-flight piece count
	startTime       time.Time
	endTime         time.Time
	bytesDownloaded int64
	failed          int
	retries         int

	// Speed calculation
	lastBytes    int64
	lastTime     time.Time
	currentSpeed float64
}

// NewDownloadTracker creates a new download tracker
func NewDownloadTracker(fileID, fileName string, fileSize int64, pieceLengths []int64) *DownloadTracker {
	now := time.Now()
	dt := &DownloadTracker{
		fileID:      fileID,
		fileName:    fileName,
		fileSize:    fileSize,
		pieces:      make([]*PieceProgress, len(pieceLengths)),
		activePeers: make(map[string]int),
		startTime:   now,
		lastTime:    now,
	}
	for i, n := range pieceLengths {
		dt.pieces[i] = &PieceProgress{Index: i, State: PiecePending, BytesTotal: n}
	}
	return dt
}

// StartPiece marks a piece as being downloaded from peerID
func (dt *DownloadTracker) StartPiece(index int, peerID string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if p := dt.piece(index); p != nil {
		p.State = PieceDownloading
		p.PeerID = peerID
		p.Attempts++
		p.StartTime = time.Now()
		dt.activePeers[peerID]++
	}
}

// CompletePiece marks a piece as verified and written
func (dt *DownloadTracker) CompletePiece(index int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	p := dt.piece(index)
	if p == nil || p.State == PieceCompleted {
		return
	}
	dt.release(p)
	p.State = PieceCompleted
	p.EndTime = time.Now()
	dt.bytesDownloaded += p.BytesTotal
}

// RetryPiece returns a piece whose attempt failed to the pending state
func (dt *DownloadTracker) RetryPiece(index int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if p := dt.piece(index); p != nil {
		dt.release(p)
		p.State = PiecePending
		p.StartTime = time.Time{}
		dt.retries++
	}
}

// FailPiece marks a piece as abandoned
func (dt *DownloadTracker) FailPiece(index int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if p := dt.piece(index); p != nil && p.State != PieceFailed {
		dt.release(p)
		p.State = PieceFailed
		p.EndTime = time.Now()
		dt.failed++
	}
}

// MarkDone stops the clock
func (dt *DownloadTracker) MarkDone() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	if dt.endTime.IsZero() {
		dt.endTime = time.Now()
	}
}

// UpdateSpeed calculates and updates the current download speed
func (dt *DownloadTracker) UpdateSpeed() float64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.sampleSpeed(time.Now())
	return dt.currentSpeed
}

// sampleSpeed refreshes currentSpeed at most every half second. Callers hold mu.
func (dt *DownloadTracker) sampleSpeed(now time.Time) {
	elapsed := now.Sub(dt.lastTime).Seconds()
	if elapsed < 0.5 {
		return
	}
	if diff := dt.bytesDownloaded - dt.lastBytes; diff >= 0 {
		dt.currentSpeed = float64(diff) / elapsed
	}
	dt.lastBytes = dt.bytesDownloaded
	dt.lastTime = now
}

// Snapshot returns current progress statistics. Speed is the recent rate
// while running and the average rate once done.
func (dt *DownloadTracker) Snapshot() Snapshot {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	now := time.Now()
	s := Snapshot{
		FileID:          dt.fileID,
		FileName:        dt.fileName,
		FileSize:        dt.fileSize,
		TotalPieces:     len(dt.pieces),
		Failed:          dt.failed,
		Retries:         dt.retries,
		ActivePeers:     len(dt.activePeers),
		BytesDownloaded: dt.bytesDownloaded,
		Done:            !dt.endTime.IsZero(),
	}
	for _, p := range dt.pieces {
		if p.State == PieceCompleted {
			s.Completed++
		}
	}
	if s.Done {
		s.Elapsed = dt.endTime.Sub(dt.startTime)
	} else {
		s.Elapsed = now.Sub(dt.startTime)
	}

	switch {
	case s.Done:
		if secs := s.Elapsed.Seconds(); secs > 0 {
			s.Speed = float64(dt.bytesDownloaded) / secs
		}
	default:
		dt.sampleSpeed(now)
		s.Speed = dt.currentSpeed
		if dt.lastTime.Equal(dt.startTime) && s.Elapsed > 0 {
			// no full sample window yet
			s.Speed = float64(dt.bytesDownloaded) / s.Elapsed.Seconds()
		}
	}
	return s
}

// Pieces returns the indices currently in state, ascending.
func (dt *DownloadTracker) Pieces(state PieceState) []int {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	out := make([]int, 0)
	for _, p := range dt.pieces {
		if p.State == state {
			out = append(out, p.Index)
		}
	}
	sort.Ints(out)
	return out
}

// ActivePeers returns the ids of peers with a request in flight
func (dt *DownloadTracker) ActivePeers() []string {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	peers := make([]string, 0, len(dt.activePeers))
	for id := range dt.activePeers {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

func (dt *DownloadTracker) piece(index int) *PieceProgress {
	if index < 0 || index >= len(dt.pieces) {
		return nil
	}
	return dt.pieces[index]
}

// release drops the in-flight count of the peer serving p.
func (dt *DownloadTracker) release(p *PieceProgress) {
	if p.State != PieceDownloading {
		return
	}
	dt.activePeers[p.PeerID]--
	if dt.activePeers[p.PeerID] <= 0 {
		delete(dt.activePeers, p.PeerID)
	}
}
