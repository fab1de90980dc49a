package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerLifecycle(t *testing.T) {
	dt := NewDownloadTracker("id", "hello.txt", 10, []int64{4, 4, 2})

	dt.StartPiece(0, "A")
	dt.StartPiece(1, "B")
	assert.Equal(t, []string{"A", "B"}, dt.ActivePeers())

	dt.CompletePiece(0)
	dt.RetryPiece(1)
	dt.StartPiece(1, "A")
	dt.CompletePiece(1)
	dt.CompletePiece(1)
	dt.StartPiece(2, "B")
	dt.FailPiece(2)

	s := dt.Snapshot()
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Retries)
	assert.Equal(t, int64(8), s.BytesDownloaded)
	assert.InDelta(t, 80.0, s.Percent(), 0.001)
	assert.Empty(t, dt.ActivePeers())
	assert.Equal(t, []int{0, 1}, dt.Pieces(PieceCompleted))
	assert.Equal(t, []int{2}, dt.Pieces(PieceFailed))

	assert.False(t, s.Done)
	dt.MarkDone()
	assert.True(t, dt.Snapshot().Done)
}

func TestEmptyTrackerPercent(t *testing.T) {
	dt := NewDownloadTracker("id", "empty", 0, nil)
	assert.Zero(t, dt.Snapshot().Percent())
	dt.MarkDone()
	assert.Equal(t, 100.0, dt.Snapshot().Percent())
}

func TestSnapshotReportsSpeedWithoutRenderer(t *testing.T) {
	dt := NewDownloadTracker("id", "hello.txt", 10, []int64{4, 4, 2})
	assert.Zero(t, dt.Snapshot().Speed)

	dt.StartPiece(0, "A")
	dt.CompletePiece(0)
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, dt.Snapshot().Speed, 0.0)

	// a full window with no progress reads as stalled
	time.Sleep(600 * time.Millisecond)
	assert.Greater(t, dt.Snapshot().Speed, 0.0)
	time.Sleep(600 * time.Millisecond)
	assert.Zero(t, dt.Snapshot().Speed)

	dt.StartPiece(1, "A")
	dt.CompletePiece(1)
	dt.MarkDone()
	s := dt.Snapshot()
	assert.InDelta(t, float64(8)/s.Elapsed.Seconds(), s.Speed, 0.001)
}
