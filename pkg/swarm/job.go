package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"tarun-kavipurapu/swarmlink/pkg/fileindex"
	"tarun-kavipurapu/swarmlink/pkg/logger"
	"tarun-kavipurapu/swarmlink/pkg/protocol"
	"tarun-kavipurapu/swarmlink/pkg/registry"
	"tarun-kavipurapu/swarmlink/pkg/storage"
)

// task is one piece waiting to be fetched. A task sits in the queue at most
// once, so the queue never holds more than PieceCount entries.
type task struct {
	index    int
	hash     string
	tried    mapset.Set[string]
	attempts int
	lastErr  error
}

// Job is a running download.
type Job struct {
	id      string
	d       *Downloader
	meta    fileindex.SharedFile
	seeders []registry.Peer
	dst     *storage.Destination
	tracker *DownloadTracker
	cancel  context.CancelFunc
	started time.Time

	queue    chan *task
	finished chan struct{} // closed once every piece is completed or abandoned
	done     chan struct{} // closed after the result is set

	mu        sync.Mutex
	completed bitmap.Bitmap
	settled   int
	failures  map[string]int // peer id -> failure score
	causes    error
	aborted   bool

	err error
}

func newJob(d *Downloader, meta fileindex.SharedFile, seeders []registry.Peer, dst *storage.Destination, cancel context.CancelFunc) *Job {
	lengths := make([]int64, meta.PieceCount)
	for i := range lengths {
		lengths[i] = meta.PieceLength(i)
	}

	return &Job{
		id:        uuid.NewString(),
		d:         d,
		meta:      meta,
		seeders:   seeders,
		dst:       dst,
		tracker:   NewDownloadTracker(meta.FileID, meta.Name, meta.Size, lengths),
		cancel:    cancel,
		started:   time.Now(),
		queue:     make(chan *task, meta.PieceCount),
		finished:  make(chan struct{}),
		done:      make(chan struct{}),
		completed: bitmap.New(meta.PieceCount),
		failures:  make(map[string]int),
	}
}

func (j *Job) ID() string { return j.id }

func (j *Job) Meta() fileindex.SharedFile { return j.meta }

func (j *Job) Dest() string { return j.dst.Path() }

func (j *Job) Started() time.Time { return j.started }

func (j *Job) Tracker() *DownloadTracker { return j.tracker }

// Done is closed when the job has ended.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Seeders() []registry.Peer { return append([]registry.Peer(nil), j.seeders...) }

// Cancel stops issuing requests; the destination is left incomplete.
func (j *Job) Cancel() { j.cancel() }

// Wait blocks until the job ends. On success the destination holds the
// verified file; otherwise the error is an *IncompleteError.
func (j *Job) Wait() (fileindex.SharedFile, error) {
	<-j.done
	if j.err != nil {
		return fileindex.SharedFile{}, j.err
	}
	return j.meta, nil
}

// Err returns the result once Done is closed, nil before.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

func (j *Job) run(ctx context.Context) {
	defer close(j.done)
	defer j.cancel()

	metrics := j.d.opts.Metrics
	metrics.DownloadsActive.Inc()
	defer metrics.DownloadsActive.Dec()

	for i := 0; i < j.meta.PieceCount; i++ {
		j.queue <- &task{index: i, hash: j.meta.PieceHashes[i], tried: mapset.NewSet[string]()}
	}
	if j.meta.PieceCount == 0 {
		close(j.finished)
	}

	workers := j.d.opts.Workers
	if workers > j.meta.PieceCount {
		workers = j.meta.PieceCount
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.work(ctx)
		}()
	}
	wg.Wait()

	j.tracker.MarkDone()
	j.err = j.finish(ctx)

	switch {
	case j.err == nil:
		metrics.DownloadsCompleted.WithLabelValues("ok").Inc()
	case errors.Is(j.err, context.Canceled):
		metrics.DownloadsCompleted.WithLabelValues("canceled").Inc()
	default:
		metrics.DownloadsCompleted.WithLabelValues("incomplete").Inc()
	}
}

func (j *Job) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.finished:
			return
		case t := <-j.queue:
			if ctx.Err() != nil {
				return
			}
			j.attempt(ctx, t)
		}
	}
}

func (j *Job) attempt(ctx context.Context, t *task) {
	peer := j.pickPeer(t)
	t.attempts++
	t.tried.Add(peer.ID)
	j.tracker.StartPiece(t.index, peer.ID)

	data, err := j.fetch(ctx, peer, t)
	if err != nil {
		if ctx.Err() != nil {
			j.tracker.RetryPiece(t.index)
			return
		}
		j.retry(t, peer, err)
		return
	}

	if err := j.dst.WriteAt(j.meta.PieceOffset(t.index), data); err != nil {
		j.abort(fmt.Errorf("piece %d: %w", t.index, err))
		return
	}

	j.d.peers.Touch(peer.ID)
	j.d.opts.Metrics.PiecesFetched.Inc()
	j.d.opts.Metrics.BytesFetched.Add(float64(len(data)))
	j.tracker.CompletePiece(t.index)

	j.mu.Lock()
	bitmap.Set(j.completed, t.index, true)
	j.mu.Unlock()
	j.settle()
}

// fetch requests one piece and accepts it only if length and hash match.
func (j *Job) fetch(ctx context.Context, peer registry.Peer, t *task) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, j.d.opts.RequestTimeout)
	defer cancel()

	data, err := j.d.fetcher.Piece(rctx, peer, j.meta.FileID, t.index)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != j.meta.PieceLength(t.index) || fileindex.HashPiece(data) != t.hash {
		return nil, fmt.Errorf("%w: piece %d from %s", errHashMismatch, t.index, peer.ID)
	}
	return data, nil
}

// pickPeer walks the seeders in rotation order starting at
// (index + attempts) mod n and returns the best-ranked one: untried before
// tried, healthy before deprioritized, then fewest failures.
func (j *Job) pickPeer(t *task) registry.Peer {
	n := len(j.seeders)
	start := (t.index + t.attempts) % n

	j.mu.Lock()
	defer j.mu.Unlock()

	best, bestRank, bestFailures := -1, 0, 0
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		id := j.seeders[idx].ID
		failures := j.failures[id]

		rank := 0
		if t.tried.Contains(id) {
			rank += 2
		}
		if failures >= j.d.opts.FailureThreshold {
			rank++
		}
		if best < 0 || rank < bestRank || (rank == bestRank && failures < bestFailures) {
			best, bestRank, bestFailures = idx, rank, failures
		}
	}
	return j.seeders[best]
}

func (j *Job) retry(t *task, peer registry.Peer, err error) {
	penalty, reason := 1, "transport"
	var remote *protocol.RemoteError
	switch {
	case errors.Is(err, errHashMismatch):
		penalty, reason = 2, "hash_mismatch"
	case errors.As(err, &remote):
		reason = "remote_error"
	}
	j.d.opts.Metrics.PieceFailures.WithLabelValues(reason).Inc()

	j.mu.Lock()
	j.failures[peer.ID] += penalty
	t.lastErr = err
	exhausted := t.attempts >= j.d.opts.MaxAttempts && t.tried.Cardinality() >= len(j.seeders)
	j.mu.Unlock()

	if exhausted {
		logger.Sugar.Errorf("[Swarm] Giving up on piece %d of %s after %d attempts: %v", t.index, j.meta.FileID, t.attempts, err)
		j.tracker.FailPiece(t.index)
		j.mu.Lock()
		j.causes = multierr.Append(j.causes, fmt.Errorf("piece %d: %w", t.index, err))
		j.mu.Unlock()
		j.settle()
		return
	}

	logger.Sugar.Warnf("[Swarm] Piece %d from %s failed (attempt %d), requeued: %v", t.index, peer.ID, t.attempts, err)
	j.tracker.RetryPiece(t.index)
	j.queue <- t
}

// abort stops the job after a local failure.
func (j *Job) abort(err error) {
	logger.Sugar.Errorf("[Swarm] Aborting download of %s: %v", j.meta.FileID, err)
	j.mu.Lock()
	j.causes = multierr.Append(j.causes, err)
	j.aborted = true
	j.mu.Unlock()
	j.cancel()
}

func (j *Job) settle() {
	j.mu.Lock()
	j.settled++
	all := j.settled == j.meta.PieceCount
	j.mu.Unlock()
	if all {
		close(j.finished)
	}
}

// Missing returns the piece indices not yet written, ascending.
func (j *Job) Missing() []int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.missingLocked()
}

func (j *Job) missingLocked() []int {
	missing := make([]int, 0)
	for i := 0; i < j.meta.PieceCount; i++ {
		if !bitmap.Get(j.completed, i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (j *Job) finish(ctx context.Context) error {
	j.mu.Lock()
	missing := j.missingLocked()
	causes := j.causes
	aborted := j.aborted
	j.mu.Unlock()

	closeErr := j.dst.Close()
	if len(missing) == 0 && closeErr != nil {
		return fmt.Errorf("finalize %s: %w", j.dst.Path(), closeErr)
	}

	if len(missing) == 0 {
		elapsed := time.Since(j.started)
		logger.Sugar.Infof("[Swarm] All %d pieces of %s verified in %s", j.meta.PieceCount, j.meta.Name, elapsed.Round(time.Millisecond))
		j.d.opts.Metrics.RecordTransfer(j.meta.Size, elapsed)
		if j.d.opts.Seeder != nil {
			j.d.opts.Seeder.Register(j.meta, j.dst.Path())
			logger.Sugar.Infof("[Swarm] Now seeding %s from %s", j.meta.FileID, j.dst.Path())
		}
		return nil
	}

	if err := ctx.Err(); err != nil && !aborted {
		causes = multierr.Append(err, causes)
	}
	causes = multierr.Append(causes, closeErr)

	err := &IncompleteError{FileID: j.meta.FileID, Missing: missing, Err: causes}
	logger.Sugar.Errorf("[Swarm] %v", err)
	return err
}
