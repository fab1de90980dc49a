package swarm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/swarmlink/pkg/fileindex"
	"tarun-kavipurapu/swarmlink/pkg/monitor"
	"tarun-kavipurapu/swarmlink/pkg/protocol"
	"tarun-kavipurapu/swarmlink/pkg/registry"
)

type fakePeers struct {
	mu      sync.Mutex
	peers   []registry.Peer
	touched map[string]int
}

func newFakePeers(ids ...string) *fakePeers {
	fp := &fakePeers{touched: make(map[string]int)}
	for i, id := range ids {
		fp.peers = append(fp.peers, registry.Peer{ID: id, Name: id, IP: "127.0.0.1", Port: 7000 + i})
	}
	return fp
}

func (fp *fakePeers) ListActive() []registry.Peer {
	return append([]registry.Peer(nil), fp.peers...)
}

func (fp *fakePeers) Touch(id string) {
	fp.mu.Lock()
	fp.touched[id]++
	fp.mu.Unlock()
}

type pieceCall struct {
	peer  string
	index int
}

// fakeFetcher serves data from every peer in holders. pieceHook may replace
// the answer of a single request.
type fakeFetcher struct {
	meta    fileindex.SharedFile
	data    []byte
	holders map[string]bool
	lists   map[string][]protocol.FileInfo // overrides per peer

	pieceHook func(ctx context.Context, peer string, index int, attempt int) ([]byte, bool, error)

	mu    sync.Mutex
	calls []pieceCall
}

func newFakeFetcher(t *testing.T, data []byte, pieceSize int64, holders ...string) *fakeFetcher {
	t.Helper()
	meta, err := fileindex.Build(bytes.NewReader(data), "payload.bin", pieceSize)
	require.NoError(t, err)

	ff := &fakeFetcher{meta: meta, data: data, holders: make(map[string]bool), lists: make(map[string][]protocol.FileInfo)}
	for _, h := range holders {
		ff.holders[h] = true
	}
	return ff
}

func (ff *fakeFetcher) FileList(ctx context.Context, peer registry.Peer, req protocol.FileListRequest) ([]protocol.FileInfo, error) {
	if files, ok := ff.lists[peer.ID]; ok {
		return files, nil
	}
	if !ff.holders[peer.ID] {
		return nil, nil
	}
	return []protocol.FileInfo{ff.meta.Info()}, nil
}

func (ff *fakeFetcher) Piece(ctx context.Context, peer registry.Peer, fileID string, index int) ([]byte, error) {
	ff.mu.Lock()
	attempt := 0
	for _, c := range ff.calls {
		if c.index == index {
			attempt++
		}
	}
	ff.calls = append(ff.calls, pieceCall{peer: peer.ID, index: index})
	hook := ff.pieceHook
	ff.mu.Unlock()

	if hook != nil {
		if data, handled, err := hook(ctx, peer.ID, index, attempt); handled {
			return data, err
		}
	}
	if !ff.holders[peer.ID] || fileID != ff.meta.FileID {
		return nil, &protocol.RemoteError{Peer: peer.ID, Code: protocol.CodeUnknownFile, Reason: fileID}
	}
	off := ff.meta.PieceOffset(index)
	return append([]byte(nil), ff.data[off:off+ff.meta.PieceLength(index)]...), nil
}

func (ff *fakeFetcher) callsFor(index int) []string {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	var peers []string
	for _, c := range ff.calls {
		if c.index == index {
			peers = append(peers, c.peer)
		}
	}
	return peers
}

type fakeSeeder struct {
	mu   sync.Mutex
	path string
	meta fileindex.SharedFile
}

func (s *fakeSeeder) Register(meta fileindex.SharedFile, path string) {
	s.mu.Lock()
	s.meta, s.path = meta, path
	s.mu.Unlock()
}

// Destinations live on the OS filesystem: workers write concurrently through
// one handle, which MemMapFs does not support.
func testOptions() Options {
	return Options{
		Fs:             afero.NewOsFs(),
		RequestTimeout: 2 * time.Second,
		Metrics:        monitor.New(),
	}
}

func readDest(t *testing.T, path string) []byte {
	t.Helper()
	got, err := afero.ReadFile(afero.NewOsFs(), path)
	require.NoError(t, err)
	return got
}

func TestDownloadFromSingleSeeder(t *testing.T) {
	data := []byte("0123456789")
	peers := newFakePeers("A")
	ff := newFakeFetcher(t, data, 4, "A")
	seeder := &fakeSeeder{}

	opts := testOptions()
	opts.Seeder = seeder
	d := New(peers, ff, opts)

	dest := filepath.Join(t.TempDir(), "sub", "hello.txt")
	meta, err := d.Download(context.Background(), ff.meta.FileID, dest)
	require.NoError(t, err)

	assert.Equal(t, 3, meta.PieceCount)
	got := readDest(t, dest)
	assert.Equal(t, data, got)
	for i := 0; i < meta.PieceCount; i++ {
		off := meta.PieceOffset(i)
		assert.Equal(t, meta.PieceHashes[i], fileindex.HashPiece(got[off:off+meta.PieceLength(i)]))
	}

	assert.Equal(t, dest, seeder.path)
	assert.Equal(t, ff.meta.FileID, seeder.meta.FileID)
	assert.Positive(t, peers.touched["A"])
}

func TestCorruptedPieceIsRetriedNotAccepted(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 8)
	peers := newFakePeers("A", "B")
	ff := newFakeFetcher(t, data, 8, "A", "B")

	var corruptedBy string
	ff.pieceHook = func(ctx context.Context, peer string, index, attempt int) ([]byte, bool, error) {
		if index == 3 && attempt == 0 {
			corruptedBy = peer
			return bytes.Repeat([]byte("X"), 8), true, nil
		}
		return nil, false, nil
	}

	d := New(peers, ff, testOptions())
	dest := filepath.Join(t.TempDir(), "out.bin")
	_, err := d.Download(context.Background(), ff.meta.FileID, dest)
	require.NoError(t, err)

	assert.Equal(t, data, readDest(t, dest))

	calls := ff.callsFor(3)
	require.Len(t, calls, 2)
	assert.Equal(t, corruptedBy, calls[0])
	assert.NotEqual(t, calls[0], calls[1], "retry should go to the other seeder")
}

func TestUnreachablePeerForOnePieceStillCompletes(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	peers := newFakePeers("A", "B", "C")
	ff := newFakeFetcher(t, data, 4, "A", "B", "C")

	// piece 2 starts its rotation at C
	ff.pieceHook = func(ctx context.Context, peer string, index, attempt int) ([]byte, bool, error) {
		if peer == "C" && index == 2 {
			return nil, true, fmt.Errorf("dial %s: connection refused", peer)
		}
		return nil, false, nil
	}

	opts := testOptions()
	opts.Workers = 3
	d := New(peers, ff, opts)
	dest := filepath.Join(t.TempDir(), "fox.txt")
	_, err := d.Download(context.Background(), ff.meta.FileID, dest)
	require.NoError(t, err)

	assert.Equal(t, data, readDest(t, dest))
	calls := ff.callsFor(2)
	require.Len(t, calls, 2)
	assert.Equal(t, "C", calls[0])
	assert.NotEqual(t, "C", calls[1])
}

func TestStalledPeerIsTimedOutAndPieceRequeued(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	peers := newFakePeers("A", "B", "C")
	ff := newFakeFetcher(t, data, 4, "A", "B", "C")

	// C accepts the request for piece 2 and never answers
	ff.pieceHook = func(ctx context.Context, peer string, index, attempt int) ([]byte, bool, error) {
		if peer == "C" && index == 2 {
			<-ctx.Done()
			return nil, true, ctx.Err()
		}
		return nil, false, nil
	}

	opts := testOptions()
	opts.Workers = 3
	opts.RequestTimeout = 200 * time.Millisecond
	d := New(peers, ff, opts)
	dest := filepath.Join(t.TempDir(), "fox.txt")

	start := time.Now()
	_, err := d.Download(context.Background(), ff.meta.FileID, dest)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, data, readDest(t, dest))
	calls := ff.callsFor(2)
	require.Len(t, calls, 2)
	assert.Equal(t, "C", calls[0])
	assert.NotEqual(t, "C", calls[1])
}

func TestExhaustedPieceIsReported(t *testing.T) {
	data := []byte("0123456789")
	peers := newFakePeers("A")
	ff := newFakeFetcher(t, data, 4, "A")
	ff.pieceHook = func(ctx context.Context, peer string, index, attempt int) ([]byte, bool, error) {
		if index == 1 {
			return nil, true, &protocol.RemoteError{Peer: peer, Code: protocol.CodeIOError, Reason: "disk gone"}
		}
		return nil, false, nil
	}

	opts := testOptions()
	opts.MaxAttempts = 3
	d := New(peers, ff, opts)
	dest := filepath.Join(t.TempDir(), "out.bin")
	_, err := d.Download(context.Background(), ff.meta.FileID, dest)
	require.Error(t, err)

	var incomplete *IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []int{1}, incomplete.Missing)
	assert.Len(t, ff.callsFor(1), 3)

	var remote *protocol.RemoteError
	assert.True(t, errors.As(err, &remote))

	got := readDest(t, dest)
	assert.Equal(t, "0123", string(got[0:4]))
	assert.Equal(t, "89", string(got[8:10]))
}

func TestNoSeeders(t *testing.T) {
	ff := newFakeFetcher(t, []byte("data"), 4)

	d := New(newFakePeers(), ff, testOptions())
	_, err := d.Download(context.Background(), ff.meta.FileID, filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrNoSeeders)

	d = New(newFakePeers("A", "B"), ff, testOptions())
	_, err = d.Download(context.Background(), ff.meta.FileID, filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrNoSeeders)
}

func TestResolveExcludesForgedIndex(t *testing.T) {
	data := []byte("0123456789")
	peers := newFakePeers("A", "B")
	ff := newFakeFetcher(t, data, 4, "A")

	forged := ff.meta.Info()
	forged.PieceHashes = append([]string(nil), forged.PieceHashes...)
	forged.PieceHashes[0] = fileindex.HashPiece([]byte("evil"))
	ff.lists["B"] = []protocol.FileInfo{forged}

	d := New(peers, ff, testOptions())
	meta, seeders, err := d.Resolve(context.Background(), ff.meta.FileID)
	require.NoError(t, err)
	require.Len(t, seeders, 1)
	assert.Equal(t, "A", seeders[0].ID)
	assert.Equal(t, ff.meta.PieceHashes, meta.PieceHashes)
}

func TestCancelLeavesDestinationIncomplete(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 64)
	peers := newFakePeers("A")
	ff := newFakeFetcher(t, data, 8, "A")

	started := make(chan struct{}, 16)
	ff.pieceHook = func(ctx context.Context, peer string, index, attempt int) ([]byte, bool, error) {
		if index == 0 {
			return nil, false, nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return nil, true, ctx.Err()
	}

	opts := testOptions()
	opts.Workers = 2
	opts.RequestTimeout = time.Minute
	d := New(peers, ff, opts)

	job, err := d.Start(context.Background(), ff.meta.FileID, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)

	// both workers blocked means piece 0 was already written
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not block on piece requests")
		}
	}
	job.Cancel()

	_, err = job.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var incomplete *IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.NotEmpty(t, incomplete.Missing)
	assert.NotContains(t, incomplete.Missing, 0)
	assert.True(t, job.Tracker().Snapshot().Done)
}

func TestEmptyFileDownload(t *testing.T) {
	ff := newFakeFetcher(t, nil, 4, "A")
	d := New(newFakePeers("A"), ff, testOptions())

	dest := filepath.Join(t.TempDir(), "empty")
	meta, err := d.Download(context.Background(), ff.meta.FileID, dest)
	require.NoError(t, err)
	assert.Equal(t, 0, meta.PieceCount)
	assert.Empty(t, readDest(t, dest))
}

func TestPickPeerPrefersUntriedAndHealthy(t *testing.T) {
	j := &Job{
		d:        &Downloader{opts: Options{FailureThreshold: 3}},
		seeders:  []registry.Peer{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		failures: make(map[string]int),
	}

	fresh := func(index, attempts int, tried ...string) *task {
		return &task{index: index, attempts: attempts, tried: mapset.NewSet[string](tried...)}
	}

	assert.Equal(t, "A", j.pickPeer(fresh(0, 0)).ID)
	assert.Equal(t, "B", j.pickPeer(fresh(1, 0)).ID)
	assert.Equal(t, "C", j.pickPeer(fresh(2, 0)).ID)
	assert.Equal(t, "A", j.pickPeer(fresh(2, 1)).ID)

	// tried peers are skipped while untried ones remain
	assert.Equal(t, "C", j.pickPeer(fresh(0, 0, "A", "B")).ID)

	// a deprioritized peer loses to a healthy one
	j.failures["A"] = 3
	assert.Equal(t, "B", j.pickPeer(fresh(0, 0)).ID)

	// all tried: fewest failures wins
	j.failures["B"] = 2
	j.failures["C"] = 1
	assert.Equal(t, "C", j.pickPeer(fresh(0, 3, "A", "B", "C")).ID)
}
