package swarm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/afero"

	"tarun-kavipurapu/swarmlink/pkg/fileindex"
	"tarun-kavipurapu/swarmlink/pkg/logger"
	"tarun-kavipurapu/swarmlink/pkg/monitor"
	"tarun-kavipurapu/swarmlink/pkg/protocol"
	"tarun-kavipurapu/swarmlink/pkg/registry"
	"tarun-kavipurapu/swarmlink/pkg/storage"
)

const (
	DefaultWorkers          = 8
	DefaultMaxAttempts      = 5
	DefaultRequestTimeout   = 8 * time.Second
	DefaultFailureThreshold = 3
)

// PeerSource supplies download candidates. *registry.Registry implements it.
type PeerSource interface {
	ListActive() []registry.Peer
	Touch(id string)
}

// Fetcher performs the two remote requests a download needs.
type Fetcher interface {
	FileList(ctx context.Context, peer registry.Peer, req protocol.FileListRequest) ([]protocol.FileInfo, error)
	Piece(ctx context.Context, peer registry.Peer, fileID string, index int) ([]byte, error)
}

// Seeder receives completed downloads so they can be served onwards.
// *fileindex.Index implements it.
type Seeder interface {
	Register(meta fileindex.SharedFile, path string)
}

type Options struct {
	// Workers bounds concurrent piece requests per job.
	Workers int
	// MaxAttempts is the per-piece attempt budget. A piece is abandoned once
	// the budget is spent and every seeder has been tried for it.
	MaxAttempts int
	// RequestTimeout bounds each remote request.
	RequestTimeout time.Duration
	// FailureThreshold is the failure score above which a peer is only used
	// when no healthier candidate is left. Hash mismatches score 2.
	FailureThreshold int

	Fs      afero.Fs
	Seeder  Seeder
	Metrics *monitor.Metrics
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Metrics == nil {
		o.Metrics = monitor.Global
	}
	return o
}

// Downloader materialises files from the peers that hold them.
type Downloader struct {
	peers   PeerSource
	fetcher Fetcher
	opts    Options
}

func New(peers PeerSource, fetcher Fetcher, opts Options) *Downloader {
	return &Downloader{
		peers:   peers,
		fetcher: fetcher,
		opts:    opts.withDefaults(),
	}
}

// Download runs a job to completion.
func (d *Downloader) Download(ctx context.Context, fileID, dest string) (fileindex.SharedFile, error) {
	job, err := d.Start(ctx, fileID, dest)
	if err != nil {
		return fileindex.SharedFile{}, err
	}
	return job.Wait()
}

// Start resolves the seeders and the canonical piece index, then begins the
// job. Cancelling ctx or calling Job.Cancel stops it.
func (d *Downloader) Start(ctx context.Context, fileID, dest string) (*Job, error) {
	meta, seeders, err := d.Resolve(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return d.Begin(ctx, meta, seeders, dest)
}

// Begin preallocates dest and starts fetching meta's pieces from seeders,
// which usually come from Resolve.
func (d *Downloader) Begin(ctx context.Context, meta fileindex.SharedFile, seeders []registry.Peer, dest string) (*Job, error) {
	if len(seeders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSeeders, meta.FileID)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	dst, err := storage.Create(d.opts.Fs, dest, meta.Size)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := newJob(d, meta, seeders, dst, cancel)

	logger.Sugar.Infof("[Swarm] Starting download of %s (%s): %d pieces from %d seeder(s) into %s",
		meta.Name, meta.FileID, meta.PieceCount, len(seeders), dest)
	go job.run(jobCtx)
	return job, nil
}

// Resolve asks every active peer for fileID. The first valid answer becomes
// the canonical index; later answers with different piece hashes are ignored.
// Seeders are returned ordered by peer id.
func (d *Downloader) Resolve(ctx context.Context, fileID string) (fileindex.SharedFile, []registry.Peer, error) {
	peers := d.peers.ListActive()
	if len(peers) == 0 {
		return fileindex.SharedFile{}, nil, fmt.Errorf("%w: %s (no active peers)", ErrNoSeeders, fileID)
	}

	type answer struct {
		peer  registry.Peer
		files []protocol.FileInfo
		err   error
	}
	answers := make(chan answer, len(peers))
	for _, p := range peers {
		go func(p registry.Peer) {
			rctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
			defer cancel()
			files, err := d.fetcher.FileList(rctx, p, protocol.FileListRequest{FileID: fileID})
			answers <- answer{peer: p, files: files, err: err}
		}(p)
	}

	var (
		canonical fileindex.SharedFile
		found     bool
		seeders   []registry.Peer
	)
	for range peers {
		a := <-answers
		if a.err != nil {
			logger.Sugar.Debugf("[Swarm] file list from %s failed: %v", a.peer.Addr(), a.err)
			continue
		}
		for _, info := range a.files {
			if info.FileID != fileID {
				continue
			}
			meta := fileindex.FromInfo(info)
			if err := meta.Validate(); err != nil {
				logger.Sugar.Warnf("[Swarm] ignoring invalid index from %s: %v", a.peer.ID, err)
				break
			}
			if !found {
				canonical, found = meta, true
			} else if !canonical.SameContent(meta) {
				logger.Sugar.Warnf("[Swarm] excluding %s: piece index disagrees with first responder", a.peer.ID)
				break
			}
			seeders = append(seeders, a.peer)
			d.peers.Touch(a.peer.ID)
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return fileindex.SharedFile{}, nil, err
	}
	if !found {
		return fileindex.SharedFile{}, nil, fmt.Errorf("%w: %s", ErrNoSeeders, fileID)
	}

	sort.Slice(seeders, func(i, j int) bool { return seeders[i].ID < seeders[j].ID })
	return canonical, seeders, nil
}
