package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"tarun-kavipurapu/swarmlink/pkg/discovery"
	"tarun-kavipurapu/swarmlink/pkg/fileindex"
	"tarun-kavipurapu/swarmlink/pkg/logger"
	"tarun-kavipurapu/swarmlink/pkg/monitor"
	"tarun-kavipurapu/swarmlink/pkg/protocol"
	"tarun-kavipurapu/swarmlink/pkg/registry"
	"tarun-kavipurapu/swarmlink/pkg/swarm"
	"tarun-kavipurapu/swarmlink/pkg/transport/tcp"
)

const (
	DefaultListenAddr  = ":6001"
	DefaultDownloadDir = "downloads"
	sweepInterval      = 2 * time.Second
	// maxFinishedJobs bounds how many ended downloads stay listed.
	maxFinishedJobs = 32
)

var ErrUnknownDownload = errors.New("unknown download")

// Options configures a Node. Zero values fall back to the package defaults.
type Options struct {
	ID          string
	Name        string
	ListenAddr  string
	PieceSize   int64
	DownloadDir string
	PeerTTL     time.Duration

	// Discovery carries the UDP settings; identity fields are filled in by
	// the node.
	Discovery        discovery.Config
	DisableDiscovery bool
	MDNS             bool

	Transport tcp.Options
	Swarm     swarm.Options
	// Seed registers completed downloads in the local index.
	Seed bool

	Fs      afero.Fs
	Metrics *monitor.Metrics
}

// Info describes the local node.
type Info struct {
	ID          string `json:"peer_id"`
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	TCPPort     int    `json:"tcp_port"`
	Peers       int    `json:"peers"`
	SharedFiles int    `json:"shared_files"`
	Downloads   int    `json:"downloads"`
}

// RemoteFile is a file offered by one or more peers.
type RemoteFile struct {
	protocol.FileInfo
	Peers []registry.Peer `json:"peers"`
}

// Node wires the registry, file index, transfer server, discovery and
// downloader of one swarmlink process.
type Node struct {
	id   string
	name string
	opts Options

	registry   *registry.Registry
	index      *fileindex.Index
	transport  *tcp.TCPTransport
	client     *Client
	downloader *swarm.Downloader
	discovery  *discovery.Service
	mdns       *discovery.MDNS
	metrics    *monitor.Metrics

	chatMu       sync.RWMutex
	chatHandlers []ChatHandler

	jobsMu sync.Mutex
	jobs   map[string]*swarm.Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tcpPort int
}

func NewNode(opts Options) *Node {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Name == "" {
		if host, err := os.Hostname(); err == nil {
			opts.Name = host
		} else {
			opts.Name = "node-" + opts.ID
		}
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = DefaultDownloadDir
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitor.Global
	}

	n := &Node{
		id:       opts.ID,
		name:     opts.Name,
		opts:     opts,
		registry: registry.New(opts.PeerTTL),
		index:    fileindex.New(opts.Fs, opts.PieceSize),
		metrics:  opts.Metrics,
		jobs:     make(map[string]*swarm.Job),
	}

	n.transport = tcp.NewTCPTransport(opts.ListenAddr, opts.Transport)
	n.transport.SetHandler(n.serveSession)

	swarmOpts := opts.Swarm
	swarmOpts.Fs = opts.Fs
	swarmOpts.Metrics = opts.Metrics
	if opts.Seed {
		swarmOpts.Seeder = n.index
	}
	timeout := swarmOpts.RequestTimeout
	if timeout <= 0 {
		timeout = swarm.DefaultRequestTimeout
	}
	n.client = NewClient(n.transport, timeout)
	n.downloader = swarm.New(n.registry, n.client, swarmOpts)

	logger.Sugar.Infof("[Node] Initialized %s (%s) with address: %s", n.name, n.id, opts.ListenAddr)
	return n
}

// Start opens the transfer server, then starts discovery.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return errors.New("node already started")
	}

	if err := n.transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to start listening on %s: %w", n.opts.ListenAddr, err)
	}
	port, err := portOf(n.transport.Addr())
	if err != nil {
		n.transport.Close()
		return err
	}
	n.tcpPort = port
	logger.Sugar.Infof("[Node] Transfer server listening on %s", n.transport.Addr())

	ctx, cancel := context.WithCancel(ctx)

	dcfg := n.opts.Discovery
	dcfg.PeerID, dcfg.Name, dcfg.TCPPort = n.id, n.name, port

	if !n.opts.DisableDiscovery {
		n.discovery = discovery.NewService(dcfg, n.registry, n.metrics)
		if err := n.discovery.Start(ctx); err != nil {
			cancel()
			n.transport.Close()
			return fmt.Errorf("failed to start discovery: %w", err)
		}
	}
	if n.opts.MDNS {
		n.mdns = discovery.NewMDNS(dcfg, n.registry)
		if err := n.mdns.Start(ctx); err != nil {
			logger.Sugar.Warnf("[Node] mDNS disabled: %v", err)
			n.mdns = nil
		}
	}

	n.cancel = cancel
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.registry.Run(ctx, sweepInterval)
	}()
	go func() {
		defer n.wg.Done()
		n.watchPeers(ctx)
	}()
	return nil
}

func (n *Node) watchPeers(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.metrics.PeersActive.Set(float64(len(n.registry.ListActive())))
		}
	}
}

// Stop cancels running downloads, leaves the LAN and closes every session.
func (n *Node) Stop() error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}

	for _, job := range n.Jobs() {
		job.Cancel()
	}
	if n.mdns != nil {
		n.mdns.Stop()
	}
	if n.discovery != nil {
		n.discovery.Stop()
	}
	cancel()

	err := n.transport.Close()
	n.wg.Wait()
	for _, job := range n.Jobs() {
		<-job.Done()
	}
	logger.Sugar.Infof("[Node] %s stopped", n.name)
	logger.Sync()
	return err
}

func (n *Node) ID() string { return n.id }

// Registry exposes the peer table, e.g. to seed peers without discovery.
func (n *Node) Registry() *registry.Registry { return n.registry }

func (n *Node) Info() Info {
	n.mu.Lock()
	port := n.tcpPort
	n.mu.Unlock()

	n.jobsMu.Lock()
	downloads := len(n.jobs)
	n.jobsMu.Unlock()

	return Info{
		ID:          n.id,
		Name:        n.name,
		Addr:        n.transport.Addr(),
		TCPPort:     port,
		Peers:       len(n.registry.ListActive()),
		SharedFiles: len(n.index.List()),
		Downloads:   downloads,
	}
}

// Peers returns the active peers ordered by name.
func (n *Node) Peers() []registry.Peer {
	peers := n.registry.ListActive()
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name == peers[j].Name {
			return peers[i].ID < peers[j].ID
		}
		return peers[i].Name < peers[j].Name
	})
	return peers
}

// OnChat registers a handler for incoming chats.
func (n *Node) OnChat(h ChatHandler) {
	n.chatMu.Lock()
	n.chatHandlers = append(n.chatHandlers, h)
	n.chatMu.Unlock()
}

// SendChat delivers text to an active peer.
func (n *Node) SendChat(ctx context.Context, peerID, text string) error {
	p, err := n.registry.Get(peerID)
	if err != nil {
		return fmt.Errorf("%w: %s", err, peerID)
	}
	if err := n.client.Chat(ctx, p, protocol.Chat{FromID: n.id, FromName: n.name, Text: text}); err != nil {
		return err
	}
	n.registry.Touch(p.ID)
	return nil
}

func (n *Node) Share(path string) (fileindex.SharedFile, error) {
	return n.index.Share(path)
}

func (n *Node) LocalFiles() []fileindex.SharedFile {
	return n.index.List()
}

// Find asks every active peer for files matching query by name or id.
func (n *Node) Find(ctx context.Context, query string) ([]RemoteFile, error) {
	if query == "" {
		return nil, errors.New("empty query")
	}
	peers := n.registry.ListActive()

	type answer struct {
		peer  registry.Peer
		files []protocol.FileInfo
		err   error
	}
	answers := make(chan answer, len(peers))
	for _, p := range peers {
		go func(p registry.Peer) {
			files, err := n.client.FileList(ctx, p, protocol.FileListRequest{Query: query})
			answers <- answer{peer: p, files: files, err: err}
		}(p)
	}

	byID := make(map[string]*RemoteFile)
	for range peers {
		a := <-answers
		if a.err != nil {
			logger.Sugar.Debugf("[Node] find on %s failed: %v", a.peer.ID, a.err)
			continue
		}
		n.registry.Touch(a.peer.ID)
		for _, info := range a.files {
			rf, ok := byID[info.FileID]
			if !ok {
				rf = &RemoteFile{FileInfo: info}
				byID[info.FileID] = rf
			}
			rf.Peers = append(rf.Peers, a.peer)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]RemoteFile, 0, len(byID))
	for _, rf := range byID {
		sort.Slice(rf.Peers, func(i, j int) bool { return rf.Peers[i].ID < rf.Peers[j].ID })
		out = append(out, *rf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].FileID < out[j].FileID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Download fetches fileID and waits for the result.
func (n *Node) Download(ctx context.Context, fileID, dest string) (fileindex.SharedFile, error) {
	job, err := n.StartDownload(ctx, fileID, dest)
	if err != nil {
		return fileindex.SharedFile{}, err
	}
	return job.Wait()
}

// StartDownload begins fetching fileID. An empty dest saves under the
// download directory with the name the seeders advertise; a dest that is an
// existing directory receives the file under that name.
func (n *Node) StartDownload(ctx context.Context, fileID, dest string) (*swarm.Job, error) {
	meta, seeders, err := n.downloader.Resolve(ctx, fileID)
	if err != nil {
		return nil, err
	}

	dest = n.destination(meta, dest)
	job, err := n.downloader.Begin(ctx, meta, seeders, dest)
	if err != nil {
		return nil, err
	}

	n.jobsMu.Lock()
	n.jobs[job.ID()] = job
	n.pruneJobsLocked()
	n.jobsMu.Unlock()
	return job, nil
}

// pruneJobsLocked forgets the oldest finished jobs beyond maxFinishedJobs.
func (n *Node) pruneJobsLocked() {
	var finished []*swarm.Job
	for _, j := range n.jobs {
		select {
		case <-j.Done():
			finished = append(finished, j)
		default:
		}
	}
	if len(finished) <= maxFinishedJobs {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].Started().Before(finished[j].Started()) })
	for _, j := range finished[:len(finished)-maxFinishedJobs] {
		delete(n.jobs, j.ID())
	}
}

// CancelDownload stops a running download. Its status stays listed until
// RemoveDownload or pruning.
func (n *Node) CancelDownload(id string) error {
	job, ok := n.Job(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDownload, id)
	}
	job.Cancel()
	logger.Sugar.Infof("[Node] download %s of %s cancelled", id, job.Meta().Name)
	return nil
}

// RemoveDownload cancels the download if it is still running and forgets it.
func (n *Node) RemoveDownload(id string) error {
	n.jobsMu.Lock()
	job, ok := n.jobs[id]
	delete(n.jobs, id)
	n.jobsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDownload, id)
	}
	job.Cancel()
	return nil
}

func (n *Node) destination(meta fileindex.SharedFile, dest string) string {
	name := filepath.Base(meta.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = meta.FileID
	}
	if dest == "" {
		return filepath.Join(n.opts.DownloadDir, name)
	}
	if info, err := n.opts.Fs.Stat(dest); err == nil && info.IsDir() {
		return filepath.Join(dest, name)
	}
	return dest
}

// Jobs returns every download started by this node.
func (n *Node) Jobs() []*swarm.Job {
	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()
	out := make([]*swarm.Job, 0, len(n.jobs))
	for _, j := range n.jobs {
		out = append(out, j)
	}
	return out
}

// DownloadStatus summarises one download for display.
type DownloadStatus struct {
	ID        string  `json:"id"`
	FileID    string  `json:"file_id"`
	Name      string  `json:"name"`
	Dest      string  `json:"dest"`
	Size      int64   `json:"size"`
	Pieces    int     `json:"pieces"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Percent   float64 `json:"percent"`
	Speed     float64 `json:"speed"`
	Done      bool    `json:"done"`
	Error     string  `json:"error,omitempty"`
}

// Downloads reports the state of every download, most recent first.
func (n *Node) Downloads() []DownloadStatus {
	jobs := n.Jobs()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Started().After(jobs[j].Started()) })
	out := make([]DownloadStatus, 0, len(jobs))
	for _, j := range jobs {
		snap := j.Tracker().Snapshot()
		st := DownloadStatus{
			ID:        j.ID(),
			FileID:    snap.FileID,
			Name:      snap.FileName,
			Dest:      j.Dest(),
			Size:      snap.FileSize,
			Pieces:    snap.TotalPieces,
			Completed: snap.Completed,
			Failed:    snap.Failed,
			Percent:   snap.Percent(),
			Speed:     snap.Speed,
			Done:      snap.Done,
		}
		if err := j.Err(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

func (n *Node) Job(id string) (*swarm.Job, bool) {
	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()
	j, ok := n.jobs[id]
	return j, ok
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return strconv.Atoi(portStr)
}
