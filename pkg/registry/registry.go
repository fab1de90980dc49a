package registry

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"tarun-kavipurapu/swarmlink/pkg/logger"
)

// DefaultTTL is how long a peer stays active without a fresh announce.
const DefaultTTL = 15 * time.Second

var ErrPeerNotFound = errors.New("peer not found")

// Peer is a remote node known to this one.
type Peer struct {
	ID       string    `json:"peer_id"`
	Name     string    `json:"name"`
	IP       string    `json:"ip"`
	Port     int       `json:"tcp_port"`
	LastSeen time.Time `json:"last_seen"`
}

// Addr returns the host:port of the peer's transfer server.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// Registry is the table of known peers. It is safe for concurrent use by the
// discovery loops and by request-handling goroutines.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	ttl   time.Duration
	now   func() time.Time
}

func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		peers: make(map[string]*Peer),
		ttl:   ttl,
		now:   time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// TTL returns the liveness threshold used by ListActive.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Upsert inserts p or refreshes the existing entry with the same ID.
// LastSeen is always set to the time of the call. It reports whether the
// peer was unknown before.
func (r *Registry) Upsert(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.LastSeen = r.now()
	existing, ok := r.peers[p.ID]
	if !ok {
		r.peers[p.ID] = &p
		return true
	}
	*existing = p
	return false
}

// Touch marks a successful direct contact with the peer.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok {
		p.LastSeen = r.now()
	}
}

func (r *Registry) Get(id string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, ErrPeerNotFound
	}
	return *p, nil
}

// ListActive returns a snapshot of the peers that are not stale.
func (r *Registry) ListActive() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if now.Sub(p.LastSeen) <= r.ttl {
			out = append(out, *p)
		}
	}
	return out
}

// Len returns the number of entries, stale ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// EvictStale removes and returns the peers whose LastSeen is older than threshold.
func (r *Registry) EvictStale(threshold time.Duration) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []Peer
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) > threshold {
			evicted = append(evicted, *p)
			delete(r.peers, id)
		}
	}
	return evicted
}

// Remove drops a peer that announced its shutdown.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// Run evicts stale peers every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range r.EvictStale(r.ttl) {
				logger.Sugar.Warnf("[Registry] peer timed out: id=%s name=%s addr=%s", p.ID, p.Name, p.Addr())
			}
		}
	}
}
