package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/swarmlink/pkg/logger"
	"tarun-kavipurapu/swarmlink/pkg/registry"
)

const (
	// ServiceType defines the mDNS service type for swarmlink nodes
	ServiceType = "_swarmlink._tcp"
	// Domain is the local domain for mDNS
	Domain = "local."
)

// MDNS advertises this node over multicast DNS and feeds browsed nodes into
// the same PeerSink as the broadcast service. It complements broadcast
// discovery on networks that filter 255.255.255.255.
type MDNS struct {
	cfg   Config
	peers PeerSink

	mu     sync.Mutex
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMDNS(cfg Config, peers PeerSink) *MDNS {
	return &MDNS{cfg: cfg.withDefaults(), peers: peers}
}

// Start registers the service and browses for others until Stop.
func (m *MDNS) Start(ctx context.Context) error {
	instance := m.cfg.Name
	if instance == "" {
		instance = "swarmlink-" + m.cfg.PeerID
	}

	// Text records for metadata
	txt := []string{
		"id=" + m.cfg.PeerID,
		"name=" + m.cfg.Name,
		"v=" + strconv.Itoa(ProtocolVersion),
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, m.cfg.TCPPort, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.server, m.cancel = server, cancel
	m.mu.Unlock()

	// a resolver reports each instance once, so peers are only kept fresh by
	// browsing again every interval with a new one
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			if err := m.browse(ctx); err != nil {
				logger.Sugar.Warnf("[Discovery] mDNS browse failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	logger.Sugar.Infof("[Discovery] mDNS advertising %s as %q on port %d", ServiceType, instance, m.cfg.TCPPort)
	return nil
}

// browse runs one round that lasts at most an interval and records every
// entry answered in it.
func (m *MDNS) browse(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("failed to browse services: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			m.handleEntry(entry)
		}
	}
}

// Stop stops broadcasting and browsing
func (m *MDNS) Stop() {
	m.mu.Lock()
	server, cancel := m.server, m.cancel
	m.server, m.cancel = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		server.Shutdown()
	}
	m.wg.Wait()
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	p, ok := peerFromEntry(entry)
	if !ok || p.ID == m.cfg.PeerID {
		return
	}
	if entry.TTL == 0 {
		// goodbye packet
		if m.peers.Remove(p.ID) {
			logger.Sugar.Infof("[Discovery] mDNS peer %s (%s) left", p.Name, p.ID)
		}
		return
	}
	if m.peers.Upsert(p) {
		logger.Sugar.Infof("[Discovery] mDNS found peer %s (%s) at %s", p.Name, p.ID, p.Addr())
	}
}

// peerFromEntry converts a browsed entry; entries without an id, a
// compatible version or an IPv4 address are ignored.
func peerFromEntry(entry *zeroconf.ServiceEntry) (registry.Peer, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 || entry.Port <= 0 {
		return registry.Peer{}, false
	}

	// Parse TXT records
	meta := make(map[string]string, len(entry.Text))
	for _, record := range entry.Text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			meta[parts[0]] = parts[1]
		}
	}
	if meta["id"] == "" || meta["v"] != strconv.Itoa(ProtocolVersion) {
		return registry.Peer{}, false
	}

	name := meta["name"]
	if name == "" {
		name = entry.Instance
	}
	return registry.Peer{
		ID:   meta["id"],
		Name: name,
		IP:   entry.AddrIPv4[0].String(),
		Port: entry.Port,
	}, true
}
