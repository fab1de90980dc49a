package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"tarun-kavipurapu/swarmlink/pkg/logger"
	"tarun-kavipurapu/swarmlink/pkg/monitor"
	"tarun-kavipurapu/swarmlink/pkg/registry"
)

const (
	DefaultPort          = 37020
	DefaultBroadcastAddr = "255.255.255.255"
	DefaultInterval      = 3 * time.Second

	maxDatagram  = 2048
	multicastTTL = 4
)

// PeerSink receives what discovery learns. *registry.Registry implements it.
type PeerSink interface {
	Upsert(p registry.Peer) bool
	Remove(id string) bool
}

type Config struct {
	PeerID  string
	Name    string
	TCPPort int

	// Port is the UDP discovery port announces are sent to.
	Port int
	// ListenAddr overrides the bind address, default ":<Port>".
	ListenAddr string
	// BroadcastAddr is the announce destination when no group is set.
	BroadcastAddr string
	// MulticastGroup switches to multicast: announces go to the group and
	// the listen socket joins it.
	MulticastGroup string
	// Interface restricts the multicast join to one interface by name.
	Interface string
	Interval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":" + strconv.Itoa(c.Port)
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = DefaultBroadcastAddr
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Service announces this node on the LAN and records the announces of others.
// Any well-formed announce is trusted.
type Service struct {
	cfg     Config
	peers   PeerSink
	metrics *monitor.Metrics

	mu     sync.Mutex
	conn   net.PacketConn
	pc     *ipv4.PacketConn
	dest   *net.UDPAddr
	cancel context.CancelFunc
	wg     sync.WaitGroup

	announceDone chan struct{}
}

func NewService(cfg Config, peers PeerSink, metrics *monitor.Metrics) *Service {
	if metrics == nil {
		metrics = monitor.Global
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		peers:   peers,
		metrics: metrics,
	}
}

// Start binds the discovery socket and runs the announce and listen loops
// until Stop is called or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.PeerID == "" {
		return errors.New("discovery: peer id is required")
	}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	pc := ipv4.NewPacketConn(conn)
	dest, err := s.destination(pc)
	if err != nil {
		conn.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn, s.pc, s.dest, s.cancel = conn, pc, dest, cancel
	s.announceDone = make(chan struct{})
	s.mu.Unlock()

	logger.Sugar.Infof("[Discovery] Listening on %s, announcing to %s every %s", conn.LocalAddr(), dest, s.cfg.Interval)

	s.wg.Add(1)
	go s.announceLoop(ctx, s.announceDone)
	go s.listenLoop(ctx)

	s.send(TypeQuery)
	return nil
}

func (s *Service) destination(pc *ipv4.PacketConn) (*net.UDPAddr, error) {
	if s.cfg.MulticastGroup == "" {
		ip := net.ParseIP(s.cfg.BroadcastAddr)
		if ip == nil {
			return nil, fmt.Errorf("invalid broadcast address %q", s.cfg.BroadcastAddr)
		}
		return &net.UDPAddr{IP: ip, Port: s.cfg.Port}, nil
	}

	group := net.ParseIP(s.cfg.MulticastGroup)
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q", s.cfg.MulticastGroup)
	}
	ifaces, err := s.multicastInterfaces()
	if err != nil {
		return nil, err
	}

	joined := 0
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: group}); err != nil {
			logger.Sugar.Debugf("[Discovery] join %s on %s: %v", group, ifaces[i].Name, err)
			continue
		}
		joined++
	}
	if joined == 0 {
		return nil, fmt.Errorf("could not join multicast group %s on any interface", group)
	}
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		logger.Sugar.Warnf("[Discovery] set multicast TTL: %v", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		logger.Sugar.Warnf("[Discovery] enable multicast loopback: %v", err)
	}
	return &net.UDPAddr{IP: group, Port: s.cfg.Port}, nil
}

func (s *Service) multicastInterfaces() ([]net.Interface, error) {
	if s.cfg.Interface != "" {
		iface, err := net.InterfaceByName(s.cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", s.cfg.Interface, err)
		}
		return []net.Interface{*iface}, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
			out = append(out, iface)
		}
	}
	return out, nil
}

// LocalAddr returns the bound socket address, nil before Start.
func (s *Service) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop broadcasts a LEAVE notice and shuts both loops down.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, conn, announceDone := s.cancel, s.conn, s.announceDone
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-announceDone
	s.send(TypeLeave)
	conn.Close()
	s.wg.Wait()

	s.mu.Lock()
	s.conn, s.pc, s.cancel = nil, nil, nil
	s.mu.Unlock()
	logger.Sugar.Infof("[Discovery] Stopped")
}

func (s *Service) announceLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.send(TypeAnnounce)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.send(TypeAnnounce)
		}
	}
}

func (s *Service) send(t MessageType) {
	s.mu.Lock()
	pc, dest := s.pc, s.dest
	s.mu.Unlock()
	if pc == nil {
		return
	}

	msg := Announcement{Type: t, Version: ProtocolVersion, PeerID: s.cfg.PeerID}
	if t != TypeLeave {
		msg.Name = s.cfg.Name
		msg.TCPPort = s.cfg.TCPPort
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("[Discovery] encode %s: %v", t, err)
		return
	}
	if _, err := pc.WriteTo(data, nil, dest); err != nil {
		logger.Sugar.Debugf("[Discovery] send %s to %s: %v", t, dest, err)
		return
	}
	if t == TypeAnnounce {
		s.metrics.AnnouncesSent.Inc()
	}
}

func (s *Service) listenLoop(ctx context.Context) {
	defer s.wg.Done()

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	buf := make([]byte, maxDatagram)
	for {
		n, _, src, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Warnf("[Discovery] read: %v", err)
			continue
		}
		s.handleDatagram(buf[:n], src)
	}
}

// handleDatagram applies one received datagram to the peer table.
func (s *Service) handleDatagram(data []byte, src net.Addr) {
	a, err := parseAnnouncement(data)
	if err != nil {
		s.metrics.DatagramsDropped.Inc()
		logger.Sugar.Debugf("[Discovery] dropping datagram from %s: %v", src, err)
		return
	}
	if a.PeerID == s.cfg.PeerID {
		return
	}

	if a.Type == TypeLeave {
		if s.peers.Remove(a.PeerID) {
			logger.Sugar.Infof("[Discovery] Peer %s left", a.PeerID)
		}
		return
	}

	ip := hostOf(src)
	if ip == "" {
		s.metrics.DatagramsDropped.Inc()
		return
	}
	name := a.Name
	if name == "" {
		name = ip
	}

	s.metrics.AnnouncesReceived.Inc()
	if s.peers.Upsert(registry.Peer{ID: a.PeerID, Name: name, IP: ip, Port: a.TCPPort}) {
		logger.Sugar.Infof("[Discovery] New peer %s (%s) at %s:%d", name, a.PeerID, ip, a.TCPPort)
	}
	if a.Type == TypeQuery {
		s.send(TypeAnnounce)
	}
}

func hostOf(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case nil:
		return ""
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return ""
		}
		return host
	}
}
