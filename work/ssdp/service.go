package ssdp

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"

	"lanmedia/work/logger"
	"lanmedia/work/metrics"
	"lanmedia/work/netaddr"
)

const (
	aliveRepeat   = 3
	maxResponseMX = 5
	readBufSize   = 8192
)

// Options configures a discovery Service.
type Options struct {
	DeviceUUID      string        // our device uuid, without the "uuid:" prefix
	ServerID        string        // SERVER / USER-AGENT header value
	HTTPPort        int           // port used to build LOCATION URLs
	CacheTimeout    time.Duration // remote node lifetime and announced max-age
	PublishInterval time.Duration // period between alive rounds
	InitialDelay    time.Duration // delay before the first alive round after Publish
	NotifyDelay     time.Duration // coalescing window of OnChange
	SweepInterval   time.Duration // expiry sweep period
	SearchMX        int           // MX of outgoing searches
	AnnounceRate    int           // datagrams per second on the send path
	OnChange        func()        // called at most once per NotifyDelay after cache changes
}

func (o *Options) setDefaults() {
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = 300 * time.Second
	}
	if o.PublishInterval <= 0 {
		o.PublishInterval = o.CacheTimeout / 2
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.NotifyDelay <= 0 {
		o.NotifyDelay = 250 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.SearchMX <= 0 {
		o.SearchMX = 3
	}
	if o.AnnounceRate <= 0 {
		o.AnnounceRate = 50
	}
	if o.ServerID == "" {
		o.ServerID = ServerString("lanmedia", "1.0")
	}
}

// ServerString renders the SERVER header: "OS/release, UPnP/1.0, product/version".
func ServerString(product, version string) string {
	return fmt.Sprintf("%s/%s, UPnP/1.0, %s/%s", runtime.GOOS, osRelease(), product, version)
}

// Service is the SSDP client and server for all bound interfaces. It owns the
// remote node cache and the set of locally published service types.
type Service struct {
	opts    Options
	log     *logger.Logger
	metrics *metrics.Metrics
	book    *netaddr.AddressBook
	pool    *ants.Pool
	limiter ratelimit.Limiter
	cache   *NodeCache

	now  func() time.Time
	open func(netaddr.Interface) (*endpoint, error)

	mu            sync.Mutex
	endpoints     []*endpoint
	published     map[string]string
	notifyPending bool
	timers        []*time.Timer
	started       bool
	closed        bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New creates a discovery service. Datagram handling runs on pool.
func New(opts Options, book *netaddr.AddressBook, pool *ants.Pool, log *logger.Logger, m *metrics.Metrics) *Service {
	opts.setDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		opts:      opts,
		log:       log,
		metrics:   m,
		book:      book,
		pool:      pool,
		limiter:   ratelimit.New(opts.AnnounceRate),
		cache:     NewNodeCache(opts.CacheTimeout),
		now:       time.Now,
		open:      openEndpoint,
		published: make(map[string]string),
	}
}

// Start binds every usable interface and starts the receive loops, the expiry
// sweep and the announcement schedule. Interfaces that fail to bind are
// logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	ifaces, err := s.book.Refresh()
	if err != nil {
		return err
	}

	var endpoints []*endpoint
	for _, iface := range ifaces {
		ep, err := s.open(iface)
		if err != nil {
			s.log.Warn("{ssdp/service - Start} skipping interface %s: %v", iface, err)
			continue
		}
		s.log.Info("{ssdp/service - Start} listening on %s", iface)
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		s.log.Error("{ssdp/service - Start} no usable interface, discovery is inactive")
	}

	return s.run(ctx, endpoints)
}

func (s *Service) run(ctx context.Context, endpoints []*endpoint) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("ssdp: service already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.endpoints = endpoints
	s.mu.Unlock()

	for _, ep := range endpoints {
		if ep.mcast != nil {
			s.wg.Add(1)
			go s.readLoop(ctx, ep, ep.mcast)
		}
		s.wg.Add(1)
		go s.readLoop(ctx, ep, ep.ucast)
	}

	s.wg.Add(1)
	go s.maintenance(ctx)

	return nil
}

// maintenance runs the expiry sweep and the periodic alive rounds.
func (s *Service) maintenance(ctx context.Context) {
	defer s.wg.Done()

	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()
	publish := time.NewTicker(s.opts.PublishInterval)
	defer publish.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.Sweep()
		case <-publish.C:
			s.announceAll()
		}
	}
}

func (s *Service) readLoop(ctx context.Context, ep *endpoint, conn packetConn) {
	defer s.wg.Done()

	buf := make([]byte, readBufSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debug("{ssdp/service - readLoop} read on %s: %v", ep.iface, err)
			continue
		}

		// stamp on arrival so ordering survives the hop through the pool
		at := s.now()
		data := make([]byte, n)
		copy(data, buf[:n])

		task := func() { s.handleDatagram(ep, data, from, at) }
		if s.pool == nil || s.pool.Submit(task) != nil {
			task()
		}
	}
}

// handleDatagram is the per-datagram state machine.
func (s *Service) handleDatagram(ep *endpoint, data []byte, from net.Addr, at time.Time) {
	pkt, err := ParsePacket(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrIncomplete) {
			reason = "incomplete"
		}
		s.metrics.SSDPDropped.WithLabelValues(reason).Inc()
		s.log.Debug("{ssdp/service - handleDatagram} dropped packet from %v: %v", from, err)
		return
	}
	s.metrics.SSDPPackets.WithLabelValues(pkt.Kind.String()).Inc()

	changed := false
	switch pkt.Kind {
	case KindAlive, KindResponse:
		changed = s.cache.Alive(pkt.Type, pkt.UUID, pkt.Location, at)
	case KindByebye:
		changed = s.cache.Byebye(pkt.Type, pkt.UUID, at)
	case KindSearch:
		s.answerSearch(ep, pkt, from)
	}

	if changed {
		s.scheduleNotify()
	}
}

// scheduleNotify arms the coalescing timer unless one is already pending.
func (s *Service) scheduleNotify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.notifyPending || s.closed {
		return
	}
	s.notifyPending = true
	time.AfterFunc(s.opts.NotifyDelay, s.fireNotify)
}

func (s *Service) fireNotify() {
	s.mu.Lock()
	s.notifyPending = false
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	s.metrics.DiscoveryNodes.Reset()
	for st, n := range s.cache.Counts() {
		s.metrics.DiscoveryNodes.WithLabelValues(st).Set(float64(n))
	}

	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

// Sweep evicts expired nodes now. The maintenance loop calls it on a fixed
// interval.
func (s *Service) Sweep() {
	if s.cache.Sweep(s.now()) {
		s.scheduleNotify()
	}
}

// StartSearch multicasts an M-SEARCH for serviceType on every interface.
// Results arrive asynchronously and are read with QueryResults.
func (s *Service) StartSearch(serviceType string) {
	msg := BuildSearch(serviceType, s.opts.SearchMX, s.opts.ServerID)

	for _, ep := range s.snapshot() {
		s.limiter.Take()
		if _, err := ep.ucast.WriteTo(msg, groupAddr); err != nil {
			s.log.Warn("{ssdp/service - StartSearch} search for %s on %s failed: %v", serviceType, ep.iface, err)
		}
	}
}

// QueryResults returns the current nodes for serviceType without touching the
// network.
func (s *Service) QueryResults(serviceType string) []RemoteNode {
	return s.cache.Query(serviceType, s.now())
}

// Search sends an M-SEARCH and waits for the MX window (or ctx) before
// returning the collected results.
func (s *Service) Search(ctx context.Context, serviceType string) ([]RemoteNode, error) {
	s.StartSearch(serviceType)

	window := time.NewTimer(time.Duration(s.opts.SearchMX) * time.Second)
	defer window.Stop()

	select {
	case <-ctx.Done():
		return s.QueryResults(serviceType), ctx.Err()
	case <-window.C:
		return s.QueryResults(serviceType), nil
	}
}

// Publish starts announcing serviceType, reachable at relativeURL on the HTTP
// port of each interface. The first alive round goes out shortly after.
func (s *Service) Publish(serviceType, relativeURL string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.published[serviceType] = relativeURL
	t := time.AfterFunc(s.opts.InitialDelay, func() { s.announce(serviceType) })
	s.timers = append(s.timers, t)
	s.mu.Unlock()

	s.log.Debug("{ssdp/service - Publish} publishing %s at %s", serviceType, relativeURL)
}

// Unpublish stops announcing serviceType and sends a byebye for it.
func (s *Service) Unpublish(serviceType string) {
	s.mu.Lock()
	_, ok := s.published[serviceType]
	delete(s.published, serviceType)
	s.mu.Unlock()

	if ok {
		s.sendByebye(serviceType)
	}
}

// Published returns the service types currently announced, sorted.
func (s *Service) Published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := make([]string, 0, len(s.published))
	for st := range s.published {
		types = append(types, st)
	}
	sort.Strings(types)
	return types
}

func (s *Service) announceAll() {
	for _, st := range s.Published() {
		s.announce(st)
	}
}

func (s *Service) location(ep *endpoint, relativeURL string) string {
	return fmt.Sprintf("http://%s:%d%s", ep.iface.Addr, s.opts.HTTPPort, relativeURL)
}

// announce sends one alive round for serviceType on every interface.
func (s *Service) announce(serviceType string) {
	s.mu.Lock()
	rel, ok := s.published[serviceType]
	closed := s.closed
	s.mu.Unlock()
	if !ok || closed {
		return
	}

	usn := USNFor(s.opts.DeviceUUID, serviceType)
	for _, ep := range s.snapshot() {
		msg := BuildAlive(serviceType, usn, s.location(ep, rel), s.opts.ServerID, s.opts.CacheTimeout)
		for i := 0; i < aliveRepeat; i++ {
			s.limiter.Take()
			if _, err := ep.ucast.WriteTo(msg, groupAddr); err != nil {
				s.log.Warn("{ssdp/service - announce} alive for %s on %s failed: %v", serviceType, ep.iface, err)
				break
			}
		}
	}
}

func (s *Service) sendByebye(serviceType string) {
	msg := BuildByebye(serviceType, USNFor(s.opts.DeviceUUID, serviceType), s.opts.ServerID)
	for _, ep := range s.snapshot() {
		s.limiter.Take()
		if _, err := ep.ucast.WriteTo(msg, groupAddr); err != nil {
			s.log.Warn("{ssdp/service - sendByebye} byebye for %s on %s failed: %v", serviceType, ep.iface, err)
		}
	}
}

// answerSearch replies to an M-SEARCH for one of our published types. Only the
// endpoint facing the requester answers, so duplicated group traffic across
// sockets produces a single response.
func (s *Service) answerSearch(ep *endpoint, pkt Packet, from net.Addr) {
	if pkt.MX <= 0 {
		s.metrics.SSDPDropped.WithLabelValues("no_mx").Inc()
		return
	}

	src, ok := addrOf(from)
	if !ok {
		return
	}
	if facing, ok := s.book.InterfaceFor(src); !ok || facing.Addr != ep.iface.Addr {
		return
	}

	s.mu.Lock()
	var matches []string
	for st := range s.published {
		if pkt.Type == AllServices || pkt.Type == st {
			matches = append(matches, st)
		}
	}
	rels := make(map[string]string, len(matches))
	for _, st := range matches {
		rels[st] = s.published[st]
	}
	s.mu.Unlock()

	if len(matches) == 0 {
		return
	}
	sort.Strings(matches)

	mx := min(pkt.MX, maxResponseMX)
	delay := rand.N(time.Duration(mx) * time.Second)

	time.AfterFunc(delay, func() {
		for _, st := range matches {
			msg := BuildResponse(st, USNFor(s.opts.DeviceUUID, st), s.location(ep, rels[st]), s.opts.ServerID, s.opts.CacheTimeout, s.now())
			s.limiter.Take()
			if _, err := ep.ucast.WriteTo(msg, from); err != nil {
				s.log.Debug("{ssdp/service - answerSearch} response to %v failed: %v", from, err)
				return
			}
		}
	})
}

func addrOf(a net.Addr) (netip.Addr, bool) {
	switch v := a.(type) {
	case *net.UDPAddr:
		addr, ok := netip.AddrFromSlice(v.IP)
		return addr.Unmap(), ok
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return ap.Addr().Unmap(), true
	}
}

func (s *Service) snapshot() []*endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// Close sends byebye for every published type, closes the sockets and waits
// for the loops to exit.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	for _, st := range s.Published() {
		s.sendByebye(st)
	}

	s.mu.Lock()
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	endpoints := s.endpoints
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ep := range endpoints {
		ep.close()
	}
	s.wg.Wait()
	return nil
}
