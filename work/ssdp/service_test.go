package ssdp

import (
	"context"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lanmedia/work/logger"
	"lanmedia/work/netaddr"
)

type sentPacket struct {
	data []byte
	to   net.Addr
}

// fakeConn records writes and blocks reads until closed.
type fakeConn struct {
	mu     sync.Mutex
	sent   []sentPacket
	notify chan sentPacket
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{notify: make(chan sentPacket, 64), done: make(chan struct{})}
}

func (f *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	<-f.done
	return 0, nil, net.ErrClosed
}

func (f *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	p := sentPacket{data: append([]byte(nil), b...), to: addr}
	f.mu.Lock()
	f.sent = append(f.sent, p)
	f.mu.Unlock()
	select {
	case f.notify <- p:
	default:
	}
	return len(b), nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testInterface(name, cidr string) netaddr.Interface {
	p := netip.MustParsePrefix(cidr)
	return netaddr.Interface{Name: name, Addr: p.Addr(), Prefix: p.Masked(), Multicast: true}
}

func newTestService(t *testing.T, opts Options, ifaces ...netaddr.Interface) (*Service, []*endpoint) {
	t.Helper()

	book := netaddr.New(nil, func() ([]netaddr.Interface, error) { return ifaces, nil })
	if _, err := book.Refresh(); err != nil {
		t.Fatal(err)
	}

	if opts.DeviceUUID == "" {
		opts.DeviceUUID = "0b1e7a52-5f4e-5c39-8e3f-3b2d0c1a9f10"
	}
	opts.AnnounceRate = 1000
	svc := New(opts, book, nil, logger.Discard(), nil)

	var endpoints []*endpoint
	for _, iface := range book.Interfaces() {
		endpoints = append(endpoints, &endpoint{iface: iface, mcast: newFakeConn(), ucast: newFakeConn()})
	}
	if err := svc.run(context.Background(), endpoints); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, endpoints
}

func searchPacket(st string, mx int) []byte {
	return BuildSearch(st, mx, "test-agent")
}

func TestAnswerSearchWithinMX(t *testing.T) {
	svc, eps := newTestService(t, Options{HTTPPort: 4280, InitialDelay: time.Hour},
		testInterface("eth0", "192.168.1.10/24"),
		testInterface("eth1", "10.0.0.2/8"),
	)
	svc.Publish(mediaServer, "/description.xml")

	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.77"), Port: 50000}
	start := time.Now()
	// every multicast socket hears the same search
	for _, ep := range eps {
		svc.handleDatagram(ep, searchPacket(mediaServer, 1), from, start)
	}

	var eth0, eth1 *fakeConn
	for _, ep := range eps {
		if ep.iface.Name == "eth0" {
			eth0 = ep.ucast.(*fakeConn)
		} else {
			eth1 = ep.ucast.(*fakeConn)
		}
	}

	select {
	case p := <-eth0.notify:
		if time.Since(start) > 1500*time.Millisecond {
			t.Fatalf("response took %v", time.Since(start))
		}
		if p.to.String() != from.String() {
			t.Fatalf("response sent to %v", p.to)
		}
		pkt, err := ParsePacket(p.data)
		if err != nil {
			t.Fatal(err)
		}
		if pkt.Kind != KindResponse || pkt.Type != mediaServer {
			t.Fatalf("unexpected response %+v", pkt)
		}
		if pkt.Location != "http://192.168.1.10:4280/description.xml" {
			t.Fatalf("location = %s", pkt.Location)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response within MX")
	}

	time.Sleep(100 * time.Millisecond)
	if eth1.count() != 0 {
		t.Fatal("interface not facing the requester must stay silent")
	}
	if eth0.count() != 1 {
		t.Fatalf("eth0 sent %d responses, want 1", eth0.count())
	}
}

func TestSearchForUnpublishedTypeIsIgnored(t *testing.T) {
	svc, eps := newTestService(t, Options{InitialDelay: time.Hour}, testInterface("eth0", "192.168.1.10/24"))
	svc.Publish(mediaServer, "/description.xml")

	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.77"), Port: 50000}
	svc.handleDatagram(eps[0], searchPacket("urn:schemas-upnp-org:device:Printer:1", 1), from, time.Now())

	time.Sleep(1200 * time.Millisecond)
	if eps[0].ucast.(*fakeConn).count() != 0 {
		t.Fatal("unexpected response")
	}
}

func TestRemoteAnnouncementsAndCoalescedNotify(t *testing.T) {
	var calls atomic.Int32
	svc, eps := newTestService(t, Options{
		NotifyDelay: 50 * time.Millisecond,
		OnChange:    func() { calls.Add(1) },
	}, testInterface("eth0", "192.168.1.10/24"))

	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 1900}
	now := time.Now()
	for i, loc := range []string{"http://192.168.1.5/a.xml", "http://192.168.1.6/a.xml", "http://192.168.1.7/a.xml"} {
		alive := BuildAlive(mediaServer, "uuid:remote-"+string(rune('a'+i))+"::"+mediaServer, loc, "srv", time.Minute)
		svc.handleDatagram(eps[0], alive, from, now)
	}

	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("OnChange called %d times, want 1", got)
	}
	if got := svc.QueryResults(mediaServer); len(got) != 3 {
		t.Fatalf("results = %v", got)
	}

	bye := BuildByebye(mediaServer, "uuid:remote-a::"+mediaServer, "srv")
	svc.handleDatagram(eps[0], bye, from, now.Add(time.Second))

	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Fatalf("OnChange called %d times, want 2", got)
	}
	if got := svc.QueryResults(mediaServer); len(got) != 2 {
		t.Fatalf("results = %v", got)
	}
}

func TestMalformedDatagramIsDropped(t *testing.T) {
	var calls atomic.Int32
	svc, eps := newTestService(t, Options{
		NotifyDelay: 10 * time.Millisecond,
		OnChange:    func() { calls.Add(1) },
	}, testInterface("eth0", "192.168.1.10/24"))

	svc.handleDatagram(eps[0], []byte("not ssdp"), &net.UDPAddr{}, time.Now())
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("malformed packets must not change state")
	}
}

func TestPublishAnnouncesAndCloseSaysGoodbye(t *testing.T) {
	svc, eps := newTestService(t, Options{HTTPPort: 4280, InitialDelay: 10 * time.Millisecond},
		testInterface("eth0", "192.168.1.10/24"))
	svc.Publish(RootDevice, "/description.xml")

	conn := eps[0].ucast.(*fakeConn)
	deadline := time.After(2 * time.Second)
	for conn.count() < aliveRepeat {
		select {
		case <-conn.notify:
		case <-deadline:
			t.Fatalf("got %d alive messages", conn.count())
		}
	}

	before := conn.count()
	svc.Close()
	if conn.count() != before+1 {
		t.Fatalf("expected one byebye on close, sent %d", conn.count()-before)
	}
	conn.mu.Lock()
	last := conn.sent[len(conn.sent)-1]
	conn.mu.Unlock()
	pkt, err := ParsePacket(last.data)
	if err != nil || pkt.Kind != KindByebye {
		t.Fatalf("last packet %+v %v", pkt, err)
	}
}

func TestServerString(t *testing.T) {
	s := ServerString("lanmedia", "2.1")
	if want := runtime.GOOS + "/" + osRelease() + ", UPnP/1.0, lanmedia/2.1"; s != want {
		t.Fatalf("server string %q, want %q", s, want)
	}
	if runtime.GOOS == "linux" && (osRelease() == "unknown" || osRelease() == runtime.GOARCH) {
		t.Fatalf("release %q is not the kernel release", osRelease())
	}
}
