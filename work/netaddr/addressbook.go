package netaddr

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Interface is one bound local address. Values are immutable once handed to a
// listener; a refresh produces new values rather than mutating old ones.
type Interface struct {
	Name      string
	Index     int
	Addr      netip.Addr
	Prefix    netip.Prefix
	Loopback  bool
	Multicast bool
}

// String renders the interface as name/addr for log lines.
func (i Interface) String() string {
	return fmt.Sprintf("%s/%s", i.Name, i.Addr)
}

// Source enumerates candidate interfaces. The system implementation is
// SystemInterfaces; tests supply fixed lists.
type Source func() ([]Interface, error)

// AddressBook tracks the usable local IPv4 interfaces.
type AddressBook struct {
	allow   map[string]bool
	source  Source
	mu      sync.RWMutex
	current []Interface
}

// New creates an address book restricted to the named interfaces (all when
// allow is empty). A nil source reads the system interface table.
func New(allow []string, source Source) *AddressBook {
	if source == nil {
		source = SystemInterfaces
	}
	b := &AddressBook{source: source}
	if len(allow) > 0 {
		b.allow = make(map[string]bool, len(allow))
		for _, name := range allow {
			b.allow[strings.TrimSpace(name)] = true
		}
	}
	return b
}

// Refresh re-reads the interface table and replaces the snapshot.
func (b *AddressBook) Refresh() ([]Interface, error) {
	all, err := b.source()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	result := make([]Interface, 0, len(all))
	for _, iface := range all {
		if b.allow != nil && !b.allow[iface.Name] {
			continue
		}
		if !iface.Addr.Is4() {
			continue
		}
		result = append(result, iface)
	}

	// non-loopback first, then by preference so the "default" interface is stable
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Loopback != result[j].Loopback {
			return !result[i].Loopback
		}
		return Rank(result[i].Addr) > Rank(result[j].Addr)
	})

	b.mu.Lock()
	b.current = result
	b.mu.Unlock()

	return Clone(result), nil
}

// Interfaces returns the last snapshot taken by Refresh.
func (b *AddressBook) Interfaces() []Interface {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Clone(b.current)
}

// InterfaceFor returns the local interface whose subnet contains remote. When
// none does, the first non-loopback interface is returned; a loopback remote
// maps to the loopback interface if one is bound.
func (b *AddressBook) InterfaceFor(remote netip.Addr) (Interface, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	remote = remote.Unmap()
	for _, iface := range b.current {
		if iface.Prefix.IsValid() && iface.Prefix.Contains(remote) {
			return iface, true
		}
	}
	if remote.IsLoopback() {
		for _, iface := range b.current {
			if iface.Loopback {
				return iface, true
			}
		}
	}
	for _, iface := range b.current {
		if !iface.Loopback {
			return iface, true
		}
	}
	if len(b.current) > 0 {
		return b.current[0], true
	}
	return Interface{}, false
}

// Clone copies an interface slice.
func Clone(in []Interface) []Interface {
	if in == nil {
		return nil
	}
	out := make([]Interface, len(in))
	copy(out, in)
	return out
}

// SystemInterfaces lists the up, non point-to-point IPv4 interfaces of the host.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var result []Interface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagPointToPoint != 0 {
			continue
		}

		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if !addr.Is4() {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			result = append(result, Interface{
				Name:      ifi.Name,
				Index:     ifi.Index,
				Addr:      addr,
				Prefix:    netip.PrefixFrom(addr, ones).Masked(),
				Loopback:  ifi.Flags&net.FlagLoopback != 0,
				Multicast: ifi.Flags&net.FlagMulticast != 0,
			})
		}
	}

	return result, nil
}

var (
	loopbackNet  = netip.MustParsePrefix("127.0.0.0/8")
	private16    = netip.MustParsePrefix("192.168.0.0/16")
	private8     = netip.MustParsePrefix("10.0.0.0/8")
	private12    = netip.MustParsePrefix("172.16.0.0/12")
	linkLocalNet = netip.MustParsePrefix("169.254.0.0/16")
)

// Rank scores an address for location preference: loopback 5, 192.168/16 4,
// 10/8 3, 172.16/12 2, link-local 1, anything else 0.
func Rank(addr netip.Addr) int {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid():
		return 0
	case loopbackNet.Contains(addr):
		return 5
	case private16.Contains(addr):
		return 4
	case private8.Contains(addr):
		return 3
	case private12.Contains(addr):
		return 2
	case linkLocalNet.Contains(addr):
		return 1
	default:
		return 0
	}
}

// RankURL ranks the host of a location URL. Hosts that are not IP literals
// rank 0.
func RankURL(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	addr, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return 0
	}
	return Rank(addr)
}
