package ssdp

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"lanmedia/work/netaddr"
)

// packetConn is the subset of net.PacketConn the service needs; tests replace
// it with in-memory pipes.
type packetConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
}

// endpoint is the pair of sockets bound for one interface: mcast is joined to
// the SSDP group and hears NOTIFY and M-SEARCH traffic, ucast is bound to the
// interface address and carries our searches, announcements and the unicast
// responses to our searches.
type endpoint struct {
	iface netaddr.Interface
	mcast packetConn
	ucast packetConn
}

func (e *endpoint) close() {
	if e.mcast != nil {
		e.mcast.Close()
	}
	if e.ucast != nil {
		e.ucast.Close()
	}
}

var groupAddr = &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900}

// openEndpoint binds the sockets of one interface. Loopback interfaces without
// multicast support only get the unicast socket.
func openEndpoint(iface netaddr.Interface) (*endpoint, error) {
	ifi, err := net.InterfaceByIndex(iface.Index)
	if err != nil {
		ifi, err = net.InterfaceByName(iface.Name)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %s: %w", iface.Name, err)
		}
	}

	ep := &endpoint{iface: iface}

	ucast, err := net.ListenUDP("udp4", &net.UDPAddr{IP: iface.Addr.AsSlice(), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", iface, err)
	}
	ep.ucast = ucast

	pc := ipv4.NewPacketConn(ucast)
	if err := pc.SetMulticastInterface(ifi); err != nil {
		ep.close()
		return nil, fmt.Errorf("set multicast interface %s: %w", iface, err)
	}
	_ = pc.SetMulticastTTL(4)
	_ = pc.SetMulticastLoopback(true)

	if iface.Multicast {
		mcast, err := net.ListenMulticastUDP("udp4", ifi, groupAddr)
		if err != nil {
			ep.close()
			return nil, fmt.Errorf("join %s on %s: %w", MulticastAddr, iface, err)
		}
		ep.mcast = mcast
	}

	return ep, nil
}
