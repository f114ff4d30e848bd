// Package mcast opens UDP sockets bound to and subscribed on a multicast group.
package mcast

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var ErrNotMulticast = errors.New("not a multicast address")

// Open creates a UDP socket, joins the group addr.IP (IPv4 or IPv6) and binds
// it to addr. The returned connection is ready for ReadFrom
func Open(addr *net.UDPAddr) (net.PacketConn, error) {
	if addr == nil || !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %v", ErrNotMulticast, addr)
	}

	network := "udp4"
	if addr.IP.To4() == nil {
		network = "udp6"
	}

	lc := net.ListenConfig{Control: reuseAddr}

	conn, err := lc.ListenPacket(context.Background(), network, addr.String())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := join(conn, addr); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

func join(conn net.PacketConn, addr *net.UDPAddr) error {
	group := &net.UDPAddr{IP: addr.IP}

	var joinOn func(ifi *net.Interface) error
	if addr.IP.To4() != nil {
		pc := ipv4.NewPacketConn(conn)
		joinOn = func(ifi *net.Interface) error { return pc.JoinGroup(ifi, group) }
	} else {
		pc := ipv6.NewPacketConn(conn)
		joinOn = func(ifi *net.Interface) error { return pc.JoinGroup(ifi, group) }
	}

	// without an interface list only the default interface is tried
	ifaces, _ := net.Interfaces()

	if err := joinAll(ifaces, joinOn); err != nil {
		return fmt.Errorf("join group %s: %w", addr.IP, err)
	}

	return nil
}

// joinAll joins on every interface that is up and multicast capable, and
// on the system default interface only when none of those took the join
func joinAll(ifaces []net.Interface, joinOn func(ifi *net.Interface) error) error {
	joined := 0

	var errs []error
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}

		if err := joinOn(ifi); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ifi.Name, err))
			continue
		}

		joined++
	}

	if joined > 0 {
		return nil
	}

	if err := joinOn(nil); err != nil {
		return errors.Join(append(errs, err)...)
	}

	return nil
}
