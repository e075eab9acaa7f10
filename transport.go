// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package byzgen

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// conn owns the single listening socket of a general. Outgoing datagrams
// use short-lived sockets of their own and resolve the destination name on
// every send, so a peer coming back under a new address is picked up.
type conn struct {
	pc     *net.UDPConn
	port   string
	hosts  []string
	ipToID map[netip.Addr]uint32
	// local pins the source address of outgoing sockets to the listen
	// address, so receivers can attribute our datagrams. Nil when bound
	// to the wildcard address.
	local *net.UDPAddr
}

func newConn(listenHost, port string, hosts []string, ipToID map[netip.Addr]uint32) (*conn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort(listenHost, port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	var local *net.UDPAddr
	if ip := net.ParseIP(listenHost); ip != nil && !ip.IsUnspecified() {
		local = &net.UDPAddr{IP: ip}
	}
	return &conn{pc: pc.(*net.UDPConn), port: port, hosts: hosts, ipToID: ipToID, local: local}, nil
}

func (c *conn) close() error {
	return c.pc.Close()
}

// sendTo sends one datagram to general id. The ephemeral socket is closed
// before returning; a failure is the caller's to absorb.
func (c *conn) sendTo(id uint32, b []byte) error {
	return c.sendHost(c.hosts[id-1], b)
}

// sendAddr sends one datagram to an explicit IP on the protocol port. Acks
// go back this way: to the source IP, not the source port.
func (c *conn) sendAddr(ip netip.Addr, b []byte) error {
	return c.sendHost(ip.String(), b)
}

func (c *conn) sendHost(host string, b []byte) error {
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, c.port))
	if err != nil {
		return err
	}
	sock, err := net.DialUDP("udp4", c.local, raddr)
	if err != nil {
		return err
	}
	defer sock.Close()
	_, err = sock.Write(b)
	return err
}

// recv reads one datagram into buf. A zero deadline blocks until traffic
// arrives; otherwise the read gives up at the deadline with timedOut set
// and no error.
func (c *conn) recv(buf []byte, deadline time.Time) (n int, src netip.Addr, timedOut bool, err error) {
	if err := c.pc.SetReadDeadline(deadline); err != nil {
		return 0, netip.Addr{}, false, err
	}
	n, addr, err := c.pc.ReadFromUDPAddrPort(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, netip.Addr{}, true, nil
		}
		return 0, netip.Addr{}, false, err
	}
	return n, addr.Addr().Unmap(), false, nil
}

// peerID maps a datagram source IP to a general id. Unknown sources are
// dropped by the callers.
func (c *conn) peerID(ip netip.Addr) (uint32, bool) {
	id, ok := c.ipToID[ip]
	return id, ok
}
