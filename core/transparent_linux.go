//go:build linux

package core

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SystemResolver reads the pre-NAT destination iptables REDIRECT recorded on
// the socket.
func SystemResolver() DestinationResolver {
	return ResolverFunc(originalDst)
}

func originalDst(c net.Conn) (string, int, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return "", 0, fmt.Errorf("original destination: not a TCP connection (%T)", c)
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return "", 0, err
	}
	var (
		mreq    *unix.IPv6Mreq
		sockErr error
	)
	err = raw.Control(func(fd uintptr) {
		// SO_ORIGINAL_DST returns a sockaddr_in; the IPv6Mreq layout is
		// large enough to carry it.
		mreq, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
	})
	if err != nil {
		return "", 0, err
	}
	if sockErr != nil {
		return "", 0, fmt.Errorf("getsockopt SO_ORIGINAL_DST: %w", sockErr)
	}
	addr := mreq.Multiaddr
	port := int(binary.BigEndian.Uint16(addr[2:4]))
	ip := net.IPv4(addr[4], addr[5], addr[6], addr[7])
	return ip.String(), port, nil
}
