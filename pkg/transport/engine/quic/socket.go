package quic

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// listenUDP opens the socket a host runs on, applying buffer sizes before
// bind and the traffic class after.
func listenUDP(ctx context.Context, address string, port int, socketBuffer int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: socketControl(socketBuffer)}
	pc, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// setTrafficClass marks outgoing packets with tc, trying the IPv4 TOS field
// first and the IPv6 traffic class for sockets that are IPv6 only.
func setTrafficClass(conn *net.UDPConn, tc int) error {
	err4 := ipv4.NewConn(conn).SetTOS(tc)
	if err4 == nil {
		return nil
	}
	if err6 := ipv6.NewConn(conn).SetTrafficClass(tc); err6 != nil {
		return fmt.Errorf("set traffic class %d: ipv4: %v, ipv6: %w", tc, err4, err6)
	}
	return nil
}
