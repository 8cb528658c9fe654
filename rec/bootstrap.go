package rec

import (
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/lysShub/netkit/packet"
	"github.com/openirl/srtla-rec/proto"
	"github.com/pkg/errors"
)

// Reachability is the advisory result of the startup probe.
type Reachability uint8

const (
	// address resolved but the SRT listener did not answer the
	// handshake induction, non-fatal
	Silent Reachability = iota
	Reachable
)

// ResolveSRTAddr resolves the downstream SRT listener and probes each
// candidate address with a handshake induction packet. SRT is
// connection oriented and will not answer anything else from an
// unknown peer. When no candidate answers, the first resolved address
// is returned with Silent.
func ResolveSRTAddr(host string, port uint16, logger *slog.Logger) (netip.AddrPort, Reachability, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.AddrPort{}, Silent, errors.WithStack(err)
	}

	var addrs []netip.AddrPort
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			addrs = append(addrs, netip.AddrPortFrom(netip.AddrFrom4([4]byte(ip4)), port))
		}
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, Silent, errors.Errorf("no ipv4 address for %s", host)
	}

	hs := proto.Handshake{Version: 4, ExtField: 2, HandshakeType: 1}
	pkt := packet.Make(proto.HandshakeLen)
	if err := hs.Encode(pkt); err != nil {
		return netip.AddrPort{}, Silent, err
	}

	for _, addr := range addrs {
		logger.Info("trying to connect to srt", slog.String("addr", addr.String()))

		if probeSRT(addr, pkt.Bytes()) {
			logger.Info("success")
			return addr, Reachable, nil
		}
		logger.Info("error")
	}

	logger.Warn("failed to confirm that an srt server is reachable, proceeding with the first address",
		slog.String("addr", addrs[0].String()))
	return addrs[0], Silent, nil
}

func probeSRT(addr netip.AddrPort, induction []byte) bool {
	sock, err := net.DialUDP(Network, nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return false
	}
	defer sock.Close()

	if err := sock.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		return false
	}
	if _, err := sock.Write(induction); err != nil {
		return false
	}

	buf := make([]byte, proto.MTU)
	n, err := sock.Read(buf)
	return err == nil && n == proto.HandshakeLen
}
