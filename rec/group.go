package rec

import (
	"net"
	"net/netip"
	"time"

	"github.com/openirl/srtla-rec/proto"
)

// group is one aggregated srtla session, corresponding to one SRT
// flow toward the downstream listener. It exclusively owns its member
// connections and its upstream socket.
type group struct {
	id proto.ID

	// stable numeric handle carried by upstream read events, so a
	// handler can miss cleanly when the group was destroyed earlier
	// in the same batch
	num uint64

	conns     []*conn
	createdAt time.Time

	// the last remote address to send to this group, the last-resort
	// reply destination while no member is selectable
	lastAddr netip.AddrPort

	// upstream socket to the SRT listener, created lazily when the
	// first SRT payload is observed from any member
	srt *net.UDPConn
}

func newGroup(id proto.ID, num uint64, ts time.Time) *group {
	return &group{id: id, num: num, createdAt: ts}
}

func (g *group) findConn(addr netip.AddrPort) *conn {
	for _, c := range g.conns {
		if c.addr == addr {
			return c
		}
	}
	return nil
}

func (g *group) removeConn(c *conn) {
	for i, e := range g.conns {
		if e == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			return
		}
	}
}

// mostRecent returns the member with the newest lastRcvd, the
// fallback destination when no member is selectable.
func (g *group) mostRecent() *conn {
	var newest *conn
	for _, c := range g.conns {
		if newest == nil || c.lastRcvd.After(newest.lastRcvd) {
			newest = c
		}
	}
	return newest
}

func (g *group) clientAddrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, len(g.conns))
	for _, c := range g.conns {
		addrs = append(addrs, c.addr.Addr())
	}
	return addrs
}

// localPort is the local port of the upstream socket, zero before the
// socket exists.
func (g *group) localPort() uint16 {
	if g.srt == nil {
		return 0
	}
	addr, ok := g.srt.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port)
}
