package rec

import (
	"crypto/subtle"
	"net/netip"

	"github.com/openirl/srtla-rec/proto"
)

// registry holds every live group in registration order. It is owned
// exclusively by the event loop, no locking.
type registry struct {
	groups []*group
}

func (r *registry) len() int { return len(r.groups) }

// findByID compares in constant time over the full id length so the
// lookup leaks no timing information about partially matching ids.
func (r *registry) findByID(id proto.ID) *group {
	for _, g := range r.groups {
		if subtle.ConstantTimeCompare(g.id[:], id[:]) == 1 {
			return g
		}
	}
	return nil
}

func (r *registry) findByNum(num uint64) *group {
	for _, g := range r.groups {
		if g.num == num {
			return g
		}
	}
	return nil
}

// findByAddr locates the group owning addr. The conn result is nil
// when addr only matches a group's recorded lastAddr, the in-flight
// state between REG1 and the first member registration.
func (r *registry) findByAddr(addr netip.AddrPort) (*group, *conn) {
	for _, g := range r.groups {
		if c := g.findConn(addr); c != nil {
			return g, c
		}
		if g.lastAddr == addr {
			return g, nil
		}
	}
	return nil, nil
}

func (r *registry) add(g *group) {
	r.groups = append(r.groups, g)
}

func (r *registry) remove(g *group) {
	for i, e := range r.groups {
		if e == g {
			r.groups = append(r.groups[:i], r.groups[i+1:]...)
			return
		}
	}
}
