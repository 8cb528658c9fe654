package rec

import (
	"crypto/rand"
	"log/slog"
	"net/netip"
	"time"

	"github.com/lysShub/netkit/errorx"
	"github.com/lysShub/netkit/packet"
	"github.com/openirl/srtla-rec/proto"
	"github.com/pkg/errors"
)

// registerGroup handles REG1: allocate a group keyed by the sender
// half of the id plus a random receiver half, and reply REG2 echoing
// the full id. The registering address may not already belong to a
// group.
func (r *Receiver) registerGroup(addr netip.AddrPort, b []byte, now time.Time) {
	if r.groups.len() >= MaxGroups {
		r.sendControl(proto.RegErr, addr)
		r.config.logger.Error("group registration failed: max groups reached",
			slog.String("peer", addr.String()))
		return
	}

	if g, _ := r.groups.findByAddr(addr); g != nil {
		r.sendControl(proto.RegErr, addr)
		r.config.logger.Error("group registration failed: remote address already registered to group",
			slog.String("peer", addr.String()), slog.Uint64("group", g.num))
		return
	}

	id, err := proto.ExtractID(b)
	if err != nil {
		r.config.logger.Error(err.Error(), slog.String("peer", addr.String()), errorx.Trace(err))
		return
	}

	half := make([]byte, proto.IDLen/2)
	if _, err := rand.Read(half); err != nil {
		r.config.logger.Error("failed to generate the group id",
			slog.String("peer", addr.String()), errorx.Trace(errors.WithStack(err)))
		return
	}
	id.SetReceiverHalf(half)

	g := newGroup(id, r.nextNum(), now)

	// The address used to register the group may not register another
	// one while this one is alive.
	g.lastAddr = addr

	pkt := packet.Make(proto.Reg2Len)
	if err := proto.EncodeReg2(pkt, g.id); err != nil {
		r.config.logger.Error(err.Error(), errorx.Trace(err))
		return
	}
	if err := r.conn.WriteToAddrPort(pkt, addr); err != nil {
		r.config.logger.Error("group registration failed: send error",
			slog.String("peer", addr.String()), errorx.Trace(err))
		return
	}

	r.groups.add(g)

	r.config.logger.Info("group registered",
		slog.String("peer", addr.String()), slog.Uint64("group", g.num))
}

// registerConn handles REG2: bind the sending address as a member of
// the group named by the full id and reply REG3. Re-registration to
// the same group is idempotent, to a different group an error.
func (r *Receiver) registerConn(addr netip.AddrPort, b []byte, now time.Time) {
	id, err := proto.ExtractID(b)
	if err != nil {
		r.config.logger.Error(err.Error(), slog.String("peer", addr.String()), errorx.Trace(err))
		return
	}

	g := r.groups.findByID(id)
	if g == nil {
		r.sendControl(proto.RegNGP, addr)
		r.config.logger.Error("connection registration failed: no group found",
			slog.String("peer", addr.String()))
		return
	}

	owner, c := r.groups.findByAddr(addr)
	if owner != nil && owner != g {
		r.sendControl(proto.RegErr, addr)
		r.config.logger.Error("connection registration failed: provided group id mismatch",
			slog.String("peer", addr.String()), slog.Uint64("group", g.num))
		return
	}

	registered := c != nil
	if !registered {
		if len(g.conns) >= MaxConnsPerGroup {
			r.sendControl(proto.RegErr, addr)
			r.config.logger.Error("connection registration failed: max group conns reached",
				slog.String("peer", addr.String()), slog.Uint64("group", g.num))
			return
		}
		c = newConn(addr, now)
	}

	pkt := packet.Make(64)
	if err := proto.EncodeControl(pkt, proto.Reg3); err != nil {
		r.config.logger.Error(err.Error(), errorx.Trace(err))
		return
	}
	if err := r.conn.WriteToAddrPort(pkt, addr); err != nil {
		r.config.logger.Error("connection registration failed: socket send error",
			slog.String("peer", addr.String()), slog.Uint64("group", g.num), errorx.Trace(err))
		return
	}

	if !registered {
		g.conns = append(g.conns, c)
	}

	r.writeSocketInfoFile(g)

	// mark this peer as the most recently active one
	g.lastAddr = addr

	r.config.logger.Info("connection registered",
		slog.String("peer", addr.String()), slog.Uint64("group", g.num))
}
