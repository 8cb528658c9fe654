package rec

import (
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/lysShub/netkit/debug"
	"github.com/lysShub/netkit/errorx"
	"github.com/lysShub/netkit/packet"
	"github.com/lysShub/rawsock/test"
	"github.com/openirl/srtla-rec/proto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// event is one received datagram, shipped from a reader goroutine to
// the dispatch loop. groupNum zero means the sender-facing listener,
// anything else the upstream socket of that group.
type event struct {
	pkt      *packet.Packet
	from     netip.AddrPort
	groupNum uint64
	err      error
}

// Receiver demultiplexes the srtla flows of multi-link senders into
// one upstream UDP flow per group toward the downstream SRT listener,
// and fans return traffic back across the member links.
//
// The dispatch loop exclusively owns the registry, the round-robin
// counter and the decay timestamp. Reader goroutines only move
// datagrams onto the event channel.
type Receiver struct {
	config *Config

	conn    *udpConn       // sender-facing listener
	srtAddr netip.AddrPort // resolved downstream SRT listener

	groups registry
	events chan event

	nextGroupNum uint64
	roundRobin   uint64
	lastDecay    time.Time
	lastCleanup  time.Time
	lastPing     time.Time
	lastBWLog    time.Time

	closeErr errorx.CloseErr
}

func New(port uint16, srtAddr netip.AddrPort, config *Config) (*Receiver, error) {
	var r = &Receiver{
		config:  config.init(),
		srtAddr: srtAddr,
		events:  make(chan event, 256),
	}

	var err error
	r.conn, err = bindUDP(netip.AddrPortFrom(netip.IPv4Unspecified(), port), r.config.RecvBufSize)
	if err != nil {
		return nil, r.close(err)
	}
	return r, nil
}

func (r *Receiver) close(cause error) error {
	if cause != nil {
		r.config.logger.Error(cause.Error(), errorx.Trace(cause))
	} else {
		r.config.logger.Info("close")
	}
	return r.closeErr.Close(func() (errs []error) {
		errs = append(errs, cause)
		for _, g := range append([]*group(nil), r.groups.groups...) {
			r.removeGroup(g)
		}
		if r.conn != nil {
			errs = append(errs, r.conn.Close())
		}
		return errs
	})
}

func (r *Receiver) Close() error { return r.close(nil) }

func (r *Receiver) Serve() error {
	r.config.logger.Info("start",
		slog.String("listen", r.conn.LocalAddr().String()),
		slog.String("srt", r.srtAddr.String()),
		slog.Bool("debug", debug.Debug()),
	)
	go r.listenService()
	return r.close(r.loop())
}

// loop services one event at a time, then gives the periodic work a
// chance to run. It wakes at least once per second so cleanup and
// probing proceed under silence.
func (r *Receiver) loop() error {
	for {
		select {
		case ev := <-r.events:
			if err := r.handle(ev); err != nil {
				return err
			}
		case <-r.config.Clock.After(time.Second):
		}

		now := r.config.Clock.Now()
		r.cleanup(now)
		r.ping(now)
	}
}

func (r *Receiver) handle(ev event) error {
	now := r.config.Clock.Now()

	if ev.groupNum == 0 {
		if ev.err != nil {
			return errors.WithStack(ev.err)
		}
		r.handleSRTLA(ev.from, ev.pkt, now)
		return nil
	}

	// Resolve the stable numeric handle against the registry. Events
	// for a group destroyed while they were in flight miss here.
	g := r.groups.findByNum(ev.groupNum)
	if g == nil {
		return nil
	}
	if ev.err != nil {
		r.config.logger.Error("failed to read the srt sock, terminating the group",
			slog.Uint64("group", g.num), errorx.Trace(ev.err))
		r.removeGroup(g)
		return nil
	}
	r.handleSRT(g, ev.pkt, now)
	return nil
}

func (r *Receiver) listenService() {
	for {
		pkt := packet.Make(0, r.config.MaxRecvBuff)
		addr, err := r.conn.ReadFromAddrPort(pkt)
		if err != nil {
			r.events <- event{err: err}
			return
		}
		r.events <- event{from: addr, pkt: pkt}
	}
}

func (r *Receiver) srtService(num uint64, sock *net.UDPConn) {
	for {
		pkt := packet.Make(0, r.config.MaxRecvBuff)
		n, err := sock.Read(pkt.Bytes())
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.events <- event{groupNum: num, err: err}
			}
			return
		}
		pkt.SetData(n)
		r.events <- event{groupNum: num, pkt: pkt}
	}
}

// handleSRTLA processes one datagram from the sender-facing socket:
// registration, keepalive echo, srtla ack bookkeeping and upstream
// forwarding.
func (r *Receiver) handleSRTLA(addr netip.AddrPort, pkt *packet.Packet, now time.Time) {
	b := pkt.Bytes()

	if proto.IsReg1(b) {
		r.registerGroup(addr, b, now)
		return
	}
	if proto.IsReg2(b) {
		r.registerConn(addr, b, now)
		return
	}

	// anything else requires a registered member, discard otherwise
	g, c := r.groups.findByAddr(addr)
	if g == nil || c == nil {
		return
	}

	c.lastRcvd = now

	if proto.IsKeepalive(b) {
		if err := r.conn.WriteToAddrPort(pkt, addr); err != nil {
			r.config.logger.Error("failed to send srtla keepalive",
				slog.String("peer", addr.String()), slog.Uint64("group", g.num), errorx.Trace(err))
		}
		return
	}

	if pkt.Data() < proto.SRTMinLen {
		return
	}

	// mark the most recently active peer
	g.lastAddr = addr

	if sn, ok := proto.SequenceNumber(b); ok {
		if ack, full := c.pushSeq(sn); full {
			r.sendAck(g, c, &ack)
		}
	}

	if g.srt == nil && !r.openUpstream(g) {
		return
	}

	if n, err := g.srt.Write(b); err != nil || n != len(b) {
		r.config.logger.Error("failed to forward srtla packet, terminating the group",
			slog.Uint64("group", g.num), errorx.Trace(err))
		r.removeGroup(g)
	}
}

// handleSRT processes one datagram from a group's upstream socket:
// ACK broadcast over every member, everything else over the selected
// link.
func (r *Receiver) handleSRT(g *group, pkt *packet.Packet, now time.Time) {
	if pkt.Data() < proto.SRTMinLen {
		r.config.logger.Error("short read on the srt sock, terminating the group",
			slog.Uint64("group", g.num))
		r.removeGroup(g)
		return
	}

	b := pkt.Bytes()
	if proto.IsSRTAck(b) {
		// broadcast SRT ACKs over all member links for timely delivery
		for _, c := range g.conns {
			if err := r.conn.WriteToAddrPort(pkt, c.addr); err != nil {
				r.config.logger.Error("failed to send the srt ack",
					slog.String("peer", c.addr.String()), slog.Uint64("group", g.num), errorx.Trace(err))
			}
		}
		return
	}

	if c := r.selectBestConn(g, now); c != nil {
		if err := r.conn.WriteToAddrPort(pkt, c.addr); err != nil {
			r.config.logger.Error("failed to send the srt packet",
				slog.String("peer", c.addr.String()), slog.Uint64("group", g.num), errorx.Trace(err))
		} else {
			n := uint64(pkt.Data())
			c.bytesSent += n
			c.bytesThisPeriod += n
		}
	} else if g.lastAddr.IsValid() {
		if err := r.conn.WriteToAddrPort(pkt, g.lastAddr); err != nil {
			r.config.logger.Error("failed to send the srt packet",
				slog.String("peer", g.lastAddr.String()), slog.Uint64("group", g.num), errorx.Trace(err))
		}
	}
}

func (r *Receiver) sendAck(g *group, c *conn, ack *proto.AckPacket) {
	pkt := packet.Make(proto.AckLen)
	if err := ack.Encode(pkt); err != nil {
		r.config.logger.Error(err.Error(), errorx.Trace(err))
		return
	}
	if debug.Debug() {
		require.Equal(test.T(), proto.AckLen, pkt.Data())
	}
	if err := r.conn.WriteToAddrPort(pkt, c.addr); err != nil {
		r.config.logger.Error("failed to send the srtla ack",
			slog.String("peer", c.addr.String()), slog.Uint64("group", g.num), errorx.Trace(err))
	}
}

func (r *Receiver) sendControl(k proto.Kind, addr netip.AddrPort) {
	pkt := packet.Make(64)
	if err := proto.EncodeControl(pkt, k); err != nil {
		r.config.logger.Error(err.Error(), errorx.Trace(err))
		return
	}
	if err := r.conn.WriteToAddrPort(pkt, addr); err != nil {
		r.config.logger.Error("failed to send "+k.String(),
			slog.String("peer", addr.String()), errorx.Trace(err))
	}
}

// openUpstream lazily creates the group's connected socket to the SRT
// listener and starts its reader. Any failure destroys the group, the
// sender will time out and may re-register.
func (r *Receiver) openUpstream(g *group) bool {
	sock, err := net.DialUDP(Network, nil, net.UDPAddrFromAddrPort(r.srtAddr))
	if err != nil {
		r.config.logger.Error("failed to create the srt socket",
			slog.Uint64("group", g.num), errorx.Trace(errors.WithStack(err)))
		r.removeGroup(g)
		return false
	}
	g.srt = sock

	r.config.logger.Info("created srt socket",
		slog.Uint64("group", g.num), slog.Int("localPort", int(g.localPort())))

	go r.srtService(g.num, sock)

	r.writeSocketInfoFile(g)
	return true
}

func (r *Receiver) removeGroup(g *group) {
	if g == nil {
		return
	}
	if g.srt != nil {
		r.removeSocketInfoFile(g)
		g.srt.Close()
		g.srt = nil
	}
	g.conns = nil
	r.groups.remove(g)
}

func (r *Receiver) nextNum() uint64 {
	r.nextGroupNum++
	return r.nextGroupNum
}
