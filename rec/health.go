package rec

import (
	"log/slog"
	"time"

	"github.com/openirl/srtla-rec/proto"
)

// cleanup drops timed-out connections and empty aged groups, and
// nudges quiet connections with keepalive bursts. Self-throttled to
// once per CleanupPeriod.
func (r *Receiver) cleanup(now time.Time) {
	if now.Sub(r.lastCleanup) < CleanupPeriod {
		return
	}
	r.lastCleanup = now

	if r.groups.len() == 0 {
		return
	}

	r.config.logger.Debug("starting a cleanup run")

	totalGroups := r.groups.len()
	totalConns, removedGroups, removedConns, probed := 0, 0, 0, 0

	for _, g := range append([]*group(nil), r.groups.groups...) {
		before := len(g.conns)
		totalConns += before

		for _, c := range append([]*conn(nil), g.conns...) {
			if now.Sub(c.lastRcvd) > ConnTimeout*3/2 {
				g.removeConn(c)
				removedConns++
				r.config.logger.Info("connection removed (timed out)",
					slog.String("peer", c.addr.String()), slog.Uint64("group", g.num))
				continue
			}

			if now.Sub(c.lastRcvd) > ConnTimeout/4 && c.recoveryAttempts < 5 {
				// burst of keepalives to raise the odds of waking a
				// flaky link
				for i := 0; i < 3; i++ {
					r.sendControl(proto.Keepalive, c.addr)
				}
				c.recoveryAttempts++
				probed++
				r.config.logger.Debug("attempting to recover connection",
					slog.String("peer", c.addr.String()), slog.Uint64("group", g.num),
					slog.Int("attempt", c.recoveryAttempts))
			}
		}

		if len(g.conns) == 0 && now.Sub(g.createdAt) > GroupTimeout {
			r.removeGroup(g)
			removedGroups++
			r.config.logger.Info("group removed (no connections)", slog.Uint64("group", g.num))
		} else if len(g.conns) != before {
			r.writeSocketInfoFile(g)
		}
	}

	r.config.logger.Debug("cleanup run ended",
		slog.Int("groups", totalGroups), slog.Int("conns", totalConns),
		slog.Int("removedGroups", removedGroups), slog.Int("removedConns", removedConns),
		slog.Int("probed", probed))
}

// ping proactively keepalives members that have been quiet for a
// fraction of the timeout, harder for those in recovery. Self-
// throttled to once per PingPeriod.
func (r *Receiver) ping(now time.Time) {
	if now.Sub(r.lastPing) < PingPeriod {
		return
	}
	r.lastPing = now

	if r.groups.len() == 0 {
		return
	}

	for _, g := range r.groups.groups {
		for _, c := range g.conns {
			if now.Sub(c.lastRcvd) > ConnTimeout/5 {
				r.sendControl(proto.Keepalive, c.addr)

				if c.recoveryAttempts > 0 {
					r.config.logger.Debug("probing inactive connection",
						slog.String("peer", c.addr.String()), slog.Uint64("group", g.num))
				}
			}

			if c.recoveryAttempts > 0 {
				for i := 0; i < 2; i++ {
					r.sendControl(proto.Keepalive, c.addr)
				}
			}
		}
	}
}
