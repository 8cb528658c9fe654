package rec

import (
	"log/slog"
	"slices"
	"time"
)

// selectBestConn picks the member link that carries the next upstream
// to sender packet: refresh capacity estimates (throttled), prefer
// active links, fall back to recovering ones, and as a last resort
// the most recently received member.
func (r *Receiver) selectBestConn(g *group, now time.Time) *conn {
	if g == nil || len(g.conns) == 0 {
		return nil
	}

	r.updateCapacity(g, now)

	pool := r.activeConns(g, now)

	if len(pool) == 0 {
		pool = recoveryConns(g)
		if len(pool) > 0 {
			r.config.logger.Debug("no active connections, using recovery connections",
				slog.Uint64("group", g.num), slog.Int("count", len(pool)))
		}
	}

	if len(pool) == 0 {
		r.config.logger.Warn("no active or recovery connections, using fallback",
			slog.Uint64("group", g.num))
		return g.mostRecent()
	}

	selected := r.selectOnLoad(pool, now)

	r.logBandwidth(g, now)

	return selected
}

// updateCapacity is the decay tick: at most once per DecayPeriod it
// refreshes capacity estimates, halves the long-term byte accumulator
// and tracks link health. The decay clock is process wide, shared by
// all groups.
func (r *Receiver) updateCapacity(g *group, now time.Time) {
	if now.Sub(r.lastDecay) <= DecayPeriod {
		return
	}
	r.lastDecay = now

	for _, c := range g.conns {
		r.updateCapacityEstimate(c, now)

		// halve the accumulator so fair-share comparisons track
		// recent behaviour
		c.bytesSent /= 2

		r.trackHealth(c, now)
	}

	r.config.logger.Info("applied bandwidth usage decay and updated capacity estimates",
		slog.Uint64("group", g.num))
}

func (r *Receiver) updateCapacityEstimate(c *conn, now time.Time) {
	if c.bytesThisPeriod > 0 {
		if c.bytesThisPeriod > c.maxBytesPerPeriod {
			c.maxBytesPerPeriod = c.bytesThisPeriod
			c.lastCapacityUpdate = now

			r.config.logger.Debug("updated capacity estimate",
				slog.String("peer", c.addr.String()),
				slog.Uint64("maxBytesPerPeriod", c.maxBytesPerPeriod))
		}
		c.bytesThisPeriod = 0
	} else if c.maxBytesPerPeriod > 0 && now.Sub(c.lastCapacityUpdate) > time.Minute {
		// deprioritize links that stopped carrying traffic
		c.maxBytesPerPeriod = uint64(float64(c.maxBytesPerPeriod) * 0.8)
		r.config.logger.Debug("reducing capacity estimate due to inactivity",
			slog.String("peer", c.addr.String()),
			slog.Uint64("maxBytesPerPeriod", c.maxBytesPerPeriod))
	}
}

func (r *Receiver) trackHealth(c *conn, now time.Time) {
	if now.Sub(c.lastRcvd) > ConnTimeout/2 {
		if c.healthStatus.IsZero() {
			c.healthStatus = now
			c.successiveFailures = 0
		} else if now.Sub(c.healthStatus) > 5*time.Second {
			c.successiveFailures++
			c.healthStatus = now
			r.config.logger.Debug("connection health deteriorating",
				slog.String("peer", c.addr.String()),
				slog.Int("failures", c.successiveFailures))
		}
	} else {
		c.healthStatus = time.Time{}
		c.successiveFailures = 0
	}
}

// activeConns returns the members within the timeout that have not
// accumulated too many successive failures. Excluded members get an
// occasional chance to reintegrate.
func (r *Receiver) activeConns(g *group, now time.Time) []*conn {
	var active []*conn
	for _, c := range g.conns {
		if !c.lastRcvd.Add(ConnTimeout).Before(now) && c.successiveFailures < 3 {
			active = append(active, c)
		} else if c.successiveFailures >= 3 {
			r.config.logger.Warn("connection excluded from load balancing",
				slog.String("peer", c.addr.String()),
				slog.Int("failures", c.successiveFailures))

			if now.Unix()%30 == 0 {
				c.successiveFailures = 2
				r.config.logger.Info("attempting to reintegrate problematic connection",
					slog.String("peer", c.addr.String()))
			}
		}
	}
	return active
}

func recoveryConns(g *group) []*conn {
	var recovery []*conn
	for _, c := range g.conns {
		if c.recoveryAttempts > 0 && c.recoveryAttempts < 5 {
			recovery = append(recovery, c)
		}
	}
	return recovery
}

type connUtil struct {
	c *conn
	u float64
}

// connUtilization estimates per-member utilisation of the capacity
// estimate, extrapolating the bytes of the partially elapsed decay
// window. Capped at 200%.
func (r *Receiver) connUtilization(pool []*conn, now time.Time) []connUtil {
	if len(pool) == 0 {
		return nil
	}

	timeFactor := min(DecayPeriod.Seconds(), now.Sub(r.lastDecay).Seconds()) / DecayPeriod.Seconds()
	if timeFactor < 0.01 {
		timeFactor = 0.01
	}

	utils := make([]connUtil, 0, len(pool))
	for _, c := range pool {
		var u float64
		if c.maxBytesPerPeriod > 0 {
			estimated := float64(c.bytesThisPeriod) / timeFactor
			u = estimated / float64(c.maxBytesPerPeriod)
			if u > 2.0 {
				u = 2.0
			}
		}
		utils = append(utils, connUtil{c: c, u: u})
	}
	return utils
}

// selectOnLoad balances the pool: near capacity rotate through the
// least utilised half, otherwise alternate between the least-used
// member and plain round-robin.
func (r *Receiver) selectOnLoad(pool []*conn, now time.Time) *conn {
	if len(pool) == 0 {
		return nil
	}

	r.roundRobin++

	leastUsed := pool[0]
	for _, c := range pool[1:] {
		if c.bytesSent < leastUsed.bytesSent {
			leastUsed = c
		}
	}

	utils := r.connUtilization(pool, now)

	anyAtCapacity := false
	for _, e := range utils {
		if e.u > 0.7 {
			r.config.logger.Debug("connection near capacity, adjusting distribution",
				slog.String("peer", e.c.addr.String()),
				slog.Float64("utilization", e.u))
			anyAtCapacity = true
		}
	}

	var selected *conn
	if anyAtCapacity {
		slices.SortStableFunc(utils, func(a, b connUtil) int {
			switch {
			case a.u < b.u:
				return -1
			case a.u > b.u:
				return 1
			default:
				return 0
			}
		})

		// rotate through the least utilised half, at least one
		half := len(utils) / 2
		if half == 0 {
			half = 1
		}
		selected = utils[r.roundRobin%uint64(half)].c

		r.config.logger.Debug("load balancing by available capacity",
			slog.String("peer", selected.addr.String()))
	} else {
		if r.roundRobin%3 == 0 {
			selected = leastUsed
		} else {
			selected = pool[r.roundRobin%uint64(len(pool))]
		}
	}

	if selected != nil && selected.recoveryAttempts > 0 {
		selected.recoveryAttempts = 0
	}
	return selected
}

// logBandwidth periodically reports the share, capacity and health of
// every member. Observational only.
func (r *Receiver) logBandwidth(g *group, now time.Time) {
	if now.Sub(r.lastBWLog) <= 10*time.Second || len(g.conns) == 0 {
		return
	}
	r.lastBWLog = now

	var totalBytes uint64
	healthy := 0
	for _, c := range g.conns {
		totalBytes += c.bytesSent
		if !c.lastRcvd.Add(ConnTimeout).Before(now) && c.successiveFailures < 3 {
			healthy++
		}
	}
	if totalBytes == 0 {
		return
	}

	r.config.logger.Debug("active connections",
		slog.Uint64("group", g.num),
		slog.Int("healthy", healthy), slog.Int("total", len(g.conns)))

	utils := r.connUtilization(g.conns, now)
	for _, e := range utils {
		capacityMbps := float64(e.c.maxBytesPerPeriod) * 8.0 / 30e6
		r.config.logger.Debug("bandwidth distribution",
			slog.String("peer", e.c.addr.String()),
			slog.Float64("percent", float64(e.c.bytesSent)/float64(totalBytes)*100),
			slog.Float64("capacityMbps", capacityMbps),
			slog.Float64("utilization", e.u*100),
			slog.Int("healthIssues", e.c.successiveFailures))
	}
}
