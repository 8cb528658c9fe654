package rec

import (
	"net/netip"
	"testing"
	"time"

	"github.com/openirl/srtla-rec/proto"
	"github.com/stretchr/testify/require"
)

func addr(i byte) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, i}), 5000)
}

func testGroup(r *Receiver, ts time.Time, members int) *group {
	g := newGroup(proto.ID{}, r.nextNum(), ts)
	for i := 0; i < members; i++ {
		g.conns = append(g.conns, newConn(addr(byte(i+1)), ts))
	}
	r.groups.add(g)
	return g
}

func Test_Selector_Skew(t *testing.T) {
	r := bareReceiver(t)
	now := time.Unix(10_000, 0)
	g := testGroup(r, now, 2)

	// a full decay window has elapsed, so the period estimate is
	// taken at face value
	r.lastDecay = now.Add(-DecayPeriod)

	a, b := g.conns[0], g.conns[1]
	a.maxBytesPerPeriod, a.bytesThisPeriod = 10<<20, 8<<20
	b.maxBytesPerPeriod, b.bytesThisPeriod = 10<<20, 1<<20

	// a exceeds 70% utilisation, the lower half of the sorted pool
	// is b alone
	for i := 0; i < 4; i++ {
		require.Same(t, b, r.selectBestConn(g, now))
	}
}

func Test_Selector_RoundRobin(t *testing.T) {
	r := bareReceiver(t)
	now := time.Unix(10_000, 0)
	g := testGroup(r, now, 3)
	r.lastDecay = now

	a, b, c := g.conns[0], g.conns[1], g.conns[2]
	a.bytesSent, b.bytesSent, c.bytesSent = 5, 1, 9

	// no capacity data: alternate round-robin with a least-used pick
	// every third packet
	require.Same(t, b, r.selectBestConn(g, now)) // rr=1
	require.Same(t, c, r.selectBestConn(g, now)) // rr=2
	require.Same(t, b, r.selectBestConn(g, now)) // rr=3, least used
	require.Same(t, b, r.selectBestConn(g, now)) // rr=4, pool[1]
}

func Test_Selector_Recovery(t *testing.T) {
	r := bareReceiver(t)
	now := time.Unix(10_000, 0)
	g := testGroup(r, now, 2)
	r.lastDecay = now

	for _, c := range g.conns {
		c.lastRcvd = now.Add(-ConnTimeout - time.Second)
	}
	g.conns[1].recoveryAttempts = 2

	got := r.selectBestConn(g, now)
	require.Same(t, g.conns[1], got)

	// selection resets the recovery counter
	require.Equal(t, 0, got.recoveryAttempts)
}

func Test_Selector_Fallback(t *testing.T) {
	r := bareReceiver(t)
	now := time.Unix(10_000, 0)
	g := testGroup(r, now, 3)
	r.lastDecay = now

	for i, c := range g.conns {
		c.lastRcvd = now.Add(-ConnTimeout - time.Duration(10-i)*time.Second)
	}

	// no active and no recovery members: most recently received wins
	require.Same(t, g.conns[2], r.selectBestConn(g, now))
}

func Test_Selector_Empty(t *testing.T) {
	r := bareReceiver(t)
	now := time.Unix(10_000, 0)
	g := newGroup(proto.ID{}, r.nextNum(), now)
	r.groups.add(g)

	require.Nil(t, r.selectBestConn(g, now))
	require.Nil(t, r.selectBestConn(nil, now))
}

func Test_DecayTick(t *testing.T) {
	r := bareReceiver(t)
	now := time.Unix(10_000, 0)
	g := testGroup(r, now, 3)
	r.lastDecay = now.Add(-DecayPeriod - time.Second)

	a, b, c := g.conns[0], g.conns[1], g.conns[2]
	a.bytesThisPeriod, a.maxBytesPerPeriod, a.bytesSent = 1000, 400, 800
	b.bytesThisPeriod, b.maxBytesPerPeriod, b.bytesSent = 100, 400, 600

	// inactive for over a minute: the estimate decays
	c.bytesThisPeriod, c.maxBytesPerPeriod = 0, 1000
	c.lastCapacityUpdate = now.Add(-61 * time.Second)

	r.updateCapacity(g, now)
	require.Equal(t, now, r.lastDecay)

	require.Equal(t, uint64(1000), a.maxBytesPerPeriod)
	require.Equal(t, now, a.lastCapacityUpdate)
	require.Equal(t, uint64(400), b.maxBytesPerPeriod)
	require.Equal(t, uint64(800), c.maxBytesPerPeriod)

	for _, e := range g.conns {
		require.Zero(t, e.bytesThisPeriod)
	}
	require.Equal(t, uint64(400), a.bytesSent)
	require.Equal(t, uint64(300), b.bytesSent)

	// within the window nothing changes
	a.bytesThisPeriod = 5000
	r.updateCapacity(g, now.Add(time.Second))
	require.Equal(t, uint64(5000), a.bytesThisPeriod)
}

func Test_TrackHealth(t *testing.T) {
	r := bareReceiver(t)
	now := time.Unix(10_000, 0)
	c := newConn(addr(1), now)

	// quiet for over half the timeout: the watch starts
	c.lastRcvd = now.Add(-ConnTimeout/2 - time.Second)
	r.trackHealth(c, now)
	require.Equal(t, now, c.healthStatus)
	require.Zero(t, c.successiveFailures)

	// still quiet after the grace period: failures accumulate
	later := now.Add(6 * time.Second)
	r.trackHealth(c, later)
	require.Equal(t, 1, c.successiveFailures)
	require.Equal(t, later, c.healthStatus)

	// traffic clears the watch
	c.lastRcvd = later
	r.trackHealth(c, later)
	require.True(t, c.healthStatus.IsZero())
	require.Zero(t, c.successiveFailures)
}

func Test_Selector_Reintegrate(t *testing.T) {
	r := bareReceiver(t)
	now := time.Unix(9990, 0) // 9990 % 30 == 0
	g := testGroup(r, now, 2)
	r.lastDecay = now

	g.conns[0].successiveFailures = 3

	require.Same(t, g.conns[1], r.selectBestConn(g, now))
	require.Equal(t, 2, g.conns[0].successiveFailures)
}

func Test_Selector_UtilizationCap(t *testing.T) {
	r := bareReceiver(t)
	now := time.Unix(10_000, 0)
	g := testGroup(r, now, 1)
	r.lastDecay = now.Add(-DecayPeriod)

	c := g.conns[0]
	c.maxBytesPerPeriod, c.bytesThisPeriod = 100, 10_000

	utils := r.connUtilization(g.conns, now)
	require.Len(t, utils, 1)
	require.Equal(t, 2.0, utils[0].u)
}
