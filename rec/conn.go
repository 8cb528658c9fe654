package rec

import (
	"net/netip"
	"time"

	"github.com/openirl/srtla-rec/proto"
)

// conn is one sender link inside a group, identified by its remote
// UDP address. All fields are owned by the event loop.
type conn struct {
	addr     netip.AddrPort
	lastRcvd time.Time

	// ring of the last received SRT sequence numbers, flushed as one
	// batched srtla ack every proto.RecvACKInt data packets
	recvLog [proto.RecvACKInt]uint32
	recvIdx int

	// link selection telemetry
	bytesSent          uint64 // halved on every decay tick
	bytesThisPeriod    uint64
	maxBytesPerPeriod  uint64
	lastCapacityUpdate time.Time

	recoveryAttempts   int
	healthStatus       time.Time // zero while healthy
	successiveFailures int
}

func newConn(addr netip.AddrPort, ts time.Time) *conn {
	return &conn{
		addr:               addr,
		lastRcvd:           ts,
		lastCapacityUpdate: ts,
	}
}

// pushSeq records a received SRT data sequence number. When the ring
// wraps it returns the full batch to acknowledge and resets the index.
func (c *conn) pushSeq(sn uint32) (ack proto.AckPacket, full bool) {
	c.recvLog[c.recvIdx] = sn
	c.recvIdx++

	if c.recvIdx == proto.RecvACKInt {
		ack.Acks = c.recvLog
		c.recvIdx = 0
		return ack, true
	}
	return ack, false
}
