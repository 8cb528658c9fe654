package rec

import "time"

// Protocol limits and timers. The timeouts are wall-clock quantities
// enforced by the periodic loop, never by blocking calls.
const (
	MaxConnsPerGroup = 16
	MaxGroups        = 200

	CleanupPeriod = 3 * time.Second
	GroupTimeout  = 10 * time.Second
	ConnTimeout   = 10 * time.Second

	PingPeriod = 2 * time.Second

	// capacity decay window of the link selector
	DecayPeriod = 30 * time.Second

	Network = "udp4"
)
