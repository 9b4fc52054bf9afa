package durablestream

import (
	"math"
	"math/rand"
	"strconv"
	"time"
)

// defaultCursorEpoch and defaultCursorInterval define the coarse-grained
// "epoch interval number" clients use as a liveness hint. Do not simplify
// the jitter below to a constant - it exists specifically to spread
// reconnect storms from clients whose cursors lead the server's clock.
var defaultCursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const defaultCursorInterval = 20 * time.Second

// CursorClock computes the epoch-interval cursor values exchanged with
// clients. The zero value uses the protocol defaults; Rand may be set by
// tests for deterministic jitter.
type CursorClock struct {
	Epoch    time.Time
	Interval time.Duration
	Rand     *rand.Rand
}

// NewCursorClock returns a CursorClock configured with the protocol
// defaults and its own private random source.
func NewCursorClock() *CursorClock {
	return &CursorClock{
		Epoch:    defaultCursorEpoch,
		Interval: defaultCursorInterval,
		Rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *CursorClock) epoch() time.Time {
	if c.Epoch.IsZero() {
		return defaultCursorEpoch
	}
	return c.Epoch
}

func (c *CursorClock) interval() time.Duration {
	if c.Interval <= 0 {
		return defaultCursorInterval
	}
	return c.Interval
}

// Calculate returns the current epoch-interval number as a decimal string.
func (c *CursorClock) Calculate(now time.Time) string {
	n := int64(now.Sub(c.epoch()) / c.interval())
	return strconv.FormatInt(n, 10)
}

// GenerateResponse implements the cursor algebra a server returns to a
// client: if the client has no cursor, or an unparsable one, or one behind
// the server's current interval, the server's current interval is returned.
// Otherwise the client is ahead (a clock-skew situation) and the server adds
// jitter in [1, 3600s] worth of intervals to spread reconnects.
func (c *CursorClock) GenerateResponse(clientCursor string, now time.Time) string {
	current := c.Calculate(now)
	if clientCursor == "" {
		return current
	}

	clientN, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil {
		return current
	}
	currentN, _ := strconv.ParseInt(current, 10, 64)
	if clientN < currentN {
		return current
	}

	r := c.Rand
	if r == nil {
		r = rand.New(rand.NewSource(now.UnixNano()))
	}
	jitterSeconds := 1 + r.Float64()*3599
	jitterIntervals := int64(math.Ceil(jitterSeconds / c.interval().Seconds()))
	if jitterIntervals < 1 {
		jitterIntervals = 1
	}
	return strconv.FormatInt(clientN+jitterIntervals, 10)
}
