package netstack

import "time"

// Clock supplies the millisecond deadlines the blocking operations poll
// against, plus the idle hook used between poll iterations. Injecting it
// lets tests drive timeouts without sleeping.
type Clock interface {
	// NowMillis returns milliseconds from an arbitrary monotonic epoch.
	NowMillis() uint64
	// Idle yields briefly between poll iterations of a blocking wait.
	Idle()
}

type systemClock struct {
	start time.Time
}

func newSystemClock() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) NowMillis() uint64 {
	return uint64(time.Since(c.start) / time.Millisecond)
}

func (c *systemClock) Idle() {
	time.Sleep(50 * time.Microsecond)
}
