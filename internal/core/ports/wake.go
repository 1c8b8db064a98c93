package ports

import (
	"context"
	"time"
)

// WakePinger tells a sleeping worker that new work exists. Ping never blocks
// for longer than a short, bounded publish.
type WakePinger interface {
	Ping(ctx context.Context)
}

// WakeWaiter blocks until a ping arrives, the timeout elapses or ctx ends.
// Pings received before the call collapse into a single wake.
type WakeWaiter interface {
	WaitForPing(ctx context.Context, timeout time.Duration) bool
}
