// Package wake holds the Wake Channel implementations. A ping only says "there
// may be new work"; it carries no payload and pings are never counted.
package wake

import (
	"context"
	"time"
)

// Local is an in-process wake channel. The buffer of one makes pings coalesce:
// any number of pings before a wait produce exactly one wake.
type Local struct {
	signal chan struct{}
}

func NewLocal() *Local {
	return &Local{signal: make(chan struct{}, 1)}
}

func (l *Local) Ping(context.Context) {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Local) WaitForPing(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-l.signal:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.signal:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
