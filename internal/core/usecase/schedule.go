package usecase

import (
	"fmt"
	"slices"
	"time"
)

// AllowedDurations are the run lengths, in minutes, a worker accepts.
var AllowedDurations = []int{1, 2, 5, 7, 10, 15, 20, 30, 45, 60}

// NoExactStop disables the minute-of-hour refinement of StopTime.
const NoExactStop = -1

func ValidateRun(duration, stopExactly int) error {
	if !slices.Contains(AllowedDurations, duration) {
		return fmt.Errorf("duration %d not in %v", duration, AllowedDurations)
	}
	if stopExactly != NoExactStop && (stopExactly < 0 || stopExactly > 59) {
		return fmt.Errorf("stop-exactly %d outside 0-59", stopExactly)
	}
	return nil
}

// StopTime computes when a run started at now must end. duration is in
// minutes, or seconds when quick is set. With stopExactly in 0-59 the run ends
// at the next whole minute with that minute-of-hour if that comes sooner; a
// stopExactly equal to the current minute is ignored.
func StopTime(now time.Time, duration, stopExactly int, quick bool) time.Time {
	if quick {
		return now.Add(time.Duration(duration) * time.Second)
	}
	stop := now.Add(time.Duration(duration) * time.Minute)
	if stopExactly == NoExactStop {
		return stop
	}
	delta := stopExactly - now.Minute()
	if delta < 0 {
		delta += 60
	}
	if delta == 0 {
		return stop
	}
	exact := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, now.Location()).
		Add(time.Duration(delta) * time.Minute)
	if exact.Before(stop) {
		return exact
	}
	return stop
}
