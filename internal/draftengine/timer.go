package draftengine

import "time"

// Timer is a single-shot cancellable timer owned by a session. Opening a new
// draft key or closing the session always stops outstanding timers before
// arming new ones, so a stale timer can never write into a key it no longer
// belongs to.
type Timer interface {
	Stop() bool
}

// TimerFactory arms a timer that invokes fn once after d. The default factory
// wraps time.AfterFunc; tests inject a manual factory and fire timers by
// hand.
type TimerFactory func(d time.Duration, fn func()) Timer

func afterFuncTimer(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
