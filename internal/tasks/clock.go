package tasks

import "time"

// Clock abstracts wall time and timer creation so firing behavior is
// deterministic under test.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the cancellable delayed-signal handle the scheduler sleeps on.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return sysTimer{t: time.NewTimer(d)}
}

type sysTimer struct {
	t *time.Timer
}

func (s sysTimer) C() <-chan time.Time { return s.t.C }
func (s sysTimer) Stop() bool          { return s.t.Stop() }
