package clock

import "time"

// Clock abstracts time lookup and timer creation so interval logic can be
// driven in tests without wall-clock waits.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending callback. Stop reports whether the call
// prevented the callback from firing.
type Timer interface {
	Stop() bool
}

// Real is the wall-clock implementation backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }
