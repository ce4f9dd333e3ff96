package batcher

import (
	"time"
)

// Clock abstracts wall time so batch window deadlines can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type wallClock struct{}

// NewWallClock returns a Clock backed by the time package.
func NewWallClock() Clock {
	return wallClock{}
}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (wallClock) NewTimer(d time.Duration) Timer {
	return wallTimer{timer: time.NewTimer(d)}
}

type wallTimer struct {
	timer *time.Timer
}

func (t wallTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t wallTimer) Stop() bool {
	return t.timer.Stop()
}
