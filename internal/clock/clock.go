package clock

import "time"

// Clock is the time source for refund windows and reconcile cut-offs.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func New() Clock { return SystemClock{} }
