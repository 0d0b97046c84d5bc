// A thin wrapper over the system clock so that timestamps used for ordering, read cascades and expiry can be
// controlled in tests.
package clock

import "time"

type Clock interface {
	CurrentTimeMs() uint64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}
