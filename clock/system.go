// Package clock abstracts time lookups so tests can pin the current moment.
package clock

import "time"

// Clock serves the integer timestamps persisted throughout the message
// store, plus the raw time.Time for callers that need one.
type Clock interface {
	CurrentTimeMicro() uint64
	CurrentTimeMs() uint64
	CurrentTimeSec() uint64
	Now() time.Time
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMicro() uint64 {
	return uint64(time.Now().UnixMicro())
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (sc *systemClock) CurrentTimeSec() uint64 {
	return uint64(time.Now().Unix())
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}
