package session

import (
	"time"

	"k8s.io/utils/clock"
)

// Clock schedules the renewal timer and the countdown ticker.
// clock.RealClock and the fake clock from k8s.io/utils/clock/testing both satisfy it.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) clock.Timer
	NewTicker(d time.Duration) clock.Ticker
}

// Compile-time check to ensure the real clock implements Clock
var _ Clock = clock.RealClock{}
