package utils

import (
	"time"

	"github.com/benbjohnson/clock"
)

// SleepRemainder sleeps for d on the given clock when d is positive and
// returns immediately otherwise. Used to pad per-motor sends to their time
// budget; oversleeping slightly is fine, undersleeping is not.
func SleepRemainder(clk clock.Clock, d time.Duration) {
	if d <= 0 {
		return
	}
	clk.Sleep(d)
}
