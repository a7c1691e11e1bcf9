package mqtt

import (
	"time"

	"github.com/temoto/devhub/helpers"
	"github.com/temoto/devhub/hub"
)

const (
	RetryIntervalDelay = 5 * time.Second
	RetryMaxDelay      = 4 * time.Minute
	retryRandomMax     = 30 * time.Second
)

// RetryPolicyFunc converts hub retry policy into reconnect schedule.
// timeoutLimit=0 means retry forever. Result is used only by Client worker goroutine.
func RetryPolicyFunc(policy hub.RetryPolicy, timeoutLimit time.Duration) RetryFunc {
	backoff := helpers.Backoff{Min: time.Second, Max: RetryMaxDelay, K: 2}
	rnd := helpers.RandUnix()
	return func(n int, elapsed time.Duration) (time.Duration, bool) {
		if timeoutLimit > 0 && elapsed >= timeoutLimit {
			return 0, false
		}
		if n <= 1 {
			backoff.Reset()
		}
		switch policy {
		case hub.RetryNone:
			return 0, false
		case hub.RetryImmediate:
			return 0, true
		case hub.RetryInterval:
			return RetryIntervalDelay, true
		case hub.RetryLinearBackoff:
			d := RetryIntervalDelay * time.Duration(n)
			if d > RetryMaxDelay {
				d = RetryMaxDelay
			}
			return d, true
		case hub.RetryExponentialBackoff:
			return backoff.Failure(), true
		case hub.RetryExponentialBackoffWithJitter:
			d := backoff.Failure()
			// 50..150%
			return d/2 + time.Duration(rnd.Int63n(int64(d)+1)), true
		case hub.RetryRandom:
			return time.Duration(rnd.Int63n(int64(retryRandomMax))), true
		}
		return DefaultReconnectDelay, true
	}
}
