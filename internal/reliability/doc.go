// Package reliability holds the backoff schedule the broker connection and
// its consumers use to come back after the link drops.
//
// Errors that report IsRetryable() false end the loop at once, so refused
// credentials and bad certificates surface instead of being dialed forever.
//
//	b := reliability.ReconnectBackoff(time.Second, time.Minute, 0)
//	err := reliability.Do(ctx, b, dial, func(n int, err error, wait time.Duration) {
//	    logger.Warn("reconnect failed", "attempt", n+1, "nextRetryIn", wait)
//	})
package reliability
