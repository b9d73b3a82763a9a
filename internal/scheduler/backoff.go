package scheduler

import "time"

// maxBackoff and maxBackoffExponent are ported verbatim from
// cli_daemon.py's _MAX_BACKOFF_S / _MAX_BACKOFF_EXPONENT.
const (
	maxBackoff         = 120 * time.Second
	maxBackoffExponent = 4
)

// nextBackoff computes min(maxBackoff, interval*2^min(consecutive429, 4)),
// then raises it to retryAfter (seconds) if the backend supplied one and it
// is larger — ported from the source's backoff_time = max(backoff_time,
// int(retry_after)) override.
func nextBackoff(interval time.Duration, consecutive429 int, retryAfterSeconds int, hasRetryAfter bool) time.Duration {
	exp := consecutive429
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}

	backoff := interval
	for i := 0; i < exp; i++ {
		backoff *= 2
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	if hasRetryAfter {
		if ra := time.Duration(retryAfterSeconds) * time.Second; ra > backoff {
			backoff = ra
		}
	}

	return backoff
}
