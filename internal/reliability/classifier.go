package reliability

import "time"

// IsRetryableHTTPStatus reports whether a failed request is likely to succeed
// if the same data is sent again later.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// FailureClass labels an HTTP outcome for logs and metrics.
func FailureClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "ok"
	case IsRetryableHTTPStatus(code):
		return "transient"
	case code == 0:
		return "transport"
	default:
		return "rejected"
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
