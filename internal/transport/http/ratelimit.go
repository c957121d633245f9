package http

import "golang.org/x/time/rate"

// newRateLimiter caps the commands one gateway session may submit. A
// non-positive rate disables the cap.
func newRateLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}
