package ratelimit

import (
	"math"
	"math/bits"
	"time"
)

// DefaultScale is the number of subtokens in one token.
const DefaultScale = 10_000

// SubtokenRate converts tokens/sec into integer subtokens/sec.
func SubtokenRate(ratePerSec float64, scale int64) (int64, error) {
	if scale <= 0 {
		return 0, Validationf("scale must be > 0")
	}
	if math.IsNaN(ratePerSec) || math.IsInf(ratePerSec, 0) || ratePerSec <= 0 {
		return 0, Validationf("rate must be > 0")
	}
	sub := math.Round(ratePerSec * float64(scale))
	if sub < 1 {
		return 0, Validationf("rate %g is below one subtoken per second at scale %d", ratePerSec, scale)
	}
	if sub > math.MaxInt64/2 {
		return 0, Validationf("rate %g is too large", ratePerSec)
	}
	return int64(sub), nil
}

// Refill adds elapsed*rate subtokens to tokens, capped at maxTokens. The
// product is computed in 128 bits so long idle periods cannot overflow.
func Refill(tokens, maxTokens, rate int64, elapsed time.Duration) int64 {
	if tokens >= maxTokens {
		return maxTokens
	}
	if tokens < 0 {
		tokens = 0
	}
	if elapsed <= 0 || rate <= 0 {
		return tokens
	}
	hi, lo := bits.Mul64(uint64(elapsed), uint64(rate))
	if hi >= uint64(time.Second) {
		return maxTokens
	}
	added, _ := bits.Div64(hi, lo, uint64(time.Second))
	if added >= uint64(maxTokens-tokens) {
		return maxTokens
	}
	return tokens + int64(added)
}

// RetryAfter is the time needed to accrue shortfall subtokens at rate,
// rounded up to the next nanosecond.
func RetryAfter(shortfall, rate int64) time.Duration {
	if shortfall <= 0 {
		return 0
	}
	if rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	hi, lo := bits.Mul64(uint64(shortfall), uint64(time.Second))
	lo, carry := bits.Add64(lo, uint64(rate-1), 0)
	hi += carry
	if hi >= uint64(rate) {
		return time.Duration(math.MaxInt64)
	}
	q, _ := bits.Div64(hi, lo, uint64(rate))
	if q > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(q)
}

// Rescale converts subtokens from one scale to another, flooring.
func Rescale(tokens, from, to int64) int64 {
	if tokens <= 0 || from <= 0 || to <= 0 || from == to {
		return tokens
	}
	hi, lo := bits.Mul64(uint64(tokens), uint64(to))
	if hi >= uint64(from) {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(from))
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}
