package spool

import (
	"math"
	"math/rand"
)

const (
	backoffBaseMs  = 500.0
	backoffMaxMs   = 30_000.0
	backoffMinJit  = 0.8
	backoffMaxJit  = 1.2
	backoffMaxStep = 10
)

// computeBackoffMs implements min(30000, round(500 * 2^min(10,k) * jitter))
// with jitter in [0.8, 1.2), matching the sender's retry schedule. Grounded
// in internal/backoff's exponential-with-jitter shape but expressed as this
// component's own literal formula rather than reusing BackoffPolicy's
// factor/jitter-addend shape, which computes a different curve.
func computeBackoffMs(consecutiveFailures int) int64 {
	return computeBackoffMsWithRand(consecutiveFailures, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func computeBackoffMsWithRand(consecutiveFailures int, randomValue float64) int64 {
	step := consecutiveFailures
	if step > backoffMaxStep {
		step = backoffMaxStep
	}
	if step < 0 {
		step = 0
	}
	jitter := backoffMinJit + randomValue*(backoffMaxJit-backoffMinJit)
	base := backoffBaseMs * math.Pow(2, float64(step)) * jitter
	return int64(math.Min(backoffMaxMs, math.Round(base)))
}
