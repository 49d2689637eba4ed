package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffJitter - разброс задержки повтора, ±25%.
const BackoffJitter = 0.25

// Backoff - задержка перед попыткой attempt+1 после неудачной попытки attempt (с 1):
// base*2^(attempt-1) с разбросом ±25%, не больше limit.
func Backoff(attempt int, base, limit time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	d += d * BackoffJitter * (rnd()*2 - 1)
	if d > float64(limit) {
		d = float64(limit)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
