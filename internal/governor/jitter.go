package governor

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Uniform draws a duration in [lo, hi) from crypto/rand. If the random source
// fails it returns the midpoint.
func Uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := hi - lo
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return lo + span/2
	}
	return lo + time.Duration(n.Int64())
}
