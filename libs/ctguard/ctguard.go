// Package ctguard holds the timing primitives used by every security decision:
// a wall-clock floor around a computation and a comparison whose running time
// depends only on the longer input.
package ctguard

import (
	"crypto/subtle"
	"time"
)

// WithFloor runs fn and does not return until floor has elapsed since entry,
// whichever path fn took. A panic in fn is re-raised after the floor.
func WithFloor[T any](floor time.Duration, fn func() (T, error)) (T, error) {
	start := time.Now()
	defer func() {
		if remaining := floor - time.Since(start); remaining > 0 {
			time.Sleep(remaining)
		}
	}()
	return fn()
}

// Compare reports whether a and b are equal. Both inputs are scanned in full,
// padded to the longer length, so neither the mismatch position nor a length
// difference shortens the work.
func Compare(a, b []byte) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	pa := make([]byte, n)
	pb := make([]byte, n)
	copy(pa, a)
	copy(pb, b)

	same := subtle.ConstantTimeCompare(pa, pb)
	sameLen := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return same&sameLen == 1
}

// CompareString is Compare over the bytes of two strings.
func CompareString(a, b string) bool {
	return Compare([]byte(a), []byte(b))
}
