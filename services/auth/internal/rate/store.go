package rate

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable is returned when the backing store could not be
	// reached after retries and the limiter is configured to fail closed.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrConflict marks a lost race that is safe to retry.
	ErrConflict = errors.New("rate limit record conflict")
)

// Mutation computes the next record from the current one. cur is nil when no
// record exists. A Mutation may run more than once per Apply and must not have
// side effects.
type Mutation func(cur *Record) *Record

// Store persists records and applies mutations atomically per key.
type Store interface {
	// Apply reads the record for key, runs fn, and writes the result in one
	// atomic step. It returns the record as written. now is the instant fn
	// decides at; stores that expire keys measure from it.
	Apply(ctx context.Context, key Key, now time.Time, fn Mutation) (*Record, error)
	Delete(ctx context.Context, key Key) error
	// Sweep deletes expired unblocked records and unblocks expired blocks.
	// It returns the number of records touched.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Name() string
}
