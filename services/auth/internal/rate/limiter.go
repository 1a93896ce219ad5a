// Package rate implements the attempt limiter with progressive lockout. One
// algorithm (transition.go) runs against any Store; stores differ only in how
// they make a read-modify-write atomic.
package rate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	xrate "golang.org/x/time/rate"
)

type FailureMode string

const (
	// FailClosed denies requests while the store is unreachable.
	FailClosed FailureMode = "closed"
	// FailOpen serves decisions from an in-process store while the primary
	// store is unreachable. Limits are then per instance only.
	FailOpen FailureMode = "open"
)

const (
	defaultMaxRetries   = 3
	defaultCleanupEvery = 100
	sweepTimeout        = 5 * time.Second
)

var ErrUnknownOperation = errors.New("unknown rate limit operation")

// DegradedReporter is told when the limiter enters or leaves fallback mode.
type DegradedReporter interface {
	SetDegraded(bool)
}

type Option func(*Limiter)

func WithPolicies(p Policies) Option {
	return func(l *Limiter) {
		for op, policy := range p {
			l.policies[op] = policy
		}
	}
}

// WithFailureMode selects the outage policy. FailOpen uses fallback, or a
// fresh MemoryStore when fallback is nil.
func WithFailureMode(mode FailureMode, fallback Store) Option {
	return func(l *Limiter) {
		l.mode = mode
		if mode == FailOpen {
			if fallback == nil {
				fallback = NewMemory()
			}
			l.fallback = fallback
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func WithDegradedReporter(r DegradedReporter) Option {
	return func(l *Limiter) {
		l.reporter = r
	}
}

func WithMaxRetries(n uint64) Option {
	return func(l *Limiter) {
		l.maxRetries = n
	}
}

// WithCleanupEvery runs a background Cleanup on one of every n checks.
// n <= 0 disables opportunistic cleanup.
func WithCleanupEvery(n int) Option {
	return func(l *Limiter) {
		l.cleanupEvery = n
	}
}

type Limiter struct {
	store        Store
	fallback     Store
	policies     Policies
	mode         FailureMode
	logger       *slog.Logger
	metrics      *Metrics
	reporter     DegradedReporter
	maxRetries   uint64
	cleanupEvery int

	sweeper  *xrate.Sometimes
	sweeping atomic.Bool
	degraded atomic.Bool
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:        store,
		policies:     DefaultPolicies(),
		mode:         FailClosed,
		logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		maxRetries:   defaultMaxRetries,
		cleanupEvery: defaultCleanupEvery,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cleanupEvery > 0 {
		l.sweeper = &xrate.Sometimes{Every: l.cleanupEvery}
	}
	return l
}

func (l *Limiter) Policy(op Operation) (Policy, error) {
	p, ok := l.policies[op]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return p, nil
}

// Degraded reports whether the last store call was served by the fallback.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

// Check counts one attempt for identifier and decides whether it may
// proceed.
func (l *Limiter) Check(ctx context.Context, identifier string, op Operation, now time.Time) (Decision, error) {
	p, err := l.Policy(op)
	if err != nil {
		return Decision{}, err
	}
	key := Key{Identifier: identifier, Operation: op}

	rec, degraded, err := l.apply(ctx, key, now, func(cur *Record) *Record {
		return checkTransition(key, p, cur, now)
	})
	if err != nil {
		l.metrics.observeDecision(op, "error")
		return Decision{Limit: p.MaxAttempts, RetryAfter: time.Second}, err
	}

	d := decide(p, rec, now)
	d.Degraded = degraded
	if d.Allowed {
		l.metrics.observeDecision(op, "allowed")
	} else {
		l.metrics.observeDecision(op, "denied")
	}

	l.maybeSweep(now)
	return d, nil
}

// RecordFailure counts a failed attempt that happened after the gate let the
// request through. Failures beyond MaxAttempts+2 block for twice the policy's
// block duration.
func (l *Limiter) RecordFailure(ctx context.Context, identifier string, op Operation, now time.Time) (Decision, error) {
	p, err := l.Policy(op)
	if err != nil {
		return Decision{}, err
	}
	key := Key{Identifier: identifier, Operation: op}

	rec, degraded, err := l.apply(ctx, key, now, func(cur *Record) *Record {
		return failureTransition(key, p, cur, now)
	})
	if err != nil {
		return Decision{Limit: p.MaxAttempts}, err
	}

	d := decide(p, rec, now)
	d.Degraded = degraded
	if !d.Allowed {
		l.logger.Warn("rate limit block",
			"operation", string(op),
			"count", rec.Count,
			"block_until", d.ResetTime,
		)
	}
	return d, nil
}

// Reset forgets identifier's record for op, after a verified success.
func (l *Limiter) Reset(ctx context.Context, identifier string, op Operation) error {
	key := Key{Identifier: identifier, Operation: op}
	_, err := backoff.RetryWithData[struct{}](func() (struct{}, error) {
		return struct{}{}, permanentOnCancel(ctx, l.store.Delete(ctx, key))
	}, l.retryPolicy(ctx))

	if l.fallback != nil {
		_ = l.fallback.Delete(ctx, key)
	}
	if err != nil {
		l.metrics.observeStoreError(l.store.Name())
		if l.mode == FailOpen {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Cleanup sweeps expired records from the store and the fallback.
func (l *Limiter) Cleanup(ctx context.Context, now time.Time) (int, error) {
	n, err := l.store.Sweep(ctx, now)
	if l.fallback != nil {
		if m, ferr := l.fallback.Sweep(ctx, now); ferr == nil {
			n += m
		}
	}
	return n, err
}

func (l *Limiter) apply(ctx context.Context, key Key, now time.Time, fn Mutation) (*Record, bool, error) {
	rec, err := backoff.RetryWithData[*Record](func() (*Record, error) {
		rec, err := l.store.Apply(ctx, key, now, fn)
		return rec, permanentOnCancel(ctx, err)
	}, l.retryPolicy(ctx))
	if err == nil {
		l.setDegraded(false)
		return rec, false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, ctxErr
	}

	l.metrics.observeStoreError(l.store.Name())
	if l.mode == FailOpen && l.fallback != nil {
		l.logger.Warn("rate limit store unavailable, serving from in-memory fallback",
			"backend", l.store.Name(),
			"operation", string(key.Operation),
			"error", err,
		)
		l.setDegraded(true)
		if rec, ferr := l.fallback.Apply(ctx, key, now, fn); ferr == nil {
			return rec, true, nil
		}
	}

	l.logger.Error("rate limit store unavailable",
		"backend", l.store.Name(),
		"operation", string(key.Operation),
		"error", err,
	)
	return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (l *Limiter) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 100 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(eb, l.maxRetries), ctx)
}

func (l *Limiter) setDegraded(v bool) {
	if l.degraded.Swap(v) == v {
		return
	}
	l.metrics.setDegraded(v)
	if l.reporter != nil {
		l.reporter.SetDegraded(v)
	}
	if !v {
		l.logger.Info("rate limit store recovered", "backend", l.store.Name())
	}
}

func (l *Limiter) maybeSweep(now time.Time) {
	if l.sweeper == nil {
		return
	}
	l.sweeper.Do(func() {
		if !l.sweeping.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer l.sweeping.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()

			n, err := l.Cleanup(ctx, now)
			if err != nil {
				l.logger.Warn("rate limit cleanup failed", "error", err)
				return
			}
			if n > 0 {
				l.logger.Debug("rate limit cleanup", "records", n)
			}
		}()
	})
}

func permanentOnCancel(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	return err
}
