package rate

import (
	"math"
	"time"
)

type Operation string

const (
	OpAuth  Operation = "auth"
	OpMFA   Operation = "mfa"
	OpSetup Operation = "setup"
	OpAPI   Operation = "api"
)

type Policy struct {
	Window        time.Duration
	MaxAttempts   int
	BlockDuration time.Duration
}

type Policies map[Operation]Policy

// DefaultPolicies returns a fresh copy of the built-in table.
func DefaultPolicies() Policies {
	return Policies{
		OpAuth:  {Window: 15 * time.Minute, MaxAttempts: 5, BlockDuration: 15 * time.Minute},
		OpMFA:   {Window: 5 * time.Minute, MaxAttempts: 3, BlockDuration: 30 * time.Minute},
		OpSetup: {Window: 10 * time.Minute, MaxAttempts: 3, BlockDuration: 10 * time.Minute},
		OpAPI:   {Window: 1 * time.Minute, MaxAttempts: 100, BlockDuration: 5 * time.Minute},
	}
}

type Key struct {
	Identifier string
	Operation  Operation
}

func (k Key) String() string {
	return string(k.Operation) + ":" + k.Identifier
}

// Record is the persisted counter for one Key.
type Record struct {
	Identifier    string     `json:"identifier"`
	OperationType Operation  `json:"operation_type"`
	Count         uint32     `json:"count"`
	WindowStart   time.Time  `json:"window_start"`
	ResetTime     time.Time  `json:"reset_time"`
	IsBlocked     bool       `json:"is_blocked"`
	BlockUntil    *time.Time `json:"block_until,omitempty"`
}

// Expiry is the instant after which the record carries no information.
func (r *Record) Expiry() time.Time {
	if r.BlockUntil != nil && r.BlockUntil.After(r.ResetTime) {
		return *r.BlockUntil
	}
	return r.ResetTime
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
	// Degraded is set when the decision came from the in-process fallback.
	Degraded bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, as sent in the
// Retry-After header. Zero when allowed.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}
