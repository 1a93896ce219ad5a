package rate

import "time"

// The functions below are the whole limiter algorithm. Stores apply them
// atomically; they never see a partially updated record.

func freshRecord(key Key, p Policy, now time.Time, count uint32) *Record {
	return &Record{
		Identifier:    key.Identifier,
		OperationType: key.Operation,
		Count:         count,
		WindowStart:   now,
		ResetTime:     now.Add(p.Window),
	}
}

// stale reports whether cur should be replaced by a fresh window.
func stale(cur *Record, now time.Time) bool {
	if cur == nil {
		return true
	}
	if cur.IsBlocked {
		return cur.BlockUntil == nil || !now.Before(*cur.BlockUntil)
	}
	return now.After(cur.ResetTime)
}

func checkTransition(key Key, p Policy, cur *Record, now time.Time) *Record {
	if stale(cur, now) {
		return freshRecord(key, p, now, 1)
	}
	next := *cur
	if next.IsBlocked {
		return &next
	}
	next.Count++
	if int(next.Count) > p.MaxAttempts {
		until := now.Add(p.BlockDuration)
		next.IsBlocked = true
		next.BlockUntil = &until
	}
	return &next
}

func failureTransition(key Key, p Policy, cur *Record, now time.Time) *Record {
	var next Record
	if stale(cur, now) {
		next = *freshRecord(key, p, now, 1)
	} else {
		next = *cur
		next.Count++
	}

	var until time.Time
	switch {
	case int(next.Count) > p.MaxAttempts+2:
		until = now.Add(2 * p.BlockDuration)
	case int(next.Count) > p.MaxAttempts:
		until = now.Add(p.BlockDuration)
	default:
		return &next
	}
	if next.BlockUntil == nil || until.After(*next.BlockUntil) {
		next.BlockUntil = &until
	}
	next.IsBlocked = true
	return &next
}

func decide(p Policy, rec *Record, now time.Time) Decision {
	d := Decision{
		Limit:     p.MaxAttempts,
		ResetTime: rec.ResetTime,
	}
	if rec.IsBlocked && rec.BlockUntil != nil && now.Before(*rec.BlockUntil) {
		d.ResetTime = *rec.BlockUntil
		d.RetryAfter = rec.BlockUntil.Sub(now)
		return d
	}
	d.Allowed = true
	if remaining := p.MaxAttempts - int(rec.Count); remaining > 0 {
		d.Remaining = remaining
	}
	return d
}
