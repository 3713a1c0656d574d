// Package traffic keeps sliding windows of request outcomes for /predict.
// /health reads them to decide overloaded (rate-limit denials) and degraded
// (error rate) status.
package traffic

import (
	"sync"
	"time"
)

// maxAge bounds how long outcomes are retained; windows longer than this undercount.
const maxAge = 5 * time.Minute

var defaultTracker Tracker

// RecordSuccess records a successful request outcome.
func RecordSuccess() { defaultTracker.RecordSuccess() }

// RecordError records a failed request outcome (upstream error, store failure, etc.).
func RecordError() { defaultTracker.RecordError() }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.RecordDenied() }

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int { return defaultTracker.Snapshot(window).Total() }

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.Snapshot(window).Denied }

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	s := defaultTracker.Snapshot(window)
	return s.Errors, s.Successes + s.Errors
}

// Snapshot returns outcome counts within the window.
func Snapshot(window time.Duration) Stats { return defaultTracker.Snapshot(window) }

// Reset clears all recorded outcomes. For tests only.
func Reset() { defaultTracker.Reset() }

// Stats are outcome counts within a window.
type Stats struct {
	Successes int
	Errors    int
	Denied    int
}

// Total returns all outcomes including denials.
func (s Stats) Total() int { return s.Successes + s.Errors + s.Denied }

// ErrorPct returns errors as a percentage of successes + errors, 0 when there were none.
func (s Stats) ErrorPct() float64 {
	n := s.Successes + s.Errors
	if n == 0 {
		return 0
	}
	return float64(s.Errors) * 100 / float64(n)
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu        sync.Mutex
	successes []time.Time
	errors    []time.Time
	denied    []time.Time
}

func (t *Tracker) RecordSuccess() { t.record(&t.successes) }

func (t *Tracker) RecordError() { t.record(&t.errors) }

func (t *Tracker) RecordDenied() { t.record(&t.denied) }

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Snapshot returns outcome counts within the window ending now.
func (t *Tracker) Snapshot(window time.Duration) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	return Stats{
		Successes: countSince(t.successes, cutoff),
		Errors:    countSince(t.errors, cutoff),
		Denied:    countSince(t.denied, cutoff),
	}
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes, t.errors, t.denied = nil, nil, nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Slices are append-ordered,
// so old entries are always a prefix.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	for _, slice := range []*[]time.Time{&t.successes, &t.errors, &t.denied} {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
}
