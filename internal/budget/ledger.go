// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package budget implements the LLM call ledger: two sliding windows of
// call timestamps (per-minute and per-hour) that gate extractor admission.
// The ledger is single-writer (the extractor) but safe for concurrent
// reads from the control surface.
package budget

import (
	"sync"
	"time"
)

// Ledger tracks LLM call timestamps over two sliding windows. A call is
// admitted only when both windows have remaining capacity; no call is ever
// made without admission.
type Ledger struct {
	mu          sync.Mutex
	hourlyLimit int
	rpmLimit    int
	calls       []time.Time // ascending; pruned past the hourly window
	now         func() time.Time
}

// NewLedger creates a Ledger with the given hourly and per-minute limits.
func NewLedger(hourlyLimit, rpmLimit int) *Ledger {
	return &Ledger{
		hourlyLimit: hourlyLimit,
		rpmLimit:    rpmLimit,
		now:         time.Now,
	}
}

// Admit records one call if both windows have capacity and returns
// (true, 0). Otherwise it returns (false, wait) where wait is the duration
// until the earliest window frees a slot.
func (l *Ledger) Admit() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	hourUsed := len(l.calls)
	minuteUsed := l.countSince(now.Add(-time.Minute))

	if hourUsed < l.hourlyLimit && minuteUsed < l.rpmLimit {
		l.calls = append(l.calls, now)
		return true, 0
	}

	var wait time.Duration
	if minuteUsed >= l.rpmLimit {
		// Oldest call inside the minute window frees a slot when it ages out.
		idx := len(l.calls) - minuteUsed
		wait = l.calls[idx].Add(time.Minute).Sub(now)
	}
	if hourUsed >= l.hourlyLimit {
		hourWait := l.calls[0].Add(time.Hour).Sub(now)
		if hourWait > wait {
			wait = hourWait
		}
	}
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

// Usage returns the calls consumed in the current minute and hour windows.
func (l *Ledger) Usage() (minute, hour int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	return l.countSince(now.Add(-time.Minute)), len(l.calls)
}

// prune drops timestamps older than the hourly window (must hold mu).
func (l *Ledger) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// countSince counts calls at or after t (must hold mu; calls ascending).
func (l *Ledger) countSince(t time.Time) int {
	n := 0
	for i := len(l.calls) - 1; i >= 0; i-- {
		if l.calls[i].Before(t) {
			break
		}
		n++
	}
	return n
}
