// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package extractor

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Failure taxonomy for the LLM gateway. Only ProviderUnavailable and
// Timeout retry automatically; SchemaInvalid gets one repair attempt;
// BudgetExhausted is a deferral, not a failure.
var (
	ErrProviderUnavailable = errors.New("llm provider unavailable")
	ErrSchemaInvalid       = errors.New("llm response does not match schema")
	ErrTimeout             = errors.New("llm call timed out")
)

// BudgetExhaustedError defers a batch until the earliest budget window
// frees capacity.
type BudgetExhaustedError struct {
	RetryAfter time.Duration
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("llm budget exhausted, retry after %s", e.RetryAfter)
}

// IsBudgetExhausted reports whether err is a budget deferral and returns
// the wait hint.
func IsBudgetExhausted(err error) (time.Duration, bool) {
	var be *BudgetExhaustedError
	if errors.As(err, &be) {
		return be.RetryAfter, true
	}
	return 0, false
}

// Backoff computes the release delay for a failed batch: exponential from
// base 30s, capped at 30m, with +-20% jitter.
func Backoff(attempt int) time.Duration {
	const (
		base = 30 * time.Second
		cap  = 30 * time.Minute
	)
	// Attempt 1 waits the base; each further attempt doubles.
	d := base
	for i := 1; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) //nolint:gosec // scheduling jitter
	return time.Duration(float64(d) * jitter)
}
