// Package regen runs bounded generate-and-check loops. A loop ends in one of
// two terminal outcomes: the output passed its check, or attempts ran out and
// the last output is kept but flagged.
package regen

import (
	"context"
	"errors"
)

type Outcome string

const (
	Accepted Outcome = "accepted"
	Flagged  Outcome = "flagged"
)

// Result holds the last produced value and how the loop ended.
type Result[T any] struct {
	Value    T
	Outcome  Outcome
	Attempts int
	Reason   string
}

// Loop is a bounded regeneration state machine. Generate receives the 1-based
// attempt number and the reason the previous attempt was rejected, so later
// attempts can use stronger instructions.
type Loop[T any] struct {
	MaxAttempts int
	Generate    func(ctx context.Context, attempt int, reason string) (T, error)
	Check       func(T) (ok bool, reason string)
}

// Run stops at the first accepted output. Generation errors abort the loop and
// are returned as-is.
func (l Loop[T]) Run(ctx context.Context) (Result[T], error) {
	if l.Generate == nil || l.Check == nil {
		return Result[T]{}, errors.New("regen: generate and check are required")
	}
	limit := l.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	var (
		res    Result[T]
		reason string
	)
	for attempt := 1; attempt <= limit; attempt++ {
		v, err := l.Generate(ctx, attempt, reason)
		if err != nil {
			res.Attempts = attempt
			return res, err
		}
		ok, why := l.Check(v)
		res = Result[T]{Value: v, Attempts: attempt, Reason: why}
		if ok {
			res.Outcome = Accepted
			res.Reason = ""
			return res, nil
		}
		reason = why
	}
	res.Outcome = Flagged
	return res, nil
}
