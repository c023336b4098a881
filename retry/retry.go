// Package retry provides the backoff strategies occurrent's durable
// subscription model wraps handler invocations in. It generalizes
// nodestorage/v2's retry-related EditOptions fields (MaxRetries,
// RetryDelay, MaxRetryDelay, RetryJitter) from "retry a conditional write"
// to "retry an arbitrary fallible call".
package retry

import (
	"math/rand"
	"time"
)

// Strategy decides, after a failed attempt, whether to retry and if so
// after how long. attempt is 1 on the first retry decision (i.e. after the
// first failure).
type Strategy interface {
	Next(attempt int, err error) (delay time.Duration, retry bool)
}

// None never retries; the first failure propagates immediately.
type None struct{}

// Next implements Strategy.
func (None) Next(int, error) (time.Duration, bool) { return 0, false }

// Fixed retries indefinitely with a constant delay between attempts.
type Fixed struct {
	Delay time.Duration
}

// Next implements Strategy.
func (f Fixed) Next(int, error) (time.Duration, bool) { return f.Delay, true }

// Exponential retries with an exponentially increasing delay, capped at
// Max, optionally jittered, and optionally filtered by Predicate (a nil
// Predicate retries on every error).
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	Predicate  func(error) bool
}

// Next implements Strategy.
func (e Exponential) Next(attempt int, err error) (time.Duration, bool) {
	if e.Predicate != nil && !e.Predicate(err) {
		return 0, false
	}

	multiplier := e.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	delay := float64(e.Initial)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if e.Max > 0 && delay > float64(e.Max) {
			delay = float64(e.Max)
			break
		}
	}

	if e.Jitter > 0 {
		delay += delay * e.Jitter * rand.Float64()
	}

	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}

	return time.Duration(delay), true
}

// Do runs fn, retrying per strategy until it succeeds, the strategy gives
// up, or stop is closed. stop models cooperative shutdown: the spec
// requires that a shut-down model stops retrying without forcing an
// in-flight call to abort (spec.md §5).
func Do(fn func() error, strategy Strategy, stop <-chan struct{}) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}

		attempt++
		delay, ok := strategy.Next(attempt, err)
		if !ok {
			return err
		}

		select {
		case <-stop:
			return err
		case <-time.After(delay):
		}
	}
}
