package retry

import (
	"errors"
	"testing"
	"time"
)

func TestNoneStrategy(t *testing.T) {
	var s None
	_, retry := s.Next(1, errors.New("boom"))
	if retry {
		t.Error("None should never retry")
	}
}

func TestFixedStrategy(t *testing.T) {
	s := Fixed{Delay: 50 * time.Millisecond}
	d, retry := s.Next(1, errors.New("boom"))
	if !retry {
		t.Fatal("Fixed should always retry")
	}
	if d != 50*time.Millisecond {
		t.Errorf("Next() delay = %v, want 50ms", d)
	}
}

func TestExponentialBacksOffAndCaps(t *testing.T) {
	s := Exponential{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2}

	d1, ok := s.Next(1, errors.New("x"))
	if !ok || d1 < 10*time.Millisecond {
		t.Fatalf("attempt 1: got %v, ok=%v", d1, ok)
	}

	d5, ok := s.Next(5, errors.New("x"))
	if !ok {
		t.Fatal("expected retry")
	}
	if d5 > 100*time.Millisecond {
		t.Errorf("Next() did not cap at Max: got %v", d5)
	}
}

func TestExponentialPredicateStopsRetry(t *testing.T) {
	sentinel := errors.New("fatal")
	s := Exponential{
		Initial: 10 * time.Millisecond,
		Max:     time.Second,
		Predicate: func(err error) bool {
			return !errors.Is(err, sentinel)
		},
	}

	if _, ok := s.Next(1, sentinel); ok {
		t.Error("expected predicate to stop retry for sentinel error")
	}
	if _, ok := s.Next(1, errors.New("transient")); !ok {
		t.Error("expected retry for non-sentinel error")
	}
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		return nil
	}, Fixed{Delay: time.Millisecond}, nil)

	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, Fixed{Delay: time.Millisecond}, nil)

	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnStopChannel(t *testing.T) {
	stop := make(chan struct{})
	close(stop)

	calls := 0
	err := Do(func() error {
		calls++
		return errors.New("always fails")
	}, Fixed{Delay: time.Hour}, stop)

	if err == nil {
		t.Fatal("expected Do to return an error when stopped")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call before stop short-circuits the wait, got %d", calls)
	}
}

func TestDoReturnsLastErrorWhenStrategyGivesUp(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		return errors.New("nope")
	}, None{}, nil)

	if err == nil {
		t.Fatal("expected error when None strategy never retries")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}
