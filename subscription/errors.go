package subscription

import "errors"

// Sentinel errors for Model's lifecycle API (spec.md §4.8, §7).
var (
	// ErrSubscriptionNotRunning is returned by Pause when the named
	// subscription is not registered, or is already paused.
	ErrSubscriptionNotRunning = errors.New("subscription: not running")

	// ErrSubscriptionAlreadyExists is returned by Subscribe when a
	// subscription is already registered under the given id.
	ErrSubscriptionAlreadyExists = errors.New("subscription: already exists")

	// ErrModelShutDown is returned by Subscribe once the owning Model has
	// been shut down. Shutdown is terminal: no subscription may be
	// registered afterward.
	ErrModelShutDown = errors.New("subscription: model is shut down")
)
