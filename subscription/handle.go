package subscription

import "context"

// Subscription is the handle Model.Subscribe returns: a caller-facing token
// for waiting on startup and tearing the subscription down, independent of
// the Model's internal bookkeeping.
type Subscription struct {
	id      string
	model   *Model
	managed *managedSubscription

	startedC chan struct{}
}

func newSubscriptionHandle(id string, model *Model, managed *managedSubscription) *Subscription {
	return &Subscription{
		id:       id,
		model:    model,
		managed:  managed,
		startedC: make(chan struct{}),
	}
}

// ID returns the subscription id this handle was created for.
func (s *Subscription) ID() string { return s.id }

// WaitUntilStarted blocks until the subscription has begun consuming events
// — immediately for a non-competing subscription, or until this process
// first wins the lease election for a competing-consumers one — or until
// ctx is done.
func (s *Subscription) WaitUntilStarted(ctx context.Context) error {
	select {
	case <-s.startedC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel permanently stops this subscription via its owning Model,
// releasing any lease it held.
func (s *Subscription) Cancel() error {
	return s.model.Cancel(s.id)
}

// Err returns the error that most recently and permanently stopped this
// subscription's feed — notably changestream.ErrCatchupImpossible when
// WithRestartOnChangeStreamHistoryLost(false) was given and the change
// stream's history aged out. It returns nil while the subscription is
// running normally, or after a clean Cancel/Stop/Shutdown.
func (s *Subscription) Err() error {
	return s.managed.durable.err()
}
