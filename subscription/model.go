package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"occurrent/changestream"
	"occurrent/internal/occlog"
	"occurrent/retry"
)

// LeadershipListener is notified whenever a competing-consumers
// subscription gains or loses leadership. Registered per-subscription via
// SubscribeOption, it is occurrent's observer hook — modeled, like the rest
// of the package, as a plain registered function reference rather than an
// interface (spec.md §9).
type LeadershipListener func(subscriptionID string, isLeader bool)

// SubscribeOptions configures a single call to Model.Subscribe.
type SubscribeOptions struct {
	StartAt                          changestream.StartAt
	Strategy                         retry.Strategy
	CompetingConsumers               bool
	LeaseTTL                         time.Duration
	OnLeadershipChange               LeadershipListener
	RestartOnChangeStreamHistoryLost bool
}

// SubscribeOption configures SubscribeOptions.
type SubscribeOption func(*SubscribeOptions)

// WithStartAt overrides where the subscription begins when it has no
// persisted position yet. Defaults to StartAtNow.
func WithStartAt(s changestream.StartAt) SubscribeOption {
	return func(o *SubscribeOptions) { o.StartAt = s }
}

// WithRetryStrategy sets the retry strategy wrapping handler invocations.
// Defaults to retry.Exponential with a 30s cap.
func WithRetryStrategy(s retry.Strategy) SubscribeOption {
	return func(o *SubscribeOptions) { o.Strategy = s }
}

// WithCompetingConsumers enables lease-based leader election: among every
// process calling Subscribe with the same subscription id, only the
// current lease holder actually runs the handler (spec.md §5, "competing
// consumers").
func WithCompetingConsumers(leaseTTL time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.CompetingConsumers = true
		o.LeaseTTL = leaseTTL
	}
}

// WithLeadershipListener registers a callback invoked whenever this
// process's leadership status for the subscription changes. Only
// meaningful alongside WithCompetingConsumers.
func WithLeadershipListener(l LeadershipListener) SubscribeOption {
	return func(o *SubscribeOptions) { o.OnLeadershipChange = l }
}

// WithRestartOnChangeStreamHistoryLost controls what happens when the
// underlying change stream reports that its resume point has aged out of
// the oplog (changestream.ErrCatchupImpossible): true (the default)
// restarts the subscription from Now, silently skipping whatever was
// missed; false surfaces the error instead, leaving the subscription
// stopped so the caller can decide how to recover (spec.md §6, §7).
func WithRestartOnChangeStreamHistoryLost(restart bool) SubscribeOption {
	return func(o *SubscribeOptions) { o.RestartOnChangeStreamHistoryLost = restart }
}

func newSubscribeOptions(opts ...SubscribeOption) *SubscribeOptions {
	o := &SubscribeOptions{
		StartAt:                          changestream.StartAtNow(),
		Strategy:                         retry.Exponential{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2},
		LeaseTTL:                         15 * time.Second,
		RestartOnChangeStreamHistoryLost: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// managedSubscription is everything the Model tracks about one active
// subscription id: its durable consumer, and, under competing consumers,
// the election goroutine contending for its lease.
type managedSubscription struct {
	durable *durableSubscription
	election *leaseElection // nil unless competing consumers is enabled

	mu      sync.Mutex
	started bool
}

// Model is occurrent's subscription lifecycle manager: it owns every named
// subscription a process has registered and exposes the control surface
// spec.md §4.8 describes (Start/Stop/Pause/Resume/Cancel/Shutdown),
// generalized from eventsync.StorageListener's single ctx/cancel/wg
// shutdown shape to many independently controllable subscriptions guarded
// by one mutex, mirroring spec.md §5's "Shared-resource policy".
type Model struct {
	collection      *mongo.Collection
	positions       PositionStorage
	leaseCollection *mongo.Collection
	holderID        string

	mu       sync.Mutex
	subs     map[string]*managedSubscription
	started  bool
	shutdown bool
}

// NewModel builds a Model reading and writing events from collection,
// persisting subscription positions via positions, and — if
// leaseCollection is non-nil — electing leaders for competing-consumers
// subscriptions in leaseCollection. holderID must be unique per process
// (e.g. hostname plus pid) for leader election to behave correctly.
func NewModel(collection *mongo.Collection, positions PositionStorage, leaseCollection *mongo.Collection, holderID string) *Model {
	return &Model{
		collection:      collection,
		positions:       positions,
		leaseCollection: leaseCollection,
		holderID:        holderID,
		subs:            make(map[string]*managedSubscription),
	}
}

// Start marks the model as started. It is idempotent: calling Start on an
// already-running model is a no-op (spec.md §4.8). Start after Shutdown
// fails with ErrModelShutDown, since shutdown is terminal. Subscribe does
// not check this flag: subscriptions can be registered whether or not the
// model is started.
func (m *Model) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return ErrModelShutDown
	}
	m.started = true
	return nil
}

// Stop cancels every currently-registered subscription without marking the
// model terminally shut down; subscriptions stopped here must be
// re-subscribed individually. A Stop on a model that is not started (never
// started, or already stopped) does nothing, even when subscriptions are
// registered.
func (m *Model) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Cancel(id); err != nil {
			occlog.Warn("error cancelling subscription during stop", zap.String("subscriptionId", id), zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a subscription and starts consuming immediately
// (unless competing consumers is enabled and this process does not win the
// initial election). It returns a Subscription handle the caller uses to
// wait for startup or tear the subscription down.
func (m *Model) Subscribe(ctx context.Context, id string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	o := newSubscribeOptions(opts...)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrModelShutDown
	}
	if _, exists := m.subs[id]; exists {
		m.mu.Unlock()
		return nil, ErrSubscriptionAlreadyExists
	}

	durable := newDurableSubscription(id, m.collection, m.positions, handler, o.Strategy, o.StartAt, o.RestartOnChangeStreamHistoryLost)
	managed := &managedSubscription{durable: durable}
	m.subs[id] = managed
	m.mu.Unlock()

	handle := newSubscriptionHandle(id, m, managed)

	if o.CompetingConsumers {
		if m.leaseCollection == nil {
			return nil, fmt.Errorf("subscription %q requested competing consumers but Model has no lease collection configured", id)
		}
		election := newLeaseElection(newLeaseCoordinator(m.leaseCollection, m.holderID, o.LeaseTTL), id, o.LeaseTTL,
			func(isLeader bool) { m.onLeadershipChange(managed, id, isLeader, o.OnLeadershipChange) })
		managed.election = election
		election.start(ctx)
		handle.startedC = election.becameLeaderC
		return handle, nil
	}

	if err := managed.startDurable(ctx); err != nil {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		return nil, err
	}
	close(handle.startedC)
	return handle, nil
}

func (m *Model) onLeadershipChange(managed *managedSubscription, id string, isLeader bool, listener LeadershipListener) {
	managed.mu.Lock()
	defer managed.mu.Unlock()

	if isLeader && !managed.started {
		if err := managed.durable.start(context.Background()); err != nil {
			occlog.Error("failed to start subscription after winning leadership",
				zap.String("subscriptionId", id), zap.Error(err))
		} else {
			managed.started = true
		}
	} else if !isLeader && managed.started {
		managed.durable.stop()
		managed.started = false
	}

	if listener != nil {
		listener(id, isLeader)
	}
}

func (m *managedSubscription) startDurable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.durable.start(ctx); err != nil {
		return err
	}
	m.started = true
	return nil
}

// Pause suspends handler invocation for id without losing its place: the
// underlying feed keeps running but events queue behind the pause until
// Resume is called. Fails with ErrSubscriptionNotRunning when id is
// unknown or already paused (spec.md §4.8).
func (m *Model) Pause(id string) error {
	managed, err := m.get(id)
	if err != nil {
		return ErrSubscriptionNotRunning
	}
	if !managed.durable.pause() {
		return ErrSubscriptionNotRunning
	}
	return nil
}

// Resume reverses a prior Pause. Fails with ErrSubscriptionNotRunning when
// id is unknown.
func (m *Model) Resume(id string) error {
	managed, err := m.get(id)
	if err != nil {
		return ErrSubscriptionNotRunning
	}
	managed.durable.resume()
	return nil
}

// Cancel permanently stops and forgets the subscription, releasing any
// lease it held. Cancelling an id that is not registered is a no-op
// (spec.md §4.8).
func (m *Model) Cancel(id string) error {
	m.mu.Lock()
	managed, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if managed.election != nil {
		managed.election.stop()
	}
	managed.mu.Lock()
	if managed.started {
		managed.durable.stop()
		managed.started = false
	}
	managed.mu.Unlock()
	return nil
}

// Shutdown cancels every registered subscription and terminally shuts the
// model down: every subsequent Subscribe (and Start) call fails with
// ErrModelShutDown. Like Cancel, it returns only once each cancelled
// subscription's goroutines have exited; ctx is not consulted.
func (m *Model) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.started = false
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Cancel(id); err != nil {
			occlog.Warn("error cancelling subscription during shutdown", zap.String("subscriptionId", id), zap.Error(err))
		}
	}
	return nil
}

func (m *Model) get(id string) (*managedSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	managed, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %q is not registered", id)
	}
	return managed, nil
}
