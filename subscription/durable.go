package subscription

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"occurrent/changestream"
	"occurrent/event"
	"occurrent/internal/occlog"
	"occurrent/retry"
)

// Handler processes one observed event. Returning an error causes the
// subscription's retry strategy to run; a nil return is what advances the
// persisted position past this event.
type Handler func(ctx context.Context, e event.CloudEvent) error

// durableSubscription wraps a changestream.Feed over a single subscription:
// it invokes Handler per event, retrying failures per its Strategy, and
// persists position strictly after a successful handler return — so a
// restart replays at most the last unacknowledged event, never skips one
// (spec.md §4.6/§4.7). Grounded on eventsync.StorageListener's
// ctx/cancel/wg shutdown shape, generalized from one watch channel to one
// feed per named subscription.
type durableSubscription struct {
	id                               string
	collection                       *mongo.Collection
	positions                        PositionStorage
	handler                          Handler
	strategy                         retry.Strategy
	startAt                          changestream.StartAt
	restartOnChangeStreamHistoryLost bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	paused  bool
	resumeC chan struct{}
	lastErr error
}

func newDurableSubscription(id string, collection *mongo.Collection, positions PositionStorage, handler Handler, strategy retry.Strategy, startAt changestream.StartAt, restartOnChangeStreamHistoryLost bool) *durableSubscription {
	return &durableSubscription{
		id:                               id,
		collection:                       collection,
		positions:                        positions,
		handler:                          handler,
		strategy:                         strategy,
		startAt:                          startAt,
		restartOnChangeStreamHistoryLost: restartOnChangeStreamHistoryLost,
	}
}

// start begins consuming the feed in a background goroutine. It resolves
// the subscription's start position as: the last persisted position if one
// exists, else whatever startAt resolves to (typically Now).
func (d *durableSubscription) start(parent context.Context) error {
	d.ctx, d.cancel = context.WithCancel(parent)
	d.resumeC = make(chan struct{})

	resolvedStart := d.startAt
	if saved, ok, err := d.positions.Read(d.ctx, d.id); err != nil {
		return fmt.Errorf("failed to read persisted position for subscription %q: %w", d.id, err)
	} else if ok {
		resolvedStart = changestream.StartAtPosition(saved)
	}

	feed, err := changestream.Open(d.ctx, d.collection, resolvedStart)
	if err != nil {
		return fmt.Errorf("failed to open change stream feed for subscription %q: %w", d.id, err)
	}

	d.wg.Add(1)
	go d.run(feed)
	return nil
}

func (d *durableSubscription) run(feed *changestream.Feed) {
	defer d.wg.Done()
	defer feed.Close(context.Background())

	for feed.Next(d.ctx) {
		d.waitWhilePaused()

		positioned := feed.Event()
		err := retry.Do(func() error {
			return d.handler(d.ctx, positioned.Event)
		}, d.strategy, d.ctx.Done())

		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			occlog.Error("subscription handler failed permanently, stopping without advancing position",
				zap.String("subscriptionId", d.id), zap.Error(err))
			d.setLastErr(err)
			return
		}

		if err := d.positions.Save(context.Background(), d.id, positioned.Position); err != nil {
			occlog.Error("failed to persist subscription position",
				zap.String("subscriptionId", d.id), zap.Error(err))
		}
	}

	if err := feed.Err(); err != nil {
		if changestream.IsCatchupImpossible(err) {
			if d.restartOnChangeStreamHistoryLost {
				occlog.Warn("catch-up impossible, restarting subscription from now",
					zap.String("subscriptionId", d.id))
				d.restartFromNow()
				return
			}
			occlog.Error("catch-up impossible, restartOnChangeStreamHistoryLost is disabled: stopping",
				zap.String("subscriptionId", d.id))
			d.setLastErr(err)
			return
		}
		occlog.Error("subscription feed ended with error",
			zap.String("subscriptionId", d.id), zap.Error(err))
		d.setLastErr(err)
	}
}

func (d *durableSubscription) setLastErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErr = err
}

// err returns the error that most recently stopped this subscription's
// feed, or nil if it is running normally or was stopped via Cancel/Stop.
func (d *durableSubscription) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *durableSubscription) restartFromNow() {
	feed, err := changestream.Open(d.ctx, d.collection, changestream.StartAtNow())
	if err != nil {
		occlog.Error("failed to reopen feed after catch-up loss",
			zap.String("subscriptionId", d.id), zap.Error(err))
		return
	}
	d.wg.Add(1)
	go d.run(feed)
}

func (d *durableSubscription) waitWhilePaused() {
	d.mu.Lock()
	paused := d.paused
	resumeC := d.resumeC
	d.mu.Unlock()

	if !paused {
		return
	}
	select {
	case <-resumeC:
	case <-d.ctx.Done():
	}
}

// pause marks the subscription paused and reports whether it actually
// transitioned (false if it was already paused).
func (d *durableSubscription) pause() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return false
	}
	d.paused = true
	return true
}

func (d *durableSubscription) resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return
	}
	d.paused = false
	close(d.resumeC)
	d.resumeC = make(chan struct{})
}

func (d *durableSubscription) stop() {
	d.cancel()
	d.wg.Wait()
}
