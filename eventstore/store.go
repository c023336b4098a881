// Package eventstore implements occurrent's write and read path over
// MongoDB: a stream-scoped, append-only log of CloudEvents with per-stream
// monotone version numbers, conditional writes, batch-atomic insertion, and
// duplicate detection (spec.md §4.2-§4.4).
//
// The implementation is grounded on eventsync.MongoEventStore (index
// creation in the constructor, zap logging of every mutating operation)
// and nodestorage/v2.StorageImpl's WithTransaction (session handling,
// transaction options), generalized from a single-document optimistic-
// concurrency store to a stream-of-events append log.
package eventstore

import (
	"context"
	"iter"

	"occurrent/condition"
	"occurrent/event"
)

// EventStore is occurrent's write/read/delete surface over a single event
// collection.
type EventStore interface {
	// Write appends events to streamId. If cond is given and does not
	// hold against the stream's current version, the write is rejected
	// with ErrWriteConditionNotFulfilled and the store is left
	// unchanged. Only the first cond is used; any further ones are
	// ignored, and without one the write is unconditional
	// (AnyStreamVersion). An empty events slice is a no-op: no condition
	// check, no version bump (spec.md §4.2).
	Write(ctx context.Context, streamID event.StreamId, events []event.CloudEvent, cond ...condition.WriteCondition) error

	// Read returns the stream's current version and its events in
	// stream order. A nonexistent stream returns version 0 and an empty
	// sequence, never an error (spec.md §4.3).
	Read(ctx context.Context, streamID event.StreamId, opts ...ReadOption) (*EventStream, error)

	// Exists reports whether at least one event exists for streamID.
	Exists(ctx context.Context, streamID event.StreamId) (bool, error)

	// DeleteAllEventsInEventStream removes all events for streamID.
	// Under Transactional, the metadata version is preserved so the next
	// write continues from the prior version (spec.md §4.4).
	DeleteAllEventsInEventStream(ctx context.Context, streamID event.StreamId) error

	// DeleteEventStream removes both the events and (under Transactional)
	// the metadata document for streamID.
	DeleteEventStream(ctx context.Context, streamID event.StreamId) error

	// DeleteEvent removes a single envelope identified by (id, source).
	// It does not alter the stream's metadata version and leaves a
	// permanent gap in streamOrder.
	DeleteEvent(ctx context.Context, id, source string) error

	// Close releases resources held by the store. It does not close the
	// underlying *mongo.Client, which the caller owns.
	Close() error
}

// EventStream carries a stream's version and its events, yielded lazily in
// ascending order (spec.md §4.3).
type EventStream struct {
	StreamID event.StreamId
	Version  int64
	events   []event.CloudEvent
}

// Events returns a lazy iterator over the stream's events in order.
func (s *EventStream) Events() iter.Seq[event.CloudEvent] {
	return func(yield func(event.CloudEvent) bool) {
		for _, e := range s.events {
			if !yield(e) {
				return
			}
		}
	}
}

// Collect materializes the stream's events into a slice.
func (s *EventStream) Collect() []event.CloudEvent {
	out := make([]event.CloudEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ReadOptions configures Read's skip/limit and is built via ReadOption
// functions, mirroring nodestorage/v2's functional EditOption pattern.
type ReadOptions struct {
	Skip  int64
	Limit int64 // 0 means unbounded
}

// ReadOption configures a ReadOptions.
type ReadOption func(*ReadOptions)

// WithSkip skips the first n events of the stream.
func WithSkip(n int64) ReadOption {
	return func(o *ReadOptions) { o.Skip = n }
}

// WithLimit bounds the number of events returned to n.
func WithLimit(n int64) ReadOption {
	return func(o *ReadOptions) { o.Limit = n }
}

func newReadOptions(opts ...ReadOption) *ReadOptions {
	o := &ReadOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
