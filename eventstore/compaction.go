package eventstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"occurrent/event"
	"occurrent/internal/occlog"
)

// CompactionOptions controls which streams CompactAll considers eligible for
// removal. Grounded on eventsync.CompactionOptions, trimmed to the fields
// that make sense once compaction means "delete the whole stream" rather
// than "prune individual events ahead of a snapshot" (occurrent has no
// snapshot/schema-migration layer; spec.md Non-goals).
type CompactionOptions struct {
	// MaxAge is how long a stream may go without a new event before it is
	// considered eligible for compaction.
	MaxAge time.Duration

	// BatchSize bounds how many eligible streams CompactAll processes in a
	// single run.
	BatchSize int64
}

// DefaultCompactionOptions returns conservative defaults: compact streams
// untouched for a week, at most 1000 per run.
func DefaultCompactionOptions() *CompactionOptions {
	return &CompactionOptions{
		MaxAge:    7 * 24 * time.Hour,
		BatchSize: 1000,
	}
}

// CompactionReport summarizes one CompactAll run.
type CompactionReport struct {
	StreamsCompacted int64
	StreamsFailed    int64
}

// Compactor periodically deletes streams that have gone untouched for
// longer than MaxAge. It is a scheduled caller of EventStore's existing
// delete primitives, not a new storage concern — occurrent never snapshots
// or migrates event schemas (spec.md Non-goals). Grounded on
// eventsync.MongoEventCompactor's ScheduleCompaction/StopCompaction ticker
// and CompactAllEvents' aggregate-then-delete shape.
type Compactor struct {
	store   *MongoEventStore
	options *CompactionOptions
	stopCh  chan struct{}
}

// NewCompactor builds a Compactor over store.
func NewCompactor(store *MongoEventStore, opts *CompactionOptions) *Compactor {
	if opts == nil {
		opts = DefaultCompactionOptions()
	}
	return &Compactor{store: store, options: opts, stopCh: make(chan struct{})}
}

type streamMaxTime struct {
	StreamID string    `bson:"_id"`
	MaxTime  time.Time `bson:"maxTime"`
}

// CompactAll deletes every stream whose most recent event is older than
// MaxAge, up to BatchSize streams.
func (c *Compactor) CompactAll(ctx context.Context) (*CompactionReport, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$streamId"},
			{Key: "maxTime", Value: bson.D{{Key: "$max", Value: "$time"}}},
		}}},
		{{Key: "$match", Value: bson.D{
			{Key: "maxTime", Value: bson.D{{Key: "$lt", Value: time.Now().Add(-c.options.MaxAge)}}},
		}}},
		{{Key: "$limit", Value: c.options.BatchSize}},
	}

	cursor, err := c.store.Collection().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stale streams: %w", err)
	}
	defer cursor.Close(ctx)

	report := &CompactionReport{}
	for cursor.Next(ctx) {
		var row streamMaxTime
		if err := cursor.Decode(&row); err != nil {
			occlog.Warn("failed to decode stale-stream row", zap.Error(err))
			report.StreamsFailed++
			continue
		}
		if err := c.store.DeleteEventStream(ctx, event.StreamId(row.StreamID)); err != nil {
			occlog.Warn("failed to compact stream", zap.String("streamId", row.StreamID), zap.Error(err))
			report.StreamsFailed++
			continue
		}
		report.StreamsCompacted++
	}
	if err := cursor.Err(); err != nil {
		return report, fmt.Errorf("cursor error during compaction: %w", err)
	}

	return report, nil
}

// ScheduleCompaction runs CompactAll on a ticker until StopCompaction is
// called.
func (c *Compactor) ScheduleCompaction(interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval/2)
				report, err := c.CompactAll(ctx)
				cancel()
				if err != nil {
					occlog.Error("scheduled compaction failed", zap.Error(err))
					continue
				}
				occlog.Info("scheduled compaction completed",
					zap.Int64("streamsCompacted", report.StreamsCompacted),
					zap.Int64("streamsFailed", report.StreamsFailed))
			case <-c.stopCh:
				return
			}
		}
	}()
}

// StopCompaction stops the ticker started by ScheduleCompaction.
func (c *Compactor) StopCompaction() {
	close(c.stopCh)
}
