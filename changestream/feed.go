package changestream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"occurrent/event"
	"occurrent/internal/occlog"
)

// PositionAwareCloudEvent pairs an observed event with the position it was
// observed at, so a subscriber can persist progress after processing it.
type PositionAwareCloudEvent struct {
	Event    event.CloudEvent
	Position SubscriptionPosition
}

// ErrCatchupImpossible is returned by Next when the server reports the
// requested resume point has fallen out of its oplog/change-stream history
// (MongoDB error code 286, "ChangeStreamHistoryLost"). The caller must
// restart the feed at StartAtNow and accept a gap.
var ErrCatchupImpossible = errors.New("changestream: catch-up from the requested position is no longer possible")

// IsCatchupImpossible reports whether err is or wraps ErrCatchupImpossible.
func IsCatchupImpossible(err error) bool {
	return errors.Is(err, ErrCatchupImpossible)
}

// Feed wraps a *mongo.ChangeStream over an event collection, decoding raw
// change events into PositionAwareCloudEvents. Grounded on
// nodestorage/v2.StorageImpl.Watch's pipeline setup and raw-event decode,
// generalized from a typed full-document broadcast to a CloudEvent feed
// that also tracks resumable position.
type Feed struct {
	stream  *mongo.ChangeStream
	current PositionAwareCloudEvent
	err     error
}

// eventDocForDecode mirrors eventstore's persisted event shape; duplicated
// here (rather than imported) to keep changestream free of a dependency on
// eventstore, matching the teacher's pattern of each storage-adjacent
// package owning its own wire shape.
type eventDocForDecode struct {
	StreamID        string         `bson:"streamId"`
	StreamOrder     int64          `bson:"streamOrder"`
	EventID         string         `bson:"eventId"`
	Source          string         `bson:"source"`
	Type            string         `bson:"type"`
	Time            any            `bson:"time"`
	Subject         *string        `bson:"subject,omitempty"`
	DataContentType *string        `bson:"dataContentType,omitempty"`
	DataSchema      *string        `bson:"dataSchema,omitempty"`
	Data            []byte         `bson:"data"`
	Extensions      map[string]any `bson:"extensions,omitempty"`
}

// Open starts a change stream over coll, matching only insert operations
// (occurrent's event collections are append-only), positioned per start.
func Open(ctx context.Context, coll *mongo.Collection, start StartAt) (*Feed, error) {
	position, err := start.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve start position: %w", err)
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: "insert"}}}},
	}

	csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	switch {
	case position.IsResumeToken():
		csOpts.SetResumeAfter(position.ResumeToken())
	case position.IsOperationTime():
		ts := position.OperationTime()
		csOpts.SetStartAtOperationTime(&ts)
	case start.IsNow():
		// leave unset: the driver defaults a fresh change stream to "now"
	}

	stream, err := coll.Watch(ctx, pipeline, csOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	return &Feed{stream: stream}, nil
}

// Next advances the feed, blocking until an event is available, ctx is
// canceled, or an unrecoverable error occurs. It returns false when there is
// nothing more to yield; callers must then check Err.
func (f *Feed) Next(ctx context.Context) bool {
	if !f.stream.Next(ctx) {
		if err := f.stream.Err(); err != nil {
			f.err = classifyChangeStreamErr(err)
		}
		return false
	}

	var raw bson.M
	if err := f.stream.Decode(&raw); err != nil {
		occlog.Warn("failed to decode change stream event", zap.Error(err))
		return f.Next(ctx)
	}

	var doc eventDocForDecode
	if fullDoc, ok := raw["fullDocument"].(bson.M); ok {
		data, err := bson.Marshal(fullDoc)
		if err != nil {
			occlog.Warn("failed to re-marshal fullDocument", zap.Error(err))
			return f.Next(ctx)
		}
		if err := bson.Unmarshal(data, &doc); err != nil {
			occlog.Warn("failed to decode event document", zap.Error(err))
			return f.Next(ctx)
		}
	}

	cloudEvent, err := toCloudEvent(doc)
	if err != nil {
		occlog.Warn("failed to translate event document", zap.Error(err))
		return f.Next(ctx)
	}

	f.current = PositionAwareCloudEvent{
		Event:    cloudEvent,
		Position: ResumeTokenPosition(f.stream.ResumeToken()),
	}
	return true
}

// Event returns the event produced by the most recent successful Next call.
func (f *Feed) Event() PositionAwareCloudEvent { return f.current }

// Err returns the error, if any, that ended iteration. A nil error after
// Next returns false means the feed's context was canceled, not a failure.
func (f *Feed) Err() error { return f.err }

// Close releases the underlying change stream cursor.
func (f *Feed) Close(ctx context.Context) error {
	return f.stream.Close(ctx)
}

func classifyChangeStreamErr(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 286 {
		return ErrCatchupImpossible
	}
	return err
}

func toCloudEvent(d eventDocForDecode) (event.CloudEvent, error) {
	u, err := event.ParseSourceURL(d.Source)
	if err != nil {
		return event.CloudEvent{}, fmt.Errorf("failed to parse event source: %w", err)
	}

	ce := event.CloudEvent{
		ID:              d.EventID,
		Source:          u,
		Type:            d.Type,
		Subject:         d.Subject,
		DataContentType: d.DataContentType,
		DataSchema:      d.DataSchema,
		Data:            d.Data,
		Extensions:      d.Extensions,
	}

	switch v := d.Time.(type) {
	case primitive.DateTime:
		ce.Time = v.Time()
	case time.Time:
		ce.Time = v
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return event.CloudEvent{}, fmt.Errorf("failed to parse event time %q: %w", v, err)
		}
		ce.Time = parsed
	}

	return ce, nil
}
