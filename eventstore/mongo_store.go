package eventstore

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

	"occurrent/condition"
	"occurrent/event"
	"occurrent/internal/occlog"
)

// eventDoc is the on-disk shape of a single event envelope, with an
// explicit camelCase bson tag per field.
type eventDoc struct {
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

// metadataDoc tracks a stream's current version under the Transactional
// guarantee, the way StorageImpl tracks a document's version field.
type metadataDoc struct {
	StreamID string `bson:"_id"`
	Version  int64  `bson:"version"`
}

// MongoEventStore is the MongoDB-backed EventStore.
type MongoEventStore struct {
	events   *mongo.Collection
	metadata *mongo.Collection
	client   *mongo.Client
	opts     *Options
	closed   bool
}

// NewMongoEventStore creates the event collection's indexes (and, under the
// Transactional guarantee, looks up the metadata collection by name; no
// index is created on it) and returns a ready store. Grounded on eventsync.NewMongoEventStore's constructor-time index
// creation.
func NewMongoEventStore(ctx context.Context, client *mongo.Client, database, collection string, opts ...Option) (*MongoEventStore, error) {
	o := newOptions(opts...)

	coll := client.Database(database).Collection(collection)

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "eventId", Value: 1}, {Key: "source", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "streamId", Value: 1}, {Key: "streamOrder", Value: 1}},
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, fmt.Errorf("failed to create event indexes: %w", err)
	}

	store := &MongoEventStore{
		events: coll,
		client: client,
		opts:   o,
	}

	if o.Guarantee.IsTransactional() {
		meta := client.Database(database).Collection(o.Guarantee.MetadataCollection())
		store.metadata = meta
	}

	return store, nil
}

func (s *MongoEventStore) toDoc(streamID event.StreamId, order int64, e event.CloudEvent) eventDoc {
	var t any
	switch s.opts.TimeRepresentation {
	case RFC3339String:
		t = e.Time.Format(time.RFC3339Nano)
	default:
		t = e.Time
	}
	return eventDoc{
		StreamID:        string(streamID),
		StreamOrder:     order,
		EventID:         e.ID,
		Source:          e.Source.String(),
		Type:            e.Type,
		Time:            t,
		Subject:         e.Subject,
		DataContentType: e.DataContentType,
		DataSchema:      e.DataSchema,
		Data:            e.Data,
		Extensions:      e.Extensions,
	}
}

func (s *MongoEventStore) fromDoc(d eventDoc) (event.CloudEvent, error) {
	u, err := event.ParseSourceURL(d.Source)
	if err != nil {
		return event.CloudEvent{}, err
	}

	var t time.Time
	switch v := d.Time.(type) {
	case time.Time:
		t = v
	case primitive.DateTime:
		t = v.Time()
	case string:
		t, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return event.CloudEvent{}, fmt.Errorf("failed to parse event time %q: %w", v, err)
		}
	}

	return event.CloudEvent{
		ID:              d.EventID,
		Source:          u,
		Type:            d.Type,
		Time:            t,
		Subject:         d.Subject,
		DataContentType: d.DataContentType,
		DataSchema:      d.DataSchema,
		Data:            d.Data,
		Extensions:      d.Extensions,
	}, nil
}

// Write implements EventStore.
func (s *MongoEventStore) Write(ctx context.Context, streamID event.StreamId, events []event.CloudEvent, cond ...condition.WriteCondition) error {
	if s.closed {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	wc := condition.AnyStreamVersion()
	if len(cond) > 0 {
		wc = cond[0]
	}
	if !wc.IsAny() && !s.opts.Guarantee.IsTransactional() {
		return ErrWriteConditionNotSupported
	}

	if s.opts.Guarantee.IsTransactional() {
		return s.writeTransactional(ctx, streamID, events, wc)
	}
	return s.writeNone(ctx, streamID, events, wc)
}

func (s *MongoEventStore) writeTransactional(ctx context.Context, streamID event.StreamId, events []event.CloudEvent, wc condition.WriteCondition) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadPreference(s.opts.ReadPreference).
		SetReadConcern(s.opts.ReadConcern).
		SetWriteConcern(s.opts.WriteConcern)

	timeoutCtx, cancel := context.WithTimeout(ctx, s.opts.TransactionTimeout)
	defer cancel()

	_, err = session.WithTransaction(timeoutCtx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		var meta metadataDoc
		err := s.metadata.FindOne(sessCtx, bson.M{"_id": string(streamID)}).Decode(&meta)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			meta = metadataDoc{StreamID: string(streamID), Version: 0}
		case err != nil:
			return nil, fmt.Errorf("failed to read stream metadata: %w", err)
		}

		if !wc.Evaluate(meta.Version) {
			return nil, &ErrWriteConditionNotFulfilled{Rendering: wc.Render(), Actual: meta.Version}
		}

		docs := make([]interface{}, len(events))
		for i, e := range events {
			docs[i] = s.toDoc(streamID, meta.Version+int64(i)+1, e)
		}
		if _, err := s.events.InsertMany(sessCtx, docs); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, &ErrDuplicateCloudEvent{Cause: err}
			}
			return nil, fmt.Errorf("failed to insert events: %w", err)
		}

		newVersion := meta.Version + int64(len(events))
		_, err = s.metadata.UpdateOne(sessCtx,
			bson.M{"_id": string(streamID)},
			bson.M{"$set": bson.M{"version": newVersion}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update stream metadata: %w", err)
		}

		return nil, nil
	}, txnOpts)
	if err != nil {
		return err
	}

	if s.opts.VersionCache != nil {
		_ = s.opts.VersionCache.Delete(ctx, string(streamID))
	}

	occlog.Debug("events written", zap.String("streamId", string(streamID)), zap.Int("count", len(events)))
	return nil
}

// writeNone implements the None consistency guarantee: the current version
// is the highest streamOrder present for the stream (versionNone), not a
// count of its events, and new events get the streamOrder values after it.
// A batch is not isolated — a duplicate-key error partway through leaves
// the prior events in the batch persisted (spec.md §4.2 rule 3b). Only
// AnyStreamVersion is accepted, enforced in Write.
func (s *MongoEventStore) writeNone(ctx context.Context, streamID event.StreamId, events []event.CloudEvent, wc condition.WriteCondition) error {
	currentVersion, err := s.versionNone(ctx, streamID)
	if err != nil {
		return err
	}

	for i, e := range events {
		doc := s.toDoc(streamID, currentVersion+int64(i)+1, e)
		if _, err := s.events.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return &ErrDuplicateCloudEvent{Cause: err}
			}
			return fmt.Errorf("failed to insert event %d of %d: %w", i+1, len(events), err)
		}
	}

	if s.opts.VersionCache != nil {
		_ = s.opts.VersionCache.Delete(ctx, string(streamID))
	}

	occlog.Debug("events written", zap.String("streamId", string(streamID)), zap.Int("count", len(events)))
	return nil
}

func (s *MongoEventStore) versionNone(ctx context.Context, streamID event.StreamId) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "streamOrder", Value: -1}})
	var doc eventDoc
	err := s.events.FindOne(ctx, bson.M{"streamId": string(streamID)}, opts).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("failed to read stream version: %w", err)
	}
	return doc.StreamOrder, nil
}

func (s *MongoEventStore) version(ctx context.Context, streamID event.StreamId) (int64, error) {
	if s.opts.VersionCache != nil {
		if v, err := s.opts.VersionCache.Get(ctx, string(streamID)); err == nil {
			return v, nil
		}
	}

	var v int64
	var err error
	if s.opts.Guarantee.IsTransactional() {
		var meta metadataDoc
		err = s.metadata.FindOne(ctx, bson.M{"_id": string(streamID)}).Decode(&meta)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		v = meta.Version
	} else {
		v, err = s.versionNone(ctx, streamID)
	}
	if err != nil {
		return 0, err
	}

	if s.opts.VersionCache != nil {
		_ = s.opts.VersionCache.Set(ctx, string(streamID), v, 0)
	}
	return v, nil
}

func (s *MongoEventStore) find(ctx context.Context, streamID event.StreamId, findOpts *options.FindOptions) ([]eventDoc, error) {
	cursor, err := s.events.Find(ctx, bson.M{"streamId": string(streamID)}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode stream: %w", err)
	}
	return docs, nil
}

func (s *MongoEventStore) docsToEvents(docs []eventDoc) ([]event.CloudEvent, error) {
	events := make([]event.CloudEvent, 0, len(docs))
	for _, d := range docs {
		e, err := s.fromDoc(d)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Read implements EventStore.
func (s *MongoEventStore) Read(ctx context.Context, streamID event.StreamId, opts ...ReadOption) (*EventStream, error) {
	if s.closed {
		return nil, ErrClosed
	}
	ro := newReadOptions(opts...)

	findOpts := options.Find().SetSort(bson.D{{Key: "streamOrder", Value: 1}})
	if ro.Skip > 0 {
		findOpts.SetSkip(ro.Skip)
	}
	if ro.Limit > 0 {
		findOpts.SetLimit(ro.Limit)
	}

	fullRead := ro.Skip == 0 && ro.Limit == 0
	if s.opts.Guarantee.IsTransactional() {
		return s.readTransactional(ctx, streamID, findOpts)
	}

	docs, err := s.find(ctx, streamID, findOpts)
	if err != nil {
		return nil, err
	}
	events, err := s.docsToEvents(docs)
	if err != nil {
		return nil, err
	}

	var version int64
	if fullRead {
		for _, d := range docs {
			if d.StreamOrder > version {
				version = d.StreamOrder
			}
		}
	} else {
		version, err = s.version(ctx, streamID)
		if err != nil {
			return nil, err
		}
	}

	return &EventStream{StreamID: streamID, Version: version, events: events}, nil
}

// readTransactionalResult carries a full-stream read's events and version out
// of the WithTransaction closure.
type readTransactionalResult struct {
	version int64
	events  []event.CloudEvent
}

// readTransactional reads a stream's events (honouring findOpts' skip and
// limit) and its metadata version inside one transaction, so the two cannot
// observe different writes (spec.md
// §4.3, "no read skew" under Transactional). Deriving version from metadata
// rather than from the events just read also means a stream emptied by
// DeleteAllEventsInEventStream still reports the version metadata preserved,
// not 0 (spec.md §4.4).
func (s *MongoEventStore) readTransactional(ctx context.Context, streamID event.StreamId, findOpts *options.FindOptions) (*EventStream, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadPreference(s.opts.ReadPreference).
		SetReadConcern(s.opts.ReadConcern).
		SetWriteConcern(s.opts.WriteConcern)

	timeoutCtx, cancel := context.WithTimeout(ctx, s.opts.TransactionTimeout)
	defer cancel()

	res, err := session.WithTransaction(timeoutCtx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		docs, err := s.find(sessCtx, streamID, findOpts)
		if err != nil {
			return nil, err
		}
		events, err := s.docsToEvents(docs)
		if err != nil {
			return nil, err
		}

		var meta metadataDoc
		err = s.metadata.FindOne(sessCtx, bson.M{"_id": string(streamID)}).Decode(&meta)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			meta = metadataDoc{StreamID: string(streamID), Version: 0}
		case err != nil:
			return nil, fmt.Errorf("failed to read stream metadata: %w", err)
		}

		return readTransactionalResult{version: meta.Version, events: events}, nil
	}, txnOpts)
	if err != nil {
		return nil, err
	}

	r := res.(readTransactionalResult)
	return &EventStream{StreamID: streamID, Version: r.version, events: r.events}, nil
}

// Exists implements EventStore.
func (s *MongoEventStore) Exists(ctx context.Context, streamID event.StreamId) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	count, err := s.events.CountDocuments(ctx, bson.M{"streamId": string(streamID)}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check stream existence: %w", err)
	}
	return count > 0, nil
}

// DeleteAllEventsInEventStream implements EventStore.
func (s *MongoEventStore) DeleteAllEventsInEventStream(ctx context.Context, streamID event.StreamId) error {
	if s.closed {
		return ErrClosed
	}
	if _, err := s.events.DeleteMany(ctx, bson.M{"streamId": string(streamID)}); err != nil {
		return fmt.Errorf("failed to delete events for stream: %w", err)
	}
	if s.opts.VersionCache != nil {
		_ = s.opts.VersionCache.Delete(ctx, string(streamID))
	}
	return nil
}

// DeleteEventStream implements EventStore.
func (s *MongoEventStore) DeleteEventStream(ctx context.Context, streamID event.StreamId) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.DeleteAllEventsInEventStream(ctx, streamID); err != nil {
		return err
	}
	if s.opts.Guarantee.IsTransactional() {
		if _, err := s.metadata.DeleteOne(ctx, bson.M{"_id": string(streamID)}); err != nil {
			return fmt.Errorf("failed to delete stream metadata: %w", err)
		}
	}
	return nil
}

// DeleteEvent implements EventStore.
func (s *MongoEventStore) DeleteEvent(ctx context.Context, id, source string) error {
	if s.closed {
		return ErrClosed
	}
	if _, err := s.events.DeleteOne(ctx, bson.M{"eventId": id, "source": source}); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// Close implements EventStore. It does not close the underlying
// *mongo.Client, which the caller owns.
func (s *MongoEventStore) Close() error {
	s.closed = true
	return nil
}

// Collection exposes the underlying events collection for callers (notably
// Compactor) that need to aggregate across streams, mirroring
// StorageImpl[T].Collection().
func (s *MongoEventStore) Collection() *mongo.Collection {
	return s.events
}
