// Package subscription layers durable, competing-consumer subscriptions on
// top of changestream.Feed: a handler keeps getting invoked with every
// event a given subscription id has not yet acknowledged, across process
// restarts and across a pool of replicas racing for the same subscription.
//
// Grounded on nodestorage/v2.StorageImpl's conditional FindOneAndUpdate
// idiom (generalized here from "update a data document under a version
// guard" to "acquire/renew a lease document under an expiry guard") and
// eventsync's StorageListener (subscribe/unsubscribe bookkeeping, mutex-
// guarded maps of active subscriptions).
package subscription

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"occurrent/changestream"
)

// PositionStorage persists the last position a subscription has processed,
// so a durable subscription can resume after a restart instead of replaying
// its whole history (spec.md §4.6/§4.7).
type PositionStorage interface {
	Read(ctx context.Context, subscriptionID string) (changestream.SubscriptionPosition, bool, error)
	Save(ctx context.Context, subscriptionID string, position changestream.SubscriptionPosition) error
	Delete(ctx context.Context, subscriptionID string) error
}

type positionDoc struct {
	SubscriptionID string `bson:"_id"`
	Position       bson.M `bson:"position"`
}

// MongoPositionStorage is the MongoDB-backed PositionStorage.
type MongoPositionStorage struct {
	collection *mongo.Collection
}

// NewMongoPositionStorage returns a MongoPositionStorage backed by collection.
func NewMongoPositionStorage(collection *mongo.Collection) *MongoPositionStorage {
	return &MongoPositionStorage{collection: collection}
}

// Read implements PositionStorage.
func (s *MongoPositionStorage) Read(ctx context.Context, subscriptionID string) (changestream.SubscriptionPosition, bool, error) {
	var doc positionDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": subscriptionID}).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return changestream.SubscriptionPosition{}, false, nil
	case err != nil:
		return changestream.SubscriptionPosition{}, false, fmt.Errorf("failed to read subscription position: %w", err)
	}

	position, err := changestream.UnmarshalPosition(doc.Position)
	if err != nil {
		return changestream.SubscriptionPosition{}, false, fmt.Errorf("failed to decode subscription position: %w", err)
	}
	return position, true, nil
}

// Save implements PositionStorage.
func (s *MongoPositionStorage) Save(ctx context.Context, subscriptionID string, position changestream.SubscriptionPosition) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": subscriptionID},
		bson.M{"$set": bson.M{"position": changestream.MarshalPosition(position)}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription position: %w", err)
	}
	return nil
}

// Delete implements PositionStorage.
func (s *MongoPositionStorage) Delete(ctx context.Context, subscriptionID string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": subscriptionID}); err != nil {
		return fmt.Errorf("failed to delete subscription position: %w", err)
	}
	return nil
}
