package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrLeaseNotHeld is returned by renew when this holder no longer holds the
// lease under the fencing token it last observed (e.g. another replica's
// acquire won the race after this holder's lease expired).
var ErrLeaseNotHeld = errors.New("subscription: lease is not held by this holder")

type leaseDoc struct {
	SubscriptionID string    `bson:"_id"`
	Owner          string    `bson:"owner"`
	ExpiresAt      time.Time `bson:"expiresAt"`
	FencingToken   int64     `bson:"fencingToken"`
}

// leaseCoordinator elects a single active holder per subscription id among
// a pool of competing consumers, without an external lease service: the
// lease is just a document with a TTL-style expiry, acquired by a
// conditional upsert. Grounded on nodestorage/v2.StorageImpl's
// FindOneAndUpdate idiom — here the conditional field is an expiry instead
// of a version, and the "document" being updated is the lease itself
// rather than application data (spec.md §5, competing consumers).
type leaseCoordinator struct {
	collection *mongo.Collection
	holderID   string
	ttl        time.Duration
}

func newLeaseCoordinator(collection *mongo.Collection, holderID string, ttl time.Duration) *leaseCoordinator {
	return &leaseCoordinator{collection: collection, holderID: holderID, ttl: ttl}
}

// acquire attempts to become (or remain) the active holder of subscriptionID.
// It succeeds if no lease exists, the existing lease has expired, or this
// holder already owns it. It returns the fencing token assigned on success,
// which a holder can use to detect having been superseded (the token only
// ever increases).
func (c *leaseCoordinator) acquire(ctx context.Context, subscriptionID string) (int64, bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": subscriptionID,
		"$or": bson.A{
			bson.M{"expiresAt": bson.M{"$lt": now}},
			bson.M{"owner": c.holderID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"owner":     c.holderID,
			"expiresAt": now.Add(c.ttl),
		},
		"$inc": bson.M{"fencingToken": int64(1)},
	}

	var updated leaseDoc
	err := c.collection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(false).SetReturnDocument(options.After),
	).Decode(&updated)

	switch {
	case err == nil:
		return updated.FencingToken, true, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return c.tryInsert(ctx, subscriptionID, now)
	default:
		return 0, false, fmt.Errorf("failed to acquire lease: %w", err)
	}
}

func (c *leaseCoordinator) tryInsert(ctx context.Context, subscriptionID string, now time.Time) (int64, bool, error) {
	doc := leaseDoc{
		SubscriptionID: subscriptionID,
		Owner:          c.holderID,
		ExpiresAt:      now.Add(c.ttl),
		FencingToken:   1,
	}
	_, err := c.collection.InsertOne(ctx, doc)
	switch {
	case err == nil:
		return doc.FencingToken, true, nil
	case mongo.IsDuplicateKeyError(err):
		// lost the race to create the lease document; the winner holds it
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("failed to create lease: %w", err)
	}
}

// renew extends this holder's lease, but only if the lease document still
// carries fencingToken — the value last observed by this holder, from
// acquire or a prior renew. Filtering on the token rather than just
// "owner == c.holderID" means a holder that was superseded and then
// re-granted the lease under the same holderID (e.g. a process restart
// reusing its hostname+pid) is still correctly treated as having lost the
// original lease: the fencing token moved on without it.
func (c *leaseCoordinator) renew(ctx context.Context, subscriptionID string, fencingToken int64) (int64, error) {
	now := time.Now()
	var updated leaseDoc
	err := c.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": subscriptionID, "owner": c.holderID, "fencingToken": fencingToken},
		bson.M{"$set": bson.M{"expiresAt": now.Add(c.ttl)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)

	switch {
	case err == nil:
		return updated.FencingToken, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return 0, ErrLeaseNotHeld
	default:
		return 0, fmt.Errorf("failed to renew lease: %w", err)
	}
}

// release gives up this holder's lease immediately, letting another replica
// acquire it without waiting out the TTL. Used on graceful shutdown.
func (c *leaseCoordinator) release(ctx context.Context, subscriptionID string) error {
	_, err := c.collection.UpdateOne(ctx,
		bson.M{"_id": subscriptionID, "owner": c.holderID},
		bson.M{"$set": bson.M{"expiresAt": time.Unix(0, 0)}},
	)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
