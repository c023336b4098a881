package changestream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func connectOrSkip(t *testing.T) (*mongo.Client, *mongo.Database, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
	if err != nil {
		t.Skipf("mongo.Connect failed, skipping: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("no MongoDB reachable, skipping: %v", err)
	}

	dbName := "occurrent_changestream_test_" + primitive.NewObjectID().Hex()
	db := client.Database(dbName)
	cleanup := func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	}
	return client, db, cleanup
}

func TestFeedObservesInsert(t *testing.T) {
	_, db, cleanup := connectOrSkip(t)
	defer cleanup()

	coll := db.Collection("events")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	feed, err := Open(ctx, coll, StartAtNow())
	require.NoError(t, err)
	defer feed.Close(context.Background())

	_, err = coll.InsertOne(ctx, bson.M{
		"streamId":    "s1",
		"streamOrder": int64(1),
		"eventId":     "e1",
		"source":      "urn:occurrent:test",
		"type":        "Created",
		"time":        time.Now().UTC(),
		"data":        []byte("{}"),
	})
	require.NoError(t, err)

	if !feed.Next(ctx) {
		t.Fatalf("expected an event, got err=%v", feed.Err())
	}
	got := feed.Event()
	if got.Event.ID != "e1" {
		t.Errorf("Event().Event.ID = %q, want e1", got.Event.ID)
	}
	if !got.Position.IsResumeToken() {
		t.Error("expected a resume-token position after observing an event")
	}
}

func TestFeedResumesFromPosition(t *testing.T) {
	_, db, cleanup := connectOrSkip(t)
	defer cleanup()

	coll := db.Collection("events")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	feed, err := Open(ctx, coll, StartAtNow())
	require.NoError(t, err)

	_, err = coll.InsertOne(ctx, bson.M{
		"streamId": "s1", "streamOrder": int64(1), "eventId": "e1",
		"source": "urn:occurrent:test", "type": "Created",
		"time": time.Now().UTC(), "data": []byte("{}"),
	})
	require.NoError(t, err)
	require.True(t, feed.Next(ctx))
	position := feed.Event().Position
	require.NoError(t, feed.Close(context.Background()))

	_, err = coll.InsertOne(ctx, bson.M{
		"streamId": "s1", "streamOrder": int64(2), "eventId": "e2",
		"source": "urn:occurrent:test", "type": "Updated",
		"time": time.Now().UTC(), "data": []byte("{}"),
	})
	require.NoError(t, err)

	resumed, err := Open(ctx, coll, StartAtPosition(position))
	require.NoError(t, err)
	defer resumed.Close(context.Background())

	require.True(t, resumed.Next(ctx))
	if resumed.Event().Event.ID != "e2" {
		t.Errorf("expected to resume and observe e2, got %q", resumed.Event().Event.ID)
	}
}

func TestMarshalUnmarshalPositionRoundTrips(t *testing.T) {
	pos := OperationTimePosition(primitive.Timestamp{T: 123, I: 4})
	doc := MarshalPosition(pos)

	restored, err := UnmarshalPosition(doc)
	require.NoError(t, err)
	if !restored.IsOperationTime() {
		t.Fatal("expected restored position to be an operation time")
	}
	if restored.OperationTime() != pos.OperationTime() {
		t.Errorf("OperationTime() = %+v, want %+v", restored.OperationTime(), pos.OperationTime())
	}
}
