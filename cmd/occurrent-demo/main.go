// Command occurrent-demo connects to a local MongoDB instance, appends a
// couple of events to the bank example's "name" stream, subscribes to the
// event collection, and prints what it observes — a runnable walkthrough of
// occurrent's write, read, and subscribe paths.
package main

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"occurrent/examples/bank"
	"occurrent/event"
	"occurrent/eventstore"
	"occurrent/internal/occlog"
	"occurrent/subscription"
)

func main() {
	if err := occlog.Configure(true, "info", "stdout"); err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
	if err != nil {
		log.Fatalf("failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database("occurrent_demo")

	store, err := eventstore.NewMongoEventStore(ctx, client, db.Name(), "events",
		eventstore.WithGuarantee(eventstore.Transactional("event_metadata")))
	if err != nil {
		log.Fatalf("failed to create event store: %v", err)
	}
	defer store.Close()

	model := subscription.NewModel(db.Collection("events"),
		subscription.NewMongoPositionStorage(db.Collection("subscription_positions")),
		nil, "occurrent-demo")

	sub, err := model.Subscribe(ctx, "print-events", func(ctx context.Context, e event.CloudEvent) error {
		occlog.Info("observed event", zap.String("id", e.ID), zap.String("type", e.Type))
		return nil
	})
	if err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sub.WaitUntilStarted(startCtx); err != nil {
		log.Fatalf("subscription did not start in time: %v", err)
	}

	at := time.Now().UTC()
	defined, err := bank.NameDefined("demo-account", "John", at)
	if err != nil {
		log.Fatalf("failed to build NameDefined event: %v", err)
	}
	if err := store.Write(ctx, "name", []event.CloudEvent{defined}); err != nil {
		log.Fatalf("failed to write event: %v", err)
	}

	changed, err := bank.NameWasChanged("demo-account", "Jane", at.Add(time.Second))
	if err != nil {
		log.Fatalf("failed to build NameWasChanged event: %v", err)
	}
	if err := store.Write(ctx, "name", []event.CloudEvent{changed}); err != nil {
		log.Fatalf("failed to write event: %v", err)
	}

	if diff, err := event.DataDiff(defined, changed); err != nil {
		occlog.Warn("failed to diff NameDefined against NameWasChanged", zap.Error(err))
	} else {
		occlog.Info("name change diff", zap.ByteString("mergePatch", diff))
	}

	stream, err := store.Read(ctx, "name")
	if err != nil {
		log.Fatalf("failed to read stream: %v", err)
	}

	acc, err := bank.Project(stream.Collect())
	if err != nil {
		log.Fatalf("failed to project stream: %v", err)
	}
	occlog.Info("projected account", zap.String("id", acc.ID), zap.String("name", acc.Name), zap.Int64("version", stream.Version))

	time.Sleep(500 * time.Millisecond)
	if err := model.Shutdown(ctx); err != nil {
		log.Fatalf("failed to shut down subscriptions: %v", err)
	}
}
