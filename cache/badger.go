package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
)

// BadgerCache is a single-node persistent Cache backed by BadgerDB. It
// survives process restarts, unlike MemoryCache, at the cost of disk I/O;
// use it for a single occurrent instance that wants a warm stream-version
// cache across restarts without standing up Redis.
type BadgerCache[T any] struct {
	db   *badger.DB
	opts *Options
}

// NewBadgerCache opens (or creates) a BadgerDB database at dbPath.
func NewBadgerCache[T any](dbPath string, opts *Options) (*BadgerCache[T], error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	badgerOpts := badger.DefaultOptions(dbPath)
	badgerOpts.Logger = nil

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	go runGC(db)

	return &BadgerCache[T]{db: db, opts: opts}, nil
}

// Get implements Cache.
func (c *BadgerCache[T]) Get(_ context.Context, key string) (T, error) {
	var wrapper struct {
		V T `bson:"v"`
	}

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return bson.Unmarshal(val, &wrapper)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return wrapper.V, ErrMiss
		}
		return wrapper.V, fmt.Errorf("failed to get from badger: %w", err)
	}

	return wrapper.V, nil
}

// Set implements Cache.
func (c *BadgerCache[T]) Set(_ context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	data, err := bson.Marshal(struct {
		V T `bson:"v"`
	}{V: value})
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Delete implements Cache.
func (c *BadgerCache[T]) Delete(_ context.Context, key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close implements Cache.
func (c *BadgerCache[T]) Close() error {
	return c.db.Close()
}

// runGC periodically reclaims space from expired/deleted badger entries.
// ErrNoRewrite just means there was nothing to collect this round.
func runGC(db *badger.DB) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
	again:
		if err := db.RunValueLogGC(0.5); err == nil {
			goto again
		}
	}
}
