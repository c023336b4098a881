package eventstore

import (
	"time"

	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"occurrent/cache"
)

// Options configures a MongoEventStore. Built with functional Option values,
// mirroring nodestorage/v2's EditOptions/EditOption pattern.
type Options struct {
	Guarantee         StreamConsistencyGuarantee
	TimeRepresentation TimeRepresentation
	VersionCache      cache.Cache[int64]
	ReadPreference    *readpref.ReadPref
	ReadConcern       *readconcern.ReadConcern
	WriteConcern      *writeconcern.WriteConcern
	TransactionTimeout time.Duration
}

// Option configures Options.
type Option func(*Options)

// WithGuarantee sets the store's consistency guarantee. Defaults to None().
func WithGuarantee(g StreamConsistencyGuarantee) Option {
	return func(o *Options) { o.Guarantee = g }
}

// WithTimeRepresentation sets how CloudEvent.Time is persisted. Defaults to Date.
func WithTimeRepresentation(t TimeRepresentation) Option {
	return func(o *Options) { o.TimeRepresentation = t }
}

// WithVersionCache attaches a cache of streamId -> current version. Read
// consults it, before falling back to a database read, only under the None
// guarantee when a skip or limit is given; Write never reads it. Successful
// writes and DeleteAllEventsInEventStream remove the stream's entry, but
// DeleteEvent and writes made through another store instance do not, so Read
// can report an outdated version until the entry expires.
func WithVersionCache(c cache.Cache[int64]) Option {
	return func(o *Options) { o.VersionCache = c }
}

// WithReadPreference sets the read preference for transactional reads.
func WithReadPreference(rp *readpref.ReadPref) Option {
	return func(o *Options) { o.ReadPreference = rp }
}

// WithReadConcern sets the read concern for transactional reads.
func WithReadConcern(rc *readconcern.ReadConcern) Option {
	return func(o *Options) { o.ReadConcern = rc }
}

// WithWriteConcern sets the write concern for transactional writes.
func WithWriteConcern(wc *writeconcern.WriteConcern) Option {
	return func(o *Options) { o.WriteConcern = wc }
}

// WithTransactionTimeout bounds how long a transactional write or read may
// run before its context is canceled. Defaults to 10s.
func WithTransactionTimeout(d time.Duration) Option {
	return func(o *Options) { o.TransactionTimeout = d }
}

func newOptions(opts ...Option) *Options {
	o := &Options{
		Guarantee:          None(),
		TimeRepresentation: Date,
		ReadPreference:     readpref.Primary(),
		ReadConcern:        readconcern.Majority(),
		WriteConcern:       writeconcern.Majority(),
		TransactionTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
