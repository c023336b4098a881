package eventstore

// StreamConsistencyGuarantee selects how an event store maintains and
// checks stream versions. Modeled as a sealed variant the way the spec's
// source models StreamConsistencyGuarantee/Backoff/StartAt: one
// constructor per variant, a kind tag to dispatch on internally.
type StreamConsistencyGuarantee struct {
	transactional      bool
	metadataCollection string
}

// None selects the no-metadata-collection variant: version() is the highest
// streamOrder present for the stream, not a count of its events, so the two
// differ once DeleteEvent has removed an event other than the stream's
// last. Batch writes are not isolated — a
// duplicate key error partway through a batch leaves the prior events in
// the batch persisted (spec.md §4.2, rule 3b).
func None() StreamConsistencyGuarantee {
	return StreamConsistencyGuarantee{}
}

// Transactional selects the metadata-collection-backed variant: the
// metadata document is updated in the same transaction as event insertion,
// batch writes are all-or-nothing, and reads of events occur in the same
// transaction as the metadata read to rule out read skew (spec.md §4.2/§4.3).
func Transactional(metadataCollection string) StreamConsistencyGuarantee {
	return StreamConsistencyGuarantee{transactional: true, metadataCollection: metadataCollection}
}

// IsTransactional reports whether this is the Transactional variant.
func (g StreamConsistencyGuarantee) IsTransactional() bool { return g.transactional }

// MetadataCollection returns the configured metadata collection name. Only
// meaningful when IsTransactional() is true.
func (g StreamConsistencyGuarantee) MetadataCollection() string { return g.metadataCollection }
