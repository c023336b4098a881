// Package event defines the CloudEvent envelope that occurrent persists per
// event, and the stream-scoped wrapper stored around it.
package event

import (
	"net/url"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/jinzhu/copier"
)

// StreamId is an opaque, non-empty identifier chosen by the caller to name
// an event stream. It is just a string, but the named type keeps stream ids
// from being passed where an arbitrary string was meant, and vice versa.
type StreamId string

// CloudEvent is the immutable record occurrent stores per event. It mirrors
// the CloudEvents envelope fields the spec requires, trimmed to what the
// store itself needs to reason about (ordering, identity, payload).
//
// (ID, Source) is globally unique across the whole event store — this is
// Invariant A and is enforced by a unique index at the storage layer, not
// in this type.
type CloudEvent struct {
	ID              string
	Source          url.URL
	Type            string
	Time            time.Time
	Subject         *string
	DataContentType *string
	DataSchema      *string
	Data            []byte
	Extensions      map[string]any
}

// Copy returns a deep copy of the event so that a caller holding a copy
// handed back by the store cannot mutate state the store still owns.
// Mirrors nodestorage/v2's Cachable[T].Copy contract, and its own use of
// copier.CopyWithOption(..., copier.Option{DeepCopy: true}) to produce one.
func (e CloudEvent) Copy() CloudEvent {
	var out CloudEvent
	if err := copier.CopyWithOption(&out, &e, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails this way on a type mismatch between src and dst,
		// which can't happen here since both sides are CloudEvent.
		panic("event: Copy: " + err.Error())
	}
	return out
}

// DataDiff returns a JSON merge patch (RFC 7386) describing how to turn
// from.Data into to.Data, for diagnostic logging when an event is
// superseded by a later one in the same stream. Both payloads must be
// JSON; non-JSON payloads (e.g. DataContentType other than
// application/json) make this meaningless and it returns an error.
func DataDiff(from, to CloudEvent) ([]byte, error) {
	return jsonpatch.CreateMergePatch(from.Data, to.Data)
}

// Equal reports whether two CloudEvents are equal by the fields the spec's
// round-trip invariant (spec.md §8, invariant 6) cares about: id, source,
// type, time, subject, data. Extensions are intentionally excluded since the
// store may add its own (e.g. the denormalized streamId) on write.
func (e CloudEvent) Equal(other CloudEvent) bool {
	if e.ID != other.ID || e.Source.String() != other.Source.String() ||
		e.Type != other.Type || !e.Time.Equal(other.Time) {
		return false
	}
	if (e.Subject == nil) != (other.Subject == nil) {
		return false
	}
	if e.Subject != nil && *e.Subject != *other.Subject {
		return false
	}
	if len(e.Data) != len(other.Data) {
		return false
	}
	for i := range e.Data {
		if e.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// ParseSourceURL parses a persisted source string back into a url.URL. It is
// the inverse of CloudEvent.Source.String() used when writing an event.
func ParseSourceURL(raw string) (url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return url.URL{}, err
	}
	return *u, nil
}

// EventEnvelope is the unit occurrent persists: a CloudEvent plus the stream
// it belongs to and its 1-based position within that stream (Invariant B).
// StreamOrder is meaningful only under the Transactional consistency
// guarantee; under None it reflects insertion order and may contain gaps.
type EventEnvelope struct {
	StreamID    StreamId
	StreamOrder int64
	Event       CloudEvent
}
