package eventstore

// TimeRepresentation controls how the CloudEvent time field is persisted
// and queried. All components that persist or query by time must agree on
// one value for a given collection (spec.md §6).
type TimeRepresentation int

const (
	// Date stores time as a native BSON date (time.Time), the default:
	// compact and directly comparable/sortable by Mongo.
	Date TimeRepresentation = iota

	// RFC3339String stores time as an RFC3339-formatted string, useful
	// when a downstream consumer reads the raw collection without a
	// BSON-aware client.
	RFC3339String
)
