// Package changestream wraps a MongoDB change stream into occurrent's feed
// of CloudEvents, each tagged with the resumable position it was observed
// at. It is grounded on nodestorage/v2.StorageImpl's Watch (change-stream
// setup, raw-event decoding into a typed shape), generalized from
// "broadcast full documents to in-process subscribers" to "yield positioned
// CloudEvents a durable subscription can resume from".
package changestream

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SubscriptionPosition identifies a point in a change stream's history that
// a subscription can resume from. Exactly one of the two variants is set;
// use IsResumeToken/IsOperationTime to tell them apart.
type SubscriptionPosition struct {
	resumeToken   bson.Raw
	operationTime primitive.Timestamp
	isOperationTime bool
}

// ResumeTokenPosition builds a position from a change stream resume token.
func ResumeTokenPosition(token bson.Raw) SubscriptionPosition {
	return SubscriptionPosition{resumeToken: token}
}

// OperationTimePosition builds a position from a BSON timestamp (the
// driver's operation time tuple: seconds since epoch plus an increment).
func OperationTimePosition(ts primitive.Timestamp) SubscriptionPosition {
	return SubscriptionPosition{operationTime: ts, isOperationTime: true}
}

// IsResumeToken reports whether this position carries a resume token.
func (p SubscriptionPosition) IsResumeToken() bool {
	return !p.isOperationTime && p.resumeToken != nil
}

// IsOperationTime reports whether this position carries an operation time.
func (p SubscriptionPosition) IsOperationTime() bool {
	return p.isOperationTime
}

// ResumeToken returns the carried resume token. Only meaningful when
// IsResumeToken() is true.
func (p SubscriptionPosition) ResumeToken() bson.Raw {
	return p.resumeToken
}

// OperationTime returns the carried operation time. Only meaningful when
// IsOperationTime() is true.
func (p SubscriptionPosition) OperationTime() primitive.Timestamp {
	return p.operationTime
}

// String renders the position for logging.
func (p SubscriptionPosition) String() string {
	switch {
	case p.IsResumeToken():
		return fmt.Sprintf("resumeToken(%s)", p.resumeToken.String())
	case p.IsOperationTime():
		return fmt.Sprintf("operationTime(T=%d,I=%d)", p.operationTime.T, p.operationTime.I)
	default:
		return "zero-position"
	}
}

// MarshalPosition persists a position into a storable document, used by the
// subscription package to save progress between process restarts.
func MarshalPosition(p SubscriptionPosition) bson.M {
	switch {
	case p.IsResumeToken():
		return bson.M{"kind": "resumeToken", "resumeToken": p.resumeToken}
	case p.IsOperationTime():
		return bson.M{"kind": "operationTime", "operationTimeT": int64(p.operationTime.T), "operationTimeI": int64(p.operationTime.I)}
	default:
		return bson.M{"kind": "none"}
	}
}

// UnmarshalPosition is the inverse of MarshalPosition.
func UnmarshalPosition(doc bson.M) (SubscriptionPosition, error) {
	kind, _ := doc["kind"].(string)
	switch kind {
	case "resumeToken":
		raw, ok := doc["resumeToken"].(bson.Raw)
		if !ok {
			if m, ok := doc["resumeToken"].(bson.M); ok {
				b, err := bson.Marshal(m)
				if err != nil {
					return SubscriptionPosition{}, fmt.Errorf("failed to re-marshal resume token: %w", err)
				}
				raw = bson.Raw(b)
			} else {
				return SubscriptionPosition{}, fmt.Errorf("malformed resumeToken position document")
			}
		}
		return ResumeTokenPosition(raw), nil
	case "operationTime":
		t, _ := doc["operationTimeT"].(int64)
		i, _ := doc["operationTimeI"].(int64)
		return OperationTimePosition(primitive.Timestamp{T: uint32(t), I: uint32(i)}), nil
	case "none", "":
		return SubscriptionPosition{}, nil
	default:
		return SubscriptionPosition{}, fmt.Errorf("unknown position kind %q", kind)
	}
}
