// Package types provides core data types for the Factline pipeline.
package types

import (
	"fmt"
	"time"
)

// RawRecord is an opaque transport record as delivered by the stream layer.
// Identity is (ShardID, SequenceNumber) and is the idempotency token for all
// downstream effects.
type RawRecord struct {
	// ShardID identifies the ordered sub-stream this record arrived on
	ShardID string `json:"shard_id"`

	// SequenceNumber is strictly increasing within a shard
	SequenceNumber uint64 `json:"sequence_number"`

	// Payload is the transport-encoded event body, typically
	// base64-wrapped JSON
	Payload []byte `json:"payload"`

	// ArrivalTime is the approximate time the transport received the record
	ArrivalTime time.Time `json:"arrival_time"`
}

// Identity returns the idempotency token for this record.
func (r RawRecord) Identity() RecordIdentity {
	return RecordIdentity{ShardID: r.ShardID, SequenceNumber: r.SequenceNumber}
}

// RecordIdentity uniquely identifies a raw record within the stream.
type RecordIdentity struct {
	ShardID        string `json:"shard_id"`
	SequenceNumber uint64 `json:"sequence_number"`
}

// String renders the identity in the canonical "shard/sequence" form used
// as the idempotency key for store operations.
func (id RecordIdentity) String() string {
	return fmt.Sprintf("%s/%d", id.ShardID, id.SequenceNumber)
}

// ParsedEvent is the decoded payload of a raw record: a generic key/value
// map prior to schema validation.
type ParsedEvent struct {
	Record RawRecord
	Fields map[string]interface{}
}
