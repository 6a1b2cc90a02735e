// Package aggregate applies idempotent, atomic delta updates to real-time
// counters and unique-subject sets keyed by experiment, variant, metric,
// and event-time bucket.
package aggregate

import (
	"context"
	"errors"

	"github.com/factline/factline/pkg/types"
)

// Store errors. Conflict and unavailability are retryable with backoff at
// the aggregator level; the store itself never retries.
var (
	// ErrConflict signals an optimistic-concurrency rejection: another
	// pipeline instance updated the key between read and write.
	ErrConflict = errors.New("aggregation write conflict")

	// ErrUnavailable signals a transient store failure.
	ErrUnavailable = errors.New("aggregation store unavailable")
)

// Store is the aggregation store: the sole shared mutable state across
// pipeline instances and their only synchronization point. Both operations
// are atomic conditional writes, idempotent per (key, identity): re-applying
// the same identity is a no-op success, so at-least-once redelivery never
// double-counts.
type Store interface {
	// Increment adds delta to the counter at key, creating it if absent.
	Increment(ctx context.Context, key types.AggregationKey, delta float64, identity string) error

	// AddMember adds the subject to the unique-member set at key.
	AddMember(ctx context.Context, key types.AggregationKey, member, identity string) error

	// ReadCounter returns the current counter state for key. A key with
	// no applied updates reads as a zero counter.
	ReadCounter(ctx context.Context, key types.AggregationKey) (*types.AggregateCounter, error)
}
