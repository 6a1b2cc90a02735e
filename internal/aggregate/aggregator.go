package aggregate

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	pipeerrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/pkg/types"
)

// Metric names generated per event.
const (
	// MetricEvents counts events per key; its unique-member set tracks
	// distinct subjects.
	MetricEvents = "events"

	// MetricValueSum accumulates the numeric value carried by events
	// that have one.
	MetricValueSum = "value_sum"
)

// Update is one delta against one aggregation key.
type Update struct {
	Key       types.AggregationKey
	Delta     float64
	AddMember string // subject to add to the unique-member set, if any
}

// Aggregator computes aggregation keys for enriched events and applies
// idempotent delta updates through the Store, retrying conflicts with
// capped exponential backoff. Exhausting retries fails only the affected
// event; archival and other records are unaffected.
type Aggregator struct {
	store    Store
	bucket   types.BucketWidth
	attempts int
	backoff  time.Duration
	logger   *logrus.Logger
}

// NewAggregator creates an aggregator. attempts includes the first try;
// backoff is the initial wait after a retryable failure and doubles per
// retry.
func NewAggregator(store Store, bucket types.BucketWidth, attempts int, backoff time.Duration, logger *logrus.Logger) *Aggregator {
	if attempts < 1 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Aggregator{
		store:    store,
		bucket:   bucket,
		attempts: attempts,
		backoff:  backoff,
		logger:   logger,
	}
}

// UpdatesFor derives the delta updates an event produces. Every event
// increments the event counter and adds its subject to the unique set;
// events carrying a numeric value also increment the value sum.
func (a *Aggregator) UpdatesFor(event *types.EnrichedEvent) []Update {
	scope, scopeID := event.ScopeID()
	bucket := a.bucket.Truncate(event.OccurredAt)

	variant := event.VariantID
	if variant == "" && event.Assignment != nil {
		variant = event.Assignment.VariantID
	}
	if variant == "" {
		variant = "none"
	}

	base := types.AggregationKey{
		Scope:      scope,
		ScopeID:    scopeID,
		VariantID:  variant,
		TimeBucket: bucket,
	}

	countKey := base
	countKey.MetricName = MetricEvents
	updates := []Update{{Key: countKey, Delta: 1, AddMember: event.SubjectID}}

	if event.HasValue {
		valueKey := base
		valueKey.MetricName = MetricValueSum
		updates = append(updates, Update{Key: valueKey, Delta: event.Value})
	}

	return updates
}

// Aggregate applies every event's updates. It returns the per-record
// failures for events whose updates could not be applied within the retry
// budget; events absent from the map were fully aggregated.
func (a *Aggregator) Aggregate(ctx context.Context, events []*types.EnrichedEvent) map[types.RecordIdentity]error {
	failures := make(map[types.RecordIdentity]error)

	for _, event := range events {
		identity := event.Record.Identity()
		if err := a.aggregateOne(ctx, event); err != nil {
			failures[identity] = err
			a.logger.WithFields(logrus.Fields{
				"shard":    identity.ShardID,
				"sequence": identity.SequenceNumber,
			}).WithError(err).Warn("aggregation failed for record")
		}
	}

	return failures
}

// aggregateOne applies all updates for a single event.
func (a *Aggregator) aggregateOne(ctx context.Context, event *types.EnrichedEvent) error {
	identity := event.Record.Identity().String()

	for _, update := range a.UpdatesFor(event) {
		if err := a.applyWithRetry(ctx, func(ctx context.Context) error {
			return a.store.Increment(ctx, update.Key, update.Delta, identity)
		}); err != nil {
			return err
		}

		if update.AddMember != "" {
			member := update.AddMember
			key := update.Key
			if err := a.applyWithRetry(ctx, func(ctx context.Context) error {
				return a.store.AddMember(ctx, key, member, identity)
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

// applyWithRetry runs op, retrying conflicts and transient unavailability
// with exponential backoff up to the attempt cap.
func (a *Aggregator) applyWithRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < a.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return pipeerrors.Wrap(pipeerrors.ErrCategoryInternal, pipeerrors.CodeDeadlineExceeded,
				"aggregation interrupted", err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrConflict) && !errors.Is(lastErr, ErrUnavailable) {
			return pipeerrors.NewAggregationError(pipeerrors.CodeStoreUnavailable,
				"aggregation store error", lastErr)
		}

		if attempt < a.attempts-1 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * a.backoff
			select {
			case <-ctx.Done():
				return pipeerrors.Wrap(pipeerrors.ErrCategoryInternal, pipeerrors.CodeDeadlineExceeded,
					"aggregation interrupted", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	code := pipeerrors.CodeRetriesExhausted
	return pipeerrors.NewAggregationError(code, "aggregation retry budget exhausted", lastErr)
}
