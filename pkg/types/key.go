package types

import (
	"fmt"
	"time"
)

// Scope distinguishes experiment metrics from feature-flag metrics in
// aggregation keys.
type Scope string

const (
	ScopeExperiment  Scope = "experiment"
	ScopeFeatureFlag Scope = "flag"
)

// BucketWidth is the fixed width of aggregation time buckets.
type BucketWidth string

const (
	BucketHour BucketWidth = "hour"
	BucketDay  BucketWidth = "day"
)

// Truncate returns the bucket start for the given event time.
func (w BucketWidth) Truncate(t time.Time) time.Time {
	switch w {
	case BucketDay:
		return t.UTC().Truncate(24 * time.Hour)
	default:
		return t.UTC().Truncate(time.Hour)
	}
}

// AggregationKey addresses one real-time counter and unique-subject set.
// TimeBucket is derived from the event's declared time, never from
// processing time, so late-arriving events land in their historical bucket.
type AggregationKey struct {
	Scope      Scope     `json:"scope"`
	ScopeID    string    `json:"scope_id"`
	VariantID  string    `json:"variant_id"`
	MetricName string    `json:"metric_name"`
	TimeBucket time.Time `json:"time_bucket"`
}

// String renders the canonical store key. The bucket is RFC3339 in UTC so
// keys sort chronologically within a metric.
func (k AggregationKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s",
		k.Scope, k.ScopeID, k.VariantID, k.MetricName,
		k.TimeBucket.UTC().Format(time.RFC3339))
}

// AggregateCounter is the readable state of one aggregation key: a
// monotonically updated total and the distinct-subject count. Updates are
// deltas, never absolute overwrites.
type AggregateCounter struct {
	Key           AggregationKey `json:"key"`
	Total         float64        `json:"total"`
	UniqueMembers int64          `json:"unique_members"`
	Version       int64          `json:"version"`
}
