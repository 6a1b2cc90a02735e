// Package archive groups enriched events into bounded batches, compresses
// them, and writes them to durable object storage partitioned by event
// time.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	pipeerrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/observability"
	"github.com/factline/factline/internal/storage"
	"github.com/factline/factline/pkg/types"
)

// Hard caps on archive batches. Configuration may lower them, never raise.
const (
	MaxBatchBytes  = 5 * 1024 * 1024
	MaxBatchEvents = 1000
)

// Config holds archiver settings.
type Config struct {
	// MaxBatchBytes caps the uncompressed size of one batch.
	MaxBatchBytes int

	// MaxBatchEvents caps the event count of one batch.
	MaxBatchEvents int

	// RetryAttempts is the max write attempts per batch (including the
	// first).
	RetryAttempts int

	// RetryBackoff is the initial backoff between attempts; doubles per
	// retry.
	RetryBackoff time.Duration

	// Prefix is the object path prefix.
	Prefix string

	// Bucket is the time-partition width for object paths.
	Bucket types.BucketWidth
}

// DefaultConfig returns archiver defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchBytes:  MaxBatchBytes,
		MaxBatchEvents: MaxBatchEvents,
		RetryAttempts:  3,
		RetryBackoff:   100 * time.Millisecond,
		Prefix:         "events",
		Bucket:         types.BucketHour,
	}
}

// Archiver writes enriched events to object storage as snappy-compressed
// NDJSON batches. Each batch's object key carries a uuid suffix so
// concurrent writers never collide; analytical dedup across redelivered
// batches is deferred to downstream consumers via the record identity
// embedded in every archived event.
type Archiver struct {
	store   storage.ObjectStore
	cfg     Config
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewArchiver creates an archiver. metrics may be nil.
func NewArchiver(store storage.ObjectStore, cfg Config, logger *logrus.Logger, metrics *observability.Metrics) *Archiver {
	if cfg.MaxBatchBytes <= 0 || cfg.MaxBatchBytes > MaxBatchBytes {
		cfg.MaxBatchBytes = MaxBatchBytes
	}
	if cfg.MaxBatchEvents <= 0 || cfg.MaxBatchEvents > MaxBatchEvents {
		cfg.MaxBatchEvents = MaxBatchEvents
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "events"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = types.BucketHour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Archiver{store: store, cfg: cfg, logger: logger, metrics: metrics}
}

// Batch is one bounded group of events headed for a single object.
type Batch struct {
	Events    []*types.EnrichedEvent
	Lines     [][]byte
	SizeBytes int
}

// Archive writes all events, regardless of their aggregation outcome.
// It returns per-record failures for events whose batch could not be
// written within the retry budget; events absent from the map were
// durably archived. A failed batch never affects sibling batches.
func (a *Archiver) Archive(ctx context.Context, events []*types.EnrichedEvent) map[types.RecordIdentity]error {
	failures := make(map[types.RecordIdentity]error)
	if len(events) == 0 {
		return failures
	}

	batches, encodeFailures := a.buildBatches(events)
	for identity, err := range encodeFailures {
		failures[identity] = err
	}

	for _, batch := range batches {
		if err := a.writeBatch(ctx, batch); err != nil {
			for _, event := range batch.Events {
				failures[event.Record.Identity()] = err
			}
		}
	}

	return failures
}

// buildBatches encodes events as NDJSON lines and groups them under the
// size and count caps, preserving input order.
func (a *Archiver) buildBatches(events []*types.EnrichedEvent) ([]*Batch, map[types.RecordIdentity]error) {
	failures := make(map[types.RecordIdentity]error)
	var batches []*Batch
	current := &Batch{}

	for _, event := range events {
		line, err := json.Marshal(newArchivedEvent(event))
		if err != nil {
			failures[event.Record.Identity()] = pipeerrors.NewInternalError("failed to encode event for archive", err)
			continue
		}

		lineSize := len(line) + 1 // newline
		if len(current.Events) > 0 &&
			(current.SizeBytes+lineSize > a.cfg.MaxBatchBytes || len(current.Events) >= a.cfg.MaxBatchEvents) {
			batches = append(batches, current)
			current = &Batch{}
		}

		current.Events = append(current.Events, event)
		current.Lines = append(current.Lines, line)
		current.SizeBytes += lineSize
	}

	if len(current.Events) > 0 {
		batches = append(batches, current)
	}
	return batches, failures
}

// writeBatch compresses and uploads one batch, retrying transient failures
// with exponential backoff.
func (a *Archiver) writeBatch(ctx context.Context, batch *Batch) error {
	var buf bytes.Buffer
	buf.Grow(batch.SizeBytes)
	for _, line := range batch.Lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	compressed := snappy.Encode(nil, buf.Bytes())

	objectPath := a.objectPath(batch)
	metadata := a.metadata(batch)

	var lastErr error
	for attempt := 0; attempt < a.cfg.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return pipeerrors.Wrap(pipeerrors.ErrCategoryInternal, pipeerrors.CodeDeadlineExceeded,
				"archive write interrupted", err)
		}

		lastErr = a.store.Put(ctx, objectPath, compressed, metadata)
		if lastErr == nil {
			a.metrics.ObserveArchiveBytes(len(compressed))
			a.logger.WithFields(logrus.Fields{
				"object": objectPath,
				"events": len(batch.Events),
				"bytes":  len(compressed),
			}).Debug("archive batch written")
			return nil
		}

		if !storage.IsTransient(lastErr) {
			return pipeerrors.New(pipeerrors.ErrCategoryArchive, pipeerrors.CodeUploadFatal,
				fmt.Sprintf("archive write failed fatally: %v", lastErr))
		}

		if attempt < a.cfg.RetryAttempts-1 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * a.cfg.RetryBackoff
			a.logger.WithFields(logrus.Fields{
				"object":  objectPath,
				"attempt": attempt + 1,
			}).WithError(lastErr).Warn("archive write failed, retrying")
			select {
			case <-ctx.Done():
				return pipeerrors.Wrap(pipeerrors.ErrCategoryInternal, pipeerrors.CodeDeadlineExceeded,
					"archive write interrupted", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return pipeerrors.NewArchiveError(pipeerrors.CodeUploadFailed,
		"archive retry budget exhausted", lastErr)
}

// objectPath builds the time-partitioned object key for a batch. The
// partition derives from the batch's dominant event-time bucket; the uuid
// suffix makes keys collision-proof across concurrent writers.
func (a *Archiver) objectPath(batch *Batch) string {
	bucket := a.dominantBucket(batch)
	suffix := uuid.New().String()

	if a.cfg.Bucket == types.BucketDay {
		return fmt.Sprintf("%s/%04d/%02d/%02d/batch-%s.ndjson.snappy",
			a.cfg.Prefix, bucket.Year(), bucket.Month(), bucket.Day(), suffix)
	}
	return fmt.Sprintf("%s/%04d/%02d/%02d/%02d/batch-%s.ndjson.snappy",
		a.cfg.Prefix, bucket.Year(), bucket.Month(), bucket.Day(), bucket.Hour(), suffix)
}

// dominantBucket returns the most frequent event-time bucket in the batch.
func (a *Archiver) dominantBucket(batch *Batch) time.Time {
	counts := make(map[time.Time]int)
	for _, event := range batch.Events {
		counts[a.cfg.Bucket.Truncate(event.OccurredAt)]++
	}

	var dominant time.Time
	best := -1
	for bucket, n := range counts {
		if n > best || (n == best && bucket.Before(dominant)) {
			dominant = bucket
			best = n
		}
	}
	return dominant
}

// metadata summarizes the batch for the object store.
func (a *Archiver) metadata(batch *Batch) map[string]string {
	minSeq := uint64(math.MaxUint64)
	maxSeq := uint64(0)
	shards := make(map[string]struct{})
	for _, event := range batch.Events {
		shards[event.Record.ShardID] = struct{}{}
		if seq := event.Record.SequenceNumber; seq < minSeq {
			minSeq = seq
		}
		if seq := event.Record.SequenceNumber; seq > maxSeq {
			maxSeq = seq
		}
	}

	metadata := map[string]string{
		"event_count":  strconv.Itoa(len(batch.Events)),
		"size_bytes":   strconv.Itoa(batch.SizeBytes),
		"min_sequence": strconv.FormatUint(minSeq, 10),
		"max_sequence": strconv.FormatUint(maxSeq, 10),
		"bucket":       a.dominantBucket(batch).Format(time.RFC3339),
	}
	if len(shards) == 1 {
		for shard := range shards {
			metadata["shard_id"] = shard
		}
	}
	return metadata
}

// archivedEvent is the wire form of one archived event. The record
// identity is embedded so downstream consumers can dedup re-archived
// events across retried batches.
type archivedEvent struct {
	ShardID             string                   `json:"shard_id"`
	SequenceNumber      uint64                   `json:"sequence_number"`
	EventID             string                   `json:"event_id"`
	EventType           string                   `json:"event_type"`
	OccurredAt          time.Time                `json:"occurred_at"`
	SubjectID           string                   `json:"subject_id"`
	ExperimentID        string                   `json:"experiment_id,omitempty"`
	FeatureFlagID       string                   `json:"feature_flag_id,omitempty"`
	VariantID           string                   `json:"variant_id,omitempty"`
	Value               float64                  `json:"value,omitempty"`
	Assignment          *types.AssignmentContext `json:"assignment,omitempty"`
	TimeSinceAssignment time.Duration            `json:"time_since_assignment,omitempty"`
	Degraded            string                   `json:"enrichment_degraded,omitempty"`
	Fields              map[string]interface{}   `json:"fields,omitempty"`
}

func newArchivedEvent(event *types.EnrichedEvent) archivedEvent {
	return archivedEvent{
		ShardID:             event.Record.ShardID,
		SequenceNumber:      event.Record.SequenceNumber,
		EventID:             event.EventID,
		EventType:           event.EventType,
		OccurredAt:          event.OccurredAt,
		SubjectID:           event.SubjectID,
		ExperimentID:        event.ExperimentID,
		FeatureFlagID:       event.FeatureFlagID,
		VariantID:           event.VariantID,
		Value:               event.Value,
		Assignment:          event.Assignment,
		TimeSinceAssignment: event.TimeSinceAssignment,
		Degraded:            event.Degraded,
		Fields:              event.Fields,
	}
}
