// Package pipeline drives a batch of raw records through decode,
// validation, enrichment, aggregation, and archival, producing exactly
// one outcome per input record in input order.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/factline/factline/internal/aggregate"
	"github.com/factline/factline/internal/archive"
	"github.com/factline/factline/internal/decode"
	"github.com/factline/factline/internal/enrich"
	pipeerrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/observability"
	"github.com/factline/factline/internal/validate"
	"github.com/factline/factline/pkg/types"
)

// Outcome reasons reported to the transport layer.
const (
	reasonDuplicate = "duplicate"
	reasonDeadline  = "deadline_exceeded"
)

// Options tunes a single orchestrator instance.
type Options struct {
	// Workers bounds the per-record worker pool for the decode,
	// validate, and enrich stages.
	Workers int

	// BatchDeadline is the overall processing deadline per ProcessBatch
	// call. Zero disables the deadline.
	BatchDeadline time.Duration
}

// Orchestrator owns the per-batch state machine. Decode and validation
// failures are terminal; enrichment degrades but never fails a record;
// aggregation and archival run concurrently and fail independently, so
// a record can finish with only one of the two effects applied.
type Orchestrator struct {
	decoder    *decode.Decoder
	enricher   *enrich.Enricher
	aggregator *aggregate.Aggregator
	archiver   *archive.Archiver
	sink       DeadLetterSink
	metrics    *observability.Metrics
	logger     *logrus.Logger
	opts       Options
}

// NewOrchestrator wires the pipeline stages together. sink and metrics
// may be nil; a nil sink falls back to log-only dead-lettering.
func NewOrchestrator(
	enricher *enrich.Enricher,
	aggregator *aggregate.Aggregator,
	archiver *archive.Archiver,
	sink DeadLetterSink,
	metrics *observability.Metrics,
	logger *logrus.Logger,
	opts Options,
) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 8
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	return &Orchestrator{
		decoder:    decode.NewDecoder(),
		enricher:   enricher,
		aggregator: aggregator,
		archiver:   archiver,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		opts:       opts,
	}
}

// recordState tracks one record's progress through the batch.
type recordState struct {
	record     types.RawRecord
	event      *types.ValidatedEvent
	enriched   *types.EnrichedEvent
	terminal   error // decode or validation failure
	parsed     bool  // decode/validate stage completed
	duplicate  bool
	dispatched bool // reached the aggregation/archive stage
	aggErr     error
	archErr    error
}

// ProcessBatch runs every record through the pipeline and returns one
// outcome per input record, preserving input order. If the deadline
// elapses mid-batch, unfinished records are reported as retry; effects
// already committed to the stores stay committed and are safe to
// re-apply on redelivery.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID string, records []types.RawRecord) []types.RecordOutcome {
	start := time.Now()

	if o.opts.BatchDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.BatchDeadline)
		defer cancel()
	}

	states := make([]*recordState, len(records))
	for i, record := range records {
		states[i] = &recordState{record: record}
	}

	validator := validate.NewValidator()

	o.parseStage(ctx, states)
	o.duplicateStage(validator, states)
	o.enrichStage(ctx, states)
	survivors := o.dispatchStage(ctx, states)

	outcomes := make([]types.RecordOutcome, len(states))
	for i, state := range states {
		outcomes[i] = o.outcomeFor(ctx, batchID, state)
	}

	o.metrics.ObserveBatch(time.Since(start))
	o.logger.WithFields(logrus.Fields{
		"batch":     batchID,
		"records":   len(records),
		"survivors": survivors,
		"elapsed":   time.Since(start),
	}).Info("batch processed")

	return outcomes
}

// parseStage decodes and validates every record across the worker pool.
// Records whose worker never ran before cancellation stay unparsed and
// resolve to retry.
func (o *Orchestrator) parseStage(ctx context.Context, states []*recordState) {
	sem := semaphore.NewWeighted(int64(o.opts.Workers))
	var wg sync.WaitGroup

	for _, state := range states {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(state *recordState) {
			defer wg.Done()
			defer sem.Release(1)
			if ctx.Err() != nil {
				return
			}

			parsed, err := o.decoder.Decode(state.record)
			if err != nil {
				state.terminal = err
				state.parsed = true
				o.metrics.ObserveStageFailure("decode")
				return
			}

			event, err := validate.NewValidator().Validate(parsed)
			if err != nil {
				state.terminal = err
				state.parsed = true
				o.metrics.ObserveStageFailure("validate")
				return
			}

			state.event = event
			state.parsed = true
		}(state)
	}

	wg.Wait()
}

// duplicateStage marks within-batch repeats in input order so the first
// occurrence always wins regardless of worker scheduling.
func (o *Orchestrator) duplicateStage(validator *validate.Validator, states []*recordState) {
	for _, state := range states {
		if state.event == nil {
			continue
		}
		if validator.IsDuplicate(state.event) {
			state.duplicate = true
			o.metrics.ObserveDuplicate()
		}
	}
}

// enrichStage attaches assignment context to surviving events across the
// worker pool. Enrichment never fails a record.
func (o *Orchestrator) enrichStage(ctx context.Context, states []*recordState) {
	sem := semaphore.NewWeighted(int64(o.opts.Workers))
	var wg sync.WaitGroup

	for _, state := range states {
		if state.event == nil || state.duplicate {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(state *recordState) {
			defer wg.Done()
			defer sem.Release(1)
			if ctx.Err() != nil {
				return
			}

			state.enriched = o.enricher.Enrich(ctx, state.event)
			if state.enriched.Degraded != "" {
				o.metrics.ObserveDegraded()
			}
		}(state)
	}

	wg.Wait()
}

// dispatchStage fans the surviving events out to aggregation and
// archival concurrently. The two stages touch disjoint stores and fail
// per record independently. Returns the survivor count.
func (o *Orchestrator) dispatchStage(ctx context.Context, states []*recordState) int {
	var survivors []*recordState
	var events []*types.EnrichedEvent
	for _, state := range states {
		if state.enriched == nil {
			continue
		}
		survivors = append(survivors, state)
		events = append(events, state.enriched)
	}
	if len(events) == 0 {
		return 0
	}

	if ctx.Err() != nil {
		return len(survivors)
	}
	for _, state := range survivors {
		state.dispatched = true
	}

	var aggFailures, archFailures map[types.RecordIdentity]error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		aggFailures = o.aggregator.Aggregate(ctx, events)
	}()
	go func() {
		defer wg.Done()
		archFailures = o.archiver.Archive(ctx, events)
	}()
	wg.Wait()

	for _, state := range survivors {
		identity := state.record.Identity()
		if err, failed := aggFailures[identity]; failed {
			state.aggErr = err
			o.metrics.ObserveStageFailure("aggregate")
		}
		if err, failed := archFailures[identity]; failed {
			state.archErr = err
			o.metrics.ObserveStageFailure("archive")
		}
	}

	return len(survivors)
}

// outcomeFor derives a record's terminal outcome and pushes dead-lettered
// records to the sink.
func (o *Orchestrator) outcomeFor(ctx context.Context, batchID string, state *recordState) types.RecordOutcome {
	outcome := types.RecordOutcome{SequenceNumber: state.record.SequenceNumber}

	switch {
	case state.terminal != nil:
		outcome.Status = types.StatusDeadLetter
		outcome.Reason = deadLetterReason(state.terminal)
		o.pushDeadLetter(ctx, batchID, state, outcome.Reason)

	case state.duplicate:
		outcome.Status = types.StatusOK
		outcome.Reason = reasonDuplicate

	case !state.parsed || !state.dispatched:
		outcome.Status = types.StatusRetry
		outcome.Reason = reasonDeadline

	default:
		outcome.Aggregated = state.aggErr == nil
		outcome.Archived = state.archErr == nil
		if outcome.Aggregated && outcome.Archived {
			outcome.Status = types.StatusOK
		} else {
			outcome.Status = types.StatusRetry
			outcome.Reason = retryReason(state)
		}
	}

	o.metrics.ObserveRecord(string(outcome.Status))
	return outcome
}

// deadLetterReason labels a terminal error for the outcome report.
func deadLetterReason(err error) string {
	switch pipeerrors.GetCategory(err) {
	case pipeerrors.ErrCategoryDecode:
		return "decode_error: " + err.Error()
	case pipeerrors.ErrCategoryValidation:
		return "validation_error: " + err.Error()
	default:
		return err.Error()
	}
}

// retryReason labels the failing stage, or both when both failed.
func retryReason(state *recordState) string {
	switch {
	case state.aggErr != nil && state.archErr != nil:
		return "aggregation_failed: " + state.aggErr.Error() + "; archive_failed: " + state.archErr.Error()
	case state.aggErr != nil:
		return "aggregation_failed: " + state.aggErr.Error()
	default:
		return "archive_failed: " + state.archErr.Error()
	}
}

// pushDeadLetter forwards a permanently failed record to the sink. Sink
// failures are logged; the dead_letter outcome stands either way.
func (o *Orchestrator) pushDeadLetter(ctx context.Context, batchID string, state *recordState, reason string) {
	entry := DeadLetterEntry{
		BatchID:  batchID,
		Record:   state.record,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
	if err := o.sink.Push(ctx, entry); err != nil {
		o.logger.WithFields(logrus.Fields{
			"batch":    batchID,
			"shard":    state.record.ShardID,
			"sequence": state.record.SequenceNumber,
		}).WithError(err).Warn("dead-letter sink push failed")
	}
}
