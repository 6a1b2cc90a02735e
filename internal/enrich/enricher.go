// Package enrich augments validated events with assignment context from an
// external lookup store. Enrichment never fails an event: misses proceed
// with no context, and timeouts degrade gracefully with a note recorded for
// observability.
package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	pipeerrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/pkg/types"
)

// ErrAssignmentNotFound is returned by assignment stores when no assignment
// exists for the subject/experiment pair.
var ErrAssignmentNotFound = errors.New("assignment not found")

// AssignmentStore looks up which variant a subject was previously assigned.
// Implementations must honor context cancellation.
type AssignmentStore interface {
	// Get returns the assignment context for a subject within an
	// experiment or flag scope. Returns ErrAssignmentNotFound when no
	// assignment exists.
	Get(ctx context.Context, subjectID, scopeID string) (*types.AssignmentContext, error)
}

// Enricher attaches assignment context to validated events.
type Enricher struct {
	store   AssignmentStore
	timeout time.Duration
	logger  *logrus.Logger
}

// NewEnricher creates an enricher with a bounded per-lookup timeout.
func NewEnricher(store AssignmentStore, timeout time.Duration, logger *logrus.Logger) *Enricher {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Enricher{store: store, timeout: timeout, logger: logger}
}

// Enrich looks up the event's assignment context. Three outcomes:
// found → context attached and time_since_assignment derived;
// not found → nil context; timeout/unavailable → nil context plus a
// degraded note. The event always continues to aggregation and archival.
func (e *Enricher) Enrich(ctx context.Context, event *types.ValidatedEvent) *types.EnrichedEvent {
	enriched := &types.EnrichedEvent{ValidatedEvent: *event}

	if e.store == nil {
		return enriched
	}

	_, scopeID := event.ScopeID()

	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	assignment, err := e.store.Get(lookupCtx, event.SubjectID, scopeID)
	switch {
	case err == nil:
		enriched.Assignment = assignment
		enriched.TimeSinceAssignment = event.OccurredAt.Sub(assignment.AssignedAt)
	case errors.Is(err, ErrAssignmentNotFound):
		// Non-fatal: the event proceeds with no context.
	default:
		code := pipeerrors.CodeLookupUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = pipeerrors.CodeLookupTimeout
		}
		enriched.Degraded = pipeerrors.NewEnrichmentError(code, "assignment lookup failed", err).Error()
		e.logger.WithFields(logrus.Fields{
			"shard":    event.Record.ShardID,
			"sequence": event.Record.SequenceNumber,
			"subject":  event.SubjectID,
			"scope":    scopeID,
		}).WithError(err).Warn("enrichment degraded")
	}

	return enriched
}
