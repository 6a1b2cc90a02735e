package types

import "time"

// ValidatedEvent is a parsed event promoted after schema validation.
type ValidatedEvent struct {
	// Record is the raw record this event was decoded from
	Record RawRecord `json:"-"`

	// EventID uniquely identifies the logical event (duplicate detection
	// within a batch keys on this)
	EventID string `json:"event_id"`

	// EventType categorizes the event (e.g. "exposure", "conversion")
	EventType string `json:"event_type"`

	// OccurredAt is the event-declared time; all time bucketing derives
	// from this, never from processing time
	OccurredAt time.Time `json:"occurred_at"`

	// SubjectID identifies the user or anonymous subject
	SubjectID string `json:"subject_id"`

	// ExperimentID is set for experiment exposure/outcome events
	ExperimentID string `json:"experiment_id,omitempty"`

	// FeatureFlagID is set for feature-flag exposure events
	FeatureFlagID string `json:"feature_flag_id,omitempty"`

	// VariantID is the variant the subject saw, when known
	VariantID string `json:"variant_id,omitempty"`

	// Value is an optional numeric metric value carried by the event
	Value float64 `json:"value,omitempty"`

	// HasValue reports whether Value was present in the payload
	HasValue bool `json:"has_value,omitempty"`

	// Fields preserves the full decoded payload for archival
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// ScopeID returns the experiment or feature-flag identifier the event
// belongs to, preferring the experiment when both are present.
func (e *ValidatedEvent) ScopeID() (Scope, string) {
	if e.ExperimentID != "" {
		return ScopeExperiment, e.ExperimentID
	}
	return ScopeFeatureFlag, e.FeatureFlagID
}

// AssignmentContext records which variant a subject was previously assigned
// to, fetched from the assignment store.
type AssignmentContext struct {
	// VariantID is the assigned variant
	VariantID string `json:"variant_id"`

	// AssignedAt is when the assignment was made
	AssignedAt time.Time `json:"assigned_at"`
}

// EnrichedEvent is a validated event plus optional assignment context.
// Absent enrichment never invalidates the event.
type EnrichedEvent struct {
	ValidatedEvent

	// Assignment is nil when the lookup missed or degraded
	Assignment *AssignmentContext `json:"assignment,omitempty"`

	// TimeSinceAssignment is OccurredAt - Assignment.AssignedAt, zero
	// when Assignment is nil
	TimeSinceAssignment time.Duration `json:"time_since_assignment,omitempty"`

	// Degraded notes an enrichment lookup that timed out or failed,
	// recorded for observability only
	Degraded string `json:"enrichment_degraded,omitempty"`
}
