// Package validate enforces the event schema and per-batch duplicate rules.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/factline/factline/internal/errors"
	"github.com/factline/factline/pkg/types"
)

// FieldKind is the expected kind of a schema field.
type FieldKind string

const (
	KindString    FieldKind = "string"
	KindTimestamp FieldKind = "timestamp"
	KindNumber    FieldKind = "number"
)

// FieldRule describes one schema field: its name, whether it must be
// present, and the kind it must have when present.
type FieldRule struct {
	Name     string
	Required bool
	Kind     FieldKind
}

// EventSchema returns the rule table for telemetry events. Subject identity
// and the experiment/flag scope are checked separately because either of two
// fields can satisfy them.
func EventSchema() []FieldRule {
	return []FieldRule{
		{Name: "event_id", Required: true, Kind: KindString},
		{Name: "event_type", Required: true, Kind: KindString},
		{Name: "occurred_at", Required: true, Kind: KindTimestamp},
		{Name: "user_id", Required: false, Kind: KindString},
		{Name: "anonymous_id", Required: false, Kind: KindString},
		{Name: "experiment_id", Required: false, Kind: KindString},
		{Name: "feature_flag_id", Required: false, Kind: KindString},
		{Name: "variant_id", Required: false, Kind: KindString},
		{Name: "value", Required: false, Kind: KindNumber},
	}
}

// Validator checks parsed events against the schema and tracks duplicate
// event IDs within a batch. A Validator is scoped to one batch and is not
// safe for concurrent use; the orchestrator runs the duplicate pass
// sequentially in input order.
type Validator struct {
	rules []FieldRule
	seen  map[string]struct{}
}

// NewValidator creates a validator for one batch.
func NewValidator() *Validator {
	return &Validator{
		rules: EventSchema(),
		seen:  make(map[string]struct{}),
	}
}

// Validate promotes a parsed event to a validated event. On schema failure
// it returns a terminal validation error listing every failing field, not
// just the first.
func (v *Validator) Validate(parsed *types.ParsedEvent) (*types.ValidatedEvent, error) {
	fields := parsed.Fields
	var fieldErrors []string

	for _, rule := range v.rules {
		value, present := fields[rule.Name]
		if !present || value == nil {
			if rule.Required {
				fieldErrors = append(fieldErrors, fmt.Sprintf("%s required", rule.Name))
			}
			continue
		}
		if err := checkKind(rule, value); err != nil {
			fieldErrors = append(fieldErrors, err.Error())
		}
	}

	subjectID := stringField(fields, "user_id")
	if subjectID == "" {
		subjectID = stringField(fields, "anonymous_id")
	}
	if subjectID == "" {
		fieldErrors = append(fieldErrors, "subject identifier required (user_id or anonymous_id)")
	}

	experimentID := stringField(fields, "experiment_id")
	flagID := stringField(fields, "feature_flag_id")
	if experimentID == "" && flagID == "" {
		fieldErrors = append(fieldErrors, "experiment_id or feature_flag_id required")
	}

	if len(fieldErrors) > 0 {
		return nil, errors.NewValidationError(strings.Join(fieldErrors, "; ")).
			WithDetails(map[string]interface{}{"fields": fieldErrors})
	}

	occurredAt, _ := parseTimestamp(fields["occurred_at"])

	event := &types.ValidatedEvent{
		Record:        parsed.Record,
		EventID:       stringField(fields, "event_id"),
		EventType:     stringField(fields, "event_type"),
		OccurredAt:    occurredAt,
		SubjectID:     subjectID,
		ExperimentID:  experimentID,
		FeatureFlagID: flagID,
		VariantID:     stringField(fields, "variant_id"),
		Fields:        fields,
	}

	if raw, ok := fields["value"]; ok && raw != nil {
		if n, err := numberValue(raw); err == nil {
			event.Value = n
			event.HasValue = true
		}
	}

	return event, nil
}

// IsDuplicate records the event ID in the batch-local seen set and reports
// whether it was already present. The first occurrence wins; repeats are
// benign skips, not failures. Cross-batch duplicates are handled by the
// record identity in the aggregation and archive stores, not here.
func (v *Validator) IsDuplicate(event *types.ValidatedEvent) bool {
	if _, dup := v.seen[event.EventID]; dup {
		return true
	}
	v.seen[event.EventID] = struct{}{}
	return false
}

// checkKind verifies a present field has the expected kind.
func checkKind(rule FieldRule, value interface{}) error {
	switch rule.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%s must be a string, got %T", rule.Name, value)
		}
	case KindTimestamp:
		if _, err := parseTimestamp(value); err != nil {
			return fmt.Errorf("%s must be a parseable timestamp", rule.Name)
		}
	case KindNumber:
		if _, err := numberValue(value); err != nil {
			return fmt.Errorf("%s must be numeric, got %T", rule.Name, value)
		}
	}
	return nil
}

// parseTimestamp accepts RFC3339 strings and numeric Unix timestamps
// (seconds, with optional fraction).
func parseTimestamp(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, err
		}
		sec := int64(f)
		nsec := int64((f - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

// numberValue converts a decoded JSON number to float64.
func numberValue(value interface{}) (float64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("not a number: %T", value)
	}
}

// stringField returns the field as a string, or "" when absent or not a
// string.
func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}
