package types

// OutcomeStatus is the three-way result the transport layer acts on.
type OutcomeStatus string

const (
	// StatusOK requires no further action from the transport
	StatusOK OutcomeStatus = "ok"

	// StatusRetry instructs the transport to redeliver starting at this
	// record's sequence number
	StatusRetry OutcomeStatus = "retry"

	// StatusDeadLetter instructs permanent removal from the retry path
	StatusDeadLetter OutcomeStatus = "dead_letter"
)

// RecordOutcome is the per-record result of a batch run. Every RawRecord in
// a batch yields exactly one outcome, in input order.
type RecordOutcome struct {
	// SequenceNumber echoes the input record's sequence number
	SequenceNumber uint64 `json:"sequence_number"`

	// Status is the terminal three-way status
	Status OutcomeStatus `json:"status"`

	// Reason carries the detailed cause for observability; it is not
	// returned to upstream producers
	Reason string `json:"reason,omitempty"`

	// Aggregated reports whether counter updates were applied
	Aggregated bool `json:"aggregated"`

	// Archived reports whether the event reached durable archive storage
	Archived bool `json:"archived"`
}
