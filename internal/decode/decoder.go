// Package decode turns opaque transport payloads into structured events.
package decode

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"github.com/factline/factline/internal/errors"
	"github.com/factline/factline/pkg/types"
)

// Decoder parses transport-encoded record payloads. Payloads are typically
// base64-wrapped JSON; raw JSON is accepted as well so replay files stay
// human-writable. Decode failures are terminal: the record is dead-lettered
// and excluded from all later stages.
type Decoder struct{}

// NewDecoder creates a new decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses a raw record's payload into a generic field map. Returns a
// typed decode error on malformed encoding, truncated payloads, or invalid
// character sequences; it never panics on hostile input.
func (d *Decoder) Decode(record types.RawRecord) (*types.ParsedEvent, error) {
	payload := bytes.TrimSpace(record.Payload)
	if len(payload) == 0 {
		return nil, errors.NewDecodeError(errors.CodeEmptyPayload, "payload is empty", nil)
	}

	raw := payload
	if !looksLikeJSON(raw) {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
		n, err := base64.StdEncoding.Decode(decoded, payload)
		if err != nil {
			return nil, errors.NewDecodeError(errors.CodeInvalidEncoding, "payload is not valid base64", err)
		}
		raw = decoded[:n]
	}

	if !utf8.Valid(raw) {
		return nil, errors.NewDecodeError(errors.CodeInvalidEncoding, "payload is not valid UTF-8", nil)
	}

	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, errors.NewDecodeError(errors.CodeInvalidJSON, "payload is not a JSON object", err)
	}

	return &types.ParsedEvent{Record: record, Fields: fields}, nil
}

// looksLikeJSON reports whether the payload already starts with a JSON
// object, in which case the base64 unwrap is skipped.
func looksLikeJSON(payload []byte) bool {
	return len(payload) > 0 && payload[0] == '{'
}
