package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"golang.org/x/text/unicode/norm"
)

const (
	// maxEntityIDLen bounds entity IDs so they stay usable as bbolt keys
	// with a sequence suffix.
	maxEntityIDLen = 256
)

var entityTypePattern = regexp.MustCompile(`^[a-z0-9_.-]{1,64}$`)

// ValidateEntityType checks that t is usable as a bucket name suffix.
func ValidateEntityType(t string) error {
	if !entityTypePattern.MatchString(t) {
		return apperrors.NewValidationError("entity_type", fmt.Sprintf("%q must match %s", t, entityTypePattern))
	}

	return nil
}

// NormalizeEntityID returns the NFC form of id after validating it.
// Canonical composition keeps visually identical IDs on one key.
func NormalizeEntityID(id string) (string, error) {
	if id == "" {
		return "", apperrors.NewValidationError("entity_id", "must not be empty")
	}

	id = norm.NFC.String(id)
	if len(id) > maxEntityIDLen {
		return "", apperrors.NewValidationError("entity_id", fmt.Sprintf("longer than %d bytes", maxEntityIDLen))
	}

	if strings.ContainsRune(id, 0) {
		return "", apperrors.NewValidationError("entity_id", "contains NUL")
	}

	return id, nil
}

// CanonicalPayload validates payload for op and re-encodes it so equal
// documents always produce identical bytes: numbers keep their literal
// text and object keys are sorted. Create and update payloads must be
// JSON objects. Delete payloads may be empty.
func CanonicalPayload(op Operation, payload []byte) (json.RawMessage, error) {
	if !op.Valid() {
		return nil, apperrors.NewValidationError("operation", fmt.Sprintf("unknown operation %q", op))
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		if op == OpDelete {
			return nil, nil
		}

		return nil, apperrors.NewValidationError("payload", "required for "+string(op))
	}

	// The decoder would replace invalid bytes with U+FFFD.
	if !utf8.Valid(trimmed) {
		return nil, apperrors.NewValidationError("payload", "not valid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, apperrors.NewValidationError("payload", "invalid JSON: "+err.Error())
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, apperrors.NewValidationError("payload", "trailing data after JSON value")
	}

	if _, ok := v.(map[string]any); !ok && op != OpDelete {
		return nil, apperrors.NewValidationError("payload", "must be a JSON object")
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.NewValidationError("payload", "cannot be serialized: "+err.Error())
	}

	return out, nil
}
