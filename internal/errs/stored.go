package errs

import (
	"fmt"
	"strings"
	"time"
)

// storedErrorSeparator joins the fields of a persisted error line. It must
// not appear inside a field; FormatStoredError replaces literal separators
// in Message and Stack (see sanitizeField) before joining.
const storedErrorSeparator = "|"

// FormatStoredError serializes a ClassifiedError into the single-line
// "[ISO-timestamp | category | reason | message | stack?]" format persisted
// on a failed job's LastError column.
func FormatStoredError(ce *ClassifiedError, at time.Time) string {
	fields := []string{
		at.UTC().Format(time.RFC3339Nano),
		string(ce.Category),
		string(ce.Reason),
		sanitizeField(ce.Message),
	}
	if ce.Stack != "" {
		fields = append(fields, sanitizeField(ce.Stack))
	}
	return strings.Join(fields, storedErrorSeparator)
}

// sanitizeField replaces the field separator inside free-form text so the
// round trip through ParseStoredError never mis-splits a message that
// happens to contain a pipe character.
func sanitizeField(s string) string {
	return strings.ReplaceAll(s, storedErrorSeparator, "/")
}

// StoredError is the parsed form of a persisted error line.
type StoredError struct {
	Timestamp time.Time
	Category  Category
	Reason    Reason
	Message   string
	Stack     string
}

// ParseStoredError round-trips a string previously produced by
// FormatStoredError. It tolerates a missing stack field.
func ParseStoredError(s string) (*StoredError, error) {
	parts := strings.SplitN(s, storedErrorSeparator, 5)
	if len(parts) < 4 {
		return nil, fmt.Errorf("errs: malformed stored error %q", s)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("errs: parse stored error timestamp: %w", err)
	}
	se := &StoredError{
		Timestamp: ts,
		Category:  Category(parts[1]),
		Reason:    Reason(parts[2]),
		Message:   parts[3],
	}
	if len(parts) == 5 {
		se.Stack = parts[4]
	}
	return se, nil
}

// CreateTypedError builds a ClassifiedError programmatically from a message
// and category, defaulting the reason to ReasonInternal so the category
// prefix survives serialization even without a specific reason tag.
func CreateTypedError(message string, category Category) *ClassifiedError {
	return &ClassifiedError{Category: category, Reason: ReasonInternal, Message: message}
}
