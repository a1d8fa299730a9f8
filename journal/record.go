// Package journal persists game events: every record goes to the append-only
// events ledger, then to a per-event-type table whose columns follow the
// fields seen so far. BatchImporter adds replay-safe progress tracking per
// source (journal file or screenshot).
package journal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/edingest/coerce"
	"github.com/hazyhaar/edingest/horosafe"
	"github.com/hazyhaar/edingest/schema"
)

// Record is one event: the "event" key carries the type tag, "timestamp" the
// time it occurred, and every other key is a field.
type Record map[string]any

const (
	keyEvent     = "event"
	keyTimestamp = "timestamp"
	keyEventID   = "event_id"
)

var (
	ErrMissingEventType = errors.New("journal: missing event type")
	ErrMissingTimestamp = errors.New("journal: missing timestamp")
	ErrInvalidEventType = errors.New("journal: invalid event type")
	ErrReservedField    = errors.New("journal: reserved field name")
)

// OverrideMismatchError reports a field whose value cannot be stored under
// the kind pinned for it by the type's Descriptor. It matches
// schema.ErrSchemaConflict.
type OverrideMismatchError struct {
	Type     string
	Field    string
	Override coerce.Kind
	Value    coerce.Kind
}

func (e *OverrideMismatchError) Error() string {
	return fmt.Sprintf("journal: %s.%s is pinned to %s, got %s", e.Type, e.Field, e.Override, e.Value)
}

func (e *OverrideMismatchError) Is(target error) bool { return target == schema.ErrSchemaConflict }

// EventType returns the validated type tag of r.
func (r Record) EventType() (string, error) {
	v, ok := r[keyEvent]
	if !ok {
		return "", ErrMissingEventType
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %v", ErrMissingEventType, v)
	}
	if err := horosafe.ValidateIdentifier(s); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEventType, err)
	}
	if schema.IsReserved(s) || strings.HasPrefix(strings.ToLower(s), "sqlite_") {
		return "", fmt.Errorf("%w: %q names an internal table", ErrInvalidEventType, s)
	}
	return s, nil
}

// Timestamp returns the timestamp of r as stored in the ledger.
func (r Record) Timestamp() (string, error) {
	switch v := r[keyTimestamp].(type) {
	case string:
		if v == "" {
			return "", ErrMissingTimestamp
		}
		return v, nil
	case time.Time:
		if v.IsZero() {
			return "", ErrMissingTimestamp
		}
		return v.UTC().Format(time.RFC3339), nil
	case nil:
		return "", ErrMissingTimestamp
	default:
		return "", fmt.Errorf("%w: unsupported timestamp type %T", ErrMissingTimestamp, v)
	}
}

// fields returns a copy of r without the type tag.
func (r Record) fields() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		if k != keyEvent {
			out[k] = v
		}
	}
	return out
}
