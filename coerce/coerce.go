// Package coerce maps dynamically typed field values to the closed set of
// column kinds the store knows about, and encodes values for insertion.
package coerce

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Kind is a column kind. The set is closed: every switch over Kind in this
// module is exhaustive.
type Kind uint8

const (
	Invalid Kind = iota
	Text
	Integer
	Real
	Boolean
	Structured
)

// ErrUnsupportedType is matched by every *UnsupportedTypeError.
var ErrUnsupportedType = errors.New("coerce: unsupported type")

// UnsupportedTypeError reports a value whose runtime type has no column kind.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("coerce: unsupported type %s", e.Type)
}

func (e *UnsupportedTypeError) Is(target error) bool { return target == ErrUnsupportedType }

// Encoder turns a value into something database/sql can bind.
type Encoder func(v any) (any, error)

// String returns the persisted kind name.
func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Integer:
		return "integer"
	case Real:
		return "real"
	case Boolean:
		return "boolean"
	case Structured:
		return "structured"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MarshalText encodes k by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a name produced by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ColumnType returns the SQLite declared type used in DDL.
func (k Kind) ColumnType() string {
	switch k {
	case Text:
		return "TEXT"
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	case Boolean:
		return "BOOLEAN"
	case Structured:
		return "JSON"
	case Invalid:
	}
	return ""
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "text":
		return Text, nil
	case "integer":
		return Integer, nil
	case "real":
		return Real, nil
	case "boolean":
		return Boolean, nil
	case "structured":
		return Structured, nil
	}
	return Invalid, fmt.Errorf("coerce: unknown kind %q", s)
}

// KindFromDeclType maps a declared SQLite column type, as reported by
// PRAGMA table_info, back to a kind. Unknown or empty declarations map to
// Text.
func KindFromDeclType(decl string) Kind {
	d := strings.ToUpper(strings.TrimSpace(decl))
	switch {
	case d == "JSON":
		return Structured
	case d == "BOOLEAN" || d == "BOOL":
		return Boolean
	case strings.Contains(d, "INT"):
		return Integer
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return Real
	default:
		return Text
	}
}

// Assignable reports whether a value of kind value may be stored in a column
// of kind column.
func Assignable(column, value Kind) bool {
	return column == value || (column == Real && value == Integer)
}

// Classify returns the kind of v and the encoder to use for it.
func Classify(v any) (Kind, Encoder, error) {
	switch x := v.(type) {
	case string:
		return Text, identity, nil
	case bool:
		return Boolean, identity, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Integer, identity, nil
	case float32, float64:
		return Real, identity, nil
	case json.Number:
		if isIntegral(x) {
			return Integer, encodeNumber, nil
		}
		return Real, encodeNumber, nil
	case []byte, nil:
		return Invalid, nil, unsupported(v)
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return Structured, encodeJSON, nil
	default:
		return Invalid, nil, unsupported(v)
	}
}

// Encode classifies v and encodes it in one step.
func Encode(v any) (any, error) {
	_, enc, err := Classify(v)
	if err != nil {
		return nil, err
	}
	return enc(v)
}

// EncodeAs encodes v for a column of kind k. Integer values bound for a Real
// column are widened to float64.
func EncodeAs(k Kind, v any) (any, error) {
	vk, enc, err := Classify(v)
	if err != nil {
		return nil, err
	}
	out, err := enc(v)
	if err != nil {
		return nil, err
	}
	if k == Real && vk == Integer {
		return toFloat(out), nil
	}
	return out, nil
}

func unsupported(v any) error {
	if v == nil {
		return &UnsupportedTypeError{Type: "nil"}
	}
	return &UnsupportedTypeError{Type: reflect.TypeOf(v).String()}
}

func identity(v any) (any, error) { return v, nil }

func isIntegral(n json.Number) bool {
	return !strings.ContainsAny(string(n), ".eE")
}

func encodeNumber(v any) (any, error) {
	n := v.(json.Number)
	if isIntegral(n) {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("coerce: number %q: %w", n, err)
	}
	return f, nil
}

func encodeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("coerce: encode structured value: %w", err)
	}
	return string(b), nil
}

func toFloat(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return v
}
