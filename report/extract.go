package report

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrExtraction is matched by every *ExtractionError.
var ErrExtraction = errors.New("report: extraction failed")

// ExtractionError reports a field that could not be read from the text.
type ExtractionError struct {
	Event  string
	Field  string
	Reason string
	Input  string
}

func (e *ExtractionError) Error() string {
	where := e.Field
	if e.Event != "" {
		where = e.Event + "." + e.Field
	}
	if where == "" {
		return fmt.Sprintf("report: %s in %q", e.Reason, e.Input)
	}
	return fmt.Sprintf("report: %s: %s in %q", where, e.Reason, e.Input)
}

func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

// Extractor reads one field from the report text. strict only matters to
// extractors that can partially succeed; a returned error is handled by the
// Parser according to its own strict flag.
type Extractor interface {
	Extract(text string, strict bool) (any, error)
}

// Literal yields a constant.
type Literal struct{ Value any }

func (l Literal) Extract(string, bool) (any, error) { return l.Value, nil }

// Pattern yields the first capture group of Re, passed through Post when set.
type Pattern struct {
	Re   *regexp.Regexp
	Post func(raw string) (any, error)
}

func (p Pattern) Extract(text string, _ bool) (any, error) {
	m := p.Re.FindStringSubmatch(text)
	if m == nil || len(m) < 2 {
		return nil, &ExtractionError{Reason: fmt.Sprintf("no match for %s", p.Re), Input: text}
	}
	if p.Post == nil {
		return strings.TrimSpace(m[1]), nil
	}
	return p.Post(m[1])
}

// Func adapts a function to Extractor.
type Func func(text string, strict bool) (any, error)

func (f Func) Extract(text string, strict bool) (any, error) { return f(text, strict) }

var (
	thousands   = regexp.MustCompile(`(\d),(\d)`)
	numberToken = regexp.MustCompile(`\d+(?:\.\d+)?`)
	ocrDigits   = strings.NewReplacer("l", "1", "O", "0", "I", "1")
)

// numberIn repairs common OCR digit confusions and returns the first
// integer-or-decimal token of s.
func numberIn(s string) (string, error) {
	fixed := ocrDigits.Replace(s)
	for thousands.MatchString(fixed) {
		fixed = thousands.ReplaceAllString(fixed, "$1$2")
	}
	tok := numberToken.FindString(fixed)
	if tok == "" {
		return "", &ExtractionError{Reason: "no number", Input: s}
	}
	return tok, nil
}

// CleanInt reads an integer from OCR text. A decimal token is truncated to
// its integer part.
func CleanInt(s string) (int64, error) {
	tok, err := numberIn(s)
	if err != nil {
		return 0, err
	}
	if i := strings.IndexByte(tok, '.'); i >= 0 {
		tok = tok[:i]
	}
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, &ExtractionError{Reason: err.Error(), Input: s}
	}
	return n, nil
}

// CleanFloat reads a real number from OCR text.
func CleanFloat(s string) (float64, error) {
	tok, err := numberIn(s)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, &ExtractionError{Reason: err.Error(), Input: s}
	}
	return f, nil
}

// Int is a Pattern post-processor backed by CleanInt.
func Int(s string) (any, error) { return wrap(CleanInt(s)) }

// Float is a Pattern post-processor backed by CleanFloat.
func Float(s string) (any, error) { return wrap(CleanFloat(s)) }

func wrap[T any](v T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Ships parses the "name - count" listing that follows "follows:" in a
// traffic report. Lines without a dash fail in strict mode and are skipped
// otherwise; a count that cannot be read fails in strict mode and is nil
// otherwise.
func Ships(text string, strict bool) (any, error) {
	_, listing, ok := strings.Cut(text, "follows:")
	if !ok {
		return nil, &ExtractionError{Reason: `no "follows:" marker`, Input: text}
	}
	ships := make(map[string]any)
	for line := range strings.SplitSeq(listing, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		i := strings.LastIndexByte(line, '-')
		if i < 0 {
			if strict {
				return nil, &ExtractionError{Reason: "ship line without count", Input: line}
			}
			continue
		}
		name := strings.TrimSpace(line[:i])
		n, err := CleanInt(strings.TrimSpace(line[i+1:]))
		if err != nil {
			if strict {
				return nil, err
			}
			ships[name] = nil
			continue
		}
		ships[name] = n
	}
	return ships, nil
}
