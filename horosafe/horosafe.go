// Package horosafe provides the input guards shared by the importer and the
// OCR pipeline: identifier validation for names that end up in DDL, path
// traversal checks for scratch files, and bounded reads of tool output.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// MaxIdentifierLen bounds table and column names.
const MaxIdentifierLen = 256

// MaxToolOutput caps how much text is read back from an OCR tool (1 MiB).
const MaxToolOutput int64 = 1 << 20

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrInvalidIdentifier is wrapped by every ValidateIdentifier failure.
var ErrInvalidIdentifier = errors.New("horosafe: invalid identifier")

// SafePath validates that joining base and userInput does not escape base.
// Returns the cleaned path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateIdentifier rejects identifiers that contain characters unsuitable
// for SQL identifiers or file names. Allows alphanumeric, underscore, hyphen,
// and dot. Callers still quote the identifier.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("%w: must not be empty", ErrInvalidIdentifier)
	}
	if len(s) > MaxIdentifierLen {
		return fmt.Errorf("%w: too long (max %d)", ErrInvalidIdentifier, MaxIdentifierLen)
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("%w: invalid character %q in %q", ErrInvalidIdentifier, r, s)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r and fails if more is available.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: input exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
