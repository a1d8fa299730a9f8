package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// maxLine bounds one journal line. Loadout and ShipLocker events are the
// largest the game writes and stay well below this.
const maxLine = 4 << 20

// IsJournalFile reports whether name looks like a game journal file.
func IsJournalFile(name string) bool {
	base := filepath.Base(name)
	return strings.Contains(base, "Journal.") && strings.HasSuffix(base, ".log")
}

// CountLines returns the number of non-blank lines in path.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("journal: count %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("journal: count %s: %w", path, err)
	}
	return n, nil
}

// ReadFile returns a Producer that streams the JSON lines of path. Numbers
// are kept as json.Number so integers and reals stay distinguishable. Blank
// lines are skipped; a malformed line yields an error naming its line number.
func ReadFile(path string) Producer {
	return func() iter.Seq2[Record, error] {
		return func(yield func(Record, error) bool) {
			f, err := os.Open(path)
			if err != nil {
				yield(nil, fmt.Errorf("journal: read %s: %w", path, err))
				return
			}
			defer f.Close()

			sc := bufio.NewScanner(f)
			sc.Buffer(make([]byte, 64*1024), maxLine)
			line := 0
			for sc.Scan() {
				line++
				raw := bytes.TrimSpace(sc.Bytes())
				if len(raw) == 0 {
					continue
				}
				rec, err := decodeLine(raw)
				if err != nil {
					yield(nil, fmt.Errorf("journal: %s line %d: %w", path, line, err))
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
			if err := sc.Err(); err != nil {
				yield(nil, fmt.Errorf("journal: read %s: %w", path, err))
			}
		}
	}
}

// Records returns a Producer over an in-memory slice.
func Records(recs ...Record) Producer {
	return func() iter.Seq2[Record, error] {
		return func(yield func(Record, error) bool) {
			for _, r := range recs {
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}

func decodeLine(raw []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	return rec, nil
}
