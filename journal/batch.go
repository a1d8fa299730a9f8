package journal

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/hazyhaar/edingest/dbopen"
	"github.com/hazyhaar/edingest/kit"
	"github.com/hazyhaar/edingest/observability"
)

const importsDDL = `
CREATE TABLE IF NOT EXISTS imports (
    key        TEXT PRIMARY KEY,
    count      INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT
);
`

// Producer returns the full ordered event sequence of one source. It may be
// called more than once; each call must start from the first event.
type Producer func() iter.Seq2[Record, error]

// Progress is the persisted import state of one source.
type Progress struct {
	Key       string `json:"key"`
	Count     int    `json:"count"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// BatchImporter imports whole sources and remembers how many events of each
// source are already stored, so re-running a source only imports its tail.
type BatchImporter struct {
	importer *Importer
	db       *sql.DB
	metrics  *observability.MetricsManager
	logger   *slog.Logger
}

// BatchOption configures a BatchImporter.
type BatchOption func(*BatchImporter)

// WithMetrics records per-batch counters and durations.
func WithMetrics(mm *observability.MetricsManager) BatchOption {
	return func(b *BatchImporter) { b.metrics = mm }
}

// WithBatchLogger sets the logger. Default: the importer's logger.
func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(b *BatchImporter) { b.logger = l }
}

// NewBatchImporter wraps im. Call Init before use.
func NewBatchImporter(im *Importer, opts ...BatchOption) *BatchImporter {
	b := &BatchImporter{importer: im, db: im.db, logger: im.logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Init creates the imports table. Tables created by older versions gain
// updated_at.
func (b *BatchImporter) Init(ctx context.Context) error {
	if _, err := dbopen.Exec(ctx, b.db, importsDDL); err != nil {
		return fmt.Errorf("journal: init imports: %w", err)
	}
	return applyColumnMigration(ctx, b.db, "imports", "updated_at",
		"ALTER TABLE imports ADD COLUMN updated_at TEXT")
}

// ImportBatch imports the events of source key that are not stored yet and
// returns how many were imported.
//
// When total does not exceed the stored count, produce is not called. When
// an event fails, the batch stops and the stored count is left unchanged, so
// the next run starts again from the same position; events imported before
// the failure will then be imported a second time. A producer that yields
// fewer than total events is not an error: the count records what was
// actually seen.
func (b *BatchImporter) ImportBatch(ctx context.Context, key string, total int, produce Producer) (int, error) {
	if key == "" {
		return 0, fmt.Errorf("journal: batch: empty key")
	}
	ctx = kit.WithSource(ctx, key)

	done, err := b.begin(ctx, key)
	if err != nil {
		return 0, err
	}
	if total <= done {
		return 0, nil
	}

	start := time.Now()
	imported, pos := 0, 0
	for rec, err := range produce() {
		if err != nil {
			return imported, fmt.Errorf("journal: batch %s at %d: %w", key, pos, err)
		}
		if pos >= done {
			if _, err := b.importer.ImportFrom(ctx, rec, key, pos); err != nil {
				return imported, fmt.Errorf("journal: batch %s at %d: %w", key, pos, err)
			}
			imported++
		}
		pos++
	}

	count := max(done, pos)
	_, err = dbopen.Exec(ctx, b.db,
		`UPDATE imports SET count = ?, updated_at = ? WHERE key = ?`,
		count, time.Now().UTC().Format(time.RFC3339), key)
	if err != nil {
		return imported, fmt.Errorf("journal: batch %s: update progress: %w", key, err)
	}

	if imported > 0 {
		labels := map[string]string{"source": key}
		b.metrics.Count(observability.MetricEventsImported, imported, labels)
		b.metrics.Duration(observability.MetricBatchDurationMs, time.Since(start), labels)
		b.logger.InfoContext(ctx, "journal: batch imported",
			"source", key, "imported", imported, "count", count,
			"trace_id", kit.GetTraceID(ctx), "duration", time.Since(start))
	}
	return imported, nil
}

// Done reports the stored count of key without creating a progress record.
func (b *BatchImporter) Done(ctx context.Context, key string) (int, error) {
	p, err := b.Progress(ctx, key)
	if err != nil || p == nil {
		return 0, err
	}
	return p.Count, nil
}

func (b *BatchImporter) begin(ctx context.Context, key string) (int, error) {
	if _, err := dbopen.Exec(ctx, b.db,
		`INSERT OR IGNORE INTO imports (key, count) VALUES (?, 0)`, key); err != nil {
		return 0, fmt.Errorf("journal: batch %s: register: %w", key, err)
	}
	var n int
	if err := b.db.QueryRowContext(ctx,
		`SELECT count FROM imports WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: batch %s: read progress: %w", key, err)
	}
	return n, nil
}

// Progress returns the progress record of key, or nil if key was never seen.
func (b *BatchImporter) Progress(ctx context.Context, key string) (*Progress, error) {
	var p Progress
	var updated sql.NullString
	err := b.db.QueryRowContext(ctx,
		`SELECT key, count, updated_at FROM imports WHERE key = ?`, key).Scan(&p.Key, &p.Count, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: progress %s: %w", key, err)
	}
	p.UpdatedAt = updated.String
	return &p, nil
}

// ListProgress returns every progress record in key order.
func (b *BatchImporter) ListProgress(ctx context.Context) ([]Progress, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, count, updated_at FROM imports ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("journal: list progress: %w", err)
	}
	defer rows.Close()
	var out []Progress
	for rows.Next() {
		var p Progress
		var updated sql.NullString
		if err := rows.Scan(&p.Key, &p.Count, &updated); err != nil {
			return nil, fmt.Errorf("journal: list progress: %w", err)
		}
		p.UpdatedAt = updated.String
		out = append(out, p)
	}
	return out, rows.Err()
}
