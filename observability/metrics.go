// Package observability records import and OCR metrics into a SQLite
// timeseries table.
//
// Persistence is asynchronous: Record only appends to a buffer, and a
// background loop writes batches. Record never touches the database itself,
// so it is safe to call while the caller holds the connection.
//
// A nil *MetricsManager is valid and records nothing; that is how metrics are
// disabled.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/edingest/dbopen"
)

// Metric names written by the importer and the OCR pipeline.
const (
	MetricEventsImported  = "journal_events_imported_count"
	MetricBatchDurationMs = "journal_batch_duration_ms"
	MetricOCRChainMs      = "ocr_chain_duration_ms"
	MetricOCRChainFailed  = "ocr_chain_failed_count"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "count", "milliseconds"
}

// Summary aggregates all datapoints of one metric.
type Summary struct {
	Name  string    `json:"name"`
	Count int64     `json:"count"`
	Sum   float64   `json:"sum"`
	Max   float64   `json:"max"`
	Last  time.Time `json:"last"`
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	logger        *slog.Logger
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Metric

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMetricsManager creates a manager that flushes every flushInterval or as
// soon as bufferSize datapoints are pending. Defaults: 100, 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		logger:        logger,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric. Non-blocking.
func (mm *MetricsManager) Record(m *Metric) {
	if mm == nil {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	mm.buffer = append(mm.buffer, m)
	full := len(mm.buffer) >= mm.bufferSize
	mm.mu.Unlock()
	if full {
		select {
		case mm.kick <- struct{}{}:
		default:
		}
	}
}

// Count records a counter increment.
func (mm *MetricsManager) Count(name string, n int, labels map[string]string) {
	mm.Record(&Metric{Name: name, Value: float64(n), Labels: labels, Unit: "count"})
}

// Duration records an elapsed time in milliseconds.
func (mm *MetricsManager) Duration(name string, d time.Duration, labels map[string]string) {
	mm.Record(&Metric{Name: name, Value: float64(d.Microseconds()) / 1000, Labels: labels, Unit: "milliseconds"})
}

// Query retrieves the most recent datapoints of a metric. Pass an empty name
// for all metrics.
func (mm *MetricsManager) Query(ctx context.Context, name string, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries"
	var args []any
	if name != "" {
		q += " WHERE metric_name = ?"
		args = append(args, name)
	}
	q += " ORDER BY timestamp DESC, rowid DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels, unit sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Unit = unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Summaries aggregates every metric by name.
func (mm *MetricsManager) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := mm.db.QueryContext(ctx, `
		SELECT metric_name, COUNT(*), SUM(value), MAX(value), MAX(timestamp)
		FROM metrics_timeseries GROUP BY metric_name ORDER BY metric_name`)
	if err != nil {
		return nil, fmt.Errorf("observability: summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var last int64
		if err := rows.Scan(&s.Name, &s.Count, &s.Sum, &s.Max, &last); err != nil {
			return nil, fmt.Errorf("observability: scan summary: %w", err)
		}
		s.Last = time.Unix(last, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Flush writes pending datapoints now.
func (mm *MetricsManager) Flush() {
	if mm == nil {
		return
	}
	mm.flush()
}

// Close flushes remaining metrics and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	if mm == nil {
		return nil
	}
	mm.once.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.flush()
			return
		case <-ticker.C:
			mm.flush()
		case <-mm.kick:
			mm.flush()
		}
	}
}

func (mm *MetricsManager) flush() {
	mm.mu.Lock()
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	mm.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("observability: flush metrics", "error", err, "dropped", len(batch))
	}
}
