// Package ingest wires the importer, the report parser and the OCR pipeline
// into the operations exposed by the edingest CLI and MCP server.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/edingest/dbopen"
	"github.com/hazyhaar/edingest/idgen"
	"github.com/hazyhaar/edingest/journal"
	"github.com/hazyhaar/edingest/kit"
	"github.com/hazyhaar/edingest/observability"
	"github.com/hazyhaar/edingest/ocr"
	"github.com/hazyhaar/edingest/report"
	"github.com/hazyhaar/edingest/schema"
	"github.com/hazyhaar/edingest/trace"
)

// ErrUnknownTable is returned by Describe for tables the store does not manage.
var ErrUnknownTable = errors.New("ingest: unknown table")

// Service owns the database and every component built on it.
type Service struct {
	cfg      *Config
	db       *sql.DB
	ownsDB   bool
	schemas  *schema.Store
	importer *journal.Importer
	batches  *journal.BatchImporter
	parser   *report.Parser
	metrics  *observability.MetricsManager
	logger   *slog.Logger

	backend ocr.Backend
	cropper ocr.Cropper

	mu     sync.Mutex
	failed map[string]fileStamp // journals whose last import failed
}

// fileStamp identifies a version of a file by size and modification time.
type fileStamp struct {
	size  int64
	mtime time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithDB uses an already opened database instead of opening cfg.DBPath.
// The caller keeps ownership.
func WithDB(db *sql.DB) Option { return func(s *Service) { s.db = db } }

// WithOCR replaces the configured backend and cropper.
func WithOCR(b ocr.Backend, c ocr.Cropper) Option {
	return func(s *Service) { s.backend, s.cropper = b, c }
}

// Open validates cfg, opens the store and creates every table.
func Open(ctx context.Context, cfg *Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: config: %w", err)
	}
	s := &Service{cfg: cfg, logger: slog.Default(), failed: make(map[string]fileStamp)}
	for _, o := range opts {
		o(s)
	}

	if s.db == nil {
		dbOpts := []dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSingleConn()}
		if cfg.DebugSQL {
			trace.SetLogger(s.logger)
			dbOpts = append(dbOpts, dbopen.WithTrace())
		}
		db, err := dbopen.Open(cfg.DBPath, dbOpts...)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		s.db, s.ownsDB = db, true
	}

	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) init(ctx context.Context) error {
	s.schemas = schema.New(s.db, schema.WithLogger(s.logger))
	s.importer = journal.NewImporter(s.db, s.schemas, journal.WithLogger(s.logger))
	if err := s.importer.Init(ctx); err != nil {
		return err
	}

	if s.cfg.Metrics.Enabled {
		if err := observability.Init(ctx, s.db); err != nil {
			return err
		}
		s.metrics = observability.NewMetricsManager(s.db, 100, 5*time.Second, s.logger)
	}

	s.batches = journal.NewBatchImporter(s.importer, journal.WithMetrics(s.metrics))
	if err := s.batches.Init(ctx); err != nil {
		return err
	}
	s.parser = report.NewParser(report.WithLogger(s.logger))

	if s.backend == nil {
		b, err := s.cfg.Backend()
		if err != nil {
			return err
		}
		s.backend = b
	}
	if s.cropper == nil {
		s.cropper = s.cfg.Cropper()
	}
	return nil
}

// Close flushes metrics and closes the database if the service opened it.
func (s *Service) Close() error {
	var errs []error
	if err := s.metrics.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config returns the configuration the service was opened with.
func (s *Service) Config() *Config { return s.cfg }

// Parser returns the report parser.
func (s *Service) Parser() *report.Parser { return s.parser }

// FileResult is the outcome of one source file.
type FileResult struct {
	Path     string `json:"path"`
	Imported int    `json:"imported"`
	Skipped  bool   `json:"skipped,omitempty"`
	Held     bool   `json:"held,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ImportSummary describes one import run.
type ImportSummary struct {
	RunID    string       `json:"run_id"`
	Files    []FileResult `json:"files"`
	Imported int          `json:"imported"`
}

func (sum *ImportSummary) add(fr FileResult) {
	sum.Files = append(sum.Files, fr)
	sum.Imported += fr.Imported
}

func newRun(ctx context.Context) (context.Context, *ImportSummary) {
	id := idgen.RunID()
	return kit.WithTraceID(ctx, id), &ImportSummary{RunID: id, Files: []FileResult{}}
}

// ImportJournals imports every journal file of dir (cfg.JournalDir when
// empty) in name order, one batch per file keyed by its absolute path. A
// failing file does not stop the others; the returned error joins them.
func (s *Service) ImportJournals(ctx context.Context, dir string) (*ImportSummary, error) {
	return s.importJournals(ctx, dir, false)
}

// importJournals with hold set skips, without error, files that failed
// before and have not changed since.
func (s *Service) importJournals(ctx context.Context, dir string, hold bool) (*ImportSummary, error) {
	if dir == "" {
		dir = s.cfg.JournalDir
	}
	ctx, sum := newRun(ctx)
	start := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return sum, fmt.Errorf("ingest: journals: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || !journal.IsJournalFile(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		path, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stamp, err := statFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if hold && s.heldBack(path, stamp) {
			s.logger.InfoContext(ctx, "ingest: journal unchanged since failure, holding",
				"path", path, "trace_id", sum.RunID)
			sum.add(FileResult{Path: path, Held: true})
			continue
		}
		fr, err := s.importJournal(ctx, path)
		s.recordOutcome(path, stamp, err)
		if err != nil {
			s.logger.ErrorContext(ctx, "ingest: journal failed", "path", path, "error", err, "trace_id", sum.RunID)
			fr.Error = err.Error()
			errs = append(errs, err)
		}
		sum.add(fr)
	}

	s.logger.InfoContext(ctx, "ingest: journals done",
		"dir", dir, "files", len(sum.Files), "imported", sum.Imported,
		"trace_id", sum.RunID, "duration", time.Since(start))
	return sum, errors.Join(errs...)
}

func (s *Service) importJournal(ctx context.Context, path string) (FileResult, error) {
	fr := FileResult{Path: path}
	total, err := journal.CountLines(path)
	if err != nil {
		return fr, err
	}
	n, err := s.batches.ImportBatch(ctx, path, total, journal.ReadFile(path))
	fr.Imported = n
	fr.Skipped = n == 0 && err == nil
	return fr, err
}

func statFile(path string) (fileStamp, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{size: fi.Size(), mtime: fi.ModTime()}, nil
}

func (s *Service) heldBack(path string, stamp fileStamp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.failed[path]
	return ok && prev.size == stamp.size && prev.mtime.Equal(stamp.mtime)
}

func (s *Service) recordOutcome(path string, stamp fileStamp, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.failed[path] = stamp
	} else {
		delete(s.failed, path)
	}
}

// TableStatus is a managed table and its row count.
type TableStatus struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// Status summarises the store.
type Status struct {
	Events  int64                   `json:"events"`
	Imports []journal.Progress      `json:"imports"`
	Tables  []TableStatus           `json:"tables"`
	Metrics []observability.Summary `json:"metrics,omitempty"`
}

// Status reports import progress, managed tables with row counts and, when
// enabled, metric summaries.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{Imports: []journal.Progress{}, Tables: []TableStatus{}}
	var err error
	if st.Events, err = s.schemas.Count(ctx, "events"); err != nil {
		return nil, err
	}
	if st.Imports, err = s.batches.ListProgress(ctx); err != nil {
		return nil, err
	}
	tables, err := s.schemas.Tables(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		n, err := s.schemas.Count(ctx, t)
		if err != nil {
			return nil, err
		}
		st.Tables = append(st.Tables, TableStatus{Name: t, Rows: n})
	}
	if s.metrics != nil {
		s.metrics.Flush()
		if st.Metrics, err = s.metrics.Summaries(ctx); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Describe returns the column layout of a managed table. Internal tables
// are reported as unknown.
func (s *Service) Describe(ctx context.Context, table string) (*schema.Descriptor, error) {
	if schema.IsReserved(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	d, err := s.schemas.Describe(ctx, table)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return d, nil
}

// ParseReport classifies and extracts one OCR text.
func (s *Service) ParseReport(text string, strict bool) (report.Fields, error) {
	return s.parser.Parse(text, strict)
}
