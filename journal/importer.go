package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/hazyhaar/edingest/coerce"
	"github.com/hazyhaar/edingest/dbopen"
	"github.com/hazyhaar/edingest/kit"
	"github.com/hazyhaar/edingest/schema"
)

const eventsDDL = `
CREATE TABLE IF NOT EXISTS events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    TEXT NOT NULL,
    type         TEXT NOT NULL,
    source_key   TEXT,
    source_index INTEGER,
    event        JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// Result identifies the rows written for one event.
type Result struct {
	EnvelopeID int64
	EventType  string
}

// Importer writes events. Calls are serialized: there is one logical writer.
type Importer struct {
	db       *sql.DB
	schemas  *schema.Store
	registry *Registry
	logger   *slog.Logger

	mu sync.Mutex
}

// Option configures an Importer.
type Option func(*Importer)

// WithRegistry replaces DefaultRegistry().
func WithRegistry(r *Registry) Option { return func(im *Importer) { im.registry = r } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(im *Importer) { im.logger = l } }

// NewImporter returns an Importer writing to db. Call Init before use.
func NewImporter(db *sql.DB, schemas *schema.Store, opts ...Option) *Importer {
	im := &Importer{
		db:       db,
		schemas:  schemas,
		registry: DefaultRegistry(),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(im)
	}
	return im
}

// Registry returns the descriptor registry in use.
func (im *Importer) Registry() *Registry { return im.registry }

// Init creates the events ledger and the schema metadata table. Ledgers
// created by older versions gain the source columns.
func (im *Importer) Init(ctx context.Context) error {
	if err := im.schemas.Init(ctx); err != nil {
		return err
	}
	if _, err := dbopen.Exec(ctx, im.db, eventsDDL); err != nil {
		return fmt.Errorf("journal: init events: %w", err)
	}
	for _, m := range []struct{ column, ddl string }{
		{"source_key", "ALTER TABLE events ADD COLUMN source_key TEXT"},
		{"source_index", "ALTER TABLE events ADD COLUMN source_index INTEGER"},
	} {
		if err := applyColumnMigration(ctx, im.db, "events", m.column, m.ddl); err != nil {
			return err
		}
	}
	return nil
}

// ImportEvent stores rec in the ledger and in its typed table.
//
// The ledger row is committed before anything else happens. If a later step
// fails, that row stays behind without a typed row; the returned Result still
// carries its id, and the orphan is logged at WARN. It is never repaired.
func (im *Importer) ImportEvent(ctx context.Context, rec Record) (*Result, error) {
	return im.importEvent(ctx, rec, "", -1)
}

// ImportFrom is ImportEvent for the event at position index of source key.
func (im *Importer) ImportFrom(ctx context.Context, rec Record, key string, index int) (*Result, error) {
	return im.importEvent(ctx, rec, key, index)
}

func (im *Importer) importEvent(ctx context.Context, rec Record, key string, index int) (*Result, error) {
	eventType, err := rec.EventType()
	if err != nil {
		return nil, err
	}
	ts, err := rec.Timestamp()
	if err != nil {
		return nil, fmt.Errorf("journal: %s: %w", eventType, err)
	}
	fields := rec.fields()
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("journal: %s: encode envelope: %w", eventType, err)
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	var srcKey, srcIndex any
	if key != "" {
		srcKey, srcIndex = key, index
	}
	res, err := dbopen.Exec(ctx, im.db,
		`INSERT INTO events (timestamp, type, source_key, source_index, event) VALUES (?, ?, ?, ?, ?)`,
		ts, eventType, srcKey, srcIndex, string(payload))
	if err != nil {
		return nil, fmt.Errorf("journal: %s: insert envelope: %w", eventType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("journal: %s: envelope id: %w", eventType, err)
	}
	result := &Result{EnvelopeID: id, EventType: eventType}

	if err := im.storeTyped(ctx, eventType, id, fields); err != nil {
		im.logger.WarnContext(ctx, "journal: orphaned envelope row",
			"envelope_id", id, "type", eventType, "source", key,
			"trace_id", kit.GetTraceID(ctx), "error", err)
		return result, fmt.Errorf("journal: %s (envelope %d): %w", eventType, id, err)
	}
	return result, nil
}

type typedColumn struct {
	schema.Column
	value any
}

func (im *Importer) storeTyped(ctx context.Context, eventType string, envelopeID int64, fields map[string]any) error {
	delete(fields, keyTimestamp)

	desc, _ := im.registry.Lookup(eventType)
	if desc.Transform != nil {
		var err error
		if fields, err = desc.Transform(fields); err != nil {
			return err
		}
	}
	if _, ok := fields[keyEventID]; ok {
		return fmt.Errorf("%w: %s", ErrReservedField, keyEventID)
	}

	current, err := im.schemas.Describe(ctx, eventType)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(fields))
	for name, v := range fields {
		if v != nil {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	cols := make([]typedColumn, 0, len(names)+1)
	cols = append(cols, typedColumn{
		Column: schema.Column{Name: keyEventID, Kind: coerce.Integer, Constraints: "REFERENCES events(id)"},
		value:  envelopeID,
	})
	for _, name := range names {
		v := fields[name]
		inferred, _, err := coerce.Classify(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		kind, ok := desc.Overrides[name]
		if ok && !coerce.Assignable(kind, inferred) {
			return &OverrideMismatchError{Type: eventType, Field: name, Override: kind, Value: inferred}
		}
		if !ok {
			kind = inferred
			if existing, found := current.Column(name); found && coerce.Assignable(existing.Kind, kind) {
				kind = existing.Kind
			}
		}
		enc, err := coerce.EncodeAs(kind, v)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		cols = append(cols, typedColumn{
			Column: schema.Column{Name: name, Kind: kind},
			value:  enc,
		})
	}

	def := schema.TableDef{
		Table:   eventType,
		Columns: make([]schema.Column, len(cols)),
		Unique:  append([][]string{{keyEventID}}, desc.Unique...),
	}
	for i, c := range cols {
		def.Columns[i] = c.Column
	}
	if _, err := im.schemas.EnsureSchema(ctx, def); err != nil {
		return err
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c.Name)
		marks[i] = "?"
		args[i] = c.value
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(eventType), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := dbopen.Exec(ctx, im.db, q, args...); err != nil {
		return fmt.Errorf("insert typed row: %w", err)
	}
	return nil
}

// applyColumnMigration adds a column if it doesn't exist (idempotent).
func applyColumnMigration(ctx context.Context, db *sql.DB, table, column, ddl string) error {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		return fmt.Errorf("journal: inspect %s: %w", table, err)
	}
	if count > 0 {
		return nil
	}
	if _, err := dbopen.Exec(ctx, db, ddl); err != nil {
		return fmt.Errorf("journal: migrate %s.%s: %w", table, column, err)
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
