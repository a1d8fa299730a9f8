package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/edingest/coerce"
	"github.com/hazyhaar/edingest/dbopen"
	"github.com/hazyhaar/edingest/horosafe"
)

// Store creates and migrates managed tables. Descriptors are cached per table
// until the table changes. A Store assumes it is the only writer of the
// tables it manages.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	cache   map[string]*Descriptor // nil value: table known absent
	indexes map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New returns a Store over db. Call Init before use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		logger:  slog.Default(),
		cache:   make(map[string]*Descriptor),
		indexes: make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the metadata table.
func (s *Store) Init(ctx context.Context) error {
	if _, err := dbopen.Exec(ctx, s.db, metaDDL); err != nil {
		return fmt.Errorf("schema: init: %w", err)
	}
	return nil
}

// Invalidate drops the cached descriptor of table.
func (s *Store) Invalidate(table string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(table))
	s.mu.Unlock()
}

// Describe returns the descriptor of table, or nil when the table does not
// exist. Table and column names match case-insensitively, as in SQLite; the
// descriptor carries the stored spelling. A table that exists without
// metadata is inspected but not recorded: only EnsureSchema adopts it.
// Internal tables fail with ErrReservedTable.
func (s *Store) Describe(ctx context.Context, table string) (*Descriptor, error) {
	if IsReserved(table) {
		return nil, fmt.Errorf("%w: %s", ErrReservedTable, table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.cache[cacheKey(table)]; ok {
		return d, nil
	}
	d, err := s.load(ctx, table)
	if err != nil {
		return nil, err
	}
	if d != nil {
		s.cache[cacheKey(table)] = d
		return d, nil
	}
	return s.inspect(ctx, table)
}

// describe is Describe for writers: a legacy table is adopted and cached.
func (s *Store) describe(ctx context.Context, table string) (*Descriptor, error) {
	if d, ok := s.cache[cacheKey(table)]; ok {
		return d, nil
	}
	d, err := s.load(ctx, table)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d, err = s.adopt(ctx, table)
		if err != nil {
			return nil, err
		}
	}
	s.cache[cacheKey(table)] = d
	return d, nil
}

func cacheKey(table string) string { return strings.ToLower(table) }

func (s *Store) load(ctx context.Context, table string) (*Descriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, column_name, kind, constraints FROM schema_columns
		 WHERE table_name = ? COLLATE NOCASE ORDER BY position, rowid`, table)
	if err != nil {
		return nil, fmt.Errorf("schema: load %s: %w", table, err)
	}
	defer rows.Close()

	var d *Descriptor
	for rows.Next() {
		var name string
		var c Column
		var kind string
		if err := rows.Scan(&name, &c.Name, &kind, &c.Constraints); err != nil {
			return nil, fmt.Errorf("schema: load %s: %w", table, err)
		}
		if c.Kind, err = coerce.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("schema: load %s.%s: %w", table, c.Name, err)
		}
		if d == nil {
			d = &Descriptor{Table: name}
		}
		// Older stores may hold one metadata set per spelling of a table.
		if _, dup := d.Column(c.Name); !dup {
			d.Columns = append(d.Columns, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema: load %s: %w", table, err)
	}
	return d, nil
}

// inspect reads the layout of an existing table from SQLite itself. It
// returns nil when no such table exists.
func (s *Store) inspect(ctx context.Context, table string) (*Descriptor, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schema: inspect %s: %w", table, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, type, pk FROM pragma_table_info(?) ORDER BY cid`, name)
	if err != nil {
		return nil, fmt.Errorf("schema: inspect %s: %w", name, err)
	}
	defer rows.Close()
	d := &Descriptor{Table: name}
	for rows.Next() {
		var col, decl string
		var pk int
		if err := rows.Scan(&col, &decl, &pk); err != nil {
			return nil, fmt.Errorf("schema: inspect %s: %w", name, err)
		}
		c := Column{Name: col, Kind: coerce.KindFromDeclType(decl)}
		if pk > 0 {
			c.Constraints = "PRIMARY KEY"
		}
		d.Columns = append(d.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema: inspect %s: %w", name, err)
	}
	if len(d.Columns) == 0 {
		return nil, nil
	}
	return d, nil
}

// adopt registers a table that exists in SQLite but has no metadata rows,
// as left behind by databases created before schema_columns existed.
func (s *Store) adopt(ctx context.Context, table string) (*Descriptor, error) {
	d, err := s.inspect(ctx, table)
	if err != nil || d == nil {
		return nil, err
	}
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return insertMeta(ctx, tx, d.Table, 0, d.Columns)
	})
	if err != nil {
		return nil, fmt.Errorf("schema: adopt %s: %w", d.Table, err)
	}
	s.logger.Info("schema: adopted legacy table", "table", d.Table, "columns", len(d.Columns))
	return d, nil
}

// EnsureSchema makes table have at least the requested columns and unique
// indexes. A missing table is created with exactly the requested columns;
// an existing one gains the missing columns in request order. A requested
// column whose kind differs from the stored kind fails with a
// *SchemaConflictError before anything changes.
func (s *Store) EnsureSchema(ctx context.Context, def TableDef) (*Descriptor, error) {
	if err := validate(def); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.describe(ctx, def.Table)
	if err != nil {
		return nil, err
	}
	table := def.Table
	if current != nil {
		table = current.Table
	}

	var missing []Column
	for _, c := range def.Columns {
		existing, ok := current.Column(c.Name)
		if !ok {
			missing = append(missing, c)
			continue
		}
		if existing.Kind != c.Kind {
			return nil, &SchemaConflictError{
				Table:     table,
				Column:    c.Name,
				Existing:  existing.Kind,
				Requested: c.Kind,
			}
		}
	}
	if current != nil {
		for _, c := range missing {
			if !alterable(c.Constraints) {
				return nil, fmt.Errorf("%w: %s.%s %s", ErrUnsupportedConstraint, table, c.Name, c.Constraints)
			}
		}
	}

	var newIndexes [][]string
	for _, u := range def.Unique {
		if !s.indexes[cacheKey(IndexName(table, u))] {
			newIndexes = append(newIndexes, u)
		}
	}
	if len(missing) == 0 && len(newIndexes) == 0 {
		return current, nil
	}

	for _, u := range newIndexes {
		for _, col := range u {
			_, inCurrent := current.Column(col)
			if !inCurrent && !slices.ContainsFunc(missing, func(c Column) bool { return strings.EqualFold(c.Name, col) }) {
				return nil, fmt.Errorf("schema: unique index on %s: unknown column %q", table, col)
			}
		}
	}

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if current == nil {
			if err := createTable(ctx, tx, table, missing); err != nil {
				return err
			}
			if err := insertMeta(ctx, tx, table, 0, missing); err != nil {
				return err
			}
		} else if len(missing) > 0 {
			for _, c := range missing {
				q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(table), c.ddl())
				if _, err := tx.ExecContext(ctx, q); err != nil {
					return fmt.Errorf("add column %s: %w", c.Name, err)
				}
			}
			if err := insertMeta(ctx, tx, table, len(current.Columns), missing); err != nil {
				return err
			}
		}
		for _, u := range newIndexes {
			q := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
				quoteIdent(IndexName(table, u)), quoteIdent(table), quoteList(u))
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("unique index %v: %w", u, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("schema: ensure %s: %w", table, err)
	}

	for _, u := range newIndexes {
		s.indexes[cacheKey(IndexName(table, u))] = true
	}
	if len(missing) == 0 {
		return current, nil
	}

	delete(s.cache, cacheKey(table))
	names := make([]string, len(missing))
	for i, c := range missing {
		names[i] = c.Name
	}
	if current == nil {
		s.logger.Info("schema: table created", "table", table, "columns", names)
	} else {
		s.logger.Info("schema: columns added", "table", table, "columns", names)
	}
	return s.describe(ctx, table)
}

// Tables lists the managed tables in name order.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT MIN(table_name) FROM schema_columns GROUP BY lower(table_name) ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("schema: tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("schema: tables: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count returns the number of rows in a managed table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if err := horosafe.ValidateIdentifier(table); err != nil {
		return 0, fmt.Errorf("schema: count: %w", err)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("schema: count %s: %w", table, err)
	}
	return n, nil
}

func validate(def TableDef) error {
	if err := horosafe.ValidateIdentifier(def.Table); err != nil {
		return fmt.Errorf("schema: table: %w", err)
	}
	if IsReserved(def.Table) {
		return fmt.Errorf("%w: %s", ErrReservedTable, def.Table)
	}
	if len(def.Columns) == 0 {
		return fmt.Errorf("schema: %s: no columns requested", def.Table)
	}
	seen := make(map[string]bool, len(def.Columns))
	for _, c := range def.Columns {
		if err := horosafe.ValidateIdentifier(c.Name); err != nil {
			return fmt.Errorf("schema: %s column: %w", def.Table, err)
		}
		if c.Kind.ColumnType() == "" {
			return fmt.Errorf("schema: %s.%s: invalid kind %v", def.Table, c.Name, c.Kind)
		}
		if strings.ContainsAny(c.Constraints, ";") {
			return fmt.Errorf("schema: %s.%s: invalid constraints %q", def.Table, c.Name, c.Constraints)
		}
		if seen[strings.ToLower(c.Name)] {
			return fmt.Errorf("schema: %s: duplicate column %q", def.Table, c.Name)
		}
		seen[strings.ToLower(c.Name)] = true
	}
	for _, u := range def.Unique {
		if len(u) == 0 {
			return fmt.Errorf("schema: %s: empty unique column set", def.Table)
		}
		for _, col := range u {
			if err := horosafe.ValidateIdentifier(col); err != nil {
				return fmt.Errorf("schema: %s unique: %w", def.Table, err)
			}
		}
	}
	return nil
}

func createTable(ctx context.Context, tx *sql.Tx, table string, cols []Column) error {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = "    " + c.ddl()
	}
	q := fmt.Sprintf("CREATE TABLE %s (\n%s\n)", quoteIdent(table), strings.Join(defs, ",\n"))
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func insertMeta(ctx context.Context, tx *sql.Tx, table string, offset int, cols []Column) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for i, c := range cols {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_columns (table_name, column_name, kind, constraints, position, added_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			table, c.Name, c.Kind.String(), c.Constraints, offset+i, now)
		if err != nil {
			return fmt.Errorf("record column %s: %w", c.Name, err)
		}
	}
	return nil
}
