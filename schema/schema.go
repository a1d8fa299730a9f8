// Package schema manages per-event-type tables whose columns grow as new
// fields appear. Column metadata is persisted in the schema_columns table
// and cached per table; a table's schema only ever gains columns.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/edingest/coerce"
)

// MetaTable holds one row per managed column.
const MetaTable = "schema_columns"

const metaDDL = `
CREATE TABLE IF NOT EXISTS schema_columns (
    table_name  TEXT NOT NULL,
    column_name TEXT NOT NULL,
    kind        TEXT NOT NULL,
    constraints TEXT NOT NULL DEFAULT '',
    position    INTEGER NOT NULL,
    added_at    TEXT NOT NULL,
    PRIMARY KEY (table_name, column_name)
);
`

// reserved are internal tables that can never be the target of EnsureSchema.
var reserved = map[string]bool{
	"events":             true,
	"imports":            true,
	MetaTable:            true,
	"metrics_timeseries": true,
}

// IsReserved reports whether name is an internal table name, including
// SQLite's own sqlite_ tables.
func IsReserved(name string) bool {
	n := strings.ToLower(name)
	return reserved[n] || strings.HasPrefix(n, "sqlite_")
}

var (
	// ErrSchemaConflict is matched by every *SchemaConflictError.
	ErrSchemaConflict = errors.New("schema: column kind conflict")

	// ErrUnsupportedConstraint is returned when a new column on an existing
	// table carries a constraint SQLite cannot add with ALTER TABLE.
	ErrUnsupportedConstraint = errors.New("schema: constraint cannot be added to an existing table")

	// ErrReservedTable is returned for internal table names.
	ErrReservedTable = errors.New("schema: reserved table name")
)

// SchemaConflictError reports a requested column whose kind differs from the
// kind already stored for that column.
type SchemaConflictError struct {
	Table     string
	Column    string
	Existing  coerce.Kind
	Requested coerce.Kind
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema: %s.%s is %s, requested %s", e.Table, e.Column, e.Existing, e.Requested)
}

func (e *SchemaConflictError) Is(target error) bool { return target == ErrSchemaConflict }

// Column is one column of a managed table.
type Column struct {
	Name        string      `json:"name"`
	Kind        coerce.Kind `json:"kind"`
	Constraints string      `json:"constraints,omitempty"`
}

func (c Column) ddl() string {
	s := quoteIdent(c.Name) + " " + c.Kind.ColumnType()
	if c.Constraints != "" {
		s += " " + c.Constraints
	}
	return s
}

// Descriptor is the ordered column list of a table.
type Descriptor struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// Column looks up a column by name, ignoring case as SQLite does.
func (d *Descriptor) Column(name string) (Column, bool) {
	if d == nil {
		return Column{}, false
	}
	for _, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// TableDef is a requested table shape.
type TableDef struct {
	Table   string
	Columns []Column
	// Unique lists column sets that get a unique index.
	Unique [][]string
}

// IndexName returns the name of the unique index over cols.
func IndexName(table string, cols []string) string {
	return "ux_" + table + "_" + strings.Join(cols, "_")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteList(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = quoteIdent(c)
	}
	return strings.Join(q, ", ")
}

func alterable(constraints string) bool {
	c := strings.ToUpper(constraints)
	return !strings.Contains(c, "PRIMARY KEY") && !strings.Contains(c, "UNIQUE")
}
