package schema

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/hazyhaar/edingest/coerce"
	"github.com/hazyhaar/edingest/dbopen"
)

func setupStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := New(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, db
}

func columnNames(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			t.Fatal(err)
		}
		out = append(out, n)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnsureSchemaCreatesTable(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	d, err := s.EnsureSchema(ctx, TableDef{
		Table: "Docked",
		Columns: []Column{
			{Name: "StationName", Kind: coerce.Text},
			{Name: "MarketID", Kind: coerce.Integer},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Columns) != 2 || d.Columns[0].Name != "StationName" || d.Columns[1].Kind != coerce.Integer {
		t.Fatalf("descriptor: %+v", d)
	}
	if got := columnNames(t, db, "Docked"); !equalStrings(got, []string{"StationName", "MarketID"}) {
		t.Fatalf("columns: %v", got)
	}

	tables, err := s.Tables(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !equalStrings(tables, []string{"Docked"}) {
		t.Fatalf("tables: %v", tables)
	}
}

func TestEnsureSchemaAdditiveAndIdempotent(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	first := TableDef{Table: "FSDJump", Columns: []Column{
		{Name: "StarSystem", Kind: coerce.Text},
		{Name: "JumpDist", Kind: coerce.Real},
	}}
	if _, err := s.EnsureSchema(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Subset and reordered request: no change.
	if _, err := s.EnsureSchema(ctx, TableDef{Table: "FSDJump", Columns: []Column{
		{Name: "JumpDist", Kind: coerce.Real},
	}}); err != nil {
		t.Fatal(err)
	}
	if got := columnNames(t, db, "FSDJump"); !equalStrings(got, []string{"StarSystem", "JumpDist"}) {
		t.Fatalf("columns after subset: %v", got)
	}

	// Superset: new columns appended in request order.
	d, err := s.EnsureSchema(ctx, TableDef{Table: "FSDJump", Columns: []Column{
		{Name: "StarSystem", Kind: coerce.Text},
		{Name: "StarPos", Kind: coerce.Structured},
		{Name: "Population", Kind: coerce.Integer},
	}})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"StarSystem", "JumpDist", "StarPos", "Population"}
	if got := columnNames(t, db, "FSDJump"); !equalStrings(got, want) {
		t.Fatalf("columns after superset: %v", got)
	}
	if len(d.Columns) != 4 || d.Columns[2].Kind != coerce.Structured {
		t.Fatalf("descriptor after superset: %+v", d.Columns)
	}

	// Repeat: still idempotent.
	if _, err := s.EnsureSchema(ctx, first); err != nil {
		t.Fatal(err)
	}
	if got := columnNames(t, db, "FSDJump"); len(got) != 4 {
		t.Fatalf("columns after repeat: %v", got)
	}

	// Metadata survives a cache drop.
	s.Invalidate("FSDJump")
	d, err = s.Describe(ctx, "FSDJump")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Columns) != 4 || d.Columns[3].Name != "Population" {
		t.Fatalf("reloaded descriptor: %+v", d.Columns)
	}
}

func TestEnsureSchemaConflictLeavesTableUnmodified(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	if _, err := s.EnsureSchema(ctx, TableDef{Table: "Bounty", Columns: []Column{
		{Name: "Reward", Kind: coerce.Integer},
	}}); err != nil {
		t.Fatal(err)
	}

	_, err := s.EnsureSchema(ctx, TableDef{Table: "Bounty", Columns: []Column{
		{Name: "Target", Kind: coerce.Text},
		{Name: "Reward", Kind: coerce.Text},
	}})
	if !errors.Is(err, ErrSchemaConflict) {
		t.Fatalf("expected ErrSchemaConflict, got %v", err)
	}
	var sce *SchemaConflictError
	if !errors.As(err, &sce) {
		t.Fatalf("expected *SchemaConflictError, got %T", err)
	}
	if sce.Column != "Reward" || sce.Existing != coerce.Integer || sce.Requested != coerce.Text {
		t.Fatalf("conflict: %+v", sce)
	}

	if got := columnNames(t, db, "Bounty"); !equalStrings(got, []string{"Reward"}) {
		t.Fatalf("table modified by rejected request: %v", got)
	}
	var meta int
	db.QueryRow(`SELECT COUNT(*) FROM schema_columns WHERE table_name = 'Bounty'`).Scan(&meta)
	if meta != 1 {
		t.Fatalf("metadata rows: got %d, want 1", meta)
	}
}

func TestEnsureSchemaUniqueIndex(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	def := TableDef{
		Table: "MarketSell",
		Columns: []Column{
			{Name: "event_id", Kind: coerce.Integer},
			{Name: "Type", Kind: coerce.Text},
		},
		Unique: [][]string{{"event_id"}},
	}
	if _, err := s.EnsureSchema(ctx, def); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureSchema(ctx, def); err != nil {
		t.Fatal(err)
	}

	var idx int
	db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`,
		IndexName("MarketSell", []string{"event_id"})).Scan(&idx)
	if idx != 1 {
		t.Fatal("unique index not created")
	}

	if _, err := db.Exec(`INSERT INTO "MarketSell" (event_id, Type) VALUES (1, 'gold')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO "MarketSell" (event_id, Type) VALUES (1, 'silver')`); err == nil {
		t.Fatal("expected unique violation")
	}
}

func TestEnsureSchemaRejectsUnalterableConstraint(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	if _, err := s.EnsureSchema(ctx, TableDef{Table: "Scan", Columns: []Column{
		{Name: "BodyName", Kind: coerce.Text},
	}}); err != nil {
		t.Fatal(err)
	}
	_, err := s.EnsureSchema(ctx, TableDef{Table: "Scan", Columns: []Column{
		{Name: "BodyID", Kind: coerce.Integer, Constraints: "UNIQUE"},
	}})
	if !errors.Is(err, ErrUnsupportedConstraint) {
		t.Fatalf("expected ErrUnsupportedConstraint, got %v", err)
	}
	if got := columnNames(t, db, "Scan"); len(got) != 1 {
		t.Fatalf("columns: %v", got)
	}
}

func TestEnsureSchemaValidation(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	bad := []TableDef{
		{Table: "", Columns: []Column{{Name: "a", Kind: coerce.Text}}},
		{Table: `x"; DROP TABLE events; --`, Columns: []Column{{Name: "a", Kind: coerce.Text}}},
		{Table: "ok", Columns: []Column{{Name: "bad name", Kind: coerce.Text}}},
		{Table: "ok", Columns: []Column{{Name: "a", Kind: coerce.Invalid}}},
		{Table: "ok", Columns: []Column{{Name: "a", Kind: coerce.Text}, {Name: "a", Kind: coerce.Text}}},
		{Table: "ok"},
		{Table: "ok", Columns: []Column{{Name: "a", Kind: coerce.Text}}, Unique: [][]string{{"missing"}}},
	}
	for _, def := range bad {
		if _, err := s.EnsureSchema(ctx, def); err == nil {
			t.Errorf("EnsureSchema(%+v): expected error", def)
		}
	}

	for _, name := range []string{"events", "imports", "schema_columns", "metrics_timeseries"} {
		_, err := s.EnsureSchema(ctx, TableDef{Table: name, Columns: []Column{{Name: "a", Kind: coerce.Text}}})
		if !errors.Is(err, ErrReservedTable) {
			t.Errorf("EnsureSchema(%s): expected ErrReservedTable, got %v", name, err)
		}
	}
}

func TestDescribeAbsentAndLegacyAdoption(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	d, err := s.Describe(ctx, "Nothing")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatalf("expected nil descriptor, got %+v", d)
	}

	if _, err := db.Exec(`CREATE TABLE "Location" (
		id INTEGER PRIMARY KEY,
		StarSystem TEXT,
		Population INT,
		DistFromStarLS REAL,
		Docked BOOLEAN,
		StarPos JSON
	)`); err != nil {
		t.Fatal(err)
	}

	d, err = s.Describe(ctx, "Location")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]coerce.Kind{
		"id": coerce.Integer, "StarSystem": coerce.Text, "Population": coerce.Integer,
		"DistFromStarLS": coerce.Real, "Docked": coerce.Boolean, "StarPos": coerce.Structured,
	}
	if len(d.Columns) != len(want) {
		t.Fatalf("adopted columns: %+v", d.Columns)
	}
	for _, c := range d.Columns {
		if want[c.Name] != c.Kind {
			t.Errorf("%s: got %v, want %v", c.Name, c.Kind, want[c.Name])
		}
	}
	if c, _ := d.Column("id"); c.Constraints != "PRIMARY KEY" {
		t.Errorf("id constraints: %q", c.Constraints)
	}

	var meta int
	db.QueryRow(`SELECT COUNT(*) FROM schema_columns WHERE table_name = 'Location'`).Scan(&meta)
	if meta != 0 {
		t.Fatalf("Describe recorded %d metadata rows", meta)
	}

	// Adopted on first write, then evolves like any other table.
	if _, err := s.EnsureSchema(ctx, TableDef{Table: "Location", Columns: []Column{
		{Name: "event_id", Kind: coerce.Integer, Constraints: "REFERENCES events(id)"},
	}}); err != nil {
		t.Fatal(err)
	}
	if got := columnNames(t, db, "Location"); got[len(got)-1] != "event_id" {
		t.Fatalf("columns: %v", got)
	}
	db.QueryRow(`SELECT COUNT(*) FROM schema_columns WHERE table_name = 'Location'`).Scan(&meta)
	if meta != len(want)+1 {
		t.Fatalf("adoption not persisted: %d rows", meta)
	}
}

func TestDescribeInternalTables(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()
	if _, err := db.Exec(`CREATE TABLE events (id INTEGER PRIMARY KEY, type TEXT)`); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"events", "Imports", MetaTable, "sqlite_master", "sqlite_sequence"} {
		if _, err := s.Describe(ctx, name); !errors.Is(err, ErrReservedTable) {
			t.Errorf("Describe(%s): expected ErrReservedTable, got %v", name, err)
		}
	}
	tables, err := s.Tables(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 0 {
		t.Fatalf("tables = %v", tables)
	}
}

func TestTableNamesIgnoreCase(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	if _, err := s.EnsureSchema(ctx, TableDef{Table: "Shutdown", Columns: []Column{
		{Name: "event_id", Kind: coerce.Integer},
	}}); err != nil {
		t.Fatal(err)
	}
	d, err := s.EnsureSchema(ctx, TableDef{Table: "ShutDown", Columns: []Column{
		{Name: "event_id", Kind: coerce.Integer},
		{Name: "Reason", Kind: coerce.Text},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if d.Table != "Shutdown" {
		t.Fatalf("descriptor table = %q, want stored spelling", d.Table)
	}

	s.Invalidate("SHUTDOWN")
	d, err = s.EnsureSchema(ctx, TableDef{Table: "Shutdown", Columns: []Column{
		{Name: "event_id", Kind: coerce.Integer},
		{Name: "reason", Kind: coerce.Text},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Columns) != 2 {
		t.Fatalf("columns = %+v", d.Columns)
	}
	if got := columnNames(t, db, "Shutdown"); !equalStrings(got, []string{"event_id", "Reason"}) {
		t.Fatalf("physical columns = %v", got)
	}

	var spellings int
	db.QueryRow(`SELECT COUNT(DISTINCT table_name) FROM schema_columns`).Scan(&spellings)
	if spellings != 1 {
		t.Fatalf("metadata recorded under %d spellings", spellings)
	}
	tables, _ := s.Tables(ctx)
	if !equalStrings(tables, []string{"Shutdown"}) {
		t.Fatalf("tables = %v", tables)
	}

	_, err = s.EnsureSchema(ctx, TableDef{Table: "shutdown", Columns: []Column{
		{Name: "REASON", Kind: coerce.Integer},
	}})
	if !errors.Is(err, ErrSchemaConflict) {
		t.Fatalf("expected kind conflict across spellings, got %v", err)
	}
}

func TestDuplicateColumnIgnoringCase(t *testing.T) {
	s, _ := setupStore(t)
	_, err := s.EnsureSchema(context.Background(), TableDef{Table: "Docked", Columns: []Column{
		{Name: "Count", Kind: coerce.Integer},
		{Name: "count", Kind: coerce.Integer},
	}})
	if err == nil {
		t.Fatal("expected duplicate column error")
	}
}

func TestLoadMergesLegacySpellings(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()
	if _, err := db.Exec(`CREATE TABLE "Shutdown" ("event_id" INTEGER, "Reason" TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO schema_columns (table_name, column_name, kind, position, added_at) VALUES
		('Shutdown', 'event_id', 'integer', 0, 'x'),
		('ShutDown', 'event_id', 'integer', 0, 'x'),
		('ShutDown', 'Reason', 'text', 1, 'x')`); err != nil {
		t.Fatal(err)
	}

	d, err := s.Describe(ctx, "SHUTDOWN")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Columns) != 2 {
		t.Fatalf("columns = %+v", d.Columns)
	}
	tables, _ := s.Tables(ctx)
	if len(tables) != 1 {
		t.Fatalf("tables = %v", tables)
	}
}

func TestCount(t *testing.T) {
	s, db := setupStore(t)
	ctx := context.Background()

	if _, err := s.EnsureSchema(ctx, TableDef{Table: "Died", Columns: []Column{{Name: "KillerName", Kind: coerce.Text}}}); err != nil {
		t.Fatal(err)
	}
	db.Exec(`INSERT INTO "Died" (KillerName) VALUES ('Thargoid'), ('Pirate')`)
	n, err := s.Count(ctx, "Died")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("count: got %d", n)
	}
	if _, err := s.Count(ctx, "bad name"); err == nil {
		t.Fatal("expected identifier error")
	}
}
