package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/edingest/coerce"
	"github.com/hazyhaar/edingest/dbopen"
	"github.com/hazyhaar/edingest/schema"
)

func setupImporter(t *testing.T, opts ...Option) (*Importer, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	im := NewImporter(db, schema.New(db), opts...)
	if err := im.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return im, db
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return n
}

func TestImportEventEnvelopeAndTypedRow(t *testing.T) {
	im, db := setupImporter(t)
	ctx := context.Background()

	res, err := im.ImportEvent(ctx, Record{
		"event":           "Docked",
		"timestamp":       "3307-01-02T10:00:00Z",
		"StationName":     "Jameson Memorial",
		"MarketID":        json.Number("128666762"),
		"StationServices": []any{"dock", "refuel"},
		"Wanted":          false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.EventType != "Docked" || res.EnvelopeID == 0 {
		t.Fatalf("result: %+v", res)
	}

	var ts, typ, payload string
	if err := db.QueryRow(`SELECT timestamp, type, event FROM events WHERE id = ?`, res.EnvelopeID).
		Scan(&ts, &typ, &payload); err != nil {
		t.Fatal(err)
	}
	if ts != "3307-01-02T10:00:00Z" || typ != "Docked" {
		t.Fatalf("envelope: %s %s", ts, typ)
	}
	var envelope map[string]any
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		t.Fatal(err)
	}
	if _, ok := envelope["event"]; ok {
		t.Error("envelope must not carry the event tag")
	}
	if envelope["timestamp"] != "3307-01-02T10:00:00Z" || envelope["StationName"] != "Jameson Memorial" {
		t.Errorf("envelope payload: %v", envelope)
	}

	var eventID, marketID int64
	var station, services string
	var wanted bool
	if err := db.QueryRow(`SELECT event_id, StationName, MarketID, StationServices, Wanted FROM "Docked"`).
		Scan(&eventID, &station, &marketID, &services, &wanted); err != nil {
		t.Fatal(err)
	}
	if eventID != res.EnvelopeID {
		t.Errorf("event_id: got %d, want %d", eventID, res.EnvelopeID)
	}
	if station != "Jameson Memorial" || marketID != 128666762 || services != `["dock","refuel"]` || wanted {
		t.Errorf("typed row: %s %d %s %v", station, marketID, services, wanted)
	}

	// event and timestamp never become columns.
	d, err := im.schemas.Describe(ctx, "Docked")
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range d.Columns {
		if c.Name == "event" || c.Name == "timestamp" {
			t.Errorf("unexpected column %q", c.Name)
		}
	}
}

func TestImportEventValidation(t *testing.T) {
	im, db := setupImporter(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  Record
		want error
	}{
		{"missing event", Record{"timestamp": "3307-01-01T00:00:00Z"}, ErrMissingEventType},
		{"empty event", Record{"event": "", "timestamp": "3307-01-01T00:00:00Z"}, ErrMissingEventType},
		{"non-string event", Record{"event": json.Number("3"), "timestamp": "3307-01-01T00:00:00Z"}, ErrMissingEventType},
		{"bad identifier", Record{"event": `Dock"ed`, "timestamp": "3307-01-01T00:00:00Z"}, ErrInvalidEventType},
		{"reserved table", Record{"event": "events", "timestamp": "3307-01-01T00:00:00Z"}, ErrInvalidEventType},
		{"sqlite table", Record{"event": "sqlite_master", "timestamp": "3307-01-01T00:00:00Z"}, ErrInvalidEventType},
		{"missing timestamp", Record{"event": "Docked"}, ErrMissingTimestamp},
		{"numeric timestamp", Record{"event": "Docked", "timestamp": 12}, ErrMissingTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := im.ImportEvent(ctx, tt.rec)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM events`); n != 0 {
		t.Fatalf("rejected records wrote %d envelope rows", n)
	}
}

func TestImportEventTimeTimestamp(t *testing.T) {
	im, db := setupImporter(t)
	at := time.Date(3307, 5, 1, 12, 30, 0, 0, time.FixedZone("X", 3600))
	if _, err := im.ImportEvent(context.Background(), Record{"event": "Music", "timestamp": at, "MusicTrack": "Exploration"}); err != nil {
		t.Fatal(err)
	}
	var ts string
	db.QueryRow(`SELECT timestamp FROM events`).Scan(&ts)
	if ts != "3307-05-01T11:30:00Z" {
		t.Fatalf("timestamp: got %q", ts)
	}
}

func TestImportEventSchemaGrowth(t *testing.T) {
	im, db := setupImporter(t)
	ctx := context.Background()

	if _, err := im.ImportEvent(ctx, Record{"event": "Undocked", "timestamp": "t1", "StationName": "A"}); err != nil {
		t.Fatal(err)
	}
	if _, err := im.ImportEvent(ctx, Record{"event": "Undocked", "timestamp": "t2", "StationName": "B", "MarketID": json.Number("7")}); err != nil {
		t.Fatal(err)
	}

	if n := countRows(t, db, `SELECT COUNT(*) FROM "Undocked"`); n != 2 {
		t.Fatalf("rows: %d", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM "Undocked" WHERE MarketID IS NULL`); n != 1 {
		t.Fatalf("first row should have NULL MarketID, got %d", n)
	}
}

func TestImportEventNullFieldsSkipped(t *testing.T) {
	im, _ := setupImporter(t)
	ctx := context.Background()

	if _, err := im.ImportEvent(ctx, Record{"event": "LocalTradeReport", "timestamp": "t", "value": nil, "text": "TRADE REPORT"}); err != nil {
		t.Fatal(err)
	}
	d, err := im.schemas.Describe(ctx, "LocalTradeReport")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Column("value"); ok {
		t.Fatal("nil field must not create a column")
	}
}

func TestImportEventConflictOrphansEnvelope(t *testing.T) {
	im, db := setupImporter(t)
	ctx := context.Background()

	if _, err := im.ImportEvent(ctx, Record{"event": "CustomThing", "timestamp": "t1", "Reward": json.Number("10")}); err != nil {
		t.Fatal(err)
	}
	res, err := im.ImportEvent(ctx, Record{"event": "CustomThing", "timestamp": "t2", "Reward": "ten"})
	if !errors.Is(err, schema.ErrSchemaConflict) {
		t.Fatalf("expected schema conflict, got %v", err)
	}
	if res == nil || res.EnvelopeID == 0 {
		t.Fatal("result must carry the orphaned envelope id")
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM events`); n != 2 {
		t.Fatalf("envelope rows: %d", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM "CustomThing"`); n != 1 {
		t.Fatalf("typed rows: %d", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM events e LEFT JOIN "CustomThing" c ON c.event_id = e.id WHERE c.event_id IS NULL`); n != 1 {
		t.Fatalf("orphans: %d", n)
	}
}

func TestImportEventWidensIntegerIntoRealColumn(t *testing.T) {
	im, db := setupImporter(t)
	ctx := context.Background()

	if _, err := im.ImportEvent(ctx, Record{"event": "Gauge", "timestamp": "t1", "Level": json.Number("1.5")}); err != nil {
		t.Fatal(err)
	}
	if _, err := im.ImportEvent(ctx, Record{"event": "Gauge", "timestamp": "t2", "Level": json.Number("2")}); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM "Gauge" WHERE typeof(Level) = 'real'`); n != 2 {
		t.Fatalf("real values: %d", n)
	}

	// The reverse is a conflict.
	if _, err := im.ImportEvent(ctx, Record{"event": "Counter", "timestamp": "t1", "N": json.Number("1")}); err != nil {
		t.Fatal(err)
	}
	if _, err := im.ImportEvent(ctx, Record{"event": "Counter", "timestamp": "t2", "N": json.Number("1.5")}); !errors.Is(err, schema.ErrSchemaConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestImportEventOverridesAndTransform(t *testing.T) {
	im, db := setupImporter(t)
	ctx := context.Background()

	_, err := im.ImportEvent(ctx, Record{
		"event":      "FSDJump",
		"timestamp":  "3307-01-01T00:00:00Z",
		"StarSystem": "Sol",
		"StarPos":    []any{json.Number("0"), json.Number("-2.5"), json.Number("3")},
		"JumpDist":   json.Number("12"),
		"FuelUsed":   json.Number("2.25"),
	})
	if err != nil {
		t.Fatal(err)
	}

	d, err := im.schemas.Describe(ctx, "FSDJump")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]coerce.Kind{
		"JumpDist": coerce.Real, "FuelUsed": coerce.Real, "StarPos": coerce.Structured,
		"StarPosX": coerce.Real, "StarPosY": coerce.Real, "StarPosZ": coerce.Real,
		"StarSystem": coerce.Text, "event_id": coerce.Integer,
	}
	for name, kind := range want {
		c, ok := d.Column(name)
		if !ok {
			t.Errorf("missing column %s", name)
			continue
		}
		if c.Kind != kind {
			t.Errorf("%s: got %v, want %v", name, c.Kind, kind)
		}
	}

	var y, dist float64
	var pos string
	if err := db.QueryRow(`SELECT StarPosY, JumpDist, StarPos FROM "FSDJump"`).Scan(&y, &dist, &pos); err != nil {
		t.Fatal(err)
	}
	if y != -2.5 || dist != 12 || pos != "[0,-2.5,3]" {
		t.Fatalf("row: %v %v %s", y, dist, pos)
	}

	// A later jump arriving with a fractional distance does not conflict.
	if _, err := im.ImportEvent(ctx, Record{
		"event": "FSDJump", "timestamp": "t", "StarSystem": "Achenar",
		"StarPos": []any{1.0, 2.0, 3.0}, "JumpDist": 7.75,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestImportEventReservedField(t *testing.T) {
	im, db := setupImporter(t)
	_, err := im.ImportEvent(context.Background(), Record{"event": "Docked", "timestamp": "t", "event_id": json.Number("3")})
	if !errors.Is(err, ErrReservedField) {
		t.Fatalf("expected ErrReservedField, got %v", err)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM events`); n != 1 {
		t.Fatalf("envelope rows: %d", n)
	}
}

func TestImportEventUnsupportedValue(t *testing.T) {
	im, _ := setupImporter(t)
	_, err := im.ImportEvent(context.Background(), Record{"event": "Docked", "timestamp": "t", "Raw": struct{ A int }{1}})
	if !errors.Is(err, coerce.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestImportEventCustomDescriptor(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Waypoint", Descriptor{
		Overrides: map[string]coerce.Kind{"Rank": coerce.Real},
		Unique:    [][]string{{"Name"}},
		Transform: func(f map[string]any) (map[string]any, error) {
			if v, ok := f["name"]; ok {
				f["Name"] = v
				delete(f, "name")
			}
			return f, nil
		},
	})
	im, db := setupImporter(t, WithRegistry(reg))
	ctx := context.Background()

	if _, err := im.ImportEvent(ctx, Record{"event": "Waypoint", "timestamp": "t1", "name": "Alpha", "Rank": json.Number("3")}); err != nil {
		t.Fatal(err)
	}
	var rank float64
	var name string
	if err := db.QueryRow(`SELECT Name, Rank FROM "Waypoint"`).Scan(&name, &rank); err != nil {
		t.Fatal(err)
	}
	if name != "Alpha" || rank != 3 {
		t.Fatalf("row: %s %v", name, rank)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM "Waypoint" WHERE typeof(Rank) = 'real'`); n != 1 {
		t.Fatal("override did not store a real")
	}

	// Duplicate name violates the unique index; the envelope stays.
	if _, err := im.ImportEvent(ctx, Record{"event": "Waypoint", "timestamp": "t2", "name": "Alpha"}); err == nil {
		t.Fatal("expected unique violation")
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM events`); n != 2 {
		t.Fatalf("envelope rows: %d", n)
	}
}

func TestImportEventOverrideMismatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Gauge", Descriptor{Overrides: map[string]coerce.Kind{
		"Level": coerce.Real,
		"Count": coerce.Integer,
	}})
	im, db := setupImporter(t, WithRegistry(reg))
	ctx := context.Background()

	for _, rec := range []Record{
		{"event": "Gauge", "timestamp": "t1", "Level": "high"},
		{"event": "Gauge", "timestamp": "t2", "Level": map[string]any{"v": 1}},
		{"event": "Gauge", "timestamp": "t3", "Count": json.Number("2.5")},
	} {
		_, err := im.ImportEvent(ctx, rec)
		var mismatch *OverrideMismatchError
		if !errors.As(err, &mismatch) || !errors.Is(err, schema.ErrSchemaConflict) {
			t.Fatalf("%v: expected override mismatch, got %v", rec, err)
		}
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM sqlite_master WHERE name = 'Gauge'`); n != 0 {
		t.Fatal("mismatched values must not create the table")
	}

	if _, err := im.ImportEvent(ctx, Record{"event": "Gauge", "timestamp": "t4", "Level": json.Number("2"), "Count": json.Number("3")}); err != nil {
		t.Fatal(err)
	}
}

func TestImportEventTypeSpellings(t *testing.T) {
	im, db := setupImporter(t)
	ctx := context.Background()

	for i, rec := range []Record{
		{"event": "Shutdown", "timestamp": "t1"},
		{"event": "ShutDown", "timestamp": "t2", "Reason": "quit"},
		{"event": "Shutdown", "timestamp": "t3", "Reason": "crash"},
		{"event": "Docked", "timestamp": "t4", "Count": json.Number("1")},
		{"event": "Docked", "timestamp": "t5", "count": json.Number("2")},
	} {
		if _, err := im.ImportEvent(ctx, rec); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	if n := countRows(t, db, `SELECT COUNT(*) FROM "Shutdown" WHERE Reason IS NOT NULL`); n != 2 {
		t.Fatalf("Shutdown rows with reason: %d", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM "Docked" WHERE Count IN (1, 2)`); n != 2 {
		t.Fatalf("Docked rows: %d", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM events e LEFT JOIN "Shutdown" s ON s.event_id = e.id
		WHERE e.type IN ('Shutdown', 'ShutDown') AND s.event_id IS NULL`); n != 0 {
		t.Fatalf("orphaned envelopes: %d", n)
	}
}

func TestInitMigratesLegacyLedger(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(`CREATE TABLE events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP,
		key TEXT,
		index_in_path INTEGER,
		type TEXT,
		event JSON
	)`); err != nil {
		t.Fatal(err)
	}
	im := NewImporter(db, schema.New(db))
	if err := im.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := im.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM pragma_table_info('events') WHERE name IN ('source_key', 'source_index')`); n != 2 {
		t.Fatalf("source columns: %d", n)
	}
	if _, err := im.ImportEvent(context.Background(), Record{"event": "Music", "timestamp": "t", "MusicTrack": "x"}); err != nil {
		t.Fatal(err)
	}
}
