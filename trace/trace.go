// Package trace provides per-statement SQL logging for modernc.org/sqlite.
//
// It registers a "sqlite-trace" driver that wraps the standard "sqlite"
// driver and logs every Exec and Query through slog: DEBUG normally, WARN
// when a statement takes longer than SlowThreshold, ERROR when it fails.
// Opening the store with dbopen.WithTrace() is the switch behind the
// `debug_sql` config flag, so schema changes and inserts issued by the
// importer can be followed statement by statement.
//
// The trace ID stored in the context by kit.WithTraceID (the import run ID)
// is attached to every line.
package trace

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql driver name registered by this package.
const DriverName = "sqlite-trace"

// SlowThreshold is the duration above which a statement is logged at WARN.
const SlowThreshold = 100 * time.Millisecond

var (
	logger   *slog.Logger
	loggerMu sync.RWMutex
)

// SetLogger overrides the logger used for statement lines. Pass nil to fall
// back to slog.Default().
func SetLogger(l *slog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func getLogger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func init() {
	sql.Register(DriverName, &TracingDriver{
		Driver: &sqlite.Driver{},
	})
}
