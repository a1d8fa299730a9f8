// Package watch runs a "poll, detect change, debounce, act" loop. The
// journal watcher uses it over the game's journal directory so new lines
// are imported shortly after the game stops writing them.
//
//	w := watch.New(watch.DirDetector(dir, journal.IsJournalFile), watch.Options{
//		Interval: time.Second,
//		Debounce: 2 * time.Second,
//	})
//	w.OnChange(ctx, func() error { return svc.ImportJournals(ctx, dir) })
package watch

import (
	"context"
	"database/sql"
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"os"
	"slices"
	"sync/atomic"
	"time"
)

// ChangeDetector returns a version token. Two calls returning different
// values mean something changed. Tokens carry no ordering.
type ChangeDetector func(ctx context.Context) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes during the window restart it. 0 fires immediately.
	Debounce time.Duration
	// Immediate runs the action once at start, after the baseline is taken.
	Immediate bool
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a detector and runs an action on change.
type Watcher struct {
	detect ChangeDetector
	opts   Options

	version atomic.Int64

	checks   atomic.Int64
	changes  atomic.Int64
	errors   atomic.Int64
	actions  atomic.Int64
	actionNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Actions         int64         `json:"actions"`
	AvgActionTime   time.Duration `json:"avg_action_time"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(detect ChangeDetector, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{detect: detect, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Actions:         w.actions.Load(),
	}
	if s.Actions > 0 {
		s.AvgActionTime = time.Duration(w.actionNs.Load() / s.Actions)
	}
	return s
}

// OnChange blocks until ctx is cancelled, polling at Options.Interval.
// The state seen at start is the baseline; only later changes fire, unless
// Options.Immediate is set.
//
// If action fails the version is not advanced and the action is retried on
// the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	// synced is true once w.version matches a state the action has handled.
	synced := false
	if v, err := w.detect(ctx); err != nil {
		log.Warn("watch: initial check failed", "error", err)
	} else {
		w.version.Store(v)
		synced = !w.opts.Immediate
	}
	if w.opts.Immediate && w.fire(log, action, w.version.Load()) {
		synced = true
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		debounce   *time.Timer
		debounceCh <-chan time.Time
		pending    int64
		hasPending bool
	)

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.detect(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: check failed", "error", err)
				continue
			}
			if (synced && cur == w.version.Load()) || (hasPending && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, hasPending = cur, true

			if w.opts.Debounce <= 0 {
				if w.fire(log, action, pending) {
					synced = true
				}
				hasPending = false
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C
			log.Debug("watch: change detected, debouncing")

		case <-debounceCh:
			debounceCh = nil
			if hasPending {
				if w.fire(log, action, pending) {
					synced = true
				}
				hasPending = false
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) bool {
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: action failed", "error", err)
		return false
	}
	elapsed := time.Since(start)
	w.actions.Add(1)
	w.actionNs.Add(int64(elapsed))
	w.version.Store(ver)
	log.Info("watch: action complete", "duration", elapsed)
	return true
}

// DirDetector fingerprints the name, size and modification time of every
// regular file in dir accepted by match (nil accepts all). A missing
// directory is an error.
func DirDetector(dir string, match func(name string) bool) ChangeDetector {
	return func(ctx context.Context) (int64, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, err
		}
		h := fnv.New64a()
		var buf [8]byte
		for _, e := range entries {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if !e.Type().IsRegular() || (match != nil && !match(e.Name())) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return 0, err
			}
			h.Write([]byte(e.Name()))
			binary.LittleEndian.PutUint64(buf[:], uint64(info.Size()))
			h.Write(buf[:])
			binary.LittleEndian.PutUint64(buf[:], uint64(info.ModTime().UnixNano()))
			h.Write(buf[:])
		}
		return int64(h.Sum64()), nil
	}
}

// DataVersion uses PRAGMA data_version, which moves when another connection
// writes to the same database file.
func DataVersion(db *sql.DB) ChangeDetector {
	return func(ctx context.Context) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
		return v, err
	}
}

// Any combines detectors; the token changes when any of theirs does.
func Any(detectors ...ChangeDetector) ChangeDetector {
	detectors = slices.Clone(detectors)
	return func(ctx context.Context) (int64, error) {
		h := fnv.New64a()
		var buf [8]byte
		for _, d := range detectors {
			v, err := d(ctx)
			if err != nil {
				return 0, err
			}
			binary.LittleEndian.PutUint64(buf[:], uint64(v))
			h.Write(buf[:])
		}
		return int64(h.Sum64()), nil
	}
}
