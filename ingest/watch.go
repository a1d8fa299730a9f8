package ingest

import (
	"context"

	"github.com/hazyhaar/edingest/journal"
	"github.com/hazyhaar/edingest/kit"
	"github.com/hazyhaar/edingest/watch"
)

// Watch imports the journal directory once, then again whenever its journal
// files change and stay quiet for cfg.Watch.Debounce. A journal that failed
// is retried only once it changes. It blocks until ctx is done and returns
// the watcher counters.
func (s *Service) Watch(ctx context.Context) watch.Stats {
	ctx = kit.WithTransport(ctx, "watch")
	dir := s.cfg.JournalDir

	w := watch.New(watch.DirDetector(dir, journal.IsJournalFile), watch.Options{
		Interval:  s.cfg.Watch.Interval,
		Debounce:  s.cfg.Watch.Debounce,
		Immediate: true,
		Logger:    s.logger,
	})
	w.OnChange(ctx, func() error {
		_, err := s.importJournals(ctx, dir, true)
		return err
	})
	return w.Stats()
}
