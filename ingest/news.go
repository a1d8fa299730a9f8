package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/edingest/journal"
	"github.com/hazyhaar/edingest/ocr"
)

// ErrUnclassified is returned in strict mode for text that matches no report
// category.
var ErrUnclassified = errors.New("ingest: unclassified report")

// Screenshot is a news screen capture named "<epoch>.<index>.<ext>".
type Screenshot struct {
	Path  string
	Epoch int64
	Index int
}

// Time returns the capture time in UTC.
func (s Screenshot) Time() time.Time { return time.Unix(s.Epoch, 0).UTC() }

// ParseScreenshotName parses "<epoch>.<index>.<ext>". The directory part of
// path is kept but ignored.
func ParseScreenshotName(path string) (Screenshot, error) {
	parts := strings.Split(filepath.Base(path), ".")
	if len(parts) != 3 || parts[2] == "" {
		return Screenshot{}, fmt.Errorf("ingest: screenshot name %q: want <epoch>.<index>.<ext>", filepath.Base(path))
	}
	epoch, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Screenshot{}, fmt.Errorf("ingest: screenshot name %q: epoch: %w", filepath.Base(path), err)
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil {
		return Screenshot{}, fmt.Errorf("ingest: screenshot name %q: index: %w", filepath.Base(path), err)
	}
	return Screenshot{Path: path, Epoch: epoch, Index: index}, nil
}

// listScreenshots returns the screenshots of dir ordered by capture time then
// index. Files with other names are ignored.
func (s *Service) listScreenshots(dir string) ([]Screenshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ingest: news: %w", err)
	}
	var shots []Screenshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		shot, err := ParseScreenshotName(path)
		if err != nil {
			s.logger.Debug("ingest: not a screenshot", "name", e.Name())
			continue
		}
		shots = append(shots, shot)
	}
	slices.SortFunc(shots, func(a, b Screenshot) int {
		return cmp.Or(cmp.Compare(a.Epoch, b.Epoch), cmp.Compare(a.Index, b.Index))
	})
	return shots, nil
}

// ImportNews OCRs and imports the news screenshots of dir (cfg.NewsDir when
// empty). Screenshots already imported are skipped before OCR. Each
// screenshot is a single-event batch keyed by its absolute path.
func (s *Service) ImportNews(ctx context.Context, dir string) (*ImportSummary, error) {
	if dir == "" {
		dir = s.cfg.NewsDir
	}
	ctx, sum := newRun(ctx)
	start := time.Now()

	shots, err := s.listScreenshots(dir)
	if err != nil {
		return sum, err
	}

	var todo []Screenshot
	for _, shot := range shots {
		n, err := s.batches.Done(ctx, shot.Path)
		if err != nil {
			return sum, err
		}
		if n >= 1 {
			sum.add(FileResult{Path: shot.Path, Skipped: true})
			continue
		}
		todo = append(todo, shot)
	}
	if len(todo) == 0 {
		return sum, nil
	}

	texts, err := s.recognize(todo)
	if err != nil {
		return sum, err
	}

	var errs []error
	for _, shot := range todo {
		fr := FileResult{Path: shot.Path}
		n, err := s.importScreenshot(ctx, shot, texts[shot.Path])
		fr.Imported = n
		if err != nil {
			s.logger.ErrorContext(ctx, "ingest: screenshot failed", "path", shot.Path, "error", err, "trace_id", sum.RunID)
			fr.Error = err.Error()
			errs = append(errs, err)
		}
		sum.add(fr)
	}

	s.logger.InfoContext(ctx, "ingest: news done",
		"dir", dir, "screenshots", len(shots), "imported", sum.Imported,
		"trace_id", sum.RunID, "duration", time.Since(start))
	return sum, errors.Join(errs...)
}

func (s *Service) recognize(shots []Screenshot) (map[string]ocr.Result, error) {
	p, err := ocr.New[string](ocr.Config{
		Workers: s.cfg.OCR.Workers,
		TmpDir:  s.cfg.TmpDir,
		Backend: s.backend,
		Cropper: s.cropper,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, err
	}
	defer p.Shutdown()
	for _, shot := range shots {
		if _, err := p.Submit(shot.Path, shot.Path); err != nil {
			return nil, err
		}
	}
	return p.CollectAll(), nil
}

func (s *Service) importScreenshot(ctx context.Context, shot Screenshot, res ocr.Result) (int, error) {
	if res.Err != nil {
		return 0, res.Err
	}
	fields, err := s.parser.Parse(res.Text, s.cfg.Strict)
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		if s.cfg.Strict {
			return 0, fmt.Errorf("%w: %s", ErrUnclassified, shot.Path)
		}
		s.logger.WarnContext(ctx, "ingest: unclassified report skipped", "path", shot.Path)
		return 0, nil
	}

	rec := journal.Record(fields)
	rec["timestamp"] = shot.Time().Format(time.RFC3339)
	rec["index"] = shot.Index
	rec["text"] = res.Text
	return s.batches.ImportBatch(ctx, shot.Path, 1, journal.Records(rec))
}
