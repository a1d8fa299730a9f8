// Package ocr runs screenshots through crop → recognize → read chains on a
// bounded pool of workers.
//
// Every submission is an independent chain whose three stages run strictly
// in order; each stage holds one slot of a semaphore shared by all chains,
// so at most Workers external processes run at once. Results are keyed by
// the caller's key, never by completion order. A running chain is never
// cancelled; Shutdown waits for it.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/hazyhaar/edingest/horosafe"
	"github.com/hazyhaar/edingest/idgen"
	"github.com/hazyhaar/edingest/observability"
)

var (
	ErrPipelineClosed = errors.New("ocr: pipeline closed")
	ErrDuplicateKey   = errors.New("ocr: key already submitted")
)

// Config configures a Pipeline.
type Config struct {
	Workers int    // default runtime.NumCPU()
	TmpDir  string // scratch directory, default $TMPDIR/edingest-ocr
	Backend Backend
	Cropper Cropper
	// KeepScratch leaves the cropped image and text file behind.
	KeepScratch bool
	Logger      *slog.Logger
	Metrics     *observability.MetricsManager
}

// Result is the outcome of one chain.
type Result struct {
	Text string
	Err  error
}

// Pending is a submitted chain.
type Pending struct {
	done chan struct{}
	res  Result
}

// Wait blocks until the chain finishes or ctx is done. A done ctx does not
// stop the chain.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.res.Text, p.res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pipeline runs chains for keys of type K.
type Pipeline[K comparable] struct {
	cfg Config
	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[K]*Pending
}

// New returns a Pipeline. The scratch directory is created if needed.
func New[K comparable](cfg Config) (*Pipeline[K], error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = filepath.Join(os.TempDir(), "edingest-ocr")
	}
	if cfg.Backend == nil {
		cfg.Backend = Tesseract{}
	}
	if cfg.Cropper == nil {
		cfg.Cropper = Convert{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("ocr: scratch dir: %w", err)
	}
	return &Pipeline[K]{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.Workers),
		pending: make(map[K]*Pending),
	}, nil
}

// Submit starts the chain for image under key.
func (p *Pipeline[K]) Submit(image string, key K) (*Pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPipelineClosed
	}
	if _, dup := p.pending[key]; dup {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}

	stem := idgen.ScratchStem()
	cropped, err := horosafe.SafePath(p.cfg.TmpDir, stem+".cropped.png")
	if err != nil {
		return nil, err
	}
	text, err := horosafe.SafePath(p.cfg.TmpDir, stem+".txt")
	if err != nil {
		return nil, err
	}

	pend := &Pending{done: make(chan struct{})}
	p.pending[key] = pend
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(pend.done)
		pend.res = p.chain(image, cropped, text)
	}()
	return pend, nil
}

func (p *Pipeline[K]) chain(image, cropped, text string) Result {
	// Chains are not cancellable.
	ctx := context.Background()
	start := time.Now()
	log := p.cfg.Logger.With("image", image, "backend", p.cfg.Backend.Name())

	if !p.cfg.KeepScratch {
		defer os.Remove(cropped)
		defer os.Remove(text)
	}

	var out string
	err := p.stage(func() error { return p.cfg.Cropper.Crop(ctx, image, cropped) })
	if err == nil {
		err = p.stage(func() error { return p.cfg.Backend.Recognize(ctx, cropped, text) })
	}
	if err == nil {
		err = p.stage(func() error {
			var rerr error
			out, rerr = readText(text)
			return rerr
		})
	}

	p.cfg.Metrics.Duration(observability.MetricOCRChainMs, time.Since(start), map[string]string{"backend": p.cfg.Backend.Name()})
	if err != nil {
		p.cfg.Metrics.Count(observability.MetricOCRChainFailed, 1, map[string]string{"backend": p.cfg.Backend.Name()})
		log.Warn("ocr: chain failed", "error", err, "duration", time.Since(start))
		return Result{Err: err}
	}
	log.Debug("ocr: chain done", "chars", len(out), "duration", time.Since(start))
	return Result{Text: out}
}

func (p *Pipeline[K]) stage(fn func() error) error {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()
	return fn()
}

func readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ocr: read result: %w", err)
	}
	defer f.Close()
	b, err := horosafe.LimitedReadAll(f, horosafe.MaxToolOutput)
	if err != nil {
		return "", fmt.Errorf("ocr: read result: %w", err)
	}
	return string(b), nil
}

// CollectAll waits for every submitted chain and returns the results by key.
func (p *Pipeline[K]) CollectAll() map[K]Result {
	p.mu.Lock()
	snapshot := make(map[K]*Pending, len(p.pending))
	for k, v := range p.pending {
		snapshot[k] = v
	}
	p.mu.Unlock()

	out := make(map[K]Result, len(snapshot))
	for k, pend := range snapshot {
		<-pend.done
		out[k] = pend.res
	}
	return out
}

// Shutdown rejects further submissions and waits for in-flight chains.
func (p *Pipeline[K]) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
