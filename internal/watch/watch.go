// Package watch turns a directory of images into a stream of pipeline runs.
// New or rewritten images are debounced and handed to a Processor one at a
// time; a failure for one image is logged and the watcher keeps going.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/logbook"
)

// Processor handles one settled image.
type Processor interface {
	Process(ctx context.Context, path string) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, path string) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, path string) error {
	return f(ctx, path)
}

// Watcher watches one directory, non-recursively.
type Watcher struct {
	dir       string
	exts      map[string]struct{}
	debounce  time.Duration
	processor Processor
	logger    *zap.Logger
	logbook   *logbook.Logbook
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]time.Time
	queued  map[string]struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithLogbook records each processed image in the journal.
func WithLogbook(lb *logbook.Logbook) Option {
	return func(w *Watcher) {
		w.logbook = lb
	}
}

// New builds a watcher for dir using the extensions and debounce from cfg.
func New(dir string, cfg config.WatchConfig, processor Processor, opts ...Option) (*Watcher, error) {
	if processor == nil {
		return nil, errors.New("watch: processor is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: %s is not a directory", abs)
	}
	w := &Watcher{
		dir:       abs,
		exts:      make(map[string]struct{}, len(cfg.Extensions)),
		debounce:  cfg.Debounce,
		processor: processor,
		logger:    zap.NewNop(),
		now:       time.Now,
		pending:   map[string]time.Time{},
		queued:    map[string]struct{}{},
	}
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		w.exts[ext] = struct{}{}
	}
	if w.debounce <= 0 {
		w.debounce = 750 * time.Millisecond
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Run blocks until ctx is cancelled. It returns nil on cancellation and an
// error only when the directory cannot be watched.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch: add %s: %w", w.dir, err)
	}
	w.logger.Info("watching for images", zap.String("dir", w.dir), zap.Duration("debounce", w.debounce))

	jobs := make(chan string, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		return w.collect(gctx, fsw, jobs)
	})
	g.Go(func() error {
		w.work(gctx, jobs)
		return nil
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (w *Watcher) collect(ctx context.Context, fsw *fsnotify.Watcher, jobs chan<- string) error {
	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			for _, path := range w.settled() {
				select {
				case jobs <- path:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (w *Watcher) observe(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !w.matches(event.Name) {
		return
	}
	w.logger.Debug("image changed", zap.String("path", event.Name), zap.Stringer("op", event.Op))
	w.mu.Lock()
	w.pending[event.Name] = w.now()
	w.mu.Unlock()
}

// settled returns paths that have been quiet for the debounce interval and
// are not already waiting for the worker.
func (w *Watcher) settled() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) < w.debounce {
			continue
		}
		if _, busy := w.queued[path]; busy {
			continue
		}
		delete(w.pending, path)
		w.queued[path] = struct{}{}
		ready = append(ready, path)
	}
	sort.Strings(ready)
	return ready
}

func (w *Watcher) work(ctx context.Context, jobs <-chan string) {
	for path := range jobs {
		if ctx.Err() == nil {
			w.process(ctx, path)
		}
		w.mu.Lock()
		delete(w.queued, path)
		w.mu.Unlock()
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		w.logger.Debug("skipping vanished image", zap.String("path", path))
		return
	}
	start := w.now()
	w.logger.Info("processing image", zap.String("path", path))
	if err := w.processor.Process(ctx, path); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("image failed", zap.String("path", path), zap.Error(err))
		w.logbook.Error("watch: %s failed: %v", filepath.Base(path), err)
		return
	}
	w.logger.Info("image processed", zap.String("path", path), zap.Duration("elapsed", w.now().Sub(start)))
	w.logbook.Info("watch: %s processed", filepath.Base(path))
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := w.exts[strings.ToLower(filepath.Ext(base))]
	return ok
}
