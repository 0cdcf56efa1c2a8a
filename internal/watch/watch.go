// Package watch keeps a source directory continuously filtered: an initial
// pass covers what already exists, then filesystem notifications and a poll
// fallback pick up files as they appear, each filtered once its size and
// modification time stop changing.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	"fhirsieve/internal/arena"
	"fhirsieve/internal/filter"
	"fhirsieve/internal/idset"
	"fhirsieve/internal/inflight"
	"fhirsieve/internal/logging"
	"fhirsieve/internal/mirror"
	"fhirsieve/internal/report"
	"fhirsieve/internal/source"
)

// DefaultSettle is how long a file must hold still before it is filtered.
const DefaultSettle = 2 * time.Second

type Config struct {
	// SourceDir is the watched corpus directory. Must exist.
	SourceDir string

	// Patterns are the source glob patterns. source.DefaultPatterns when
	// empty.
	Patterns []string

	// Settle is how long a file's size and modification time must hold
	// still before it is filtered. DefaultSettle when zero.
	Settle time.Duration

	// PollInterval re-discovers sources the notifications missed, and
	// retries failed files. Zero disables polling.
	PollInterval time.Duration

	// RescanCron optionally schedules full re-discovery by cron expression
	// (with seconds field).
	RescanCron string

	// StateFile persists processed-file fingerprints across restarts.
	// Empty disables persistence.
	StateFile string

	// Mirror optionally copies each batch's artifacts and the refreshed
	// summary to a destination as they are produced.
	Mirror *mirror.Mirror

	Runner *filter.Runner
	Set    *idset.Set
	Arena  *arena.Arena
	Logger *slog.Logger
}

// Watcher owns one continuous filter run over a source directory.
type Watcher struct {
	cfg        Config
	settleTick time.Duration
	logger     *slog.Logger

	gate     inflight.Gate[string]
	rescanCh chan struct{}
	wg       sync.WaitGroup

	mu         sync.Mutex
	st         state
	started    time.Time
	candidates map[string]candidate
	results    map[string]filter.Result
}

// candidate is a source file waiting out its settle period.
type candidate struct {
	file source.File
	fp   fingerprint
	seen time.Time
}

// item is a settled file ready to filter, with the fingerprint recorded on
// success.
type item struct {
	file source.File
	fp   fingerprint
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Runner == nil {
		return nil, errors.New("watch: runner required")
	}
	if cfg.Arena == nil {
		return nil, errors.New("watch: arena required")
	}
	if cfg.Set == nil {
		return nil, errors.New("watch: identifier set required")
	}
	if cfg.SourceDir == "" {
		return nil, errors.New("watch: source directory required")
	}
	// Discovery reports absolute paths; watching an absolute directory
	// keeps notification paths and state keys in the same form.
	dir, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve source directory: %w", err)
	}
	cfg.SourceDir = dir
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = source.DefaultPatterns
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}

	return &Watcher{
		cfg:        cfg,
		settleTick: settleTick(cfg.Settle),
		logger:     logging.Default(cfg.Logger).With("component", "watch"),
		rescanCh:   make(chan struct{}, 1),
		candidates: make(map[string]candidate),
		results:    make(map[string]filter.Result),
	}, nil
}

func settleTick(settle time.Duration) time.Duration {
	tick := settle / 4
	if tick < 25*time.Millisecond {
		return 25 * time.Millisecond
	}
	if tick > time.Second {
		return time.Second
	}
	return tick
}

// Run blocks until ctx is cancelled, then waits for in-flight batches,
// persists state and writes a final summary. Files recorded in the state
// file are skipped unless they changed.
func (w *Watcher) Run(ctx context.Context) error {
	st, err := loadState(w.cfg.StateFile)
	if err != nil {
		w.logger.Warn("failed to load state, starting fresh", "error", err)
		st = state{Files: make(map[string]fingerprint)}
	}
	w.mu.Lock()
	w.st = st
	w.started = time.Now()
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()
	if err := fsw.Add(w.cfg.SourceDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.SourceDir, err)
	}

	if w.cfg.RescanCron != "" {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("create rescan scheduler: %w", err)
		}
		_, err = sched.NewJob(
			gocron.CronJob(w.cfg.RescanCron, true),
			gocron.NewTask(w.triggerRescan),
			gocron.WithName("rescan"),
		)
		if err != nil {
			return fmt.Errorf("schedule rescan: %w", err)
		}
		sched.Start()
		defer func() { _ = sched.Shutdown() }()
		w.logger.Info("rescan scheduled", "cron", w.cfg.RescanCron)
	}

	// Initial pass: files that predate the watcher are settled already.
	w.submit(ctx, w.unprocessed())

	settleTicker := time.NewTicker(w.settleTick)
	defer settleTicker.Stop()

	var pollCh <-chan time.Time
	if w.cfg.PollInterval > 0 {
		pollTicker := time.NewTicker(w.cfg.PollInterval)
		defer pollTicker.Stop()
		pollCh = pollTicker.C
	}

	w.logger.Info("watching", "dir", w.cfg.SourceDir, "settle", w.cfg.Settle)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.finalize()
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)

		case <-settleTicker.C:
			w.submit(ctx, w.settled())

		case <-pollCh:
			w.markUnprocessed()

		case <-w.rescanCh:
			w.logger.Info("rescan")
			w.markUnprocessed()
		}
	}
}

func (w *Watcher) triggerRescan() {
	select {
	case w.rescanCh <- struct{}{}:
	default:
	}
}

// unprocessed discovers source files whose fingerprints differ from the
// recorded state, ready to filter without settling.
func (w *Watcher) unprocessed() []item {
	files, err := source.Discover(w.cfg.SourceDir, w.cfg.Patterns)
	if err != nil {
		w.logger.Warn("discovery failed", "error", err)
		return nil
	}

	var ready []item
	w.mu.Lock()
	for _, f := range files {
		fp, err := fingerprintOf(f.Path)
		if err != nil {
			continue
		}
		if w.st.Files[f.Path] == fp {
			continue
		}
		ready = append(ready, item{file: f, fp: fp})
	}
	w.mu.Unlock()
	return ready
}

// markUnprocessed re-discovers sources and queues changed ones as
// candidates, subject to settling.
func (w *Watcher) markUnprocessed() {
	files, err := source.Discover(w.cfg.SourceDir, w.cfg.Patterns)
	if err != nil {
		w.logger.Warn("discovery failed", "error", err)
		return
	}

	now := time.Now()
	w.mu.Lock()
	for _, f := range files {
		fp, err := fingerprintOf(f.Path)
		if err != nil {
			continue
		}
		if w.st.Files[f.Path] == fp {
			continue
		}
		w.markLocked(f, fp, now)
	}
	w.mu.Unlock()
}

// markLocked records a candidate. An unchanged fingerprint keeps its settle
// clock; a changed one restarts it.
func (w *Watcher) markLocked(f source.File, fp fingerprint, now time.Time) {
	if c, ok := w.candidates[f.Path]; ok && c.fp == fp {
		return
	}
	w.candidates[f.Path] = candidate{file: f, fp: fp, seen: now}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if !w.matchesAny(filepath.Base(event.Name)) {
			return
		}
		fp, err := fingerprintOf(event.Name)
		if err != nil {
			return
		}
		w.mu.Lock()
		if w.st.Files[event.Name] != fp {
			w.markLocked(source.File{
				Path:        event.Name,
				Size:        fp.Size,
				Compression: source.CompressionFor(event.Name),
			}, fp, time.Now())
		}
		w.mu.Unlock()

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.candidates, event.Name)
		w.mu.Unlock()
	}
}

// matchesAny reports whether a bare file name matches the source patterns.
// Hidden names never match.
func (w *Watcher) matchesAny(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, pattern := range w.cfg.Patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// settled promotes candidates whose fingerprints held still for the settle
// period.
func (w *Watcher) settled() []item {
	now := time.Now()
	var due []item

	w.mu.Lock()
	for path, c := range w.candidates {
		fp, err := fingerprintOf(path)
		if err != nil {
			delete(w.candidates, path)
			continue
		}
		if w.st.Files[path] == fp {
			delete(w.candidates, path)
			continue
		}
		if fp != c.fp {
			w.candidates[path] = candidate{file: c.file, fp: fp, seen: now}
			continue
		}
		if now.Sub(c.seen) < w.cfg.Settle {
			continue
		}
		delete(w.candidates, path)
		c.file.Size = fp.Size
		due = append(due, item{file: c.file, fp: fp})
	}
	w.mu.Unlock()
	return due
}

// submit filters a batch on its own goroutine. A path already being
// filtered goes back into the candidate queue; the settle pass drops it
// once recorded state catches up, or refilters it if the file changed.
func (w *Watcher) submit(ctx context.Context, batch []item) {
	var run []item
	now := time.Now()
	for _, it := range batch {
		if w.gate.TryAcquire(it.file.Path) {
			run = append(run, it)
			continue
		}
		w.mu.Lock()
		w.markLocked(it.file, it.fp, now)
		w.mu.Unlock()
	}
	if len(run) == 0 {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			for _, it := range run {
				w.gate.Release(it.file.Path)
			}
		}()

		files := make([]source.File, 0, len(run))
		for _, it := range run {
			files = append(files, it.file)
		}

		results, err := w.cfg.Runner.RunFiles(ctx, files)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Warn("batch failed", "error", err)
		}
		w.record(run, results)
	}()
}

// record folds batch results into the cumulative view, persists state and
// rewrites the summary. Failed files keep no fingerprint, so polling and
// rescans retry them.
func (w *Watcher) record(batch []item, results []filter.Result) {
	fps := make(map[string]fingerprint, len(batch))
	for _, it := range batch {
		fps[it.file.Path] = it.fp
	}

	w.mu.Lock()
	for _, res := range results {
		w.results[res.Source.Path] = res
		if !res.Failed() {
			w.st.Files[res.Source.Path] = fps[res.Source.Path]
		}
	}
	st := state{Files: maps.Clone(w.st.Files)}
	summary := w.summaryLocked()
	w.mu.Unlock()

	if err := saveState(w.cfg.StateFile, st); err != nil {
		w.logger.Warn("failed to save state", "error", err)
	}
	if err := summary.WriteFile(w.cfg.Arena.Path(report.SummaryFileName)); err != nil {
		w.logger.Warn("failed to write summary", "error", err)
	}
	w.mirror()
}

// mirror copies the arena's current artifacts and summary out after a
// batch. The whole set goes every time, so a copy that failed on one
// batch heals on the next. Failures are logged; the artifacts stay in
// the arena either way.
func (w *Watcher) mirror() {
	if w.cfg.Mirror == nil {
		return
	}
	names, err := w.cfg.Arena.Artifacts()
	if err != nil {
		w.logger.Warn("mirror failed", "error", err)
		return
	}
	names = append(names, report.SummaryFileName)
	if err := w.cfg.Mirror.Copy(context.Background(), w.cfg.Arena.Root(), names); err != nil {
		w.logger.Warn("mirror failed", "error", err)
	}
}

// Summary returns the cumulative summary of everything filtered so far.
func (w *Watcher) Summary() report.Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.summaryLocked()
}

// summaryLocked builds the cumulative summary. Caller must hold w.mu.
func (w *Watcher) summaryLocked() report.Summary {
	results := make([]filter.Result, 0, len(w.results))
	for _, res := range w.results {
		results = append(results, res)
	}
	return report.Build(results, report.Info{
		RunID:       w.cfg.Runner.RunID(),
		Started:     w.started,
		Elapsed:     time.Since(w.started),
		Identifiers: w.cfg.Set.Len(),
		ArenaDir:    w.cfg.Arena.Root(),
	})
}

// finalize persists state and writes the last summary on shutdown.
func (w *Watcher) finalize() {
	w.mu.Lock()
	st := state{Files: maps.Clone(w.st.Files)}
	processed := len(w.results)
	summary := w.summaryLocked()
	w.mu.Unlock()

	if err := saveState(w.cfg.StateFile, st); err != nil {
		w.logger.Warn("failed to save state", "error", err)
	}
	if processed > 0 {
		if err := summary.WriteFile(w.cfg.Arena.Path(report.SummaryFileName)); err != nil {
			w.logger.Warn("failed to write summary", "error", err)
		}
	}
	w.logger.Info("watch stopped", "files", processed)
}
