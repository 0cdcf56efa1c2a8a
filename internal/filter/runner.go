// Package filter runs the record filtering pipeline: one task per source
// file across a bounded worker pool, with total failure isolation between
// files.
//
// A run scans the source directory once, schedules one task per file with
// at most Workers executing concurrently, and collects every task's Result
// on a single goroutine in completion order. A task failure never cancels
// or delays its siblings; the only fatal pool error is finding no input at
// all.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fhirsieve/internal/arena"
	"fhirsieve/internal/idset"
	"fhirsieve/internal/logging"
	"fhirsieve/internal/match"
	"fhirsieve/internal/source"
)

// ErrNoInputFiles indicates the source scan produced nothing to filter.
// It is fatal: the run aborts before any task is scheduled.
var ErrNoInputFiles = errors.New("no input files found")

// Config configures a Runner.
type Config struct {
	// SourceDir is scanned once at run start.
	SourceDir string

	// Patterns are the source glob patterns. source.DefaultPatterns when
	// empty.
	Patterns []string

	// Set is the identifier set every task matches against.
	Set *idset.Set

	// Arena receives all artifacts and transient files for the run.
	Arena *arena.Arena

	// Matcher is the line matching engine. match.Auto() when nil.
	Matcher match.Matcher

	// Workers bounds concurrent tasks. DefaultWorkers() when <= 0.
	Workers int

	// TaskTimeout bounds one file's matching; expiry is a soft failure
	// for that file only. Zero disables the bound.
	TaskTimeout time.Duration

	Logger *slog.Logger
}

// DefaultWorkers is the computed worker budget: machine parallelism minus
// one, with a floor of one.
func DefaultWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// Runner executes one filter run.
type Runner struct {
	cfg    Config
	runID  string
	logger *slog.Logger
}

// NewRunner validates cfg and prepares a run.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Set == nil || cfg.Set.Len() == 0 {
		return nil, idset.ErrEmptySet
	}
	if cfg.Arena == nil {
		return nil, errors.New("filter: arena required")
	}
	if cfg.Matcher == nil {
		cfg.Matcher = match.Auto()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}

	runID := uuid.Must(uuid.NewV7()).String()
	logger := logging.Default(cfg.Logger).With("component", "filter", "run", runID)
	return &Runner{cfg: cfg, runID: runID, logger: logger}, nil
}

// RunID identifies this run in logs and the summary.
func (r *Runner) RunID() string { return r.runID }

// Workers returns the effective worker budget.
func (r *Runner) Workers() int { return r.cfg.Workers }

// Run scans for source files and executes every task to completion. The
// returned slice holds one Result per scheduled task, in completion order.
// Soft failures live inside Results; Run itself fails only when no input
// exists or ctx ends before all tasks finish.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	files, err := source.Discover(r.cfg.SourceDir, r.cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoInputFiles, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInputFiles, r.cfg.SourceDir)
	}
	return r.RunFiles(ctx, files)
}

// RunFiles executes one task per given file across the worker pool, for
// callers that track their own file set. Semantics match Run.
func (r *Runner) RunFiles(ctx context.Context, files []source.File) ([]Result, error) {
	r.logger.Info("run started",
		"files", len(files),
		"workers", r.cfg.Workers,
		"identifiers", r.cfg.Set.Len(),
		"arena", r.cfg.Arena.Root())

	// Buffered so task goroutines never block on result handoff.
	resultCh := make(chan Result, len(files))
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)

	go func() {
		for _, f := range files {
			if ctx.Err() != nil {
				break
			}
			t := &task{
				src:     f,
				set:     r.cfg.Set,
				ar:      r.cfg.Arena,
				matcher: r.cfg.Matcher,
				timeout: r.cfg.TaskTimeout,
				logger:  r.logger,
			}
			g.Go(func() error {
				resultCh <- t.run(ctx)
				return nil
			})
		}
		_ = g.Wait()
		close(resultCh)
	}()

	var results []Result
	for res := range resultCh {
		if res.Failed() {
			r.logger.Warn("file failed", "file", res.Source.Stem(), "error", res.Err)
		}
		results = append(results, res)
	}

	if err := ctx.Err(); err != nil {
		return results, err
	}

	r.logger.Info("run finished",
		"files", len(results),
		"matched", totalMatched(results),
		"failed", countFailed(results))
	return results, nil
}

func totalMatched(results []Result) int64 {
	var n int64
	for _, res := range results {
		n += res.Matched
	}
	return n
}

func countFailed(results []Result) int {
	n := 0
	for _, res := range results {
		if res.Failed() {
			n++
		}
	}
	return n
}
