package filter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"fhirsieve/internal/arena"
	"fhirsieve/internal/idset"
	"fhirsieve/internal/match"
	"fhirsieve/internal/source"
)

// ErrSourceUnavailable indicates a source file vanished or could not be
// opened between discovery and task execution.
var ErrSourceUnavailable = errors.New("source unavailable")

// Result is the terminal outcome of one file's filter task. Exactly one
// Result is produced for every scheduled task, soft failures included.
type Result struct {
	Source source.File

	// Artifact is the final artifact path. Empty when nothing matched or
	// the task failed; a present artifact always holds at least one line.
	Artifact string

	Matched int64
	Elapsed time.Duration

	// Err is nil on success. Soft failures carry ErrSourceUnavailable or
	// match.ErrEngineFailure in their chain.
	Err error
}

// Failed reports whether the task ended in a soft failure.
func (r Result) Failed() bool { return r.Err != nil }

// task filters one source file into one artifact under the arena.
type task struct {
	src     source.File
	set     *idset.Set
	ar      *arena.Arena
	matcher match.Matcher
	timeout time.Duration
	logger  *slog.Logger
}

// run executes the task to a terminal Result. All failures are soft: they
// are carried in the Result, never returned, so siblings keep running.
func (t *task) run(ctx context.Context) Result {
	start := time.Now()
	res := Result{Source: t.src}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	in, err := t.src.Open()
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		res.Elapsed = time.Since(start)
		return res
	}
	defer func() { _ = in.Close() }()

	patternPath, cleanup, err := t.writeSnapshot()
	if err != nil {
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}
	defer cleanup()

	res.Matched, res.Artifact, res.Err = t.filterTo(ctx, in, patternPath)
	res.Elapsed = time.Since(start)

	if res.Err == nil {
		t.logger.Debug("file filtered",
			"file", t.src.Stem(),
			"matched", res.Matched,
			"elapsed", res.Elapsed,
			"bytes", t.src.Size,
			"bytes_per_sec", rate(t.src.Size, res.Elapsed))
	}
	return res
}

// writeSnapshot materializes the identifier set as a transient pattern
// file for the matching engine. The caller runs cleanup on every exit path.
func (t *task) writeSnapshot() (string, func(), error) {
	path, cleanup, err := t.ar.WriteTransient(".patterns-*", t.set)
	if err != nil {
		return "", nil, fmt.Errorf("%w: pattern snapshot: %v", match.ErrEngineFailure, err)
	}
	return path, cleanup, nil
}

// filterTo streams matching lines into a hidden staging file and promotes
// it to the final artifact name only when at least one line matched. On
// error or zero matches nothing under the artifact name is left behind.
func (t *task) filterTo(ctx context.Context, in io.Reader, patternPath string) (int64, string, error) {
	stem := t.src.Stem()
	staging := t.ar.Path("." + stem + ".partial")

	out, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, "", fmt.Errorf("%w: create staging file: %v", match.ErrEngineFailure, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = out.Close()
			_ = os.Remove(staging)
		}
	}()

	w := bufio.NewWriter(out)
	var matched int64
	for line, err := range t.matcher.Match(ctx, in, patternPath) {
		if err != nil {
			return 0, "", err
		}
		if _, err := w.Write(line); err != nil {
			return 0, "", fmt.Errorf("%w: write artifact: %v", match.ErrEngineFailure, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return 0, "", fmt.Errorf("%w: write artifact: %v", match.ErrEngineFailure, err)
		}
		matched++
	}

	if err := w.Flush(); err != nil {
		return 0, "", fmt.Errorf("%w: flush artifact: %v", match.ErrEngineFailure, err)
	}
	if err := out.Close(); err != nil {
		return 0, "", fmt.Errorf("%w: close artifact: %v", match.ErrEngineFailure, err)
	}
	committed = true

	if matched == 0 {
		_ = os.Remove(staging)
		return 0, "", nil
	}

	final := t.ar.Path(stem)
	if err := os.Rename(staging, final); err != nil {
		_ = os.Remove(staging)
		return 0, "", fmt.Errorf("%w: finalize artifact: %v", match.ErrEngineFailure, err)
	}
	return matched, final, nil
}

// rate returns whole bytes per second, guarding the zero-duration case.
func rate(bytes int64, d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(float64(bytes) / d.Seconds())
}
