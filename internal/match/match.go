// Package match selects the record lines that contain any of a set of
// fixed-string patterns.
//
// Two engines satisfy the same contract: GrepMatcher shells out to grep in
// fixed-string mode, testing a line against the whole pattern set in one
// pass, and ScanMatcher is a pure in-process fallback for hosts without a
// usable grep. Patterns are always read from a newline-delimited snapshot
// file so both engines consume identical input.
package match

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrEngineFailure indicates the matching engine failed for a reason other
// than finding no matches.
var ErrEngineFailure = errors.New("match engine failure")

// stderrExcerptLimit bounds how much engine stderr is carried in errors.
const stderrExcerptLimit = 256

// Matcher streams the lines of a record stream that contain at least one
// pattern as an exact, case-sensitive substring. The returned sequence is
// finite, consumed exactly once, and not restartable. Yielded lines have
// the trailing newline stripped but are otherwise verbatim.
type Matcher interface {
	Match(ctx context.Context, in io.Reader, patternPath string) iter.Seq2[[]byte, error]
}

// Select returns the engine for a named kind: "grep", "scan" or "auto".
func Select(kind string) (Matcher, error) {
	switch kind {
	case "grep":
		return &GrepMatcher{}, nil
	case "scan":
		return &ScanMatcher{}, nil
	case "auto":
		return Auto(), nil
	default:
		return nil, fmt.Errorf("unknown matcher %q (want grep, scan or auto)", kind)
	}
}

// Auto returns the grep engine when one is on PATH, falling back to the
// in-process scanner.
func Auto() Matcher {
	if _, err := exec.LookPath("grep"); err == nil {
		return &GrepMatcher{}
	}
	return &ScanMatcher{}
}

// GrepMatcher matches by piping the stream through grep -F with the
// snapshot as its pattern file. A plain *os.File stream is handed to the
// subprocess as its actual descriptor; anything else is copied through a
// pipe.
type GrepMatcher struct {
	// Path overrides the grep binary. Defaults to "grep" on PATH.
	Path string
}

func (g *GrepMatcher) Match(ctx context.Context, in io.Reader, patternPath string) iter.Seq2[[]byte, error] {
	bin := g.Path
	if bin == "" {
		bin = "grep"
	}

	return func(yield func([]byte, error) bool) {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := exec.CommandContext(cctx, bin, "-F", "-f", patternPath, "-")
		cmd.Stdin = in
		// Byte-for-byte matching independent of the host locale.
		cmd.Env = append(os.Environ(), "LC_ALL=C")
		// Bound cleanup when the engine is killed mid-stream.
		cmd.WaitDelay = time.Second

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(nil, fmt.Errorf("%w: stdout pipe: %v", ErrEngineFailure, err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(nil, fmt.Errorf("%w: start %s: %v", ErrEngineFailure, bin, err))
			return
		}

		// Reap the engine if the consumer stops iterating early.
		waited := false
		defer func() {
			if !waited {
				cancel()
				_ = cmd.Wait()
			}
		}()

		reader := bufio.NewReader(stdout)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				if !yield(bytes.TrimSuffix(line, []byte("\n")), nil) {
					return
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				yield(nil, fmt.Errorf("%w: read engine output: %v", ErrEngineFailure, err))
				return
			}
		}

		waitErr := cmd.Wait()
		waited = true
		if waitErr == nil {
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			yield(nil, fmt.Errorf("%w: %w", ErrEngineFailure, ctxErr))
			return
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == 1 {
			// grep exits 1 when no lines matched.
			return
		}
		yield(nil, engineError(bin, waitErr, stderr.Bytes()))
	}
}

// engineError wraps a non-clean engine exit, carrying a stderr excerpt.
func engineError(bin string, waitErr error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if len(msg) > stderrExcerptLimit {
		msg = msg[:stderrExcerptLimit] + "..."
	}
	if msg == "" {
		return fmt.Errorf("%w: %s: %v", ErrEngineFailure, bin, waitErr)
	}
	return fmt.Errorf("%w: %s: %v: %s", ErrEngineFailure, bin, waitErr, msg)
}

// ScanMatcher tests each line against every pattern in-process.
type ScanMatcher struct{}

func (s *ScanMatcher) Match(ctx context.Context, in io.Reader, patternPath string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		patterns, err := readPatterns(patternPath)
		if err != nil {
			yield(nil, fmt.Errorf("%w: %v", ErrEngineFailure, err))
			return
		}

		reader := bufio.NewReader(in)
		n := 0
		for {
			if n&1023 == 0 {
				if err := ctx.Err(); err != nil {
					yield(nil, fmt.Errorf("%w: %w", ErrEngineFailure, err))
					return
				}
			}
			n++

			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				trimmed := bytes.TrimSuffix(line, []byte("\n"))
				if containsAny(trimmed, patterns) {
					if !yield(trimmed, nil) {
						return
					}
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("%w: read stream: %v", ErrEngineFailure, err))
				return
			}
		}
	}
}

func containsAny(line []byte, patterns [][]byte) bool {
	for _, p := range patterns {
		if bytes.Contains(line, p) {
			return true
		}
	}
	return false
}

// readPatterns loads the newline-delimited snapshot, skipping empty lines.
func readPatterns(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}
	var patterns [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}
