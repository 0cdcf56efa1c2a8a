// Package report folds per-file filter results into a run summary: per
// artifact match counts, totals, and the soft failures. Building the
// summary is a pure fold; the only side effect offered is writing the
// rendered text into the arena.
package report

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"fhirsieve/internal/filter"
)

// SummaryFileName is the conventional name of the summary artifact inside
// the arena.
const SummaryFileName = "SUMMARY.txt"

// Info carries run-level facts the results themselves do not hold.
type Info struct {
	RunID       string
	Started     time.Time
	Elapsed     time.Duration
	Identifiers int
	ArenaDir    string
}

// Artifact is one produced output file and its match count.
type Artifact struct {
	Name    string
	Path    string
	Matched int64
}

// Failure records one soft-failed source file.
type Failure struct {
	Source string
	Reason string
}

// Summary is the immutable aggregate of one run.
type Summary struct {
	RunID       string
	Started     time.Time
	Elapsed     time.Duration
	Identifiers int
	ArenaDir    string

	// Artifacts and Failures are sorted by name so rendering does not
	// depend on task completion order.
	Artifacts []Artifact
	Failures  []Failure

	TotalMatched int64
	Scanned      int
	Empty        int
}

// Build folds results into a Summary.
func Build(results []filter.Result, info Info) Summary {
	s := Summary{
		RunID:       info.RunID,
		Started:     info.Started,
		Elapsed:     info.Elapsed,
		Identifiers: info.Identifiers,
		ArenaDir:    info.ArenaDir,
		Scanned:     len(results),
	}
	for _, res := range results {
		switch {
		case res.Failed():
			s.Failures = append(s.Failures, Failure{
				Source: res.Source.Stem(),
				Reason: res.Err.Error(),
			})
		case res.Artifact == "":
			s.Empty++
		default:
			s.Artifacts = append(s.Artifacts, Artifact{
				Name:    res.Source.Stem(),
				Path:    res.Artifact,
				Matched: res.Matched,
			})
			s.TotalMatched += res.Matched
		}
	}
	slices.SortFunc(s.Artifacts, func(a, b Artifact) int { return strings.Compare(a.Name, b.Name) })
	slices.SortFunc(s.Failures, func(a, b Failure) int { return strings.Compare(a.Source, b.Source) })
	return s
}

// Failed reports whether any task ended in a soft failure.
func (s Summary) Failed() bool { return len(s.Failures) > 0 }

// Render produces the human-readable summary text.
func (s Summary) Render() []byte {
	var buf bytes.Buffer

	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	if s.RunID != "" {
		_, _ = fmt.Fprintf(tw, "run:\t%s\n", s.RunID)
	}
	if !s.Started.IsZero() {
		_, _ = fmt.Fprintf(tw, "started:\t%s\n", s.Started.UTC().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(tw, "elapsed:\t%s\n", s.Elapsed.Round(time.Millisecond))
	_, _ = fmt.Fprintf(tw, "identifiers:\t%d\n", s.Identifiers)
	if s.ArenaDir != "" {
		_, _ = fmt.Fprintf(tw, "arena:\t%s\n", s.ArenaDir)
	}
	_ = tw.Flush()

	buf.WriteByte('\n')
	if len(s.Artifacts) > 0 {
		tw = tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
		for _, a := range s.Artifacts {
			_, _ = fmt.Fprintf(tw, "%s\t%d\n", a.Name, a.Matched)
		}
		_ = tw.Flush()
	} else {
		buf.WriteString("no matching records in any file\n")
	}

	if len(s.Failures) > 0 {
		buf.WriteByte('\n')
		buf.WriteString("failed:\n")
		for _, f := range s.Failures {
			_, _ = fmt.Fprintf(&buf, "  %s: %s\n", f.Source, f.Reason)
		}
	}

	buf.WriteByte('\n')
	_, _ = fmt.Fprintf(&buf, "total matched: %d\n", s.TotalMatched)
	_, _ = fmt.Fprintf(&buf, "files scanned: %d (%d with matches, %d empty, %d failed)\n",
		s.Scanned, len(s.Artifacts), s.Empty, len(s.Failures))

	return buf.Bytes()
}

// WriteFile writes the rendered summary to path, conventionally
// SummaryFileName inside the arena.
func (s Summary) WriteFile(path string) error {
	if err := os.WriteFile(path, s.Render(), 0o640); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
