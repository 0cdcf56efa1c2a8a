package report

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"fhirsieve/internal/filter"
	"fhirsieve/internal/match"
	"fhirsieve/internal/source"
)

func sampleResults() []filter.Result {
	return []filter.Result{
		{
			Source:   source.File{Path: "/in/Patient.ndjson"},
			Artifact: "/arena/Patient.ndjson",
			Matched:  12,
		},
		{
			Source:   source.File{Path: "/in/Condition.ndjson.gz", Compression: source.CompressionGzip},
			Artifact: "/arena/Condition.ndjson",
			Matched:  104,
		},
		{
			Source:  source.File{Path: "/in/Encounter.ndjson"},
			Matched: 0,
		},
		{
			Source: source.File{Path: "/in/Observation.ndjson"},
			Err:    fmt.Errorf("%w: grep exited 2", match.ErrEngineFailure),
		},
	}
}

func TestBuild(t *testing.T) {
	s := Build(sampleResults(), Info{
		RunID:       "run-1",
		Identifiers: 2,
		ArenaDir:    "/arena",
	})

	if s.Scanned != 4 {
		t.Errorf("Scanned = %d, want 4", s.Scanned)
	}
	if s.Empty != 1 {
		t.Errorf("Empty = %d, want 1", s.Empty)
	}
	if !s.Failed() {
		t.Error("Failed() = false, want true")
	}
	if len(s.Failures) != 1 || s.Failures[0].Source != "Observation.ndjson" {
		t.Errorf("Failures = %v, want one for Observation.ndjson", s.Failures)
	}

	// Artifacts sorted by name regardless of completion order.
	var names []string
	for _, a := range s.Artifacts {
		names = append(names, a.Name)
	}
	if want := []string{"Condition.ndjson", "Patient.ndjson"}; !slices.Equal(names, want) {
		t.Errorf("artifact names = %v, want %v", names, want)
	}

	// The grand total equals the sum of per-file counts.
	var sum int64
	for _, a := range s.Artifacts {
		sum += a.Matched
	}
	if s.TotalMatched != sum {
		t.Errorf("TotalMatched = %d, want %d", s.TotalMatched, sum)
	}
	if s.TotalMatched != 116 {
		t.Errorf("TotalMatched = %d, want 116", s.TotalMatched)
	}
}

func TestBuildDeterministic(t *testing.T) {
	results := sampleResults()
	reversed := make([]filter.Result, len(results))
	for i, res := range results {
		reversed[len(results)-1-i] = res
	}

	info := Info{RunID: "run-1", Identifiers: 2, ArenaDir: "/arena"}
	a := Build(results, info).Render()
	b := Build(reversed, info).Render()
	if string(a) != string(b) {
		t.Errorf("summary depends on result order:\n%s\n---\n%s", a, b)
	}
}

func TestRender(t *testing.T) {
	s := Build(sampleResults(), Info{
		RunID:       "run-1",
		Started:     time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Elapsed:     1284 * time.Millisecond,
		Identifiers: 2,
		ArenaDir:    "/arena",
	})

	text := string(s.Render())
	for _, want := range []string{
		"run:",
		"run-1",
		"2026-08-25T10:00:00Z",
		"identifiers:",
		"Patient.ndjson",
		"Condition.ndjson",
		"104",
		"Observation.ndjson: match engine failure",
		"total matched: 116",
		"files scanned: 4 (2 with matches, 1 empty, 1 failed)",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestRenderNoMatches(t *testing.T) {
	results := []filter.Result{
		{Source: source.File{Path: "/in/Patient.ndjson"}},
	}
	text := string(Build(results, Info{}).Render())

	if !strings.Contains(text, "no matching records in any file") {
		t.Errorf("summary missing empty-run notice:\n%s", text)
	}
	if !strings.Contains(text, "total matched: 0") {
		t.Errorf("summary missing zero total:\n%s", text)
	}
}

func TestWriteFile(t *testing.T) {
	s := Build(sampleResults(), Info{RunID: "run-1"})
	path := filepath.Join(t.TempDir(), SummaryFileName)

	if err := s.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != string(s.Render()) {
		t.Error("file content differs from Render output")
	}
}
