// Package idset builds the immutable set of target identifiers that a
// filter run matches records against.
package idset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// ErrEmptySet indicates that no usable identifiers remained after
// normalization.
var ErrEmptySet = errors.New("identifier set is empty")

// Set is an immutable, deduplicated collection of target identifiers.
// Built once per run and safe for concurrent readers.
type Set struct {
	values []string
}

// FromValues builds a Set from explicit identifier strings. Values are
// trimmed, blanks are dropped and duplicates collapse silently. Returns
// ErrEmptySet if nothing usable remains.
func FromValues(values []string) (*Set, error) {
	return build(values)
}

// FromFile builds a Set from a newline-delimited identifier file. Blank
// lines and lines starting with '#' are ignored.
func FromFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identifier file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var values []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		values = append(values, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read identifier file: %w", err)
	}
	return build(values)
}

func build(raw []string) (*Set, error) {
	seen := make(map[string]struct{}, len(raw))
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, ErrEmptySet
	}
	slices.Sort(values)
	return &Set{values: values}, nil
}

// Len returns the number of identifiers in the set.
func (s *Set) Len() int { return len(s.values) }

// Values returns the identifiers in sorted order. The returned slice is a
// copy; callers may retain or modify it freely.
func (s *Set) Values() []string {
	return slices.Clone(s.values)
}

// Contains reports whether id is in the set.
func (s *Set) Contains(id string) bool {
	_, ok := slices.BinarySearch(s.values, id)
	return ok
}

// WriteTo writes the identifiers one per line, the layout fixed-string
// matchers expect for a pattern file.
func (s *Set) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, v := range s.values {
		written, err := io.WriteString(w, v+"\n")
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Preview returns up to n identifiers joined for log output, noting how
// many more the set holds.
func (s *Set) Preview(n int) string {
	if n <= 0 || n >= len(s.values) {
		return strings.Join(s.values, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(s.values[:n], ", "), len(s.values)-n)
}
