// Package descriptor models the refinement engine's text descriptors (.inp/.out) as ordered
// lines and performs the line-level rewrites the refinement loop needs.
//
// Lines keep their original terminators so an untouched snapshot serialises back to the exact
// bytes it was parsed from.
package descriptor

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Snapshot is an ordered set of descriptor lines.
type Snapshot struct {
	lines []string
}

// Parse splits data into lines, terminators included.
func Parse(data []byte) *Snapshot {
	s := &Snapshot{}
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.lines = append(s.lines, string(data))
			break
		}
		s.lines = append(s.lines, string(data[:i+1]))
		data = data[i+1:]
	}
	return s
}

// Load reads and parses a descriptor file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	return Parse(data), nil
}

// Len returns the number of lines.
func (s *Snapshot) Len() int {
	return len(s.lines)
}

// Line returns line i with its terminator.
func (s *Snapshot) Line(i int) string {
	return s.lines[i]
}

// Clone returns an independent copy.
func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{lines: append([]string(nil), s.lines...)}
}

// Bytes serialises the snapshot.
func (s *Snapshot) Bytes() []byte {
	var b bytes.Buffer
	for _, l := range s.lines {
		b.WriteString(l)
	}
	return b.Bytes()
}

// WriteFile writes the snapshot to path.
func (s *Snapshot) WriteFile(path string) error {
	if err := os.WriteFile(path, s.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write descriptor %s: %w", path, err)
	}
	return nil
}

// Diff returns the indexes of lines that differ between a and b, including lines present in
// only one of them.
func Diff(a, b *Snapshot) []int {
	n := max(a.Len(), b.Len())
	var out []int
	for i := 0; i < n; i++ {
		if i >= a.Len() || i >= b.Len() || a.lines[i] != b.lines[i] {
			out = append(out, i)
		}
	}
	return out
}

// replaceSpan swaps line i's bytes [start, end) for repl.
func (s *Snapshot) replaceSpan(i, start, end int, repl string) bool {
	line := s.lines[i]
	next := line[:start] + repl + line[end:]
	if next == line {
		return false
	}
	s.lines[i] = next
	return true
}

// body returns the line without its terminator, and the terminator.
func body(line string) (string, string) {
	trimmed := strings.TrimRight(line, "\r\n")
	return trimmed, line[len(trimmed):]
}
