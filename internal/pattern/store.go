// Package pattern indexes raw diffraction-pattern files by the timecode embedded in their names.
package pattern

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrUnresolvable is returned when a requested index is outside the store.
var ErrUnresolvable = errors.New("pattern index cannot be resolved")

// Record is one discovered pattern file.
type Record struct {
	Timecode int
	Path     string
}

// Options controls how files are discovered and timecodes extracted.
type Options struct {
	Extension        string
	TimecodeWidth    int
	TimecodePosition int
}

// Store is the nominal sequence of patterns, sorted by timecode.
type Store struct {
	dir     string
	records []Record
	byCode  map[int]int
}

// Scan lists dir and indexes every file with the configured extension.
func Scan(dir string, opts Options) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pattern dir: %w", err)
	}
	ext := "." + strings.TrimPrefix(opts.Extension, ".")

	s := &Store{dir: dir, byCode: make(map[int]int)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			continue
		}
		code, ok := Timecode(entry.Name(), opts.TimecodeWidth, opts.TimecodePosition)
		if !ok {
			log.Warn().Str("file", entry.Name()).Msg("no timecode in pattern filename, ignoring")
			continue
		}
		if _, dup := s.byCode[code]; dup {
			log.Warn().Str("file", entry.Name()).Int("timecode", code).Msg("duplicate pattern timecode, keeping first file")
			continue
		}
		s.byCode[code] = len(s.records)
		s.records = append(s.records, Record{Timecode: code, Path: filepath.Join(dir, entry.Name())})
	}

	sort.Slice(s.records, func(i, j int) bool { return s.records[i].Timecode < s.records[j].Timecode })
	for i, rec := range s.records {
		s.byCode[rec.Timecode] = i
	}
	return s, nil
}

// Timecode extracts the position-th run of exactly width digits from name.
// Longer digit runs are split into consecutive width-sized chunks.
func Timecode(name string, width, position int) (int, bool) {
	if width <= 0 || position < 0 {
		return 0, false
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	found := 0
	for i := 0; i < len(base); {
		if !isDigit(base[i]) {
			i++
			continue
		}
		j := i
		for j < len(base) && isDigit(base[j]) {
			j++
		}
		for k := i; k+width <= j; k += width {
			if found == position {
				code, err := strconv.Atoi(base[k : k+width])
				return code, err == nil
			}
			found++
		}
		i = j
	}
	return 0, false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// Len returns the number of patterns.
func (s *Store) Len() int {
	return len(s.records)
}

// Dir returns the scanned directory.
func (s *Store) Dir() string {
	return s.dir
}

// Records returns the nominal sequence.
func (s *Store) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Timecodes returns the nominal timecode sequence.
func (s *Store) Timecodes() []int {
	out := make([]int, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Timecode
	}
	return out
}

// Resolve returns the record at a nominal index.
func (s *Store) Resolve(index int) (Record, error) {
	if index < 0 || index >= len(s.records) {
		return Record{}, fmt.Errorf("%w: index %d of %d", ErrUnresolvable, index, len(s.records))
	}
	return s.records[index], nil
}

// Lookup returns the record for a timecode.
func (s *Store) Lookup(timecode int) (Record, bool) {
	i, ok := s.byCode[timecode]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}
