// Package metadata indexes per-pattern metadata records (absolute clock time, temperature)
// written by the instrument next to the patterns.
package metadata

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/metalagman/autorefine/internal/pattern"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrUnresolvable is returned when a timecode has no metadata record.
var ErrUnresolvable = errors.New("metadata record cannot be resolved")

const kelvinOffset = 273.15

// Record is the metadata of one pattern.
type Record struct {
	Timecode     int
	AbsoluteTime float64
	Temperature  *float64
	Path         string
}

// Options controls where records are found and which keys are read.
type Options struct {
	Extension        string
	TimecodeWidth    int
	TimecodePosition int
	TimeKey          string
	TemperatureKey   string
}

// Store holds every record of a run. It is built once by Load and read-only afterwards.
type Store struct {
	records []Record
	byCode  map[int]int
}

// Load parses every metadata file in dir.
func Load(dir string, opts Options) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read metadata dir: %w", err)
	}
	ext := "." + strings.TrimPrefix(opts.Extension, ".")

	s := &Store{byCode: make(map[int]int)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			continue
		}
		code, ok := pattern.Timecode(entry.Name(), opts.TimecodeWidth, opts.TimecodePosition)
		if !ok {
			log.Warn().Str("file", entry.Name()).Msg("no timecode in metadata filename, ignoring")
			continue
		}
		if _, dup := s.byCode[code]; dup {
			log.Warn().Str("file", entry.Name()).Int("timecode", code).Msg("duplicate metadata timecode, keeping first file")
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read metadata %s: %w", entry.Name(), err)
		}
		rec, err := Parse(data, opts.TimeKey, opts.TemperatureKey)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", entry.Name(), err)
		}
		rec.Timecode = code
		rec.Path = path
		s.byCode[code] = len(s.records)
		s.records = append(s.records, rec)
	}

	sort.Slice(s.records, func(i, j int) bool { return s.records[i].Timecode < s.records[j].Timecode })
	for i, rec := range s.records {
		s.byCode[rec.Timecode] = i
	}
	log.Debug().Str("dir", dir).Int("records", len(s.records)).Msg("metadata loaded")
	return s, nil
}

// New builds a store from already parsed records.
func New(records []Record) *Store {
	s := &Store{byCode: make(map[int]int, len(records))}
	for _, rec := range records {
		if _, dup := s.byCode[rec.Timecode]; dup {
			continue
		}
		s.byCode[rec.Timecode] = len(s.records)
		s.records = append(s.records, rec)
	}
	return s
}

// Parse reads one YAML metadata document. The first scalar under timeKey (any depth,
// document order) is the epoch time in seconds; the first under temperatureKey is a
// temperature in kelvin, reported in Celsius.
func Parse(data []byte, timeKey, temperatureKey string) (Record, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Record{}, fmt.Errorf("parse yaml: %w", err)
	}
	timeKey = strings.TrimSuffix(timeKey, ":")
	raw, ok := findScalar(&doc, timeKey)
	if !ok {
		return Record{}, fmt.Errorf("missing %q", timeKey)
	}
	t, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse %q: %w", timeKey, err)
	}
	rec := Record{AbsoluteTime: t}

	if temperatureKey != "" {
		if raw, ok := findScalar(&doc, temperatureKey); ok {
			if k, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
				c := math.Round((k-kelvinOffset)*100) / 100
				rec.Temperature = &c
			}
		}
	}
	return rec, nil
}

func findScalar(n *yaml.Node, key string) (string, bool) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range n.Content {
			if v, ok := findScalar(child, key); ok {
				return v, true
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Value == key && v.Kind == yaml.ScalarNode {
				return v.Value, true
			}
			if found, ok := findScalar(v, key); ok {
				return found, true
			}
		}
	}
	return "", false
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.records)
}

// Lookup returns the record for a timecode.
func (s *Store) Lookup(timecode int) (Record, error) {
	i, ok := s.byCode[timecode]
	if !ok {
		return Record{}, fmt.Errorf("%w: timecode %d", ErrUnresolvable, timecode)
	}
	return s.records[i], nil
}

// AbsoluteTimes resolves the absolute time of every timecode, in the given order.
func (s *Store) AbsoluteTimes(timecodes []int) ([]float64, error) {
	out := make([]float64, len(timecodes))
	for i, code := range timecodes {
		rec, err := s.Lookup(code)
		if err != nil {
			return nil, err
		}
		out[i] = rec.AbsoluteTime
	}
	return out, nil
}
