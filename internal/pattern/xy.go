package pattern

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadIntensities reads the intensity column of a two-column pattern file.
// The first skipRows lines are headers; blank and '#' lines are ignored.
func ReadIntensities(path string, skipRows int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pattern: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= skipRows {
			continue
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s:%d: expected at least two columns", path, lineNo)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parse intensity: %w", path, lineNo, err)
		}
		out = append(out, y)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pattern: %w", err)
	}
	return out, nil
}
