// Package planner turns a refinement request into the ordered positions to process.
package planner

import (
	"errors"
	"fmt"
)

// ErrEmptyWindow is returned when no position falls inside the requested time window.
var ErrEmptyWindow = errors.New("time window matches no pattern")

// Clock gives elapsed minutes per corrected position.
type Clock interface {
	Len() int
	Elapsed(position int) float64
}

// Window is an elapsed-time range in minutes.
type Window struct {
	Start float64
	End   float64
}

// Request describes what the user asked for.
type Request struct {
	Count   int
	Reverse bool
	Window  *Window
}

// Validate checks the request is plannable.
func (r Request) Validate() error {
	if r.Count < 1 {
		return fmt.Errorf("refinement count must be >= 1, got %d", r.Count)
	}
	if r.Window != nil && r.Window.Start > r.Window.End {
		return fmt.Errorf("time window start %g is after end %g", r.Window.Start, r.Window.End)
	}
	return nil
}

// Plan returns exactly req.Count positions spread evenly by linear interpolation over the
// corrected range [0, total). Positions are truncated to integers, so duplicates appear when
// Count exceeds the distinct positions available. A window needs a clock.
func Plan(total int, req Request, clock Clock) ([]int, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if total < 1 {
		return nil, fmt.Errorf("no patterns to plan over")
	}

	first, last := 0, total-1
	if req.Window != nil {
		if clock == nil {
			return nil, fmt.Errorf("time window requires metadata")
		}
		var err error
		first, last, err = Narrow(clock, *req.Window)
		if err != nil {
			return nil, err
		}
	}

	out := Spread(first, last, req.Count)
	if req.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// Narrow scans positions linearly: first is the first position whose elapsed time is at or
// past w.Start; last is the first position from first on at or past w.End, or the final
// position when none is.
func Narrow(clock Clock, w Window) (int, int, error) {
	n := clock.Len()
	first := -1
	for p := 0; p < n; p++ {
		if clock.Elapsed(p) >= w.Start {
			first = p
			break
		}
	}
	if first < 0 {
		return 0, 0, fmt.Errorf("%w: [%g, %g] minutes", ErrEmptyWindow, w.Start, w.End)
	}
	last := n - 1
	for p := first; p < n; p++ {
		if clock.Elapsed(p) >= w.End {
			last = p
			break
		}
	}
	return first, last, nil
}

// Spread returns count integers evenly spaced from first to last inclusive, truncated.
func Spread(first, last, count int) []int {
	out := make([]int, count)
	if count == 1 {
		out[0] = first
		return out
	}
	span := last - first
	for i := range out {
		out[i] = first + span*i/(count-1)
	}
	return out
}
