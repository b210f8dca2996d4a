// Package reconcile corrects disagreements between the filename order of patterns and the
// absolute clock times recorded in their metadata.
package reconcile

import "fmt"

// OrderMap maps a corrected position to the nominal index to use there.
type OrderMap []int

// Identity returns the OrderMap that keeps the nominal order.
func Identity(n int) OrderMap {
	m := make(OrderMap, n)
	for i := range m {
		m[i] = i
	}
	return m
}

// Build walks the nominal sequence once. A position whose absolute time is below the
// running maximum is out of order; out-of-order positions go first, in encountered order,
// followed by the in-order positions in their original relative order.
//
// This assumes regressions are clustered, e.g. a clock reset at acquisition start. When the
// assumption does not hold the result is still a total ordering, but elapsed times derived
// from it may be negative.
func Build(absolute []float64) OrderMap {
	var maxSeen float64
	var late, inOrder []int
	for i, t := range absolute {
		if i > 0 && t < maxSeen {
			late = append(late, i)
			continue
		}
		maxSeen = t
		inOrder = append(inOrder, i)
	}
	if len(late) == 0 {
		return Identity(len(absolute))
	}
	out := make(OrderMap, 0, len(absolute))
	out = append(out, late...)
	return append(out, inOrder...)
}

// Len returns the number of positions.
func (m OrderMap) Len() int {
	return len(m)
}

// Nominal returns the nominal index for a corrected position.
func (m OrderMap) Nominal(position int) (int, error) {
	if position < 0 || position >= len(m) {
		return 0, fmt.Errorf("position %d outside order map of %d", position, len(m))
	}
	return m[position], nil
}

// IsIdentity reports whether no reordering took place.
func (m OrderMap) IsIdentity() bool {
	for i, v := range m {
		if i != v {
			return false
		}
	}
	return true
}

// Timeline gives elapsed minutes for each corrected position, relative to position 0.
type Timeline struct {
	absolute []float64
	order    OrderMap
}

// NewTimeline pairs nominal absolute times with an OrderMap.
func NewTimeline(absolute []float64, order OrderMap) (*Timeline, error) {
	if len(absolute) != len(order) {
		return nil, fmt.Errorf("timeline: %d absolute times for %d positions", len(absolute), len(order))
	}
	return &Timeline{absolute: absolute, order: order}, nil
}

// Len returns the number of positions.
func (t *Timeline) Len() int {
	return len(t.order)
}

// Absolute returns the absolute time of a corrected position.
func (t *Timeline) Absolute(position int) float64 {
	return t.absolute[t.order[position]]
}

// Elapsed returns minutes since corrected position 0. May be negative.
func (t *Timeline) Elapsed(position int) float64 {
	if len(t.order) == 0 {
		return 0
	}
	return (t.Absolute(position) - t.Absolute(0)) / 60
}
