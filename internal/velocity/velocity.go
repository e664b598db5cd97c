// Package velocity provides trailing-window transaction counts.
package velocity

import "fmt"

// DefaultWindowSecs is the span of the velocity_10m signal.
const DefaultWindowSecs = 600.0

// Bound selects whether an entry exactly one span old is inside the window.
type Bound int

const (
	// Inclusive counts entries with times[k]-times[j] <= span.
	Inclusive Bound = iota
	// Exclusive counts entries with times[k]-times[j] < span.
	Exclusive
)

// ParseBound maps "inclusive" (or "") and "exclusive" to a Bound.
func ParseBound(s string) (Bound, error) {
	switch s {
	case "", "inclusive":
		return Inclusive, nil
	case "exclusive":
		return Exclusive, nil
	}
	return Inclusive, fmt.Errorf("unknown window bound %q", s)
}

func (b Bound) String() string {
	if b == Exclusive {
		return "exclusive"
	}
	return "inclusive"
}

func (b Bound) outside(age, span float64) bool {
	if b == Exclusive {
		return age >= span
	}
	return age > span
}

// Window returns, for each position k of an ascending time sequence, the
// number of entries j <= k inside the window ending at times[k]. The
// current entry always counts. The left edge only moves forward, so one
// pass is linear in len(times).
func Window(times []float64, span float64, bound Bound) []int {
	counts := make([]int, len(times))
	j := 0
	for k := range times {
		for j < k && bound.outside(times[k]-times[j], span) {
			j++
		}
		counts[k] = k - j + 1
	}
	return counts
}

// Counter is the incremental form of Window for one entity's sequence.
// Observations must arrive in ascending time order.
type Counter struct {
	span  float64
	bound Bound
	times []float64
	left  int
}

// NewCounter creates a counter for the given span and bound.
func NewCounter(span float64, bound Bound) *Counter {
	return &Counter{span: span, bound: bound}
}

// Observe records t and returns the count of observations inside the
// window ending at t, including t itself.
func (c *Counter) Observe(t float64) int {
	c.times = append(c.times, t)
	k := len(c.times) - 1
	for c.left < k && c.bound.outside(c.times[k]-c.times[c.left], c.span) {
		c.left++
	}
	return k - c.left + 1
}

// Reset clears the counter for reuse.
func (c *Counter) Reset() {
	c.times = c.times[:0]
	c.left = 0
}
