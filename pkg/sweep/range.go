// Package sweep generates the parameter values of a sweep and the stable
// tags used to name each point's artifacts and outputs.
package sweep

import (
	"iter"
	"math"
	"strconv"

	"github.com/3leaps/qsweep/pkg/job"
)

const (
	// DefaultScale maps 0.17 to tag "17".
	DefaultScale = 100

	// MaxPoints bounds a single sweep.
	MaxPoints = 100_000

	// rangeTolerance absorbs binary representation error in (stop-start)/step,
	// relative to its magnitude, so that (0.15, 0.25, 0.01) yields 10 points,
	// not 11.
	rangeTolerance = 1e-12

	// tagTolerance absorbs representation error before truncation so that
	// 0.19*100 = 18.999999999999996 still tags as "19".
	tagTolerance = 1e-6
)

// Point is one value of the swept parameter.
type Point struct {
	Index int
	Value float64
	Tag   string
}

// ValueString formats the value with a fixed number of decimals.
func (p Point) ValueString(precision int) string {
	return strconv.FormatFloat(p.Value, 'f', precision, 64)
}

// Range is a half-open numeric range [start, stop) walked with a fixed step.
//
// A Range is immutable; Points may be iterated any number of times.
type Range struct {
	start, stop, step float64
	scale             float64
	n                 int
}

// Option configures a Range.
type Option func(*Range)

// WithScale sets the fixed-point scale used for tag derivation.
func WithScale(scale float64) Option {
	return func(r *Range) { r.scale = scale }
}

// NewRange validates the parameters and returns the range.
//
// It fails with *job.InvalidRangeError when the step is zero, any bound is
// not finite, the step points away from stop, the range is empty, or two
// points would share a tag.
func NewRange(start, stop, step float64, opts ...Option) (Range, error) {
	r := Range{start: start, stop: stop, step: step, scale: DefaultScale}
	for _, opt := range opts {
		opt(&r)
	}

	invalid := func(reason string) (Range, error) {
		return Range{}, &job.InvalidRangeError{Start: start, Stop: stop, Step: step, Reason: reason}
	}

	for _, v := range []float64{start, stop, step, r.scale} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("values must be finite")
		}
	}
	if r.scale <= 0 {
		return invalid("tag scale must be positive")
	}
	if step == 0 {
		return invalid("step must be non-zero")
	}
	if start == stop {
		return invalid("range is empty")
	}
	q := (stop - start) / step
	if q < 0 {
		return invalid("step sign is inconsistent with stop-start")
	}
	if math.Abs(step)*r.scale < 1-tagTolerance {
		return invalid("step is finer than the tag resolution 1/" + strconv.FormatFloat(r.scale, 'g', -1, 64))
	}

	n := math.Ceil(q - q*rangeTolerance)
	if n < 1 {
		n = 1
	}
	if n > MaxPoints {
		return invalid("too many points (max " + strconv.Itoa(MaxPoints) + ")")
	}
	r.n = int(n)
	for r.n > 1 && !r.inside(r.value(r.n-1)) {
		r.n--
	}

	seen := make(map[string]int, r.n)
	for i := 0; i < r.n; i++ {
		tag := Tag(r.value(i), r.scale)
		if prev, dup := seen[tag]; dup {
			return invalid("points " + strconv.Itoa(prev) + " and " + strconv.Itoa(i) + " share tag " + strconv.Quote(tag))
		}
		seen[tag] = i
	}
	return r, nil
}

func (r Range) Start() float64 { return r.start }
func (r Range) Stop() float64  { return r.stop }
func (r Range) Step() float64  { return r.step }
func (r Range) Scale() float64 { return r.scale }

// Len returns the number of points, ceil((stop-start)/step).
func (r Range) Len() int { return r.n }

// value computes start+i*step directly so that long sweeps do not
// accumulate drift.
func (r Range) value(i int) float64 {
	return r.start + float64(i)*r.step
}

// inside reports whether v lies before stop in the direction of travel.
func (r Range) inside(v float64) bool {
	if r.step > 0 {
		return v < r.stop
	}
	return v > r.stop
}

// At returns the i-th point. It panics if i is out of range.
func (r Range) At(i int) Point {
	if i < 0 || i >= r.n {
		panic("sweep: index out of range")
	}
	v := r.value(i)
	return Point{Index: i, Value: v, Tag: Tag(v, r.scale)}
}

// Points returns the lazy sequence of points in generation order. Each call
// returns a fresh sequence that starts from the first point.
func (r Range) Points() iter.Seq[Point] {
	return func(yield func(Point) bool) {
		for i := 0; i < r.n; i++ {
			if !yield(r.At(i)) {
				return
			}
		}
	}
}

// Tag derives the textual tag of value by fixed-point scaling and
// truncation toward zero. It never rounds.
func Tag(value, scale float64) string {
	x := value * scale
	if x >= 0 {
		x = math.Trunc(x + tagTolerance)
	} else {
		x = math.Trunc(x - tagTolerance)
	}
	if x == 0 {
		x = 0 // drop the sign of -0
	}
	return strconv.FormatFloat(x, 'f', 0, 64)
}
