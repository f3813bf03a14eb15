// Package ndarray contains the N-dimensional geometry shared by the driver,
// the block store and the workers: regions of interest, the block grid that
// partitions an array, element types and dense C-order buffers.
package ndarray

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Roi is a region of interest over an N-d array. Start is inclusive and
// Stop is exclusive on every axis.
type Roi struct {
	Start []int
	Stop  []int
}

// NewRoi copies start and stop into a new Roi.
func NewRoi(start, stop []int) Roi {
	return Roi{Start: copyInts(start), Stop: copyInts(stop)}
}

// Ndim returns the number of axes of the roi.
func (r Roi) Ndim() int {
	return len(r.Start)
}

// Shape returns the extent of the roi along every axis.
func (r Roi) Shape() []int {
	shape := make([]int, len(r.Start))
	for i := range r.Start {
		shape[i] = r.Stop[i] - r.Start[i]
	}
	return shape
}

// Volume returns the number of elements covered by the roi.
func (r Roi) Volume() int64 {
	if len(r.Start) == 0 {
		return 0
	}
	return Volume(r.Shape())
}

// Valid reports whether start and stop have the same rank and the roi is
// non-empty along every axis.
func (r Roi) Valid() bool {
	if len(r.Start) == 0 || len(r.Start) != len(r.Stop) {
		return false
	}
	for i := range r.Start {
		if r.Stop[i] <= r.Start[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both rois have identical bounds.
func (r Roi) Equal(o Roi) bool {
	return intsEqual(r.Start, o.Start) && intsEqual(r.Stop, o.Stop)
}

// Contains reports whether o lies entirely inside r.
func (r Roi) Contains(o Roi) bool {
	if len(r.Start) != len(o.Start) {
		return false
	}
	for i := range r.Start {
		if o.Start[i] < r.Start[i] || o.Stop[i] > r.Stop[i] {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of r and o. The boolean is false when they
// do not overlap.
func (r Roi) Intersect(o Roi) (Roi, bool) {
	if len(r.Start) != len(o.Start) {
		return Roi{}, false
	}
	out := Roi{Start: make([]int, len(r.Start)), Stop: make([]int, len(r.Start))}
	for i := range r.Start {
		out.Start[i] = maxInt(r.Start[i], o.Start[i])
		out.Stop[i] = minInt(r.Stop[i], o.Stop[i])
		if out.Stop[i] <= out.Start[i] {
			return Roi{}, false
		}
	}
	return out, true
}

// Translate returns the roi shifted by -origin, i.e. expressed relative to
// origin.
func (r Roi) Translate(origin []int) Roi {
	out := Roi{Start: make([]int, len(r.Start)), Stop: make([]int, len(r.Stop))}
	for i := range r.Start {
		out.Start[i] = r.Start[i] - origin[i]
		out.Stop[i] = r.Stop[i] - origin[i]
	}
	return out
}

// String renders the roi as "[(0, 0, 0), (500, 500, 1)]". ParseRoi reads the
// same representation back.
func (r Roi) String() string {
	return fmt.Sprintf("[%s, %s]", FormatTuple(r.Start), FormatTuple(r.Stop))
}

// Tag renders the roi in a form that is safe to embed in file names.
func (r Roi) Tag() string {
	return joinInts(r.Start, "_") + "-" + joinInts(r.Stop, "_")
}

var (
	// ErrInvalidRoi is returned when a roi cannot be parsed or is empty.
	ErrInvalidRoi = errors.New("invalid roi")

	tupleRe = regexp.MustCompile(`\(([^()]*)\)`)
)

// ParseRoi parses the representation produced by Roi.String.
func ParseRoi(s string) (Roi, error) {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	tuples := tupleRe.FindAllStringSubmatch(s, -1)
	if len(tuples) != 2 {
		return Roi{}, fmt.Errorf("%w: %q: expected two tuples", ErrInvalidRoi, s)
	}
	start, err := parseTuple(tuples[0][1])
	if err != nil {
		return Roi{}, fmt.Errorf("%w: %q: %v", ErrInvalidRoi, s, err)
	}
	stop, err := parseTuple(tuples[1][1])
	if err != nil {
		return Roi{}, fmt.Errorf("%w: %q: %v", ErrInvalidRoi, s, err)
	}
	r := Roi{Start: start, Stop: stop}
	if !r.Valid() {
		return Roi{}, fmt.Errorf("%w: %q is empty", ErrInvalidRoi, s)
	}
	return r, nil
}

// ParseTag parses the representation produced by Roi.Tag.
func ParseTag(tag string) (Roi, error) {
	parts := strings.Split(tag, "-")
	if len(parts) != 2 {
		return Roi{}, fmt.Errorf("%w: tag %q", ErrInvalidRoi, tag)
	}
	start, err := parseTuple(strings.ReplaceAll(parts[0], "_", ","))
	if err != nil {
		return Roi{}, fmt.Errorf("%w: tag %q: %v", ErrInvalidRoi, tag, err)
	}
	stop, err := parseTuple(strings.ReplaceAll(parts[1], "_", ","))
	if err != nil {
		return Roi{}, fmt.Errorf("%w: tag %q: %v", ErrInvalidRoi, tag, err)
	}
	r := Roi{Start: start, Stop: stop}
	if !r.Valid() {
		return Roi{}, fmt.Errorf("%w: tag %q is empty", ErrInvalidRoi, tag)
	}
	return r, nil
}

// FormatTuple renders ints the way a tuple literal is written, e.g. "(1, 2)"
// or "(7,)".
func FormatTuple(v []int) string {
	if len(v) == 1 {
		return fmt.Sprintf("(%d,)", v[0])
	}
	return "(" + joinInts(v, ", ") + ")"
}

func parseTuple(s string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		// Tolerate numpy style suffixes such as "12L".
		field = strings.TrimSuffix(field, "L")
		v, err := strconv.Atoi(field)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, errors.New("empty tuple")
	}
	return out, nil
}

// Volume returns the product of the extents in shape.
func Volume(shape []int) int64 {
	v := int64(1)
	for _, d := range shape {
		v *= int64(d)
	}
	return v
}

func joinInts(v []int, sep string) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, sep)
}

func copyInts(v []int) []int {
	out := make([]int, len(v))
	copy(out, v)
	return out
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
