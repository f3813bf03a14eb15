package ndarray

import (
	"fmt"
	"math"
	"strings"
)

// Axes is the axis order of an array, one tag per axis, e.g. "xyzc".
type Axes string

// IsSpatial reports whether the tag of axis i is x, y or z.
func (a Axes) IsSpatial(i int) bool {
	return strings.ContainsRune("xyz", rune(a[i]))
}

// Tag returns the tag of axis i.
func (a Axes) Tag(i int) string {
	return string(a[i])
}

// PartitionShape computes a block shape for an array of the given shape so
// that roughly numJobs blocks are produced. Every spatial axis with an
// extent greater than one is split into round(numJobs^(1/nSpatial))
// segments; other axes are never split.
func PartitionShape(axes Axes, shape []int, numJobs int) ([]int, error) {
	if len(axes) != len(shape) {
		return nil, fmt.Errorf("axes %q do not match shape %v", axes, shape)
	}
	if numJobs < 1 {
		return nil, fmt.Errorf("number of jobs must be positive, got %d", numJobs)
	}

	var spatial []int
	for i, dim := range shape {
		if dim < 1 {
			return nil, fmt.Errorf("shape %v has an empty axis", shape)
		}
		if axes.IsSpatial(i) && dim > 1 {
			spatial = append(spatial, i)
		}
	}

	blockShape := copyInts(shape)
	if len(spatial) == 0 {
		return blockShape, nil
	}

	segments := int(math.Round(math.Pow(float64(numJobs), 1.0/float64(len(spatial)))))
	if segments < 1 {
		segments = 1
	}
	for _, i := range spatial {
		n := minInt(segments, shape[i])
		// Ceiling division keeps the number of blocks per axis at n.
		blockShape[i] = (shape[i] + n - 1) / n
	}
	return blockShape, nil
}

// Grid tiles an array shape with blocks of BlockShape. Blocks on the far
// edge of an axis are clipped to the array bounds.
type Grid struct {
	Shape      []int
	BlockShape []int
}

// NewGrid validates shape and blockShape and returns their grid.
func NewGrid(shape, blockShape []int) (Grid, error) {
	if len(shape) == 0 || len(shape) != len(blockShape) {
		return Grid{}, fmt.Errorf("block shape %v does not match shape %v", blockShape, shape)
	}
	for i := range shape {
		if shape[i] < 1 || blockShape[i] < 1 {
			return Grid{}, fmt.Errorf("invalid grid: shape %v, block shape %v", shape, blockShape)
		}
	}
	return Grid{Shape: copyInts(shape), BlockShape: copyInts(blockShape)}, nil
}

// Bounds returns the roi covering the whole array.
func (g Grid) Bounds() Roi {
	return Roi{Start: make([]int, len(g.Shape)), Stop: copyInts(g.Shape)}
}

// Counts returns the number of blocks along every axis.
func (g Grid) Counts() []int {
	counts := make([]int, len(g.Shape))
	for i := range g.Shape {
		counts[i] = (g.Shape[i] + g.BlockShape[i] - 1) / g.BlockShape[i]
	}
	return counts
}

// Len returns the total number of blocks.
func (g Grid) Len() int {
	return int(Volume(g.Counts()))
}

// Blocks enumerates every block in row-major order of the block starts.
func (g Grid) Blocks() []Roi {
	return g.Intersecting(g.Bounds())
}

// Intersecting enumerates, in row-major order, the blocks overlapping roi.
func (g Grid) Intersecting(roi Roi) []Roi {
	bounded, ok := roi.Intersect(g.Bounds())
	if !ok {
		return nil
	}
	ndim := len(g.Shape)
	first := make([]int, ndim)
	last := make([]int, ndim)
	for i := 0; i < ndim; i++ {
		first[i] = bounded.Start[i] / g.BlockShape[i]
		last[i] = (bounded.Stop[i] - 1) / g.BlockShape[i]
	}

	var blocks []Roi
	index := copyInts(first)
	for {
		start := make([]int, ndim)
		for i := range index {
			start[i] = index[i] * g.BlockShape[i]
		}
		blocks = append(blocks, g.clip(start))

		// Advance the block index like an odometer, last axis fastest.
		axis := ndim - 1
		for ; axis >= 0; axis-- {
			index[axis]++
			if index[axis] <= last[axis] {
				break
			}
			index[axis] = first[axis]
		}
		if axis < 0 {
			return blocks
		}
	}
}

// BlockRoiAt returns the canonical block that starts at start.
func (g Grid) BlockRoiAt(start []int) (Roi, error) {
	if len(start) != len(g.Shape) {
		return Roi{}, fmt.Errorf("block start %v does not match shape %v", start, g.Shape)
	}
	for i := range start {
		if start[i] < 0 || start[i] >= g.Shape[i] || start[i]%g.BlockShape[i] != 0 {
			return Roi{}, fmt.Errorf("%v is not a block start for block shape %v", start, g.BlockShape)
		}
	}
	return g.clip(start), nil
}

// IsBlock reports whether roi is exactly one canonical block.
func (g Grid) IsBlock(roi Roi) bool {
	block, err := g.BlockRoiAt(roi.Start)
	if err != nil {
		return false
	}
	return block.Equal(roi)
}

func (g Grid) clip(start []int) Roi {
	stop := make([]int, len(start))
	for i := range start {
		stop[i] = minInt(start[i]+g.BlockShape[i], g.Shape[i])
	}
	return Roi{Start: start, Stop: stop}
}
