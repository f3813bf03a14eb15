package ndarray

import "fmt"

// Array is a dense, C-ordered buffer holding the elements of Roi. Data is
// little endian and its length is Roi.Volume() * DType.Size().
type Array struct {
	Roi   Roi
	DType DType
	Data  []byte
}

// NewArray allocates a zeroed array for roi.
func NewArray(roi Roi, dtype DType) *Array {
	return &Array{
		Roi:   roi,
		DType: dtype,
		Data:  make([]byte, roi.Volume()*int64(dtype.Size())),
	}
}

// Validate checks that the buffer length matches the roi and type.
func (a *Array) Validate() error {
	if !a.Roi.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidRoi, a.Roi)
	}
	if !a.DType.Valid() {
		return fmt.Errorf("invalid element type %s", a.DType)
	}
	if want := a.Roi.Volume() * int64(a.DType.Size()); int64(len(a.Data)) != want {
		return fmt.Errorf("array for %v holds %d bytes, want %d", a.Roi, len(a.Data), want)
	}
	return nil
}

// Nbytes returns the size of the buffer in bytes.
func (a *Array) Nbytes() int64 {
	return int64(len(a.Data))
}

// CopyFrom copies the overlap of src into a and returns the number of
// elements copied.
func (a *Array) CopyFrom(src *Array) (int64, error) {
	if a.DType != src.DType {
		return 0, fmt.Errorf("cannot copy %s into %s", src.DType, a.DType)
	}
	region, ok := a.Roi.Intersect(src.Roi)
	if !ok {
		return 0, nil
	}
	CopyRegion(a.Data, a.Roi, src.Data, src.Roi, region, a.DType.Size())
	return region.Volume(), nil
}

// Subarray returns a copy of the elements of a inside roi.
func (a *Array) Subarray(roi Roi) (*Array, error) {
	if !a.Roi.Contains(roi) {
		return nil, fmt.Errorf("%v is not inside %v", roi, a.Roi)
	}
	out := NewArray(roi, a.DType)
	CopyRegion(out.Data, out.Roi, a.Data, a.Roi, roi, a.DType.Size())
	return out, nil
}

// CopyRegion copies region (in absolute coordinates) from src, laid out over
// srcRoi, to dst, laid out over dstRoi. Both buffers are C ordered and region
// must lie inside both rois.
func CopyRegion(dst []byte, dstRoi Roi, src []byte, srcRoi Roi, region Roi, elemSize int) {
	ndim := region.Ndim()
	dstStrides := Strides(dstRoi.Shape(), elemSize)
	srcStrides := Strides(srcRoi.Shape(), elemSize)
	rowBytes := (region.Stop[ndim-1] - region.Start[ndim-1]) * elemSize

	ForEachRow(region, func(coord []int) {
		var dstOff, srcOff int64
		for i := 0; i < ndim; i++ {
			dstOff += int64(coord[i]-dstRoi.Start[i]) * dstStrides[i]
			srcOff += int64(coord[i]-srcRoi.Start[i]) * srcStrides[i]
		}
		copy(dst[dstOff:dstOff+int64(rowBytes)], src[srcOff:srcOff+int64(rowBytes)])
	})
}

// ForEachRow calls fn with the starting coordinate of every contiguous row
// (run along the last axis) of region. coord is reused between calls.
func ForEachRow(region Roi, fn func(coord []int)) {
	ndim := region.Ndim()
	coord := copyInts(region.Start)
	for {
		fn(coord)
		axis := ndim - 2
		for ; axis >= 0; axis-- {
			coord[axis]++
			if coord[axis] < region.Stop[axis] {
				break
			}
			coord[axis] = region.Start[axis]
		}
		if axis < 0 {
			return
		}
	}
}

// Strides returns the byte strides of a C-ordered array of shape.
func Strides(shape []int, elemSize int) []int64 {
	strides := make([]int64, len(shape))
	stride := int64(elemSize)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= int64(shape[i])
	}
	return strides
}
