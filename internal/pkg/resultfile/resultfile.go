// Package resultfile implements a single-file container for one dense N-d
// dataset. It is used for the consolidated result of a run and for the
// per-block output files written by workers.
//
// The layout is
//
//	magic    [8]byte  "BWRF0001"
//	capacity uint64   little endian, bytes reserved for the header
//	header   [capacity]byte JSON, padded with spaces
//	data     C-ordered little endian elements
//
// The header has a fixed capacity so it can be rewritten in place, e.g. to
// shrink the list of missing regions, without moving the data.
package resultfile

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bcongdon/clusterize/ndarray"
)

const (
	magic           = "BWRF0001"
	prefixSize      = int64(len(magic) + 8)
	minCapacity     = 4096
	headerAlignment = 4096
)

var (
	// ErrFormat indicates a file that is not a result file or is truncated.
	ErrFormat = errors.New("not a valid result file")
	// ErrHeaderFull is returned when an updated header exceeds its capacity.
	ErrHeaderFull = errors.New("result file header capacity exceeded")
)

// Header describes the dataset stored in a result file.
type Header struct {
	Dataset     string        `json:"dataset"`
	Shape       []int         `json:"shape"`
	DType       ndarray.DType `json:"dtype"`
	Axes        ndarray.Axes  `json:"axistags"`
	// Fingerprint identifies the blocking scheme the regions of
	// MissingRois belong to.
	Fingerprint string   `json:"fingerprint,omitempty"`
	MissingRois []string `json:"missingRois,omitempty"`
}

// Roi returns the region covered by the dataset.
func (h *Header) Roi() ndarray.Roi {
	return ndarray.NewRoi(make([]int, len(h.Shape)), h.Shape)
}

// DataSize returns the size of the dataset in bytes.
func (h *Header) DataSize() int64 {
	return ndarray.Volume(h.Shape) * int64(h.DType.Size())
}

func (h *Header) validate() error {
	if h.Dataset == "" {
		return fmt.Errorf("%w: empty dataset name", ErrFormat)
	}
	if !h.DType.Valid() {
		return fmt.Errorf("%w: unsupported element type %s", ErrFormat, h.DType)
	}
	if len(h.Axes) != len(h.Shape) || !h.Roi().Valid() {
		return fmt.Errorf("%w: shape %v does not match axes %q", ErrFormat, h.Shape, h.Axes)
	}
	return nil
}

func headerCapacity(encoded []byte) int64 {
	capacity := int64(2*len(encoded) + minCapacity)
	return (capacity + headerAlignment - 1) / headerAlignment * headerAlignment
}

func encodeHeader(h *Header, capacity int64) ([]byte, error) {
	encoded, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	if capacity == 0 {
		capacity = headerCapacity(encoded)
	}
	if int64(len(encoded)) > capacity {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrHeaderFull, len(encoded), capacity)
	}

	buf := make([]byte, prefixSize+capacity)
	copy(buf, magic)
	binary.LittleEndian.PutUint64(buf[len(magic):], uint64(capacity))
	copy(buf[prefixSize:], encoded)
	for i := prefixSize + int64(len(encoded)); i < int64(len(buf)); i++ {
		buf[i] = ' '
	}
	return buf, nil
}

func decodeHeader(r io.Reader) (*Header, int64, error) {
	prefix := make([]byte, prefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if string(prefix[:len(magic)]) != magic {
		return nil, 0, fmt.Errorf("%w: bad magic %q", ErrFormat, prefix[:len(magic)])
	}
	capacity := int64(binary.LittleEndian.Uint64(prefix[len(magic):]))
	if capacity <= 0 || capacity > 1<<30 {
		return nil, 0, fmt.Errorf("%w: header capacity %d", ErrFormat, capacity)
	}

	raw := make([]byte, capacity)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	var h Header
	if err := json.Unmarshal(bytes.TrimRight(raw, " "), &h); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err := h.validate(); err != nil {
		return nil, 0, err
	}
	return &h, capacity, nil
}

// Encode writes a complete result file holding arr to w.
func Encode(w io.Writer, dataset string, axes ndarray.Axes, arr *ndarray.Array) error {
	if err := arr.Validate(); err != nil {
		return err
	}
	h := &Header{Dataset: dataset, Shape: arr.Roi.Shape(), DType: arr.DType, Axes: axes}
	if err := h.validate(); err != nil {
		return err
	}
	prefix, err := encodeHeader(h, 0)
	if err != nil {
		return err
	}
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err = w.Write(arr.Data)
	return err
}

// Decode reads a complete result file from r. The returned array covers the
// whole dataset, starting at the origin.
func Decode(r io.Reader) (*Header, *ndarray.Array, error) {
	h, _, err := decodeHeader(r)
	if err != nil {
		return nil, nil, err
	}
	arr := ndarray.NewArray(h.Roi(), h.DType)
	if _, err := io.ReadFull(r, arr.Data); err != nil {
		return nil, nil, fmt.Errorf("%w: dataset %s: %v", ErrFormat, h.Dataset, err)
	}
	return h, arr, nil
}

// File is a result file open for random access.
type File struct {
	file     *os.File
	header   Header
	capacity int64
}

// Create creates a result file at path with a zeroed dataset described by
// h. An existing file is truncated.
func Create(path string, h Header) (*File, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	prefix, err := encodeHeader(&h, 0)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := file.WriteAt(prefix, 0); err != nil {
		file.Close()
		return nil, err
	}
	// Sparse zero fill of the dataset.
	if err := file.Truncate(int64(len(prefix)) + h.DataSize()); err != nil {
		file.Close()
		return nil, err
	}
	return &File{file: file, header: h, capacity: int64(len(prefix)) - prefixSize}, nil
}

// Open opens the result file at path for reading and writing.
func Open(path string) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	h, capacity, err := decodeHeader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() < prefixSize+capacity+h.DataSize() {
		file.Close()
		return nil, fmt.Errorf("%s: %w: truncated dataset", path, ErrFormat)
	}
	return &File{file: file, header: *h, capacity: capacity}, nil
}

// Header returns a copy of the file header.
func (f *File) Header() Header {
	h := f.header
	h.Shape = append([]int(nil), h.Shape...)
	h.MissingRois = append([]string(nil), h.MissingRois...)
	return h
}

// SetMissingRois rewrites the manifest of regions not yet copied into the
// file and syncs it to disk.
func (f *File) SetMissingRois(rois []string) error {
	h := f.header
	h.MissingRois = append([]string(nil), rois...)
	prefix, err := encodeHeader(&h, f.capacity)
	if err != nil {
		return err
	}
	if _, err := f.file.WriteAt(prefix, 0); err != nil {
		return err
	}
	if err := f.file.Sync(); err != nil {
		return err
	}
	f.header = h
	return nil
}

// WriteRegion copies arr into the dataset. arr must lie inside the dataset.
func (f *File) WriteRegion(arr *ndarray.Array) error {
	if err := f.checkRegion(arr.Roi, arr.DType); err != nil {
		return err
	}
	if err := arr.Validate(); err != nil {
		return err
	}

	elemSize := f.header.DType.Size()
	fileStrides := ndarray.Strides(f.header.Shape, elemSize)
	arrStrides := ndarray.Strides(arr.Roi.Shape(), elemSize)
	ndim := arr.Roi.Ndim()
	rowBytes := int64(arr.Roi.Stop[ndim-1]-arr.Roi.Start[ndim-1]) * int64(elemSize)
	base := prefixSize + f.capacity

	var writeErr error
	ndarray.ForEachRow(arr.Roi, func(coord []int) {
		if writeErr != nil {
			return
		}
		var fileOff, arrOff int64
		for i := 0; i < ndim; i++ {
			fileOff += int64(coord[i]) * fileStrides[i]
			arrOff += int64(coord[i]-arr.Roi.Start[i]) * arrStrides[i]
		}
		_, writeErr = f.file.WriteAt(arr.Data[arrOff:arrOff+rowBytes], base+fileOff)
	})
	return writeErr
}

// ReadRegion reads roi out of the dataset.
func (f *File) ReadRegion(roi ndarray.Roi) (*ndarray.Array, error) {
	if err := f.checkRegion(roi, f.header.DType); err != nil {
		return nil, err
	}

	out := ndarray.NewArray(roi, f.header.DType)
	elemSize := f.header.DType.Size()
	fileStrides := ndarray.Strides(f.header.Shape, elemSize)
	outStrides := ndarray.Strides(roi.Shape(), elemSize)
	ndim := roi.Ndim()
	rowBytes := int64(roi.Stop[ndim-1]-roi.Start[ndim-1]) * int64(elemSize)
	base := prefixSize + f.capacity

	var readErr error
	ndarray.ForEachRow(roi, func(coord []int) {
		if readErr != nil {
			return
		}
		var fileOff, outOff int64
		for i := 0; i < ndim; i++ {
			fileOff += int64(coord[i]) * fileStrides[i]
			outOff += int64(coord[i]-roi.Start[i]) * outStrides[i]
		}
		_, readErr = f.file.ReadAt(out.Data[outOff:outOff+rowBytes], base+fileOff)
	})
	if readErr != nil {
		return nil, readErr
	}
	return out, nil
}

func (f *File) checkRegion(roi ndarray.Roi, dtype ndarray.DType) error {
	if dtype != f.header.DType {
		return fmt.Errorf("cannot store %s data in %s dataset %s", dtype, f.header.DType, f.header.Dataset)
	}
	if !roi.Valid() || !f.header.Roi().Contains(roi) {
		return fmt.Errorf("%v is outside of dataset %s %v", roi, f.header.Dataset, f.header.Roi())
	}
	return nil
}

// Sync flushes the file to disk.
func (f *File) Sync() error {
	return f.file.Sync()
}

// Close closes the file.
func (f *File) Close() error {
	return f.file.Close()
}
