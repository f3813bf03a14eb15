package blockfs

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bcongdon/clusterize/internal/pkg/corfs"
	"github.com/bcongdon/clusterize/ndarray"
)

// DefaultBlockFileNameFormat names block directories after their start
// coordinate, e.g. "block-0_500_0".
const DefaultBlockFileNameFormat = "block-{start}"

const startPlaceholder = "{start}"

// Description is the persisted blocking scheme of a dataset. It is the
// contract between the master and every worker of a run.
type Description struct {
	Axes                ndarray.Axes  `json:"axes"`
	Shape               []int         `json:"shape"`
	DType               ndarray.DType `json:"dtype"`
	BlockShape          []int         `json:"block_shape"`
	BlockFileNameFormat string        `json:"block_file_name_format"`
	HashID              string        `json:"hash_id"`
}

// Fingerprint hashes the parameters that determine the block layout. When
// it changes, previously computed blocks cannot be reused.
func (d Description) Fingerprint() string {
	sha := sha1.New()
	io.WriteString(sha, ndarray.FormatTuple(d.BlockShape))
	io.WriteString(sha, string(d.Axes))
	io.WriteString(sha, d.BlockFileNameFormat)
	return hex.EncodeToString(sha.Sum(nil))
}

// Initialized reports whether the description carries a blocking scheme.
func (d Description) Initialized() bool {
	return len(d.Shape) > 0
}

// BlockName returns the name of the directory holding the block that
// starts at start.
func (d Description) BlockName(start []int) string {
	coords := make([]string, len(start))
	for i, c := range start {
		coords[i] = fmt.Sprint(c)
	}
	return strings.ReplaceAll(d.BlockFileNameFormat, startPlaceholder, strings.Join(coords, "_"))
}

// Validate checks the internal consistency of the description.
func (d Description) Validate() error {
	if !strings.Contains(d.BlockFileNameFormat, startPlaceholder) {
		return fmt.Errorf("%w: block file name format %q lacks %s", ErrDescriptor, d.BlockFileNameFormat, startPlaceholder)
	}
	if !d.Initialized() {
		return nil
	}
	if len(d.Axes) != len(d.Shape) {
		return fmt.Errorf("%w: axes %q do not match shape %v", ErrDescriptor, d.Axes, d.Shape)
	}
	if len(d.BlockShape) != len(d.Shape) {
		return fmt.Errorf("%w: block shape %v does not match shape %v", ErrDescriptor, d.BlockShape, d.Shape)
	}
	if !d.DType.Valid() {
		return fmt.Errorf("%w: unsupported element type %s", ErrDescriptor, d.DType)
	}
	if _, err := ndarray.NewGrid(d.Shape, d.BlockShape); err != nil {
		return fmt.Errorf("%w: %v", ErrDescriptor, err)
	}
	return nil
}

func (d *Description) equal(o *Description) bool {
	a, _ := json.Marshal(d)
	b, _ := json.Marshal(o)
	return string(a) == string(b)
}

// ReadDescription loads and validates the description at path.
func ReadDescription(fs corfs.FileSystem, path string) (*Description, error) {
	data, err := corfs.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s: %w", ErrDescriptor, path, err)
	} else if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrStorage, path, err)
	}

	var desc Description
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrDescriptor, path, err)
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &desc, nil
}

// WriteDescription durably replaces the description at path.
func WriteDescription(fs corfs.FileSystem, path string, desc *Description) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrDescriptor, path, err)
	}
	if err := corfs.WriteFile(fs, path, append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrStorage, path, err)
	}
	return nil
}
