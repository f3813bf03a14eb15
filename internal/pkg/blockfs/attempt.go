package blockfs

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bcongdon/clusterize/internal/pkg/corfs"
	"github.com/bcongdon/clusterize/ndarray"
)

// Attempt is one computation of a block. Its data lives in a directory of
// its own and becomes visible to readers only when it is published.
type Attempt struct {
	f     *Fileset
	block ndarray.Roi
	id    string
}

// StartAttempt begins a new attempt at computing the block that starts at
// start. The block must not be AVAILABLE yet.
func (f *Fileset) StartAttempt(start []int) (*Attempt, error) {
	block, err := f.BlockRoiAt(start)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.checkWritable(); err != nil {
		return nil, err
	}
	status, _, err := f.status(block)
	if err != nil {
		return nil, err
	}
	if status == Available {
		return nil, fmt.Errorf("%w: %v", ErrBlockImmutable, block)
	}
	return &Attempt{f: f, block: block, id: uuid.New().String()}, nil
}

// ID returns the identifier of the attempt.
func (a *Attempt) ID() string {
	return a.id
}

// Block returns the block the attempt computes.
func (a *Attempt) Block() ndarray.Roi {
	return a.block
}

// WriteData stores data, which must lie inside the block, as part of the
// attempt.
func (a *Attempt) WriteData(data *ndarray.Array) error {
	if err := data.Validate(); err != nil {
		return err
	}
	f := a.f
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	if data.DType != f.desc.DType {
		return fmt.Errorf("cannot write %s data into a %s dataset", data.DType, f.desc.DType)
	}
	if !a.block.Contains(data.Roi) {
		return fmt.Errorf("%v is outside of block %v", data.Roi, a.block)
	}
	status, _, err := f.status(a.block)
	if err != nil {
		return err
	}
	if status == Available {
		return fmt.Errorf("%w: %v", ErrBlockImmutable, a.block)
	}

	encoded := f.encoder.EncodeAll(data.Data, nil)
	chunkPath := f.fs.Join(a.dir(), chunkPrefix+data.Roi.Tag()+chunkSuffix)
	if err := corfs.WriteFile(f.fs, chunkPath, encoded); err != nil {
		return fmt.Errorf("%w: write %v: %w", ErrStorage, data.Roi, err)
	}
	return nil
}

// ReadData returns the whole block as written by this attempt so far.
// Regions it has not written read as zero.
func (a *Attempt) ReadData() (*ndarray.Array, error) {
	f := a.f
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := ndarray.NewArray(a.block, f.desc.DType)
	if err := f.readChunks(a.dir(), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Publish durably marks the block AVAILABLE with the data of this attempt.
// It fails with ErrBlockImmutable when another attempt already published
// the block. The caller must have written the whole block first.
func (a *Attempt) Publish() error {
	f := a.f
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	status, published, err := f.status(a.block)
	if err != nil {
		return err
	}
	if status == Available {
		return fmt.Errorf("%w: %v was published by attempt %s", ErrBlockImmutable, a.block, published)
	}

	marker := formatMarker(f.desc.HashID, a.id)
	if err := corfs.WriteFile(f.fs, f.statusPath(&f.desc, a.block.Start), marker); err != nil {
		return fmt.Errorf("%w: set status of block %v: %w", ErrStorage, a.block.Start, err)
	}
	f.available.Add(a.block.Tag(), a.id)
	return nil
}

func (a *Attempt) dir() string {
	return a.f.attemptDir(&a.f.desc, a.block.Start, a.id)
}

// formatMarker renders the content of a STATUS file.
func formatMarker(hashID, attempt string) []byte {
	return []byte(fmt.Sprintf("%s %s %s\n", Available, hashID, attempt))
}

// parseMarker returns the attempt named by a STATUS file, provided it was
// written under the blocking scheme hashID.
func parseMarker(marker []byte, hashID string) (string, bool) {
	fields := strings.Fields(string(marker))
	if len(fields) != 3 || fields[0] != Available.String() || fields[1] != hashID {
		return "", false
	}
	return fields[2], true
}
