package clusterize

import (
	"fmt"
	"sync"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
	"github.com/bcongdon/clusterize/ndarray"
)

// blockEmitter writes the sub-regions of one block into an attempt as they
// arrive and accounts for how much of the block they covered. It is
// threadsafe.
type blockEmitter struct {
	attempt *blockfs.Attempt
	block   ndarray.Roi

	mut          sync.Mutex
	coveredElems int64
	writtenBytes int64
}

func newBlockEmitter(attempt *blockfs.Attempt) *blockEmitter {
	return &blockEmitter{
		attempt: attempt,
		block:   attempt.Block(),
	}
}

// Emit stores data, which must lie inside the block.
func (e *blockEmitter) Emit(data *ndarray.Array) error {
	if !e.block.Contains(data.Roi) {
		return fmt.Errorf("sub-region %v is outside of block %v", data.Roi, e.block)
	}
	if err := e.attempt.WriteData(data); err != nil {
		return err
	}

	e.mut.Lock()
	defer e.mut.Unlock()
	e.coveredElems += data.Roi.Volume()
	e.writtenBytes += data.Nbytes()
	return nil
}

// covered returns the number of elements written so far. Sub-regions are
// disjoint, so the block is complete once this equals its volume.
func (e *blockEmitter) covered() int64 {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.coveredElems
}

func (e *blockEmitter) bytesWritten() int64 {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.writtenBytes
}
