package clusterize

import (
	"context"

	"github.com/bcongdon/clusterize/ndarray"
)

// Metadata describes the dataset produced by a Source.
type Metadata struct {
	Axes  ndarray.Axes
	Shape []int
	DType ndarray.DType
}

// Source is the upstream computation whose output is partitioned into
// blocks. Request may be called concurrently for disjoint regions.
type Source interface {
	Meta() Metadata
	Request(ctx context.Context, roi ndarray.Roi) (*ndarray.Array, error)
}

// ProjectLoader is implemented by sources that need the --project argument
// forwarded from the master before serving requests on a worker.
type ProjectLoader interface {
	LoadProject(path string) error
}
