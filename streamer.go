package clusterize

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bcongdon/clusterize/ndarray"
)

// requestStreamer fetches a large region from a Source as a sequence of
// smaller requests, with a bounded number in flight.
type requestStreamer struct {
	source   Source
	roi      ndarray.Roi
	subShape []int
	parallel int
}

// subrequests splits the region into the rois of individual requests.
func (s *requestStreamer) subrequests() ([]ndarray.Roi, error) {
	grid, err := ndarray.NewGrid(s.roi.Shape(), s.subShape)
	if err != nil {
		return nil, err
	}
	negOrigin := make([]int, len(s.roi.Start))
	for i, v := range s.roi.Start {
		negOrigin[i] = -v
	}
	rois := grid.Blocks()
	for i := range rois {
		rois[i] = rois[i].Translate(negOrigin)
	}
	return rois, nil
}

// execute requests every sub-region and hands each result to sink as soon
// as it arrives. sink may be called concurrently, in any order. The first
// error stops new requests and is returned once in-flight ones finish.
func (s *requestStreamer) execute(ctx context.Context, sink func(*ndarray.Array) error) error {
	rois, err := s.subrequests()
	if err != nil {
		return err
	}
	dtype := s.source.Meta().DType
	log.Debugf("Streaming %v in %d requests of %v, %d at a time", s.roi, len(rois), s.subShape, s.parallel)

	sem := semaphore.NewWeighted(int64(s.parallel))
	g, gctx := errgroup.WithContext(ctx)
	var acquireErr error
	for _, roi := range rois {
		if acquireErr = sem.Acquire(gctx, 1); acquireErr != nil {
			break
		}
		roi := roi
		g.Go(func() error {
			defer sem.Release(1)
			data, err := s.source.Request(gctx, roi)
			if err != nil {
				return fmt.Errorf("request %v: %w", roi, err)
			}
			if !data.Roi.Equal(roi) || data.DType != dtype {
				return fmt.Errorf("request %v returned %s data for %v", roi, data.DType, data.Roi)
			}
			return sink(data)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return acquireErr
}
