// Package blockfs implements a blockwise fileset: a dataset stored as a grid
// of independently written blocks, together with a durable per-block status
// that records which blocks are complete.
//
// The layout on a filesystem is
//
//	<dir>/<description>.json                      blocking scheme (Description)
//	<dir>/<block name>/STATUS                     present once the block is AVAILABLE
//	<dir>/<block name>/<attempt>/chunk-<roi>.zst  zstd compressed sub-regions
//
// Every computation of a block is an Attempt with its own directory, so
// concurrent attempts never touch each other's data. The STATUS marker names
// the attempt that published the block and is written only after all of its
// data. A block that reads as AVAILABLE is therefore complete and is never
// modified again; reads only ever see the published attempt.
package blockfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/clusterize/internal/pkg/corfs"
	"github.com/bcongdon/clusterize/ndarray"
)

// Errors returned by the fileset.
var (
	// ErrDescriptor indicates a missing, unparsable or inconsistent description.
	ErrDescriptor = errors.New("invalid blockwise fileset description")
	// ErrStorage wraps every I/O failure of the underlying filesystem.
	ErrStorage = errors.New("block storage error")
	// ErrBlockAlignment indicates a region that is not a canonical block.
	ErrBlockAlignment = errors.New("region is not aligned to the blocking scheme")
	// ErrBlockImmutable is returned when writing into an AVAILABLE block.
	ErrBlockImmutable = errors.New("block is already available")
	// ErrReadOnly is returned by mutations on a fileset opened read-only.
	ErrReadOnly = errors.New("fileset is read-only")
	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("fileset is closed")
)

// Mode selects how a fileset is opened.
type Mode int

// Fileset modes
const (
	ReadOnly Mode = iota
	ReadWrite
)

// BlockStatus records whether a block's data is complete.
type BlockStatus int

// Block statuses
const (
	NotAvailable BlockStatus = iota
	Available
)

func (s BlockStatus) String() string {
	if s == Available {
		return "AVAILABLE"
	}
	return "NOT_AVAILABLE"
}

const (
	statusFileName  = "STATUS"
	chunkPrefix     = "chunk-"
	chunkSuffix     = ".zst"
	statusCacheSize = 4096
)

// Params are the parameters of a blocking scheme chosen by the master.
type Params struct {
	Axes       ndarray.Axes
	Shape      []int
	DType      ndarray.DType
	BlockShape []int
}

// Fileset is an open blockwise fileset. It is safe for concurrent use.
type Fileset struct {
	fs   corfs.FileSystem
	path string
	dir  string
	mode Mode

	mu     sync.RWMutex
	desc   Description
	grid   ndarray.Grid
	closed bool

	// AVAILABLE blocks are immutable, so their published attempt can be
	// cached by block tag.
	available *lru.Cache
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// Open loads the fileset described at descriptionPath. In ReadWrite mode a
// missing description is created empty; Reconcile then fills it in.
func Open(fs corfs.FileSystem, descriptionPath string, mode Mode) (*Fileset, error) {
	desc, err := ReadDescription(fs, descriptionPath)
	if err != nil {
		exists, statErr := corfs.Exists(fs, descriptionPath)
		if mode != ReadWrite || statErr != nil || exists {
			return nil, err
		}
		desc = &Description{BlockFileNameFormat: DefaultBlockFileNameFormat}
		if err := WriteDescription(fs, descriptionPath, desc); err != nil {
			return nil, err
		}
		log.Infof("Created blockwise fileset description %s", descriptionPath)
	}

	cache, err := lru.New(statusCacheSize)
	if err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, err
	}

	f := &Fileset{
		fs:        fs,
		path:      descriptionPath,
		dir:       parentDir(descriptionPath),
		mode:      mode,
		desc:      *desc,
		available: cache,
		encoder:   encoder,
		decoder:   decoder,
	}
	if desc.Initialized() {
		f.grid, _ = ndarray.NewGrid(desc.Shape, desc.BlockShape)
	}
	return f, nil
}

// Close releases the fileset. It must be called exactly once.
func (f *Fileset) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	f.available.Purge()
	f.decoder.Close()
	return f.encoder.Close()
}

// Path returns the path of the description.
func (f *Fileset) Path() string {
	return f.path
}

// Description returns a copy of the current description.
func (f *Fileset) Description() Description {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.desc
}

// Grid returns the block grid of the fileset.
func (f *Fileset) Grid() ndarray.Grid {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.grid
}

// Reconcile installs the blocking scheme p. When its fingerprint differs
// from the stored one, every block is reset to NotAvailable before the new
// description is persisted. It reports whether blocks were invalidated.
func (f *Fileset) Reconcile(p Params) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWritable(); err != nil {
		return false, err
	}

	next := f.desc
	next.Axes = p.Axes
	next.Shape = append([]int(nil), p.Shape...)
	next.DType = p.DType
	next.BlockShape = append([]int(nil), p.BlockShape...)
	if next.BlockFileNameFormat == "" {
		next.BlockFileNameFormat = DefaultBlockFileNameFormat
	}
	next.HashID = next.Fingerprint()
	if err := next.Validate(); err != nil {
		return false, err
	}
	grid, err := ndarray.NewGrid(next.Shape, next.BlockShape)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDescriptor, err)
	}

	invalidate := next.HashID != f.desc.HashID
	if invalidate {
		if f.desc.HashID != "" {
			log.Warnf("Blocking scheme of %s changed (%s -> %s); resetting %d blocks",
				f.path, f.desc.HashID, next.HashID, grid.Len())
		}
		f.available.Purge()
		for _, block := range grid.Blocks() {
			if err := f.fs.Delete(f.statusPath(&next, block.Start)); err != nil {
				return false, fmt.Errorf("%w: reset block %v: %w", ErrStorage, block.Start, err)
			}
		}
	}

	if !next.equal(&f.desc) {
		if err := WriteDescription(f.fs, f.path, &next); err != nil {
			return false, err
		}
	}
	f.desc = next
	f.grid = grid
	return invalidate, nil
}

// AllBlockRois enumerates every block of the fileset in a stable order.
func (f *Fileset) AllBlockRois() []ndarray.Roi {
	return f.Grid().Blocks()
}

// BlockRoiAt returns the canonical block that starts at start.
func (f *Fileset) BlockRoiAt(start []int) (ndarray.Roi, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.desc.Initialized() {
		return ndarray.Roi{}, fmt.Errorf("%w: %s has no blocking scheme", ErrDescriptor, f.path)
	}
	roi, err := f.grid.BlockRoiAt(start)
	if err != nil {
		return ndarray.Roi{}, fmt.Errorf("%w: %v", ErrBlockAlignment, err)
	}
	return roi, nil
}

// Status returns the status of the block that starts at start.
func (f *Fileset) Status(start []int) (BlockStatus, error) {
	block, err := f.BlockRoiAt(start)
	if err != nil {
		return NotAvailable, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return NotAvailable, ErrClosed
	}
	status, _, err := f.status(block)
	return status, err
}

func (f *Fileset) status(block ndarray.Roi) (BlockStatus, string, error) {
	key := block.Tag()
	if attempt, ok := f.available.Get(key); ok {
		return Available, attempt.(string), nil
	}
	marker, err := corfs.ReadFile(f.fs, f.statusPath(&f.desc, block.Start))
	if errors.Is(err, os.ErrNotExist) {
		return NotAvailable, "", nil
	} else if err != nil {
		return NotAvailable, "", fmt.Errorf("%w: status of block %v: %w", ErrStorage, block.Start, err)
	}
	attempt, ok := parseMarker(marker, f.desc.HashID)
	if !ok {
		log.Warnf("Ignoring status marker of block %v from another blocking scheme: %q", block, marker)
		return NotAvailable, "", nil
	}
	f.available.Add(key, attempt)
	return Available, attempt, nil
}

// Invalidate durably resets the block that starts at start to
// NotAvailable. The data of its attempts is left in place.
func (f *Fileset) Invalidate(start []int) error {
	block, err := f.BlockRoiAt(start)
	if err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.checkWritable(); err != nil {
		return err
	}
	f.available.Remove(block.Tag())
	if err := f.fs.Delete(f.statusPath(&f.desc, block.Start)); err != nil {
		return fmt.Errorf("%w: reset status of block %v: %w", ErrStorage, block.Start, err)
	}
	return nil
}

// ReadData assembles roi from the published attempts of the blocks it
// overlaps. Blocks that are not AVAILABLE read as zero.
func (f *Fileset) ReadData(roi ndarray.Roi) (*ndarray.Array, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	if !f.desc.Initialized() {
		return nil, fmt.Errorf("%w: %s has no blocking scheme", ErrDescriptor, f.path)
	}
	if !roi.Valid() || !f.grid.Bounds().Contains(roi) {
		return nil, fmt.Errorf("%v is outside of dataset bounds %v", roi, f.grid.Bounds())
	}

	out := ndarray.NewArray(roi, f.desc.DType)
	for _, block := range f.grid.Intersecting(roi) {
		status, attempt, err := f.status(block)
		if err != nil {
			return nil, err
		}
		if status != Available {
			continue
		}
		if err := f.readChunks(f.attemptDir(&f.desc, block.Start, attempt), out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Prune deletes the data of every attempt of an AVAILABLE block other than
// the published one, and returns the number of chunks removed. It must only
// be used once no worker is computing the block any more.
func (f *Fileset) Prune(start []int) (int, error) {
	block, err := f.BlockRoiAt(start)
	if err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	status, published, err := f.status(block)
	if err != nil || status != Available {
		return 0, err
	}

	pattern := f.fs.Join(f.blockDir(&f.desc, block.Start), "*", chunkPrefix+"*"+chunkSuffix)
	files, err := f.fs.ListFiles(pattern)
	if err != nil {
		return 0, fmt.Errorf("%w: list %s: %w", ErrStorage, pattern, err)
	}
	keep := f.attemptDir(&f.desc, block.Start, published)
	stale := make(map[string]bool)
	removed := 0
	for _, file := range files {
		dir := parentDir(file.Name)
		if dir == keep {
			continue
		}
		if err := f.fs.Delete(file.Name); err != nil {
			return removed, fmt.Errorf("%w: delete %s: %w", ErrStorage, file.Name, err)
		}
		stale[dir] = true
		removed++
	}
	for dir := range stale {
		if err := f.fs.Delete(dir); err != nil {
			log.Debugf("Could not remove attempt directory %s: %s", dir, err)
		}
	}
	if removed > 0 {
		log.Debugf("Pruned %d chunks of stale attempts of block %v", removed, block)
	}
	return removed, nil
}

type chunkFile struct {
	path string
	roi  ndarray.Roi
}

func (f *Fileset) chunks(dir string) ([]chunkFile, error) {
	pattern := f.fs.Join(dir, chunkPrefix+"*"+chunkSuffix)
	files, err := f.fs.ListFiles(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrStorage, pattern, err)
	}

	chunks := make([]chunkFile, 0, len(files))
	for _, file := range files {
		name := file.Name[strings.LastIndex(file.Name, "/")+1:]
		tag := strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), chunkSuffix)
		roi, err := ndarray.ParseTag(tag)
		if err != nil {
			log.Warnf("Ignoring unrecognized chunk %s: %s", file.Name, err)
			continue
		}
		chunks = append(chunks, chunkFile{path: file.Name, roi: roi})
	}
	return chunks, nil
}

// readChunks copies every chunk stored in dir that overlaps out into it.
func (f *Fileset) readChunks(dir string, out *ndarray.Array) error {
	chunks, err := f.chunks(dir)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if _, ok := chunk.roi.Intersect(out.Roi); !ok {
			continue
		}
		encoded, err := corfs.ReadFile(f.fs, chunk.path)
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", ErrStorage, chunk.path, err)
		}
		decoded, err := f.decoder.DecodeAll(encoded, nil)
		if err != nil {
			return fmt.Errorf("%w: decode %s: %w", ErrStorage, chunk.path, err)
		}
		piece := &ndarray.Array{Roi: chunk.roi, DType: f.desc.DType, Data: decoded}
		if err := piece.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStorage, chunk.path, err)
		}
		if _, err := out.CopyFrom(piece); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fileset) checkWritable() error {
	if f.closed {
		return ErrClosed
	}
	if f.mode != ReadWrite {
		return ErrReadOnly
	}
	return nil
}

func (f *Fileset) blockDir(desc *Description, start []int) string {
	return f.fs.Join(f.dir, desc.BlockName(start))
}

func (f *Fileset) statusPath(desc *Description, start []int) string {
	return f.fs.Join(f.blockDir(desc, start), statusFileName)
}

func (f *Fileset) attemptDir(desc *Description, start []int, attempt string) string {
	return f.fs.Join(f.blockDir(desc, start), attempt)
}

// parentDir returns the directory part of a local path or object URI.
func parentDir(p string) string {
	if !strings.Contains(p, "://") {
		return path.Dir(p)
	}
	return p[:strings.LastIndex(p, "/")]
}
