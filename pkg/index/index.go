// Package index builds the immutable, randomly addressable index of a
// training corpus: one entry per slice, or one entry per sliding-window patch.
package index

import (
	"fmt"

	"mrisegcorpus/internal/models"
)

// Handler is a validated slice bundle frozen for the lifetime of an index.
// Its shape fixes the patch geometry; nothing mutates it after NewHandler.
type Handler struct {
	bundle models.SliceBundle
	rows   int
	cols   int
}

// NewHandler validates bundle and takes a private copy of it.
func NewHandler(bundle models.SliceBundle) (*Handler, error) {
	b := bundle.Clone()
	if err := b.Validate(); err != nil {
		return nil, err
	}
	rows, cols := b.Shape()
	return &Handler{bundle: b, rows: rows, cols: cols}, nil
}

// Shape returns the 2D shape shared by every array of the handler.
func (h *Handler) Shape() (rows, cols int) {
	return h.rows, h.cols
}

// Bundle returns a deep copy of the handler's bundle. Callers own the copy
// and may mutate it freely.
func (h *Handler) Bundle() models.SliceBundle {
	return h.bundle.Clone()
}

// PatchRecord locates one patch inside a handler.
// XMax-XMin and YMax-YMin always equal the configured length.
type PatchRecord struct {
	HandlerIndex int `yaml:"handler"`
	XMin         int `yaml:"x_min"`
	XMax         int `yaml:"x_max"`
	YMin         int `yaml:"y_min"`
	YMax         int `yaml:"y_max"`
}

// Coord returns the window as [xMin, xMax, yMin, yMax].
func (p PatchRecord) Coord() []int {
	return []int{p.XMin, p.XMax, p.YMin, p.YMax}
}

// Entry is one addressable item. Patch is nil in whole-slice mode, in which
// case Handler is the direct handler reference.
type Entry struct {
	Handler int
	Patch   *PatchRecord
}

// IsPatch reports whether the entry addresses a patch window.
func (e Entry) IsPatch() bool { return e.Patch != nil }

// Options sets the sliding-window geometry. A nil Length disables patching.
type Options struct {
	Length []int
	Stride []int
}

// Patched reports whether the options request patching.
func (o Options) Patched() bool { return len(o.Length) > 0 }

// Validate checks the geometry independently of any slice shape.
func (o Options) Validate() error {
	if !o.Patched() {
		return nil
	}
	if len(o.Length) != 2 || len(o.Stride) != 2 {
		return fmt.Errorf("%w: length and stride must both have 2 values, got %v and %v",
			models.ErrConfiguration, o.Length, o.Stride)
	}
	for i := 0; i < 2; i++ {
		if o.Stride[i] <= 0 || o.Stride[i] > o.Length[i] {
			return fmt.Errorf("%w: stride must be greater than 0 and at most length, got stride %v for length %v",
				models.ErrConfiguration, o.Stride, o.Length)
		}
	}
	return nil
}

// Index is the frozen, ordered list of entries over a set of handlers.
// It is safe for concurrent readers.
type Index struct {
	handlers []*Handler
	entries  []Entry
	opts     Options
}

// Build creates the index over handlers. In patch mode every handler is
// tiled with TileStarts along both axes; any geometry problem is reported as
// ErrConfiguration before a single entry is produced.
func Build(handlers []*Handler, opts Options) (*Index, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ix := &Index{
		handlers: handlers,
		opts: Options{
			Length: append([]int(nil), opts.Length...),
			Stride: append([]int(nil), opts.Stride...),
		},
	}

	if !opts.Patched() {
		ix.entries = make([]Entry, len(handlers))
		for i := range handlers {
			ix.entries[i] = Entry{Handler: i}
		}
		return ix, nil
	}

	for i, h := range handlers {
		rows, cols := h.Shape()
		if opts.Length[0] > rows || opts.Length[1] > cols {
			return nil, fmt.Errorf("%w: length %v exceeds shape %dx%d of slice %d",
				models.ErrConfiguration, opts.Length, rows, cols, i)
		}
	}

	for i, h := range handlers {
		rows, cols := h.Shape()
		xs := TileStarts(rows, opts.Length[0], opts.Stride[0])
		ys := TileStarts(cols, opts.Length[1], opts.Stride[1])
		for _, x := range xs {
			for _, y := range ys {
				ix.entries = append(ix.entries, Entry{
					Handler: i,
					Patch: &PatchRecord{
						HandlerIndex: i,
						XMin:         x,
						XMax:         x + opts.Length[0],
						YMin:         y,
						YMax:         y + opts.Length[1],
					},
				})
			}
		}
	}
	return ix, nil
}

// TileStarts returns the window starts along one axis of the given size.
// Candidates are 0, stride, 2*stride, ... while start < size-length+stride;
// a start whose window would overrun the axis is clamped to size-length, so
// the last window sits flush with the border. When stride does not divide
// the remainder the clamped start can repeat the previous one; that
// duplicate is kept.
func TileStarts(size, length, stride int) []int {
	if length <= 0 || stride <= 0 || length > size {
		return nil
	}
	var starts []int
	for start := 0; start < size-length+stride; start += stride {
		s := start
		if s+length > size {
			s = size - length
		}
		starts = append(starts, s)
	}
	return starts
}

// Len returns the number of addressable entries.
func (ix *Index) Len() int { return len(ix.entries) }

// Entry returns entry i.
func (ix *Index) Entry(i int) (Entry, error) {
	if i < 0 || i >= len(ix.entries) {
		return Entry{}, fmt.Errorf("%w: index %d out of range [0, %d)", models.ErrIndexOutOfRange, i, len(ix.entries))
	}
	return ix.entries[i], nil
}

// Handler returns handler i.
func (ix *Index) Handler(i int) (*Handler, error) {
	if i < 0 || i >= len(ix.handlers) {
		return nil, fmt.Errorf("%w: handler %d out of range [0, %d)", models.ErrIndexOutOfRange, i, len(ix.handlers))
	}
	return ix.handlers[i], nil
}

// NumHandlers returns the number of slices behind the index.
func (ix *Index) NumHandlers() int { return len(ix.handlers) }

// Patched reports whether entries address patches.
func (ix *Index) Patched() bool { return ix.opts.Patched() }

// Options returns a copy of the geometry the index was built with.
func (ix *Index) Options() Options {
	return Options{
		Length: append([]int(nil), ix.opts.Length...),
		Stride: append([]int(nil), ix.opts.Stride...),
	}
}

// Records returns the patch records in index order, or nil in whole-slice mode.
func (ix *Index) Records() []PatchRecord {
	if !ix.Patched() {
		return nil
	}
	out := make([]PatchRecord, len(ix.entries))
	for i, e := range ix.entries {
		out[i] = *e.Patch
	}
	return out
}

// BuildFromBundles freezes every bundle into a handler and builds the index.
func BuildFromBundles(bundles []models.SliceBundle, opts Options) (*Index, error) {
	handlers := make([]*Handler, len(bundles))
	for i, b := range bundles {
		h, err := NewHandler(b)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		handlers[i] = h
	}
	return Build(handlers, opts)
}
