// Package source produces per-slice bundles from volumes and decides which
// slices enter the corpus.
package source

import (
	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
)

// SliceSource yields the ordered slices of one subject.
type SliceSource interface {
	NumSlices() int
	PairSlice(i int, task models.TaskKind) (models.SliceBundle, error)
}

// SliceFilter keeps a slice iff it returns true.
type SliceFilter func(models.SliceBundle) bool

// EmptySliceFilter drops slices without signal.
type EmptySliceFilter struct {
	// FilterEmptyInput drops slices where any input channel is all zero.
	FilterEmptyInput bool
	// FilterEmptyMask drops slices whose ground truth has no foreground.
	FilterEmptyMask bool
}

// Keep implements SliceFilter.
func (f EmptySliceFilter) Keep(b models.SliceBundle) bool {
	if f.FilterEmptyInput {
		for _, p := range b.Input {
			if models.CountNonZero(p) == 0 {
				return false
			}
		}
	}
	if f.FilterEmptyMask && !hasForeground(b.GroundTruth) {
		return false
	}
	return true
}

func hasForeground(g models.GroundTruth) bool {
	switch gt := g.(type) {
	case *models.SingleRater:
		return anyNonZero(gt.Planes)
	case *models.MultiRater:
		for _, raters := range gt.Classes {
			if anyNonZero(raters) {
				return true
			}
		}
		return false
	case *models.ClassLabel:
		return true
	default:
		return false
	}
}

func anyNonZero(planes []*mat.Dense) bool {
	for _, p := range planes {
		if models.CountNonZero(p) > 0 {
			return true
		}
	}
	return false
}

// FilterROI reports whether a slice should be dropped because its ROI has
// fewer than threshold non-zero voxels. A nil ROI counts as empty.
func FilterROI(roi *mat.Dense, threshold int) bool {
	return models.CountNonZero(roi) < threshold
}
