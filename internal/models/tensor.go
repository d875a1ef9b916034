package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a stack of equally shaped 2D planes, one per channel.
// Rows index the x axis of the patch geometry, columns the y axis.
type Tensor struct {
	Planes []*mat.Dense
}

// NewTensor stacks the given planes without copying them.
func NewTensor(planes ...*mat.Dense) *Tensor {
	return &Tensor{Planes: planes}
}

// Len returns the number of channels.
func (t *Tensor) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Planes)
}

// Shape returns the 2D shape of the first plane, or 0, 0 for an empty tensor.
func (t *Tensor) Shape() (rows, cols int) {
	if t.Len() == 0 {
		return 0, 0
	}
	return t.Planes[0].Dims()
}

// Clone deep-copies every plane.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{Planes: ClonePlanes(t.Planes)}
}

// Crop copies the window [xMin:xMax, yMin:yMax] out of every plane.
// The result shares no storage with t. A window that does not fit a plane
// reports ErrShapeMismatch.
func (t *Tensor) Crop(xMin, xMax, yMin, yMax int) (*Tensor, error) {
	if t == nil {
		return nil, nil
	}
	if xMin < 0 || yMin < 0 || xMax <= xMin || yMax <= yMin {
		return nil, fmt.Errorf("%w: invalid window [%d:%d, %d:%d]", ErrShapeMismatch, xMin, xMax, yMin, yMax)
	}

	out := &Tensor{Planes: make([]*mat.Dense, len(t.Planes))}
	for c, p := range t.Planes {
		rows, cols := p.Dims()
		if xMax > rows || yMax > cols {
			return nil, fmt.Errorf("%w: window [%d:%d, %d:%d] does not fit channel %d of shape %dx%d",
				ErrShapeMismatch, xMin, xMax, yMin, yMax, c, rows, cols)
		}
		out.Planes[c] = mat.DenseCopyOf(p.Slice(xMin, xMax, yMin, yMax))
	}
	return out, nil
}

// ClonePlane deep-copies a single plane. A nil plane stays nil.
func ClonePlane(p *mat.Dense) *mat.Dense {
	if p == nil {
		return nil
	}
	return mat.DenseCopyOf(p)
}

// ClonePlanes deep-copies a list of planes.
func ClonePlanes(planes []*mat.Dense) []*mat.Dense {
	if planes == nil {
		return nil
	}
	out := make([]*mat.Dense, len(planes))
	for i, p := range planes {
		out[i] = ClonePlane(p)
	}
	return out
}

// CountNonZero returns the number of non-zero voxels in p.
func CountNonZero(p *mat.Dense) int {
	if p == nil {
		return 0
	}
	raw := p.RawMatrix()
	n := 0
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for _, v := range row {
			if v != 0 {
				n++
			}
		}
	}
	return n
}
