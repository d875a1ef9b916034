package models

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Volume is a 3D scan stored as a 1D array in row-major order:
// voxel (x, y, z) lives at z*Width*Height + y*Width + x.
type Volume struct {
	Data []float64

	// Width, Height and Depth are the sizes along x, y and z in voxels.
	Width  int
	Height int
	Depth  int

	// VoxelSize is the physical size of each voxel in mm.
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zeroed volume.
func NewVolume(width, height, depth int) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v
}

// At returns the voxel at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[z*v.Width*v.Height+y*v.Width+x]
}

// Set stores the voxel at (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[z*v.Width*v.Height+y*v.Width+x] = value
}

// SliceAxis is the orientation along which 2D slices are cut.
type SliceAxis int

const (
	Sagittal SliceAxis = 0
	Coronal  SliceAxis = 1
	Axial    SliceAxis = 2
)

func (a SliceAxis) String() string {
	switch a {
	case Sagittal:
		return "sagittal"
	case Coronal:
		return "coronal"
	case Axial:
		return "axial"
	default:
		return fmt.Sprintf("SliceAxis(%d)", int(a))
	}
}

// ParseSliceAxis accepts the orientation names used in configuration files.
func ParseSliceAxis(s string) (SliceAxis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "axial":
		return Axial, nil
	case "sagittal":
		return Sagittal, nil
	case "coronal":
		return Coronal, nil
	default:
		return 0, fmt.Errorf("%w: invalid slice axis %q (must be axial, sagittal or coronal)", ErrConfiguration, s)
	}
}

// NumSlices returns how many slices the volume has along axis.
func (v *Volume) NumSlices(axis SliceAxis) int {
	switch axis {
	case Sagittal:
		return v.Width
	case Coronal:
		return v.Height
	default:
		return v.Depth
	}
}

// Slice cuts the 2D plane at position along axis. Plane indices follow the
// remaining volume axes in x, y, z order: a sagittal plane is (y, z), a
// coronal plane (x, z) and an axial plane (x, y).
func (v *Volume) Slice(axis SliceAxis, position int) (*mat.Dense, error) {
	if position < 0 || position >= v.NumSlices(axis) {
		return nil, fmt.Errorf("position %d out of range [0, %d) along %s axis",
			position, v.NumSlices(axis), axis)
	}

	var plane *mat.Dense
	switch axis {
	case Sagittal:
		plane = mat.NewDense(v.Height, v.Depth, nil)
		for y := 0; y < v.Height; y++ {
			for z := 0; z < v.Depth; z++ {
				plane.Set(y, z, v.At(position, y, z))
			}
		}
	case Coronal:
		plane = mat.NewDense(v.Width, v.Depth, nil)
		for x := 0; x < v.Width; x++ {
			for z := 0; z < v.Depth; z++ {
				plane.Set(x, z, v.At(x, position, z))
			}
		}
	case Axial:
		plane = mat.NewDense(v.Width, v.Height, nil)
		for x := 0; x < v.Width; x++ {
			for y := 0; y < v.Height; y++ {
				plane.Set(x, y, v.At(x, y, position))
			}
		}
	default:
		return nil, fmt.Errorf("%w: invalid slice axis %d", ErrConfiguration, int(axis))
	}
	return plane, nil
}

// SameGrid reports whether two volumes have identical dimensions.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}
