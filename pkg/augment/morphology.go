// Package augment implements ground-truth augmentations built on binary
// morphology over 2D masks.
package augment

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/mat"
)

// cross lists the 4-neighbourhood offsets of the structuring element.
var cross = [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}

// Label returns the 4-connected components of the non-zero voxels of mask.
// A component lists the flat offsets r*cols+c of its voxels in increasing
// order, and components are ordered by their first voxel.
func Label(mask *mat.Dense) [][]int {
	return labelWhere(mask, func(v float64) bool { return v != 0 })
}

func labelWhere(mask *mat.Dense, in func(float64) bool) [][]int {
	rows, cols := mask.Dims()
	g := simple.NewUndirectedGraph()

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if !in(mask.At(r, c)) {
				continue
			}
			id := int64(r*cols + c)
			if g.Node(id) == nil {
				g.AddNode(simple.Node(id))
			}
			// Right and down neighbours are enough to add every edge once.
			if c+1 < cols && in(mask.At(r, c+1)) {
				g.SetEdge(simple.Edge{F: simple.Node(id), T: simple.Node(id + 1)})
			}
			if r+1 < rows && in(mask.At(r+1, c)) {
				g.SetEdge(simple.Edge{F: simple.Node(id), T: simple.Node(id + int64(cols))})
			}
		}
	}

	var components [][]int
	for _, nodes := range topo.ConnectedComponents(g) {
		comp := make([]int, len(nodes))
		for i, n := range nodes {
			comp[i] = int(n.ID())
		}
		sort.Ints(comp)
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })
	return components
}

// Dilate grows the non-zero voxels of mask by iterations one-voxel steps of
// the cross structuring element. The result is a 0/1 mask.
func Dilate(mask *mat.Dense, iterations int) *mat.Dense {
	out := Binarize(mask)
	rows, cols := out.Dims()
	for it := 0; it < iterations; it++ {
		next := mat.DenseCopyOf(out)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if out.At(r, c) == 0 {
					continue
				}
				for _, d := range cross {
					nr, nc := r+d[0], c+d[1]
					if nr >= 0 && nr < rows && nc >= 0 && nc < cols {
						next.Set(nr, nc, 1)
					}
				}
			}
		}
		out = next
	}
	return out
}

// Erode shrinks the non-zero voxels of mask by iterations steps of the cross
// structuring element. Voxels outside the mask count as background, so
// foreground touching the border is eroded too.
func Erode(mask *mat.Dense, iterations int) *mat.Dense {
	out := Binarize(mask)
	rows, cols := out.Dims()
	for it := 0; it < iterations; it++ {
		next := mat.NewDense(rows, cols, nil)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if out.At(r, c) == 0 {
					continue
				}
				keep := true
				for _, d := range cross {
					nr, nc := r+d[0], c+d[1]
					if nr < 0 || nr >= rows || nc < 0 || nc >= cols || out.At(nr, nc) == 0 {
						keep = false
						break
					}
				}
				if keep {
					next.Set(r, c, 1)
				}
			}
		}
		out = next
	}
	return out
}

// Close applies one dilation followed by one erosion.
func Close(mask *mat.Dense) *mat.Dense {
	return Erode(Dilate(mask, 1), 1)
}

// FillHoles sets every background region that cannot reach the border of
// mask through 4-connected background voxels.
func FillHoles(mask *mat.Dense) *mat.Dense {
	out := Binarize(mask)
	rows, cols := out.Dims()

	for _, comp := range labelWhere(out, func(v float64) bool { return v == 0 }) {
		enclosed := true
		for _, off := range comp {
			r, c := off/cols, off%cols
			if r == 0 || c == 0 || r == rows-1 || c == cols-1 {
				enclosed = false
				break
			}
		}
		if !enclosed {
			continue
		}
		for _, off := range comp {
			out.Set(off/cols, off%cols, 1)
		}
	}
	return out
}

// Binarize returns a 0/1 copy of mask with 1 wherever mask is non-zero.
func Binarize(mask *mat.Dense) *mat.Dense {
	rows, cols := mask.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		if v != 0 {
			return 1
		}
		return 0
	}, mask)
	return out
}
