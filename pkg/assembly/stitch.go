package assembly

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
)

// InputOf selects the input tensor of a sample.
func InputOf(s *Sample) *models.Tensor { return s.Input }

// GroundTruthOf selects the ground-truth tensor of a sample.
func GroundTruthOf(s *Sample) *models.Tensor { return s.GroundTruth }

// Stitch reassembles patches of one slice into a rows x cols tensor using
// the coord recorded in each sample's input metadata. Overlapping voxels
// are averaged; voxels no patch covers stay zero.
func Stitch(rows, cols int, samples []*Sample, pick func(*Sample) *models.Tensor) (*models.Tensor, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no patches to stitch", models.ErrConfiguration)
	}

	var sum []*mat.Dense
	count := mat.NewDense(rows, cols, nil)

	for i, s := range samples {
		t := pick(s)
		if t == nil {
			return nil, fmt.Errorf("%w: patch %d has no tensor to stitch", models.ErrConfiguration, i)
		}
		if len(s.InputMetadata) == 0 {
			return nil, fmt.Errorf("%w: patch %d has no input metadata", models.ErrConfiguration, i)
		}
		coord, ok := s.InputMetadata[0].IntsValue(models.KeyCoord)
		if !ok || len(coord) != 4 {
			return nil, fmt.Errorf("%w: patch %d has no coord", models.ErrConfiguration, i)
		}
		xMin, xMax, yMin, yMax := coord[0], coord[1], coord[2], coord[3]
		if xMin < 0 || yMin < 0 || xMax > rows || yMax > cols {
			return nil, fmt.Errorf("%w: patch %d window %v does not fit %dx%d",
				models.ErrShapeMismatch, i, coord, rows, cols)
		}

		if sum == nil {
			sum = make([]*mat.Dense, t.Len())
			for c := range sum {
				sum[c] = mat.NewDense(rows, cols, nil)
			}
		}
		if t.Len() != len(sum) {
			return nil, fmt.Errorf("%w: patch %d has %d channels, expected %d",
				models.ErrShapeMismatch, i, t.Len(), len(sum))
		}
		if pr, pc := t.Shape(); pr != xMax-xMin || pc != yMax-yMin {
			return nil, fmt.Errorf("%w: patch %d is %dx%d, window %v", models.ErrShapeMismatch, i, pr, pc, coord)
		}

		for c, plane := range t.Planes {
			window := sum[c].Slice(xMin, xMax, yMin, yMax).(*mat.Dense)
			window.Add(window, plane)
		}
		cw := count.Slice(xMin, xMax, yMin, yMax).(*mat.Dense)
		cw.Apply(func(_, _ int, v float64) float64 { return v + 1 }, cw)
	}

	for _, plane := range sum {
		plane.Apply(func(r, c int, v float64) float64 {
			if n := count.At(r, c); n > 0 {
				return v / n
			}
			return 0
		}, plane)
	}
	return models.NewTensor(sum...), nil
}
