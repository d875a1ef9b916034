package transform

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/augment"
)

// NormalizeInstance rescales every plane to zero mean and unit standard
// deviation. Constant planes are only centered.
type NormalizeInstance struct{}

func (NormalizeInstance) Apply(planes []*mat.Dense, md []models.Metadata, _ *rand.Rand) ([]*mat.Dense, []models.Metadata, error) {
	for _, p := range planes {
		rows, cols := p.Dims()
		values := make([]float64, 0, rows*cols)
		for r := 0; r < rows; r++ {
			values = append(values, mat.Row(nil, r, p)...)
		}
		mean, std := stat.MeanStdDev(values, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		p.Apply(func(_, _ int, v float64) float64 { return (v - mean) / std }, p)
	}
	return planes, md, nil
}

// Threshold maps values above Value to 1 and everything else to 0.
type Threshold struct {
	Value float64
}

func (t Threshold) Apply(planes []*mat.Dense, md []models.Metadata, _ *rand.Rand) ([]*mat.Dense, []models.Metadata, error) {
	for _, p := range planes {
		ThresholdPlane(p, t.Value)
	}
	return planes, md, nil
}

// ThresholdPlane binarizes p in place: v > thr becomes 1, anything else 0.
func ThresholdPlane(p *mat.Dense, thr float64) {
	p.Apply(func(_, _ int, v float64) float64 {
		if v > thr {
			return 1
		}
		return 0
	}, p)
}

// DilateGT turns binary ground truth into soft labels by randomly growing
// each lesion. A Factor <= 0 leaves the planes unchanged.
type DilateGT struct {
	Factor float64
}

func (t DilateGT) Apply(planes []*mat.Dense, md []models.Metadata, rng *rand.Rand) ([]*mat.Dense, []models.Metadata, error) {
	if t.Factor <= 0 {
		return planes, md, nil
	}
	out := make([]*mat.Dense, len(planes))
	for i, p := range planes {
		out[i] = augment.DilateLesions(p, t.Factor, rng)
	}
	return out, md, nil
}
