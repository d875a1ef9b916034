// Package reconstruction rebuilds 3D volumes from assembled samples and
// scores them against reference volumes. It is the inverse of slicing and
// patching: every sample is written back at its slice index and patch
// window, and overlapping patches are averaged.
package reconstruction

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/assembly"
	"mrisegcorpus/pkg/source"
)

// ValidationMetrics holds the quality metrics of a reconstructed volume
// against its reference.
type ValidationMetrics struct {
	// RMSE (Root Mean Square Error) is the voxel-wise intensity error.
	// Lower values indicate better fidelity.
	RMSE float64

	// SSIM (Structural Similarity Index) is computed globally over the
	// volume with the reference intensity range as dynamic range. Values
	// range from -1 to 1, with 1 indicating identical volumes.
	SSIM float64

	// MI is a Gaussian approximation of the mutual information between
	// the two volumes.
	MI float64

	// Dice is the overlap of both volumes binarized at 0.5. It is 1 when
	// both are empty.
	Dice float64
}

// Params describes the grid being reconstructed.
type Params struct {
	// Width, Height and Depth are the reference volume sizes.
	Width, Height, Depth int

	// Axis is the orientation the samples were sliced along.
	Axis models.SliceAxis

	// Pick selects the tensor to write back; nil means the input.
	Pick func(*assembly.Sample) *models.Tensor

	// Channel is the plane of the picked tensor to write back.
	Channel int
}

// Reconstructor accumulates samples into a volume. Add is safe for
// concurrent use.
type Reconstructor struct {
	params Params

	mu     sync.Mutex
	sum    []float64
	weight []float64
}

// NewReconstructor creates a reconstructor for the given grid.
func NewReconstructor(params Params) (*Reconstructor, error) {
	if params.Width <= 0 || params.Height <= 0 || params.Depth <= 0 {
		return nil, fmt.Errorf("%w: invalid volume size %dx%dx%d",
			models.ErrConfiguration, params.Width, params.Height, params.Depth)
	}
	if params.Channel < 0 {
		return nil, fmt.Errorf("%w: negative channel %d", models.ErrConfiguration, params.Channel)
	}
	if params.Pick == nil {
		params.Pick = assembly.InputOf
	}
	n := params.Width * params.Height * params.Depth
	return &Reconstructor{
		params: params,
		sum:    make([]float64, n),
		weight: make([]float64, n),
	}, nil
}

// voxel maps position (r, c) of slice pos back to volume coordinates. It
// inverts models.Volume.Slice.
func (r *Reconstructor) voxel(pos, row, col int) (x, y, z int) {
	switch r.params.Axis {
	case models.Sagittal:
		return pos, row, col
	case models.Coronal:
		return row, pos, col
	default:
		return row, col, pos
	}
}

// sliceShape returns the plane shape of one slice along the axis.
func (r *Reconstructor) sliceShape() (rows, cols, slices int) {
	p := r.params
	switch p.Axis {
	case models.Sagittal:
		return p.Height, p.Depth, p.Width
	case models.Coronal:
		return p.Width, p.Depth, p.Height
	default:
		return p.Width, p.Height, p.Depth
	}
}

// Add writes one sample back. The sample must carry its slice index in the
// input metadata; patch samples also carry their window.
func (r *Reconstructor) Add(s *assembly.Sample) error {
	if s == nil || len(s.InputMetadata) == 0 {
		return fmt.Errorf("%w: sample has no input metadata", models.ErrConfiguration)
	}
	pos, ok := s.InputMetadata[0][source.KeySliceIndex].(int)
	rows, cols, slices := r.sliceShape()
	if !ok || pos < 0 || pos >= slices {
		return fmt.Errorf("%w: sample has no valid slice index (got %v)",
			models.ErrConfiguration, s.InputMetadata[0][source.KeySliceIndex])
	}

	t := r.params.Pick(s)
	if t == nil || r.params.Channel >= t.Len() {
		return fmt.Errorf("%w: sample has no channel %d", models.ErrConfiguration, r.params.Channel)
	}
	plane := t.Planes[r.params.Channel]

	xMin, yMin, wantRows, wantCols := 0, 0, rows, cols
	if coord, ok := s.InputMetadata[0].IntsValue(models.KeyCoord); ok && len(coord) == 4 {
		xMin, yMin = coord[0], coord[2]
		wantRows, wantCols = coord[1]-coord[0], coord[3]-coord[2]
	}
	pr, pc := plane.Dims()
	if pr != wantRows || pc != wantCols || xMin < 0 || yMin < 0 || xMin+pr > rows || yMin+pc > cols {
		return fmt.Errorf("%w: plane %dx%d at (%d, %d) does not fit slice %dx%d",
			models.ErrShapeMismatch, pr, pc, xMin, yMin, rows, cols)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w, h := r.params.Width, r.params.Height
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			x, y, z := r.voxel(pos, xMin+i, yMin+j)
			idx := z*w*h + y*w + x
			r.sum[idx] += plane.At(i, j)
			r.weight[idx]++
		}
	}
	return nil
}

// Volume returns the reconstructed volume. Voxels that no sample covered
// are zero.
func (r *Reconstructor) Volume() *models.Volume {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := models.NewVolume(r.params.Width, r.params.Height, r.params.Depth)
	for i, w := range r.weight {
		if w > 0 {
			v.Data[i] = r.sum[i] / w
		}
	}
	return v
}

// Coverage returns the fraction of voxels written at least once.
func (r *Reconstructor) Coverage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	covered := 0
	for _, w := range r.weight {
		if w > 0 {
			covered++
		}
	}
	return float64(covered) / float64(len(r.weight))
}

// Compare scores reconstructed against reference.
func Compare(reference, reconstructed *models.Volume) (ValidationMetrics, error) {
	if !reference.SameGrid(reconstructed) {
		return ValidationMetrics{}, fmt.Errorf("%w: reference is %dx%dx%d, reconstruction is %dx%dx%d",
			models.ErrShapeMismatch, reference.Width, reference.Height, reference.Depth,
			reconstructed.Width, reconstructed.Height, reconstructed.Depth)
	}
	orig, recon := reference.Data, reconstructed.Data
	return ValidationMetrics{
		RMSE: calculateRMSE(orig, recon),
		SSIM: calculateSSIM(orig, recon),
		MI:   calculateMutualInformation(orig, recon),
		Dice: calculateDice(orig, recon),
	}, nil
}

// calculateRMSE computes the root mean square error
func calculateRMSE(original, reconstructed []float64) float64 {
	if len(original) == 0 {
		return 0
	}
	mse := 0.0
	for i := range original {
		diff := original[i] - reconstructed[i]
		mse += diff * diff
	}
	return math.Sqrt(mse / float64(len(original)))
}

// calculateSSIM computes a global structural similarity index
func calculateSSIM(original, reconstructed []float64) float64 {
	const k1, k2 = 0.01, 0.03
	if len(original) < 2 {
		return 0
	}

	lo, hi := original[0], original[0]
	for _, v := range original {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	L := hi - lo
	if L == 0 {
		L = 1
	}
	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)
	sigmaX := stat.Variance(original, nil)
	sigmaY := stat.Variance(reconstructed, nil)
	sigmaXY := stat.Covariance(original, reconstructed, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// calculateMutualInformation approximates mutual information assuming
// jointly Gaussian intensities: 0.5 * log(var(X)var(Y) / det(cov)).
// Identical volumes have an unbounded value and report +Inf.
func calculateMutualInformation(original, reconstructed []float64) float64 {
	if len(original) < 2 {
		return 0
	}
	varX := stat.Variance(original, nil)
	varY := stat.Variance(reconstructed, nil)
	cov := stat.Covariance(original, reconstructed, nil)
	if varX <= 0 || varY <= 0 {
		return 0
	}
	det := varX*varY - cov*cov
	if det <= 0 {
		return math.Inf(1)
	}
	return 0.5 * math.Log(varX*varY/det)
}

// calculateDice computes the Dice overlap of both volumes thresholded at 0.5
func calculateDice(original, reconstructed []float64) float64 {
	var inter, a, b float64
	for i := range original {
		x, y := original[i] > 0.5, reconstructed[i] > 0.5
		if x {
			a++
		}
		if y {
			b++
		}
		if x && y {
			inter++
		}
	}
	if a+b == 0 {
		return 1
	}
	return 2 * inter / (a + b)
}
