package augment

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
)

// DilateLesions grows every lesion of the binary mask gt into a soft label.
//
// Each 4-connected lesion of area A is dilated k = round(factor*sqrt(A))
// times; the ring added at distance d gets (k-d+1)/(k+1), so values decay
// away from the lesion. A random share of the added voxels is then removed,
// growth that lost contact with a lesion is dropped, and the remaining
// support is closed and hole-filled before the soft values are restored.
//
// The result has the shape of gt and values in [0, 1]. A factor <= 0 or an
// empty mask returns an unchanged copy. All randomness comes from rng.
func DilateLesions(gt *mat.Dense, factor float64, rng *rand.Rand) *mat.Dense {
	if factor <= 0 || models.CountNonZero(gt) == 0 {
		return mat.DenseCopyOf(gt)
	}
	in := Binarize(gt)

	soft, bin := dilateComponents(in, factor)
	holed := removeNewVoxels(in, soft, bin, rng)
	return postProcess(in, holed, soft)
}

// dilateComponents dilates each lesion independently, then sums the
// per-lesion maps and clips them where grown lesions overlap.
func dilateComponents(in *mat.Dense, factor float64) (soft, bin *mat.Dense) {
	rows, cols := in.Dims()
	soft = mat.NewDense(rows, cols, nil)
	bin = mat.NewDense(rows, cols, nil)

	for _, comp := range Label(in) {
		k := int(math.Round(factor * math.Sqrt(float64(len(comp)))))

		objBin := mat.NewDense(rows, cols, nil)
		for _, off := range comp {
			objBin.Set(off/cols, off%cols, 1)
		}
		objSoft := mat.DenseCopyOf(objBin)

		for step := k; step >= 1; step-- {
			value := float64(step) / float64(k+1)
			grown := Dilate(objBin, 1)
			for r := 0; r < rows; r++ {
				for c := 0; c < cols; c++ {
					if grown.At(r, c) != 0 && objBin.At(r, c) == 0 {
						objSoft.Set(r, c, objSoft.At(r, c)+value)
					}
				}
			}
			objBin = grown
		}

		bin.Add(bin, objBin)
		soft.Add(soft, objSoft)
	}

	clip := func(_, _ int, v float64) float64 { return math.Min(math.Max(v, 0), 1) }
	bin.Apply(clip, bin)
	soft.Apply(clip, soft)
	return soft, bin
}

// removeNewVoxels zeroes round(r*n) of the n voxels added by dilation, with
// r drawn uniformly from [0, 1).
func removeNewVoxels(in, soft, bin *mat.Dense, rng *rand.Rand) *mat.Dense {
	rows, cols := in.Dims()
	var added []int
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if (bin.At(r, c) != 0) != (in.At(r, c) != 0) {
				added = append(added, r*cols+c)
			}
		}
	}

	out := mat.DenseCopyOf(soft)
	ratio := rng.Float64()
	remove := int(math.Round(float64(len(added)) * ratio))
	for _, i := range rng.Perm(len(added))[:remove] {
		out.Set(added[i]/cols, added[i]%cols, 0)
	}
	return out
}

// postProcess keeps the grown components that touch an original lesion,
// closes and fills their support and restores the dilated soft values.
func postProcess(in, holed, dilated *mat.Dense) *mat.Dense {
	rows, cols := in.Dims()

	for _, comp := range Label(holed) {
		attached := false
		for _, off := range comp {
			if in.At(off/cols, off%cols) != 0 {
				attached = true
				break
			}
		}
		if attached {
			continue
		}
		for _, off := range comp {
			holed.Set(off/cols, off%cols, 0)
		}
	}

	filled := FillHoles(Close(holed))
	out := mat.NewDense(rows, cols, nil)
	out.MulElem(filled, dilated)
	return out
}
