package transform

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
)

// GaussianDenoise low-pass filters every plane with a Gaussian of standard
// deviation Sigma voxels. Filtering happens in the frequency domain, so the
// plane is treated as periodic at its borders. Sigma <= 0 is a no-op.
type GaussianDenoise struct {
	Sigma float64
}

func (g GaussianDenoise) Apply(planes []*mat.Dense, md []models.Metadata, _ *rand.Rand) ([]*mat.Dense, []models.Metadata, error) {
	if g.Sigma <= 0 {
		return planes, md, nil
	}
	out := make([]*mat.Dense, len(planes))
	for i, p := range planes {
		out[i] = g.filter(p)
	}
	return out, md, nil
}

func (g GaussianDenoise) filter(p *mat.Dense) *mat.Dense {
	rows, cols := p.Dims()
	spectrum := make([]complex128, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			spectrum[r*cols+c] = complex(p.At(r, c), 0)
		}
	}

	rowFFT := fourier.NewCmplxFFT(cols)
	colFFT := fourier.NewCmplxFFT(rows)
	fft2D(spectrum, rows, cols, rowFFT, colFFT, false)

	// Transfer function of a Gaussian: exp(-2 pi^2 sigma^2 f^2)
	k := -2 * math.Pi * math.Pi * g.Sigma * g.Sigma
	for r := 0; r < rows; r++ {
		fr := frequency(r, rows)
		for c := 0; c < cols; c++ {
			fc := frequency(c, cols)
			spectrum[r*cols+c] *= complex(math.Exp(k*(fr*fr+fc*fc)), 0)
		}
	}

	fft2D(spectrum, rows, cols, rowFFT, colFFT, true)

	n := float64(rows * cols)
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, real(spectrum[r*cols+c])/n)
		}
	}
	return out
}

// frequency returns the signed frequency, in cycles per voxel, of bin k of
// an n-point transform.
func frequency(k, n int) float64 {
	if k > n/2 {
		k -= n
	}
	return float64(k) / float64(n)
}

// fft2D transforms data in place, rows first then columns. The inverse is
// not normalized.
func fft2D(data []complex128, rows, cols int, rowFFT, colFFT *fourier.CmplxFFT, inverse bool) {
	row := make([]complex128, cols)
	for r := 0; r < rows; r++ {
		seq := data[r*cols : (r+1)*cols]
		if inverse {
			rowFFT.Sequence(row, seq)
		} else {
			rowFFT.Coefficients(row, seq)
		}
		copy(seq, row)
	}

	col := make([]complex128, rows)
	res := make([]complex128, rows)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			col[r] = data[r*cols+c]
		}
		if inverse {
			colFFT.Sequence(res, col)
		} else {
			colFFT.Coefficients(res, col)
		}
		for r := 0; r < rows; r++ {
			data[r*cols+c] = res[r]
		}
	}
}
