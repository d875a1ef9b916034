package transform

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"mrisegcorpus/internal/models"
)

// CropParams locates a crop window in the source plane. Windows may extend
// past the source; those voxels are zero-filled.
type CropParams struct {
	Top, Left     int
	Height, Width int
	SrcRows       int
	SrcCols       int
}

func (c CropParams) ints() []int {
	return []int{c.Top, c.Left, c.Height, c.Width, c.SrcRows, c.SrcCols}
}

// cropParamsFrom returns the first crop parameters stored under key in md.
func cropParamsFrom(md []models.Metadata, key string) (CropParams, bool) {
	for _, m := range md {
		v, ok := m.IntsValue(key)
		if !ok || len(v) != 6 {
			continue
		}
		return CropParams{Top: v[0], Left: v[1], Height: v[2], Width: v[3], SrcRows: v[4], SrcCols: v[5]}, true
	}
	return CropParams{}, false
}

// setCropParams records c under key in every record, padding md to one
// record per plane.
func setCropParams(md []models.Metadata, n int, key string, c CropParams) []models.Metadata {
	for len(md) < n {
		md = append(md, models.Metadata{})
	}
	for i := range md {
		if md[i] == nil {
			md[i] = models.Metadata{}
		}
		md[i][key] = c.ints()
	}
	return md
}

// cropPlane copies the window c out of p.
func cropPlane(p *mat.Dense, c CropParams) *mat.Dense {
	rows, cols := p.Dims()
	out := mat.NewDense(c.Height, c.Width, nil)
	for r := 0; r < c.Height; r++ {
		sr := c.Top + r
		if sr < 0 || sr >= rows {
			continue
		}
		for col := 0; col < c.Width; col++ {
			sc := c.Left + col
			if sc < 0 || sc >= cols {
				continue
			}
			out.Set(r, col, p.At(sr, sc))
		}
	}
	return out
}

func cropAll(planes []*mat.Dense, c CropParams) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(planes))
	for i, p := range planes {
		rows, cols := p.Dims()
		if rows != c.SrcRows || cols != c.SrcCols {
			return nil, fmt.Errorf("%w: plane %d has shape %dx%d, crop was computed for %dx%d",
				models.ErrShapeMismatch, i, rows, cols, c.SrcRows, c.SrcCols)
		}
		out[i] = cropPlane(p, c)
	}
	return out, nil
}

// CenterCrop2D crops every plane to Height x Width around the plane center.
// Parameters already present in the metadata are reused so that the image
// and ground truth of a slice are cut identically.
type CenterCrop2D struct {
	Height, Width int
}

func (t CenterCrop2D) Apply(planes []*mat.Dense, md []models.Metadata, _ *rand.Rand) ([]*mat.Dense, []models.Metadata, error) {
	if t.Height <= 0 || t.Width <= 0 {
		return nil, nil, fmt.Errorf("%w: center crop size must be positive, got %dx%d",
			models.ErrConfiguration, t.Height, t.Width)
	}
	params, ok := cropParamsFrom(md, models.KeyCenterCropParams)
	if !ok {
		rows, cols := planes[0].Dims()
		params = CropParams{
			Top:     int(math.Round(float64(rows-t.Height) / 2)),
			Left:    int(math.Round(float64(cols-t.Width) / 2)),
			Height:  t.Height,
			Width:   t.Width,
			SrcRows: rows,
			SrcCols: cols,
		}
	}

	out, err := cropAll(planes, params)
	if err != nil {
		return nil, nil, err
	}
	return out, setCropParams(md, len(out), models.KeyCenterCropParams, params), nil
}

// ROICrop2D crops Height x Width around the center of mass of the ROI.
//
// On the ROI role (no parameters in the metadata yet) it derives the window
// from the ROI plane and stores it under crop_params; image and ground-truth
// planes are then cropped with those parameters, each from its own data.
type ROICrop2D struct {
	Height, Width int
}

func (t ROICrop2D) Apply(planes []*mat.Dense, md []models.Metadata, _ *rand.Rand) ([]*mat.Dense, []models.Metadata, error) {
	if t.Height <= 0 || t.Width <= 0 {
		return nil, nil, fmt.Errorf("%w: ROI crop size must be positive, got %dx%d",
			models.ErrConfiguration, t.Height, t.Width)
	}
	params, ok := cropParamsFrom(md, models.KeyCropParams)
	if !ok {
		rows, cols := planes[0].Dims()
		cr, cc := CenterOfMass(planes[0])
		params = CropParams{
			Top:     int(math.Round(cr)) - int(math.Round(float64(t.Height)/2)),
			Left:    int(math.Round(cc)) - int(math.Round(float64(t.Width)/2)),
			Height:  t.Height,
			Width:   t.Width,
			SrcRows: rows,
			SrcCols: cols,
		}
	}

	out, err := cropAll(planes, params)
	if err != nil {
		return nil, nil, err
	}
	return out, setCropParams(md, len(out), models.KeyCropParams, params), nil
}

// CenterOfMass returns the intensity-weighted centroid of p as (row, col).
// A plane without positive mass returns its geometric center.
func CenterOfMass(p *mat.Dense) (row, col float64) {
	rows, cols := p.Dims()
	rs := make([]float64, 0, rows*cols)
	cs := make([]float64, 0, rows*cols)
	ws := make([]float64, 0, rows*cols)
	total := 0.0
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			w := p.At(r, c)
			if w <= 0 {
				continue
			}
			rs = append(rs, float64(r))
			cs = append(cs, float64(c))
			ws = append(ws, w)
			total += w
		}
	}
	if total == 0 {
		return float64(rows-1) / 2, float64(cols-1) / 2
	}
	return stat.Mean(rs, ws), stat.Mean(cs, ws)
}
