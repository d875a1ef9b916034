// Package visualization renders assembled samples as PNG previews so a
// corpus can be inspected before training.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/assembly"
)

// Viewer renders samples side by side: every input channel, then every
// ground-truth plane, then the ROI.
type Viewer struct {
	// scale is the nearest-neighbour magnification of every voxel
	scale int

	// overlay draws panel labels and the patch coordinates
	overlay bool
}

// NewViewer creates a viewer. Scales below 1 are raised to 1.
func NewViewer(scale int, overlay bool) *Viewer {
	if scale < 1 {
		scale = 1
	}
	return &Viewer{scale: scale, overlay: overlay}
}

// Window returns the display range of an intensity plane: mean ± 2 standard
// deviations, clamped to the data range. A flat plane gets [v, v+1].
func Window(p *mat.Dense) (lo, hi float64) {
	data := p.RawMatrix().Data
	if p.RawMatrix().Stride != p.RawMatrix().Cols {
		data = mat.DenseCopyOf(p).RawMatrix().Data
	}
	if len(data) == 0 {
		return 0, 1
	}

	minV, maxV := floats.Min(data), floats.Max(data)
	mean, std := stat.MeanStdDev(data, nil)
	lo = math.Max(minV, mean-2*std)
	hi = math.Min(maxV, mean+2*std)
	if math.IsNaN(lo) || math.IsNaN(hi) || hi <= lo {
		return minV, minV + 1
	}
	return lo, hi
}

// RenderPlane maps p onto gray levels, with lo shown black and hi white.
// Plane rows run down the image and columns across it.
func (v *Viewer) RenderPlane(p *mat.Dense, lo, hi float64) (*image.RGBA, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot render a nil plane")
	}
	if hi <= lo {
		return nil, fmt.Errorf("invalid display range [%g, %g]", lo, hi)
	}

	rows, cols := p.Dims()
	img := image.NewRGBA(image.Rect(0, 0, cols*v.scale, rows*v.scale))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			t := (p.At(r, c) - lo) / (hi - lo)
			gray := uint8(math.Round(math.Max(0, math.Min(1, t)) * 255))
			fill := color.RGBA{gray, gray, gray, 255}
			for dy := 0; dy < v.scale; dy++ {
				for dx := 0; dx < v.scale; dx++ {
					img.SetRGBA(c*v.scale+dx, r*v.scale+dy, fill)
				}
			}
		}
	}
	return img, nil
}

type panel struct {
	plane  *mat.Dense
	label  string
	lo, hi float64
}

// RenderSample lays out every plane of s in one row of panels.
func (v *Viewer) RenderSample(s *assembly.Sample) (*image.RGBA, error) {
	if s == nil || s.Input == nil || s.Input.Len() == 0 {
		return nil, fmt.Errorf("sample has no input planes")
	}

	var panels []panel
	for c, p := range s.Input.Planes {
		lo, hi := Window(p)
		panels = append(panels, panel{p, fmt.Sprintf("in%d", c), lo, hi})
	}
	rows, cols := s.Input.Shape()
	// Classification targets are not planes and are left out
	if s.GroundTruth != nil {
		if r, c := s.GroundTruth.Shape(); r == rows && c == cols {
			for k, p := range s.GroundTruth.Planes {
				panels = append(panels, panel{p, fmt.Sprintf("gt%d", k), 0, 1})
			}
		}
	}
	if s.ROI != nil {
		for _, p := range s.ROI.Planes {
			panels = append(panels, panel{p, "roi", 0, 1})
		}
	}

	pw, ph := cols*v.scale, rows*v.scale
	out := image.NewRGBA(image.Rect(0, 0, pw*len(panels), ph))
	for i, pn := range panels {
		img, err := v.RenderPlane(pn.plane, pn.lo, pn.hi)
		if err != nil {
			return nil, fmt.Errorf("panel %s: %w", pn.label, err)
		}
		dst := image.Rect(i*pw, 0, (i+1)*pw, ph)
		draw.Draw(out, dst, img, image.Point{}, draw.Src)
		if v.overlay {
			drawLabel(out, pn.label, dst.Min.X+2, 2)
		}
	}

	if v.overlay && len(s.InputMetadata) > 0 {
		if coord, ok := s.InputMetadata[0].IntsValue(models.KeyCoord); ok && len(coord) == 4 {
			text := fmt.Sprintf("x%d:%d y%d:%d", coord[0], coord[1], coord[2], coord[3])
			drawLabel(out, text, 2, ph-basicfont.Face7x13.Metrics().Height.Ceil()-2)
		}
	}
	return out, nil
}

// drawLabel writes text with its top-left corner at (x, y), white on a
// black outline so it reads on any background.
func drawLabel(dst draw.Image, text string, x, y int) {
	face := basicfont.Face7x13
	baseline := y + face.Metrics().Ascent.Ceil()

	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			if dx != 0 || dy != 0 {
				drawer.Dot = fixed.P(x+dx, baseline+dy)
				drawer.DrawString(text)
			}
		}
	}

	drawer.Src = image.NewUniform(color.White)
	drawer.Dot = fixed.P(x, baseline)
	drawer.DrawString(text)
}

// SavePNG writes img to filename
func (v *Viewer) SavePNG(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSamples renders every sample into outputDir as sample_NNNNN.png,
// numbered by ids. ids and samples must have the same length.
func (v *Viewer) SaveSamples(samples []*assembly.Sample, ids []int, outputDir string) error {
	if len(samples) != len(ids) {
		return fmt.Errorf("got %d samples for %d ids", len(samples), len(ids))
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for i, s := range samples {
		img, err := v.RenderSample(s)
		if err != nil {
			return fmt.Errorf("sample %d: %w", ids[i], err)
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("sample_%05d.png", ids[i]))
		if err := v.SavePNG(img, filename); err != nil {
			return err
		}
	}
	return nil
}
