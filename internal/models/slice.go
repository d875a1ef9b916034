package models

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// TaskKind selects how ground truth is interpreted.
type TaskKind int

const (
	// TaskSegmentation treats ground truth as per-voxel masks.
	TaskSegmentation TaskKind = iota
	// TaskClassification treats ground truth as one scalar label per slice.
	TaskClassification
)

func (k TaskKind) String() string {
	switch k {
	case TaskSegmentation:
		return "segmentation"
	case TaskClassification:
		return "classification"
	default:
		return fmt.Sprintf("TaskKind(%d)", int(k))
	}
}

// ParseTask maps a configuration string onto a TaskKind.
func ParseTask(s string) (TaskKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "segmentation":
		return TaskSegmentation, nil
	case "classification":
		return TaskClassification, nil
	default:
		return 0, fmt.Errorf("%w: unknown task %q (must be segmentation or classification)", ErrConfiguration, s)
	}
}

// GroundTruth is the tagged variant carried by a SliceBundle:
// *SingleRater, *MultiRater or *ClassLabel. A nil GroundTruth means absent.
type GroundTruth interface {
	// planes lists every array held by the variant, for shape checks.
	planes() []*mat.Dense
	cloneGroundTruth() GroundTruth
}

// SingleRater holds one mask per label class.
type SingleRater struct {
	Planes   []*mat.Dense
	Metadata []Metadata
}

func (g *SingleRater) planes() []*mat.Dense { return g.Planes }

func (g *SingleRater) cloneGroundTruth() GroundTruth {
	return &SingleRater{
		Planes:   ClonePlanes(g.Planes),
		Metadata: CloneMetadataList(g.Metadata),
	}
}

// MultiRater holds, for every label class, one mask per rater.
// Classes[c][r] is the mask drawn by rater r for class c.
type MultiRater struct {
	Classes  [][]*mat.Dense
	Metadata [][]Metadata
}

// NewMultiRater checks that every class carries the same non-zero number of
// raters and pads the metadata to match.
func NewMultiRater(classes [][]*mat.Dense, metadata [][]Metadata) (*MultiRater, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: multi-rater ground truth has no classes", ErrConfiguration)
	}
	raters := len(classes[0])
	if raters == 0 {
		return nil, fmt.Errorf("%w: multi-rater ground truth has no raters", ErrConfiguration)
	}
	for c, rs := range classes {
		if len(rs) != raters {
			return nil, fmt.Errorf("%w: class %d has %d raters, class 0 has %d",
				ErrConfiguration, c, len(rs), raters)
		}
	}

	md := make([][]Metadata, len(classes))
	for c := range classes {
		var given []Metadata
		if c < len(metadata) {
			given = metadata[c]
		}
		md[c] = normalizeRecords(given, raters)
	}
	return &MultiRater{Classes: classes, Metadata: md}, nil
}

// NumClasses returns the number of label classes.
func (g *MultiRater) NumClasses() int { return len(g.Classes) }

// NumRaters returns the number of raters per class.
func (g *MultiRater) NumRaters() int {
	if len(g.Classes) == 0 {
		return 0
	}
	return len(g.Classes[0])
}

// Select resolves the ground truth of one rater across every class.
func (g *MultiRater) Select(rater int) (*SingleRater, error) {
	if rater < 0 || rater >= g.NumRaters() {
		return nil, fmt.Errorf("%w: rater %d out of [0, %d)", ErrIndexOutOfRange, rater, g.NumRaters())
	}
	out := &SingleRater{
		Planes:   make([]*mat.Dense, len(g.Classes)),
		Metadata: make([]Metadata, len(g.Classes)),
	}
	for c := range g.Classes {
		out.Planes[c] = g.Classes[c][rater]
		if c < len(g.Metadata) && rater < len(g.Metadata[c]) {
			out.Metadata[c] = g.Metadata[c][rater]
		} else {
			out.Metadata[c] = Metadata{}
		}
	}
	return out, nil
}

// validateRaters checks that every class has the same, non-zero number of
// raters.
func (g *MultiRater) validateRaters() error {
	n := g.NumRaters()
	if g.NumClasses() == 0 || n == 0 {
		return fmt.Errorf("%w: multi-rater ground truth has no annotations", ErrConfiguration)
	}
	for c, rs := range g.Classes {
		if len(rs) != n {
			return fmt.Errorf("%w: class %d has %d raters, class 0 has %d", ErrConfiguration, c, len(rs), n)
		}
	}
	return nil
}

func (g *MultiRater) planes() []*mat.Dense {
	var all []*mat.Dense
	for _, rs := range g.Classes {
		all = append(all, rs...)
	}
	return all
}

func (g *MultiRater) cloneGroundTruth() GroundTruth {
	out := &MultiRater{
		Classes:  make([][]*mat.Dense, len(g.Classes)),
		Metadata: make([][]Metadata, len(g.Metadata)),
	}
	for c := range g.Classes {
		out.Classes[c] = ClonePlanes(g.Classes[c])
	}
	for c := range g.Metadata {
		out.Metadata[c] = CloneMetadataList(g.Metadata[c])
	}
	return out
}

// ClassLabel is the scalar target of a classification slice.
type ClassLabel struct {
	Value    float64
	Metadata []Metadata
}

func (g *ClassLabel) planes() []*mat.Dense { return nil }

func (g *ClassLabel) cloneGroundTruth() GroundTruth {
	return &ClassLabel{Value: g.Value, Metadata: CloneMetadataList(g.Metadata)}
}

// SliceBundle is everything known about one 2D slice: the input modalities,
// the optional ground truth and ROI, and per-channel metadata.
type SliceBundle struct {
	// Input holds one plane per modality, in a fixed order.
	Input []*mat.Dense

	// GroundTruth is nil when the slice has no annotation.
	GroundTruth GroundTruth

	// ROI is nil when no region-of-interest mask is available.
	ROI *mat.Dense

	InputMetadata []Metadata
	ROIMetadata   []Metadata
}

// Shape returns the shared 2D shape of the bundle.
func (b *SliceBundle) Shape() (rows, cols int) {
	if len(b.Input) == 0 || b.Input[0] == nil {
		return 0, 0
	}
	return b.Input[0].Dims()
}

// Validate checks that the bundle has inputs and that every array shares
// the input shape. It also normalizes metadata to one record per plane.
func (b *SliceBundle) Validate() error {
	if len(b.Input) == 0 {
		return fmt.Errorf("%w: slice bundle has no input planes", ErrShapeMismatch)
	}
	for c, p := range b.Input {
		if p == nil {
			return fmt.Errorf("%w: input channel %d is nil", ErrShapeMismatch, c)
		}
	}
	rows, cols := b.Shape()

	check := func(what string, p *mat.Dense) error {
		if p == nil {
			return fmt.Errorf("%w: %s is nil", ErrShapeMismatch, what)
		}
		r, c := p.Dims()
		if r != rows || c != cols {
			return fmt.Errorf("%w: %s has shape %dx%d, input has %dx%d", ErrShapeMismatch, what, r, c, rows, cols)
		}
		return nil
	}

	for c, p := range b.Input {
		if err := check(fmt.Sprintf("input channel %d", c), p); err != nil {
			return err
		}
	}
	if b.ROI != nil {
		if err := check("roi", b.ROI); err != nil {
			return err
		}
	}
	switch g := b.GroundTruth.(type) {
	case *SingleRater:
		if len(g.Planes) == 0 {
			return fmt.Errorf("%w: ground truth has no planes", ErrConfiguration)
		}
	case *MultiRater:
		if err := g.validateRaters(); err != nil {
			return err
		}
	}
	if b.GroundTruth != nil {
		for i, p := range b.GroundTruth.planes() {
			if err := check(fmt.Sprintf("ground truth plane %d", i), p); err != nil {
				return err
			}
		}
	}

	b.InputMetadata = normalizeRecords(b.InputMetadata, len(b.Input))
	if b.ROI != nil {
		b.ROIMetadata = normalizeRecords(b.ROIMetadata, 1)
	}
	if g, ok := b.GroundTruth.(*SingleRater); ok {
		g.Metadata = normalizeRecords(g.Metadata, len(g.Planes))
	}
	return nil
}

// Clone deep-copies the bundle, ground truth included.
func (b *SliceBundle) Clone() SliceBundle {
	out := SliceBundle{
		Input:         ClonePlanes(b.Input),
		ROI:           ClonePlane(b.ROI),
		InputMetadata: CloneMetadataList(b.InputMetadata),
		ROIMetadata:   CloneMetadataList(b.ROIMetadata),
	}
	if b.GroundTruth != nil {
		out.GroundTruth = b.GroundTruth.cloneGroundTruth()
	}
	return out
}
