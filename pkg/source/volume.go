package source

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
)

// Metadata keys written by VolumeSource.
const (
	KeySliceIndex = "slice_index"
	KeySliceAxis  = "slice_axis"
)

// Subject groups the co-registered volumes of one acquisition.
type Subject struct {
	// Inputs holds one volume per modality, in channel order.
	Inputs []*models.Volume
	// InputMetadata holds optional per-channel records copied onto every slice.
	InputMetadata []models.Metadata

	// GroundTruth is indexed [class][rater]; nil means no annotation.
	GroundTruth [][]*models.Volume

	// ROI is nil when no region of interest is available.
	ROI *models.Volume
}

// VolumeSource cuts the volumes of a subject into 2D slices along one axis.
type VolumeSource struct {
	subject Subject
	axis    models.SliceAxis
}

// NewVolumeSource checks that every volume of s shares one grid.
func NewVolumeSource(s Subject, axis models.SliceAxis) (*VolumeSource, error) {
	if len(s.Inputs) == 0 {
		return nil, fmt.Errorf("%w: subject has no input volumes", models.ErrConfiguration)
	}
	ref := s.Inputs[0]
	check := func(what string, v *models.Volume) error {
		if v == nil {
			return fmt.Errorf("%w: %s volume is nil", models.ErrShapeMismatch, what)
		}
		if !v.SameGrid(ref) {
			return fmt.Errorf("%w: %s volume is %dx%dx%d, input is %dx%dx%d", models.ErrShapeMismatch,
				what, v.Width, v.Height, v.Depth, ref.Width, ref.Height, ref.Depth)
		}
		return nil
	}

	for c, v := range s.Inputs {
		if err := check(fmt.Sprintf("input %d", c), v); err != nil {
			return nil, err
		}
	}
	for c, raters := range s.GroundTruth {
		if len(raters) == 0 {
			return nil, fmt.Errorf("%w: ground truth class %d has no raters", models.ErrConfiguration, c)
		}
		if len(raters) != len(s.GroundTruth[0]) {
			return nil, fmt.Errorf("%w: class %d has %d raters, class 0 has %d",
				models.ErrConfiguration, c, len(raters), len(s.GroundTruth[0]))
		}
		for r, v := range raters {
			if err := check(fmt.Sprintf("ground truth class %d rater %d", c, r), v); err != nil {
				return nil, err
			}
		}
	}
	if s.ROI != nil {
		if err := check("roi", s.ROI); err != nil {
			return nil, err
		}
	}
	return &VolumeSource{subject: s, axis: axis}, nil
}

// NumSlices returns the number of slices along the configured axis.
func (s *VolumeSource) NumSlices() int {
	return s.subject.Inputs[0].NumSlices(s.axis)
}

// PairSlice returns slice i. With TaskClassification the ground truth is a
// ClassLabel that is 1 when any annotation voxel is set in the slice.
func (s *VolumeSource) PairSlice(i int, task models.TaskKind) (models.SliceBundle, error) {
	if i < 0 || i >= s.NumSlices() {
		return models.SliceBundle{}, fmt.Errorf("%w: slice %d out of range [0, %d)",
			models.ErrIndexOutOfRange, i, s.NumSlices())
	}

	b := models.SliceBundle{
		Input:         make([]*mat.Dense, len(s.subject.Inputs)),
		InputMetadata: make([]models.Metadata, len(s.subject.Inputs)),
	}
	for c, v := range s.subject.Inputs {
		p, err := v.Slice(s.axis, i)
		if err != nil {
			return models.SliceBundle{}, err
		}
		b.Input[c] = p

		md := models.Metadata{}
		if c < len(s.subject.InputMetadata) {
			md = s.subject.InputMetadata[c].Clone()
			if md == nil {
				md = models.Metadata{}
			}
		}
		md[KeySliceIndex] = i
		md[KeySliceAxis] = s.axis.String()
		b.InputMetadata[c] = md
	}

	if s.subject.ROI != nil {
		roi, err := s.subject.ROI.Slice(s.axis, i)
		if err != nil {
			return models.SliceBundle{}, err
		}
		b.ROI = roi
		b.ROIMetadata = []models.Metadata{{KeySliceIndex: i, KeySliceAxis: s.axis.String()}}
	}

	gt, err := s.groundTruth(i, task)
	if err != nil {
		return models.SliceBundle{}, err
	}
	b.GroundTruth = gt
	return b, nil
}

func (s *VolumeSource) groundTruth(i int, task models.TaskKind) (models.GroundTruth, error) {
	if len(s.subject.GroundTruth) == 0 {
		return nil, nil
	}

	classes := make([][]*mat.Dense, len(s.subject.GroundTruth))
	for c, raters := range s.subject.GroundTruth {
		for _, v := range raters {
			p, err := v.Slice(s.axis, i)
			if err != nil {
				return nil, err
			}
			classes[c] = append(classes[c], p)
		}
	}

	md := func() models.Metadata { return models.Metadata{KeySliceIndex: i} }

	if task == models.TaskClassification {
		label := &models.ClassLabel{Metadata: []models.Metadata{md()}}
		for _, raters := range classes {
			if anyNonZero(raters) {
				label.Value = 1
				break
			}
		}
		return label, nil
	}

	if len(classes[0]) == 1 {
		single := &models.SingleRater{Metadata: make([]models.Metadata, len(classes))}
		for c := range classes {
			single.Planes = append(single.Planes, classes[c][0])
			single.Metadata[c] = md()
		}
		return single, nil
	}

	mdGrid := make([][]models.Metadata, len(classes))
	for c := range classes {
		for range classes[c] {
			mdGrid[c] = append(mdGrid[c], md())
		}
	}
	return models.NewMultiRater(classes, mdGrid)
}
