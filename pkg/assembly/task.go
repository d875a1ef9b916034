package assembly

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/transform"
)

// resolvedGT is the ground truth of one fetch after rater selection.
type resolvedGT struct {
	planes []*mat.Dense
	label  *models.ClassLabel
	md     []models.Metadata
}

// Task decides how ground truth becomes a training target. It is chosen
// once when the assembler is created.
type Task interface {
	Kind() models.TaskKind

	// target produces the ground-truth tensor from the resolved ground truth
	// and the metadata merged from the input.
	target(gt resolvedGT, md []models.Metadata, p Pipeline, rng *rand.Rand) (*models.Tensor, []models.Metadata, error)

	// cropsTarget reports whether patch windows apply to the target.
	cropsTarget() bool
}

// Segmentation transforms ground-truth masks with the image geometry.
// Unless SoftGT is set the result is binarized at 0.5.
type Segmentation struct {
	SoftGT bool
}

func (Segmentation) Kind() models.TaskKind { return models.TaskSegmentation }

func (s Segmentation) target(gt resolvedGT, md []models.Metadata, p Pipeline, rng *rand.Rand) (*models.Tensor, []models.Metadata, error) {
	stack, md, err := p.Apply(gt.planes, md, transform.RoleGroundTruth, rng)
	if err != nil {
		return nil, nil, err
	}
	if stack != nil && !s.SoftGT {
		for _, plane := range stack.Planes {
			transform.ThresholdPlane(plane, 0.5)
		}
	}
	return stack, md, nil
}

func (Segmentation) cropsTarget() bool { return true }

// Classification packages the raw slice label as a 1x1 tensor. Ground truth
// is never transformed or cropped.
type Classification struct{}

func (Classification) Kind() models.TaskKind { return models.TaskClassification }

func (Classification) target(gt resolvedGT, md []models.Metadata, _ Pipeline, _ *rand.Rand) (*models.Tensor, []models.Metadata, error) {
	var value float64
	switch {
	case gt.label != nil:
		value = gt.label.Value
	case len(gt.planes) > 0:
		if models.CountNonZero(gt.planes[0]) > 0 {
			value = 1
		}
	default:
		return nil, md, nil
	}
	return models.NewTensor(mat.NewDense(1, 1, []float64{value})), md, nil
}

func (Classification) cropsTarget() bool { return false }

// NewTask returns the strategy for kind.
func NewTask(kind models.TaskKind, softGT bool) Task {
	if kind == models.TaskClassification {
		return Classification{}
	}
	return Segmentation{SoftGT: softGT}
}
