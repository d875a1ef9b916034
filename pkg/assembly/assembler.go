// Package assembly turns index entries into training samples: it runs the
// transform pipeline over ROI, input and ground truth in that order, picks
// one rater per fetch, cuts patch windows and applies modality dropout.
package assembly

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/index"
	"mrisegcorpus/pkg/transform"
)

// Pipeline is the transform contract the assembler depends on.
// *transform.Pipeline satisfies it.
type Pipeline interface {
	Apply(planes []*mat.Dense, md []models.Metadata, role transform.Role, rng *rand.Rand) (*models.Tensor, []models.Metadata, error)
}

// Options toggles optional fetch behavior.
type Options struct {
	// InputDropout zeroes a random subset of input channels on every fetch.
	InputDropout bool
}

// Sample is one assembled training item. GroundTruth and ROI are nil when
// the slice has none.
type Sample struct {
	Input       *models.Tensor
	GroundTruth *models.Tensor
	ROI         *models.Tensor

	InputMetadata []models.Metadata
	GTMetadata    []models.Metadata
	ROIMetadata   []models.Metadata
}

// Assembler fetches samples from a frozen index. Fetch is safe for
// concurrent use as long as the pipeline is.
type Assembler struct {
	ix       *index.Index
	pipeline Pipeline
	task     Task
	opts     Options
}

// New creates an assembler. A nil pipeline applies no transform.
func New(ix *index.Index, pipeline Pipeline, task Task, opts Options) *Assembler {
	if pipeline == nil {
		pipeline = (*transform.Pipeline)(nil)
	}
	if task == nil {
		task = Segmentation{}
	}
	return &Assembler{ix: ix, pipeline: pipeline, task: task, opts: opts}
}

// Len returns the number of fetchable samples.
func (a *Assembler) Len() int { return a.ix.Len() }

// Task returns the ground-truth strategy.
func (a *Assembler) Task() Task { return a.task }

// Fetch assembles sample i. Every random choice of the call (rater,
// transform parameters, dropout mask) is drawn from rng, which must not be
// shared with concurrent fetches.
func (a *Assembler) Fetch(i int, rng *rand.Rand) (*Sample, error) {
	entry, err := a.ix.Entry(i)
	if err != nil {
		return nil, err
	}
	h, err := a.ix.Handler(entry.Handler)
	if err != nil {
		return nil, err
	}
	b := h.Bundle()

	gt, err := resolveGroundTruth(b.GroundTruth, rng)
	if err != nil {
		return nil, fmt.Errorf("sample %d: %w", i, err)
	}

	// The ROI goes first: its transforms may derive crop parameters that
	// the input and ground-truth transforms consume.
	var roiPlanes []*mat.Dense
	if b.ROI != nil {
		roiPlanes = []*mat.Dense{b.ROI}
	}
	roi, roiMD, err := a.pipeline.Apply(roiPlanes, b.ROIMetadata, transform.RoleROI, rng)
	if err != nil {
		return nil, fmt.Errorf("sample %d: %w", i, err)
	}

	inputMD := models.MergeMetadata(roiMD, b.InputMetadata)
	input, inputMD, err := a.pipeline.Apply(b.Input, inputMD, transform.RoleImage, rng)
	if err != nil {
		return nil, fmt.Errorf("sample %d: %w", i, err)
	}

	gtMD := models.MergeMetadata(inputMD, gt.md)
	target, gtMD, err := a.task.target(gt, gtMD, a.pipeline, rng)
	if err != nil {
		return nil, fmt.Errorf("sample %d: %w", i, err)
	}

	s := &Sample{
		Input:         input,
		GroundTruth:   target,
		ROI:           roi,
		InputMetadata: inputMD,
		GTMetadata:    gtMD,
		ROIMetadata:   roiMD,
	}

	if entry.IsPatch() {
		if err := a.cropPatch(s, *entry.Patch); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}

	if a.opts.InputDropout {
		DropModalities(s.Input, s.InputMetadata, rng)
	}
	return s, nil
}

// cropPatch cuts the patch window out of the fully transformed tensors and
// records it for reconstruction.
func (a *Assembler) cropPatch(s *Sample, p index.PatchRecord) error {
	var err error
	if s.Input, err = s.Input.Crop(p.XMin, p.XMax, p.YMin, p.YMax); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	if a.task.cropsTarget() && s.GroundTruth != nil {
		if s.GroundTruth, err = s.GroundTruth.Crop(p.XMin, p.XMax, p.YMin, p.YMax); err != nil {
			return fmt.Errorf("ground truth: %w", err)
		}
	}
	if s.ROI != nil {
		if s.ROI, err = s.ROI.Crop(p.XMin, p.XMax, p.YMin, p.YMax); err != nil {
			return fmt.Errorf("roi: %w", err)
		}
	}

	for len(s.InputMetadata) < s.Input.Len() {
		s.InputMetadata = append(s.InputMetadata, models.Metadata{})
	}
	for c := range s.InputMetadata {
		if s.InputMetadata[c] == nil {
			s.InputMetadata[c] = models.Metadata{}
		}
		s.InputMetadata[c][models.KeyCoord] = p.Coord()
	}
	return nil
}

// resolveGroundTruth picks one rater for every class of a multi-rater
// ground truth.
func resolveGroundTruth(g models.GroundTruth, rng *rand.Rand) (resolvedGT, error) {
	switch gt := g.(type) {
	case nil:
		return resolvedGT{}, nil
	case *models.SingleRater:
		return resolvedGT{planes: gt.Planes, md: gt.Metadata}, nil
	case *models.MultiRater:
		if gt.NumRaters() == 0 {
			return resolvedGT{}, fmt.Errorf("%w: multi-rater ground truth has no raters", models.ErrConfiguration)
		}
		sel, err := gt.Select(rng.IntN(gt.NumRaters()))
		if err != nil {
			return resolvedGT{}, err
		}
		return resolvedGT{planes: sel.Planes, md: sel.Metadata}, nil
	case *models.ClassLabel:
		return resolvedGT{label: gt, md: gt.Metadata}, nil
	default:
		return resolvedGT{}, fmt.Errorf("unsupported ground truth %T", g)
	}
}
