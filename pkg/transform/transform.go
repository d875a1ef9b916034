// Package transform provides the role-aware transform pipeline applied to
// the input, ROI and ground-truth planes of a slice.
package transform

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
)

// Role tells the pipeline which kind of planes it is transforming.
type Role int

const (
	RoleImage Role = iota
	RoleROI
	RoleGroundTruth
)

func (r Role) String() string {
	switch r {
	case RoleImage:
		return "im"
	case RoleROI:
		return "roi"
	case RoleGroundTruth:
		return "gt"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole accepts the short role names used in configuration files.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "im", "image":
		return RoleImage, nil
	case "roi":
		return RoleROI, nil
	case "gt", "ground_truth":
		return RoleGroundTruth, nil
	default:
		return 0, fmt.Errorf("%w: unknown role %q (must be im, roi or gt)", models.ErrConfiguration, s)
	}
}

// Transform maps a list of planes and their per-plane metadata to new
// planes and metadata. Implementations may modify planes in place.
type Transform interface {
	Apply(planes []*mat.Dense, md []models.Metadata, rng *rand.Rand) ([]*mat.Dense, []models.Metadata, error)
}

// Func adapts an ordinary function to the Transform interface.
type Func func(planes []*mat.Dense, md []models.Metadata, rng *rand.Rand) ([]*mat.Dense, []models.Metadata, error)

func (f Func) Apply(planes []*mat.Dense, md []models.Metadata, rng *rand.Rand) ([]*mat.Dense, []models.Metadata, error) {
	return f(planes, md, rng)
}

// Compose chains transforms; each one receives the output of the previous.
func Compose(ts ...Transform) Transform {
	return Func(func(planes []*mat.Dense, md []models.Metadata, rng *rand.Rand) ([]*mat.Dense, []models.Metadata, error) {
		var err error
		for _, t := range ts {
			planes, md, err = t.Apply(planes, md, rng)
			if err != nil {
				return nil, nil, err
			}
		}
		return planes, md, nil
	})
}

type step struct {
	name  string
	t     Transform
	roles []Role
}

func (s step) appliesTo(role Role) bool {
	if len(s.roles) == 0 {
		return true
	}
	for _, r := range s.roles {
		if r == role {
			return true
		}
	}
	return false
}

// Pipeline is an ordered list of named transforms, each restricted to a
// set of roles. The zero value and a nil *Pipeline apply no transform.
type Pipeline struct {
	steps []step
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Add appends t under name. With no roles, t applies to every role.
func (p *Pipeline) Add(name string, t Transform, roles ...Role) *Pipeline {
	p.steps = append(p.steps, step{name: name, t: t, roles: roles})
	return p
}

// Names lists the transforms in application order.
func (p *Pipeline) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.name
	}
	return names
}

// Apply runs every transform registered for role over planes and stacks the
// result. An empty plane list yields a nil tensor and leaves md untouched.
func (p *Pipeline) Apply(planes []*mat.Dense, md []models.Metadata, role Role, rng *rand.Rand) (*models.Tensor, []models.Metadata, error) {
	if len(planes) == 0 {
		return nil, md, nil
	}
	if p == nil {
		return models.NewTensor(planes...), md, nil
	}

	var err error
	for _, s := range p.steps {
		if !s.appliesTo(role) {
			continue
		}
		planes, md, err = s.t.Apply(planes, md, rng)
		if err != nil {
			return nil, nil, fmt.Errorf("transform %s on %s: %w", s.name, role, err)
		}
	}
	return models.NewTensor(planes...), md, nil
}
