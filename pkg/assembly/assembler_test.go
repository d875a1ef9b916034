package assembly

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/index"
	"mrisegcorpus/pkg/transform"
)

func ramp(rows, cols int, offset float64) *mat.Dense {
	p := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			p.Set(r, c, offset+float64(r*cols+c))
		}
	}
	return p
}

func filled(rows, cols int, v float64) *mat.Dense {
	p := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			p.Set(r, c, v)
		}
	}
	return p
}

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 99))
}

// call records one pipeline invocation
type call struct {
	role transform.Role
	keys map[string]bool
}

// recordingPipeline tags the metadata of every role it sees and records
// the keys it received
type recordingPipeline struct {
	calls []call
}

func (p *recordingPipeline) Apply(planes []*mat.Dense, md []models.Metadata, role transform.Role, _ *rand.Rand) (*models.Tensor, []models.Metadata, error) {
	if len(planes) == 0 {
		return nil, md, nil
	}
	keys := map[string]bool{}
	for _, m := range md {
		for k := range m {
			keys[k] = true
		}
	}
	p.calls = append(p.calls, call{role: role, keys: keys})
	for _, m := range md {
		m["seen_"+role.String()] = true
	}
	return models.NewTensor(planes...), md, nil
}

func bundle(rows, cols, channels int) models.SliceBundle {
	b := models.SliceBundle{
		GroundTruth: &models.SingleRater{Planes: []*mat.Dense{filled(rows, cols, 1)}},
		ROI:         filled(rows, cols, 1),
	}
	for c := 0; c < channels; c++ {
		b.Input = append(b.Input, ramp(rows, cols, float64(1000*c)))
	}
	return b
}

func build(t *testing.T, opts index.Options, bundles ...models.SliceBundle) *index.Index {
	t.Helper()
	ix, err := index.BuildFromBundles(bundles, opts)
	require.NoError(t, err)
	return ix
}

func TestFetchOrder(t *testing.T) {
	ix := build(t, index.Options{}, bundle(6, 6, 2))
	p := &recordingPipeline{}

	s, err := New(ix, p, Segmentation{}, Options{}).Fetch(0, seeded(1))
	require.NoError(t, err)

	require.Len(t, p.calls, 3)
	assert.Equal(t, transform.RoleROI, p.calls[0].role)
	assert.Equal(t, transform.RoleImage, p.calls[1].role)
	assert.Equal(t, transform.RoleGroundTruth, p.calls[2].role)

	assert.True(t, p.calls[1].keys["seen_roi"], "input transforms must see ROI metadata")
	assert.True(t, p.calls[2].keys["seen_roi"], "ground-truth transforms must see ROI metadata")
	assert.True(t, p.calls[2].keys["seen_im"], "ground-truth transforms must see input metadata")

	assert.Equal(t, 2, s.Input.Len())
	assert.Len(t, s.InputMetadata, 2)
	assert.Equal(t, 1, s.GroundTruth.Len())
	assert.Equal(t, 1, s.ROI.Len())
}

func TestFetchLeavesHandlerUntouched(t *testing.T) {
	ix := build(t, index.Options{}, bundle(4, 4, 1))
	a := New(ix, &recordingPipeline{}, Segmentation{}, Options{})

	s, err := a.Fetch(0, seeded(1))
	require.NoError(t, err)
	s.Input.Planes[0].Set(0, 0, -5)
	s.InputMetadata[0]["extra"] = 1

	again, err := a.Fetch(0, seeded(1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, again.Input.Planes[0].At(0, 0))
	assert.NotContains(t, again.InputMetadata[0], "extra")
}

func TestFetchOutOfRange(t *testing.T) {
	a := New(build(t, index.Options{}, bundle(4, 4, 1)), nil, nil, Options{})
	for _, i := range []int{-1, 1} {
		_, err := a.Fetch(i, seeded(1))
		assert.ErrorIs(t, err, models.ErrIndexOutOfRange)
	}
}

// TestMultiRaterConsistency checks that every class of a fetch comes from
// the same rater
func TestMultiRaterConsistency(t *testing.T) {
	const classes, raters = 3, 4
	grid := make([][]*mat.Dense, classes)
	for c := range grid {
		for r := 0; r < raters; r++ {
			grid[c] = append(grid[c], filled(5, 5, float64(r+1)))
		}
	}
	mr, err := models.NewMultiRater(grid, nil)
	require.NoError(t, err)

	b := models.SliceBundle{Input: []*mat.Dense{ramp(5, 5, 0)}, GroundTruth: mr}
	a := New(build(t, index.Options{}, b), nil, Segmentation{SoftGT: true}, Options{})

	seen := map[float64]bool{}
	for seed := uint64(0); seed < 200; seed++ {
		s, err := a.Fetch(0, seeded(seed))
		require.NoError(t, err)
		require.Equal(t, classes, s.GroundTruth.Len())

		sentinel := s.GroundTruth.Planes[0].At(0, 0)
		for c, plane := range s.GroundTruth.Planes {
			assert.Equal(t, sentinel, plane.At(2, 3), "fetch %d: class %d came from another rater", seed, c)
		}
		seen[sentinel] = true
	}
	assert.Len(t, seen, raters, "every rater should be drawn over 200 fetches")
}

func TestBinarization(t *testing.T) {
	gt := mat.NewDense(2, 2, []float64{0.7, 0.3, 0.5, 1})
	b := models.SliceBundle{
		Input:       []*mat.Dense{ramp(2, 2, 0)},
		GroundTruth: &models.SingleRater{Planes: []*mat.Dense{gt}},
	}
	ix := build(t, index.Options{}, b)

	hard, err := New(ix, nil, NewTask(models.TaskSegmentation, false), Options{}).Fetch(0, seeded(1))
	require.NoError(t, err)
	assert.True(t, mat.Equal(hard.GroundTruth.Planes[0], mat.NewDense(2, 2, []float64{1, 0, 0, 1})))

	soft, err := New(ix, nil, NewTask(models.TaskSegmentation, true), Options{}).Fetch(0, seeded(1))
	require.NoError(t, err)
	assert.True(t, mat.Equal(soft.GroundTruth.Planes[0], gt))
}

func TestClassification(t *testing.T) {
	b := models.SliceBundle{
		Input:       []*mat.Dense{ramp(8, 8, 0)},
		GroundTruth: &models.ClassLabel{Value: 1},
		ROI:         filled(8, 8, 1),
	}
	p := &recordingPipeline{}
	ix := build(t, index.Options{Length: []int{4, 4}, Stride: []int{4, 4}}, b)
	a := New(ix, p, NewTask(models.TaskClassification, false), Options{})
	require.Equal(t, models.TaskClassification, a.Task().Kind())

	s, err := a.Fetch(3, seeded(1))
	require.NoError(t, err)

	require.Equal(t, 1, s.GroundTruth.Len())
	rows, cols := s.GroundTruth.Shape()
	assert.Equal(t, [2]int{1, 1}, [2]int{rows, cols})
	assert.Equal(t, 1.0, s.GroundTruth.Planes[0].At(0, 0))

	for _, c := range p.calls {
		assert.NotEqual(t, transform.RoleGroundTruth, c.role, "classification labels must not be transformed")
	}
	rows, cols = s.Input.Shape()
	assert.Equal(t, [2]int{4, 4}, [2]int{rows, cols})
}

func TestPatchCrop(t *testing.T) {
	b := bundle(10, 10, 2)
	b.GroundTruth = &models.SingleRater{Planes: []*mat.Dense{ramp(10, 10, 0)}}
	ix := build(t, index.Options{Length: []int{4, 4}, Stride: []int{3, 3}}, b)
	a := New(ix, nil, Segmentation{SoftGT: true}, Options{})
	require.Equal(t, 16, a.Len())

	// entries are x-major: entry 6 is x=3, y=6
	s, err := a.Fetch(6, seeded(1))
	require.NoError(t, err)

	assert.Equal(t, 36.0, s.Input.Planes[0].At(0, 0))
	assert.Equal(t, 1036.0, s.Input.Planes[1].At(0, 0))
	assert.Equal(t, 69.0, s.GroundTruth.Planes[0].At(3, 3))
	rows, cols := s.ROI.Shape()
	assert.Equal(t, [2]int{4, 4}, [2]int{rows, cols})

	for _, md := range s.InputMetadata {
		assert.Equal(t, []int{3, 7, 6, 10}, md[models.KeyCoord])
	}
}

func TestShapeMismatch(t *testing.T) {
	ix := build(t, index.Options{Length: []int{8, 8}, Stride: []int{2, 2}}, bundle(10, 10, 1))
	shrink := transform.NewPipeline().Add("crop", transform.CenterCrop2D{Height: 6, Width: 6})

	_, err := New(ix, shrink, Segmentation{}, Options{}).Fetch(0, seeded(1))
	assert.ErrorIs(t, err, models.ErrShapeMismatch)
}

// TestSinglePatchMatchesWholeSlice covers a patch equal to the slice
func TestSinglePatchMatchesWholeSlice(t *testing.T) {
	b := bundle(40, 48, 2)
	gt := mat.NewDense(40, 48, nil)
	gt.Set(20, 20, 1)
	b.GroundTruth = &models.SingleRater{Planes: []*mat.Dense{gt}}

	p := transform.NewPipeline().
		Add("normalize", transform.NormalizeInstance{}, transform.RoleImage).
		Add("dilate", transform.DilateGT{Factor: 1}, transform.RoleGroundTruth)

	patched := build(t, index.Options{Length: []int{40, 48}, Stride: []int{40, 48}}, b)
	whole := build(t, index.Options{}, b)
	require.Equal(t, 1, patched.Len())
	require.Equal(t, 1, whole.Len())

	ps, err := New(patched, p, Segmentation{SoftGT: true}, Options{}).Fetch(0, seeded(5))
	require.NoError(t, err)
	ws, err := New(whole, p, Segmentation{SoftGT: true}, Options{}).Fetch(0, seeded(5))
	require.NoError(t, err)

	for c := range ws.Input.Planes {
		assert.True(t, mat.Equal(ws.Input.Planes[c], ps.Input.Planes[c]), "input channel %d differs", c)
	}
	assert.True(t, mat.Equal(ws.GroundTruth.Planes[0], ps.GroundTruth.Planes[0]))
	assert.True(t, mat.Equal(ws.ROI.Planes[0], ps.ROI.Planes[0]))
	assert.Equal(t, []int{0, 40, 0, 48}, ps.InputMetadata[0][models.KeyCoord])
	assert.NotContains(t, ws.InputMetadata[0], models.KeyCoord)
}

func TestInputDropout(t *testing.T) {
	b := models.SliceBundle{Input: []*mat.Dense{filled(3, 3, 1), filled(3, 3, 2), filled(3, 3, 3)}}
	a := New(build(t, index.Options{}, b), nil, nil, Options{InputDropout: true})

	sizes := map[int]bool{}
	for seed := uint64(0); seed < 100; seed++ {
		s, err := a.Fetch(0, seeded(seed))
		require.NoError(t, err)
		require.Equal(t, 3, s.Input.Len())

		zeroed := 0
		for c, plane := range s.Input.Planes {
			if models.CountNonZero(plane) == 0 {
				zeroed++
				assert.Equal(t, true, s.InputMetadata[c][models.KeyDropout])
			} else {
				assert.NotContains(t, s.InputMetadata[c], models.KeyDropout)
			}
		}
		require.GreaterOrEqual(t, zeroed, 1)
		require.LessOrEqual(t, zeroed, 2)
		sizes[zeroed] = true
	}
	assert.Len(t, sizes, 2, "both subset sizes should occur")

	single := models.SliceBundle{Input: []*mat.Dense{filled(3, 3, 1)}}
	s, err := New(build(t, index.Options{}, single), nil, nil, Options{InputDropout: true}).Fetch(0, seeded(1))
	require.NoError(t, err)
	assert.Equal(t, 9, models.CountNonZero(s.Input.Planes[0]))
}

func TestConcurrentFetch(t *testing.T) {
	b := bundle(12, 12, 2)
	gt := mat.NewDense(12, 12, nil)
	gt.Set(6, 6, 1)
	b.GroundTruth = &models.SingleRater{Planes: []*mat.Dense{gt}}
	ix := build(t, index.Options{Length: []int{6, 6}, Stride: []int{3, 3}}, b)

	p := transform.NewPipeline().
		Add("normalize", transform.NormalizeInstance{}, transform.RoleImage).
		Add("dilate", transform.DilateGT{Factor: 2}, transform.RoleGroundTruth)
	a := New(ix, p, Segmentation{SoftGT: true}, Options{InputDropout: true})

	want := make([]*Sample, a.Len())
	for i := range want {
		s, err := a.Fetch(i, seeded(uint64(i)))
		require.NoError(t, err)
		want[i] = s
	}

	var wg sync.WaitGroup
	got := make([]*Sample, a.Len())
	errs := make([]error, a.Len())
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = a.Fetch(i, seeded(uint64(i)))
		}(i)
	}
	wg.Wait()

	for i := range got {
		require.NoError(t, errs[i])
		for c := range want[i].Input.Planes {
			assert.True(t, mat.Equal(want[i].Input.Planes[c], got[i].Input.Planes[c]), "sample %d channel %d", i, c)
		}
		assert.True(t, mat.Equal(want[i].GroundTruth.Planes[0], got[i].GroundTruth.Planes[0]), "sample %d ground truth", i)
	}
}

func TestStitch(t *testing.T) {
	b := bundle(10, 10, 2)
	ix := build(t, index.Options{Length: []int{4, 4}, Stride: []int{3, 3}}, b)
	a := New(ix, nil, nil, Options{})

	var patches []*Sample
	for i := 0; i < a.Len(); i++ {
		s, err := a.Fetch(i, seeded(uint64(i)))
		require.NoError(t, err)
		patches = append(patches, s)
	}

	full, err := Stitch(10, 10, patches, InputOf)
	require.NoError(t, err)
	require.Equal(t, 2, full.Len())
	for c := range full.Planes {
		assert.True(t, mat.Equal(b.Input[c], full.Planes[c]), "channel %d not restored", c)
	}

	_, err = Stitch(8, 8, patches, InputOf)
	assert.ErrorIs(t, err, models.ErrShapeMismatch)

	whole, err := New(build(t, index.Options{}, b), nil, nil, Options{}).Fetch(0, seeded(1))
	require.NoError(t, err)
	_, err = Stitch(10, 10, []*Sample{whole}, InputOf)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
