// Package dataset loads a training corpus from slice sources and serves
// reproducible samples and batches from it.
//
// Loading runs once: every source is sliced, filtered and preprocessed in
// parallel, and the surviving slices are frozen into an index. Fetching runs
// many times and concurrently on top of the frozen index.
package dataset

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/assembly"
	"mrisegcorpus/pkg/config"
	"mrisegcorpus/pkg/index"
	"mrisegcorpus/pkg/source"
	"mrisegcorpus/pkg/transform"
)

// KeySourceIndex is the input metadata key holding the position of the
// slice's source in the list given to Load.
const KeySourceIndex = "source_index"

// ProgressCallback is a function that reports progress during loading
type ProgressCallback func(completed, total int, message string)

// Options holds the loader parameters
type Options struct {
	// Task selects how ground truth is turned into targets
	Task models.TaskKind

	// SoftGT skips binarization of segmentation targets
	SoftGT bool

	// Index is the patch geometry; a zero value trains on whole slices
	Index index.Options

	// InputDropout zeroes a random subset of modalities on every fetch
	InputDropout bool

	// SliceFilter drops slices before preprocessing; nil keeps every slice
	SliceFilter source.SliceFilter

	// ROIThreshold drops slices whose ROI has fewer non-zero voxels; nil
	// disables ROI filtering
	ROIThreshold *int

	// Preprocessing runs once per slice at load time
	Preprocessing assembly.Pipeline

	// Training runs on every fetch
	Training assembly.Pipeline

	// Seed drives the preprocessing RNG and FetchRNG
	Seed uint64

	// NumWorkers bounds the goroutines used while loading and fetching;
	// zero means one per CPU
	NumWorkers int

	// Verbose prints progress when no callback is set
	Verbose bool
}

// OptionsFromConfig translates a loaded configuration into loader options
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	task, err := cfg.TaskKind()
	if err != nil {
		return Options{}, err
	}
	prepro, train := cfg.Pipelines()

	opts := Options{
		Task:          task,
		SoftGT:        cfg.Loader.SoftGT,
		Index:         cfg.IndexOptions(),
		InputDropout:  cfg.Loader.IsInputDropout,
		SliceFilter:   cfg.SliceFilter(),
		Preprocessing: prepro,
		Training:      train,
		Seed:          cfg.Loader.Seed,
		NumWorkers:    cfg.Loader.NumWorkers,
		Verbose:       cfg.Output.Verbose,
	}
	if cfg.ROIFilterEnabled() {
		thr := *cfg.Loader.ROIParams.SliceFilterROI
		opts.ROIThreshold = &thr
	}
	return opts, nil
}

// LoadStats counts what happened to the slices of every source
type LoadStats struct {
	Sources      int
	Slices       int
	Kept         int
	Filtered     int
	ROIFiltered  int
	IndexEntries int
}

// Dataset is a loaded corpus
type Dataset struct {
	opts             Options
	ix               *index.Index
	assembler        *assembly.Assembler
	stats            LoadStats
	progressCallback ProgressCallback
}

// New creates an empty dataset; call Load before fetching
func New(opts Options) *Dataset {
	return &Dataset{opts: opts}
}

// SetProgressCallback sets a callback function to report progress during loading.
// The callback receives the number of completed sources, the total number of
// sources and a message string. A non-empty message should be displayed to
// the user; an empty one only updates the progress indicator.
func (d *Dataset) SetProgressCallback(callback ProgressCallback) {
	d.progressCallback = callback
}

func (d *Dataset) report(completed, total int, message string) {
	if d.progressCallback != nil {
		d.progressCallback(completed, total, message)
		return
	}
	if !d.opts.Verbose {
		return
	}
	if message != "" {
		fmt.Println(message)
		return
	}
	if total > 0 {
		progress := float64(completed) / float64(total) * 100
		fmt.Printf("\rLoading subjects: %.1f%% complete", progress)
		if completed >= total {
			fmt.Println()
		}
	}
}

func (d *Dataset) workers() int {
	if d.opts.NumWorkers > 0 {
		return d.opts.NumWorkers
	}
	return runtime.NumCPU()
}

// sourceResult is what one loading goroutine hands back
type sourceResult struct {
	sourceIdx   int
	bundles     []models.SliceBundle
	slices      int
	filtered    int
	roiFiltered int
	err         error
}

// Load slices, filters and preprocesses every source, then builds the
// index. Sources are processed in parallel but their slices enter the index
// in source order, so the same inputs always give the same index.
func (d *Dataset) Load(sources []source.SliceSource) error {
	if len(sources) == 0 {
		return fmt.Errorf("%w: no sources to load", models.ErrConfiguration)
	}
	if err := d.opts.Index.Validate(); err != nil {
		return err
	}

	d.report(0, 0, fmt.Sprintf("Loading %d sources with %d workers...", len(sources), d.workers()))

	resultChan := make(chan sourceResult, len(sources))
	sem := make(chan struct{}, d.workers())
	for i, src := range sources {
		go func(sourceIdx int, src source.SliceSource) {
			sem <- struct{}{}
			defer func() { <-sem }()
			resultChan <- d.loadSource(sourceIdx, src)
		}(i, src)
	}

	perSource := make([][]models.SliceBundle, len(sources))
	stats := LoadStats{Sources: len(sources)}
	var firstErr error
	for completed := 1; completed <= len(sources); completed++ {
		res := <-resultChan
		if res.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("source %d: %w", res.sourceIdx, res.err)
		}
		perSource[res.sourceIdx] = res.bundles
		stats.Slices += res.slices
		stats.Filtered += res.filtered
		stats.ROIFiltered += res.roiFiltered
		d.report(completed, len(sources), "")
	}
	if firstErr != nil {
		return firstErr
	}

	var bundles []models.SliceBundle
	for _, b := range perSource {
		bundles = append(bundles, b...)
	}
	stats.Kept = len(bundles)
	if len(bundles) == 0 {
		return fmt.Errorf("%w: every slice was filtered out", models.ErrConfiguration)
	}

	ix, err := index.BuildFromBundles(bundles, d.opts.Index)
	if err != nil {
		return fmt.Errorf("error building index: %w", err)
	}
	stats.IndexEntries = ix.Len()

	d.ix = ix
	d.stats = stats
	d.assembler = assembly.New(ix, d.opts.Training, assembly.NewTask(d.opts.Task, d.opts.SoftGT),
		assembly.Options{InputDropout: d.opts.InputDropout})

	d.report(len(sources), len(sources), fmt.Sprintf("Loaded %d of %d slices (%d filtered, %d by ROI), %d samples",
		stats.Kept, stats.Slices, stats.Filtered, stats.ROIFiltered, stats.IndexEntries))
	return nil
}

// loadSource runs the per-slice load steps of one source. Preprocessing
// draws from an RNG seeded by the dataset seed and the source position.
func (d *Dataset) loadSource(sourceIdx int, src source.SliceSource) sourceResult {
	res := sourceResult{sourceIdx: sourceIdx, slices: src.NumSlices()}
	rng := rand.New(rand.NewPCG(d.opts.Seed, uint64(sourceIdx)))

	for i := 0; i < res.slices; i++ {
		b, err := src.PairSlice(i, d.opts.Task)
		if err != nil {
			res.err = fmt.Errorf("slice %d: %w", i, err)
			return res
		}

		if d.opts.SliceFilter != nil && !d.opts.SliceFilter(b) {
			res.filtered++
			continue
		}
		if d.opts.ROIThreshold != nil && source.FilterROI(b.ROI, *d.opts.ROIThreshold) {
			res.roiFiltered++
			continue
		}

		b, err = Preprocess(d.opts.Preprocessing, b, rng)
		if err != nil {
			res.err = fmt.Errorf("slice %d: %w", i, err)
			return res
		}

		rows, cols := b.Shape()
		for c := range b.InputMetadata {
			b.InputMetadata[c][KeySourceIndex] = sourceIdx
			if d.opts.Index.Patched() {
				b.InputMetadata[c][models.KeyIndexShape] = []int{rows, cols}
			}
		}
		res.bundles = append(res.bundles, b)
	}
	return res
}

// Preprocess applies p to a slice bundle in the same ROI, input, ground truth
// order the assembler uses, merging metadata between steps. Every rater of
// a multi-rater ground truth is transformed on its own. A nil p returns the
// bundle unchanged.
func Preprocess(p assembly.Pipeline, b models.SliceBundle, rng *rand.Rand) (models.SliceBundle, error) {
	if err := b.Validate(); err != nil {
		return models.SliceBundle{}, err
	}
	if p == nil {
		return b, nil
	}

	var roiPlanes []*mat.Dense
	if b.ROI != nil {
		roiPlanes = []*mat.Dense{b.ROI}
	}
	roi, roiMD, err := p.Apply(roiPlanes, b.ROIMetadata, transform.RoleROI, rng)
	if err != nil {
		return models.SliceBundle{}, fmt.Errorf("preprocessing: %w", err)
	}

	in, inMD, err := p.Apply(b.Input, models.MergeMetadata(roiMD, b.InputMetadata), transform.RoleImage, rng)
	if err != nil {
		return models.SliceBundle{}, fmt.Errorf("preprocessing: %w", err)
	}

	out := models.SliceBundle{
		Input:         in.Planes,
		InputMetadata: inMD,
	}
	if roi != nil {
		out.ROI = roi.Planes[0]
		out.ROIMetadata = roiMD
	}

	switch gt := b.GroundTruth.(type) {
	case *models.SingleRater:
		t, md, err := p.Apply(gt.Planes, models.MergeMetadata(inMD, gt.Metadata), transform.RoleGroundTruth, rng)
		if err != nil {
			return models.SliceBundle{}, fmt.Errorf("preprocessing: %w", err)
		}
		out.GroundTruth = &models.SingleRater{Planes: t.Planes, Metadata: md}
	case *models.MultiRater:
		classes := make([][]*mat.Dense, gt.NumClasses())
		mds := make([][]models.Metadata, gt.NumClasses())
		for r := 0; r < gt.NumRaters(); r++ {
			sel, err := gt.Select(r)
			if err != nil {
				return models.SliceBundle{}, err
			}
			t, md, err := p.Apply(sel.Planes, models.MergeMetadata(inMD, sel.Metadata), transform.RoleGroundTruth, rng)
			if err != nil {
				return models.SliceBundle{}, fmt.Errorf("preprocessing rater %d: %w", r, err)
			}
			for c := range classes {
				classes[c] = append(classes[c], t.Planes[c])
				mds[c] = append(mds[c], md[c])
			}
		}
		mr, err := models.NewMultiRater(classes, mds)
		if err != nil {
			return models.SliceBundle{}, err
		}
		out.GroundTruth = mr
	default:
		out.GroundTruth = b.GroundTruth
	}

	if err := out.Validate(); err != nil {
		return models.SliceBundle{}, fmt.Errorf("preprocessing: %w", err)
	}
	return out, nil
}

// Len returns the number of samples
func (d *Dataset) Len() int {
	if d.ix == nil {
		return 0
	}
	return d.ix.Len()
}

// Index returns the frozen index, or nil before Load
func (d *Dataset) Index() *index.Index { return d.ix }

// Stats returns the counters of the last Load
func (d *Dataset) Stats() LoadStats { return d.stats }

// GetItem assembles sample i with the given random source
func (d *Dataset) GetItem(i int, rng *rand.Rand) (*assembly.Sample, error) {
	if d.assembler == nil {
		return nil, fmt.Errorf("%w: dataset is not loaded", models.ErrConfiguration)
	}
	return d.assembler.Fetch(i, rng)
}

// FetchRNG derives the random source of one fetch. The stream depends only
// on the seed, the epoch and the sample, so a batch gives the same
// samples whatever the worker count or scheduling.
func FetchRNG(seed uint64, epoch, sample int) *rand.Rand {
	return rand.New(rand.NewPCG(seed^(uint64(epoch)*0x9e3779b97f4a7c15), uint64(sample)))
}

// FetchBatch assembles the given samples on a pool of workers and returns
// them in request order. A non-positive workers uses the dataset setting.
// The first error stops the batch.
func (d *Dataset) FetchBatch(indices []int, epoch, workers int) ([]*assembly.Sample, error) {
	if d.assembler == nil {
		return nil, fmt.Errorf("%w: dataset is not loaded", models.ErrConfiguration)
	}
	if workers <= 0 {
		workers = d.workers()
	}
	if workers > len(indices) {
		workers = len(indices)
	}

	out := make([]*assembly.Sample, len(indices))
	jobs := make(chan int)
	done := make(chan struct{})

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			close(done)
		})
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				i := indices[pos]
				s, err := d.assembler.Fetch(i, FetchRNG(d.opts.Seed, epoch, i))
				if err != nil {
					fail(fmt.Errorf("batch position %d: %w", pos, err))
					continue
				}
				out[pos] = s
			}
		}()
	}

feed:
	for pos := range indices {
		select {
		case jobs <- pos:
		case <-done:
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
