package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/assembly"
	"mrisegcorpus/pkg/config"
	"mrisegcorpus/pkg/dataset"
	"mrisegcorpus/pkg/reconstruction"
	"mrisegcorpus/pkg/source"
	"mrisegcorpus/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.StringP("config", "c", "config.yaml", "Configuration file (.yaml, .json or .jsonc)")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	contrasts := flag.StringSlice("contrasts", []string{"T1w"}, "Input series directories inside each subject, in channel order")
	gtDirs := flag.StringArray("gt", nil, "Ground-truth series directory of one class; join raters with '+'")
	phantomDir := flag.String("phantom", "", "Write a synthetic subject to this directory and use it as input")
	numPreviews := flag.IntP("previews", "p", 4, "Number of sample previews to export")
	previewScale := flag.Int("preview-scale", 4, "Pixel magnification of sample previews")
	epoch := flag.Int("epoch", 0, "Epoch used to seed preview fetches")
	reconstruct := flag.Bool("reconstruct", false, "Rebuild the first subject from its samples and report validation metrics")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] SUBJECT_DIR...\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	subjectDirs := flag.Args()
	if *phantomDir != "" {
		if err := writePhantom(*phantomDir, (*contrasts)[0], cfg.Loader.Seed); err != nil {
			log.Fatalf("Failed to write phantom: %v", err)
		}
		subjectDirs = append(subjectDirs, *phantomDir)
		if len(*gtDirs) == 0 {
			*gtDirs = []string{phantomLesionDir}
		}
	}
	if len(subjectDirs) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	axis, err := cfg.Axis()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("MRI SEGMENTATION TRAINING CORPUS")
	fmt.Println("================================")
	fmt.Printf("Subjects: %d, contrasts: %s, slice axis: %s, task: %s\n",
		len(subjectDirs), strings.Join(*contrasts, ","), axis, cfg.Loader.Task)
	if cfg.IndexOptions().Patched() {
		fmt.Printf("Patches: length %v, stride %v\n", cfg.Loader.Length, cfg.Loader.Stride)
	}

	sources := make([]source.SliceSource, len(subjectDirs))
	subjects := make([]source.Subject, len(subjectDirs))
	for i, dir := range subjectDirs {
		subject, err := loadSubject(dir, *contrasts, *gtDirs, cfg.Loader.ROIParams.Suffix)
		if err != nil {
			log.Fatalf("Failed to load subject %s: %v", dir, err)
		}
		subjects[i] = subject
		src, err := source.NewVolumeSource(subject, axis)
		if err != nil {
			log.Fatalf("Invalid subject %s: %v", dir, err)
		}
		sources[i] = src
	}

	opts, err := dataset.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	ds := dataset.New(opts)
	if cfg.Output.Verbose {
		ds.SetProgressCallback(func(completed, total int, message string) {
			if message != "" {
				fmt.Println(message)
			} else if total > 0 {
				percentage := float64(completed) / float64(total) * 100
				fmt.Printf("\rLoading subjects: %.1f%% (%d/%d)", percentage, completed, total)
				if completed >= total {
					fmt.Println()
				}
			}
		})
	}

	startTime := time.Now()
	if err := ds.Load(sources); err != nil {
		log.Fatalf("Failed to build corpus: %v", err)
	}
	stats := ds.Stats()
	fmt.Printf("\nCorpus built in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("- Slices read: %d\n", stats.Slices)
	fmt.Printf("- Slices kept: %d (%d filtered, %d by ROI)\n", stats.Kept, stats.Filtered, stats.ROIFiltered)
	fmt.Printf("- Samples: %d\n", stats.IndexEntries)

	if cfg.Output.ManifestPath != "" {
		if err := ds.Index().WriteManifest(cfg.Output.ManifestPath); err != nil {
			log.Fatalf("Failed to write manifest: %v", err)
		}
		fmt.Printf("Index manifest saved to: %s\n", cfg.Output.ManifestPath)
	}

	if *numPreviews > 0 && cfg.Output.PreviewDir != "" {
		n := min(*numPreviews, ds.Len())
		ids := make([]int, n)
		for i := range ids {
			ids[i] = i * ds.Len() / n
		}

		samples, err := ds.FetchBatch(ids, *epoch, 0)
		if err != nil {
			log.Fatalf("Failed to fetch preview samples: %v", err)
		}
		viewer := visualization.NewViewer(*previewScale, true)
		if err := viewer.SaveSamples(samples, ids, cfg.Output.PreviewDir); err != nil {
			log.Printf("Warning: Failed to save previews: %v", err)
		} else {
			fmt.Printf("Saved %d sample previews to: %s\n", n, cfg.Output.PreviewDir)
		}
	}

	if *reconstruct {
		if err := reportReconstruction(ds, subjects[0], axis, opts.Task, *epoch); err != nil {
			log.Fatalf("Reconstruction failed: %v", err)
		}
	}
}

// reportReconstruction fetches every sample of the first subject, writes
// them back into a volume and compares it with the subject's ground truth,
// or with its first input when there is no segmentation target.
func reportReconstruction(ds *dataset.Dataset, subject source.Subject, axis models.SliceAxis, task models.TaskKind, epoch int) error {
	ref := subject.Inputs[0]
	pick := assembly.InputOf
	what := "input channel 0"
	if len(subject.GroundTruth) > 0 && task == models.TaskSegmentation {
		ref = subject.GroundTruth[0][0]
		pick = assembly.GroundTruthOf
		what = "ground truth class 0"
	}

	r, err := reconstruction.NewReconstructor(reconstruction.Params{
		Width: ref.Width, Height: ref.Height, Depth: ref.Depth,
		Axis: axis,
		Pick: pick,
	})
	if err != nil {
		return err
	}

	ids := make([]int, ds.Len())
	for i := range ids {
		ids[i] = i
	}
	samples, err := ds.FetchBatch(ids, epoch, 0)
	if err != nil {
		return err
	}
	for _, s := range samples {
		if s.InputMetadata[0][dataset.KeySourceIndex] != 0 {
			continue
		}
		if err := r.Add(s); err != nil {
			return err
		}
	}

	metrics, err := reconstruction.Compare(ref, r.Volume())
	if err != nil {
		return err
	}
	fmt.Printf("\nReconstruction of %s:\n", what)
	fmt.Println("=======================================")
	fmt.Printf("Coverage: %.1f%%\n", r.Coverage()*100)
	fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", metrics.RMSE)
	fmt.Printf("Structural Similarity Index (SSIM): %.3f\n", metrics.SSIM)
	fmt.Printf("Mutual Information (MI): %.3f\n", metrics.MI)
	fmt.Printf("Dice: %.3f\n", metrics.Dice)
	return nil
}

// loadSubject reads the DICOM series of one subject directory. Every
// ground-truth entry is one class; raters of a class are joined with '+'.
// The ROI series, when roiSuffix is set, is <first contrast><roiSuffix>.
func loadSubject(dir string, contrasts, gtDirs []string, roiSuffix string) (source.Subject, error) {
	var s source.Subject
	for _, c := range contrasts {
		v, err := source.LoadDICOMSeries(filepath.Join(dir, c))
		if err != nil {
			return s, fmt.Errorf("contrast %s: %w", c, err)
		}
		s.Inputs = append(s.Inputs, v)
		s.InputMetadata = append(s.InputMetadata, models.Metadata{"contrast": c})
	}

	for _, class := range gtDirs {
		var raters []*models.Volume
		for _, r := range strings.Split(class, "+") {
			v, err := source.LoadDICOMSeries(filepath.Join(dir, r))
			if err != nil {
				return s, fmt.Errorf("ground truth %s: %w", r, err)
			}
			raters = append(raters, v)
		}
		s.GroundTruth = append(s.GroundTruth, raters)
	}

	if roiSuffix != "" && len(contrasts) > 0 {
		roi, err := source.LoadDICOMSeries(filepath.Join(dir, contrasts[0]+roiSuffix))
		if err != nil {
			return s, fmt.Errorf("roi: %w", err)
		}
		s.ROI = roi
	}
	return s, nil
}
