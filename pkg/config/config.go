// Package config provides configuration loading and management for mrisegcorpus.
// It handles loading configuration from YAML or JSON-with-comments files and
// provides default values.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/index"
	"mrisegcorpus/pkg/source"
	"mrisegcorpus/pkg/transform"
)

// Config represents the application configuration
type Config struct {
	// Loader parameters
	Loader struct {
		// Length is the 2D patch size; empty disables patching
		Length []int `yaml:"length" json:"length"`

		// Stride is the step between patches, required with Length
		Stride []int `yaml:"stride" json:"stride"`

		// SliceAxis is the orientation slices are cut along: axial, sagittal or coronal
		SliceAxis string `yaml:"slice_axis" json:"slice_axis"`

		// Task is segmentation or classification
		Task string `yaml:"task" json:"task"`

		// SoftGT keeps ground truth soft instead of binarizing it at 0.5
		SoftGT bool `yaml:"soft_gt" json:"soft_gt"`

		// IsInputDropout zeroes a random subset of modalities on every fetch
		IsInputDropout bool `yaml:"is_input_dropout" json:"is_input_dropout"`

		// ROIParams controls ROI-based slice filtering
		ROIParams struct {
			// Suffix names the ROI volume; empty means no ROI
			Suffix string `yaml:"suffix" json:"suffix"`

			// SliceFilterROI drops slices whose ROI has fewer non-zero voxels
			SliceFilterROI *int `yaml:"slice_filter_roi" json:"slice_filter_roi"`
		} `yaml:"roi_params" json:"roi_params"`

		// SliceFilter drops slices without signal
		SliceFilter struct {
			FilterEmptyInput bool `yaml:"filter_empty_input" json:"filter_empty_input"`
			FilterEmptyMask  bool `yaml:"filter_empty_mask" json:"filter_empty_mask"`
		} `yaml:"slice_filter_params" json:"slice_filter_params"`

		// NumWorkers bounds the goroutines used to load subjects and fetch batches
		NumWorkers int `yaml:"num_workers" json:"num_workers"`

		// Seed makes preprocessing and batch fetches reproducible
		Seed uint64 `yaml:"seed" json:"seed"`
	} `yaml:"loader" json:"loader"`

	// Transform parameters
	Transforms struct {
		// CenterCrop is applied once at load time to every slice
		CenterCrop []int `yaml:"center_crop" json:"center_crop"`

		// DenoiseSigma is the width in voxels of the Gaussian low-pass filter
		// applied once to every input slice at load time; 0 disables it
		DenoiseSigma float64 `yaml:"denoise_sigma" json:"denoise_sigma"`

		// ROICrop crops around the ROI center of mass on every fetch
		ROICrop []int `yaml:"roi_crop" json:"roi_crop"`

		// NormalizeInstance standardizes every input channel
		NormalizeInstance bool `yaml:"normalize_instance" json:"normalize_instance"`

		// DilationFactor controls random lesion dilation of the ground truth
		DilationFactor float64 `yaml:"dilation_factor" json:"dilation_factor"`
	} `yaml:"transforms" json:"transforms"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" json:"verbose"`

		// PreviewDir receives PNG previews of assembled samples
		PreviewDir string `yaml:"preview_dir" json:"preview_dir"`

		// ManifestPath receives the YAML layout of the built index
		ManifestPath string `yaml:"manifest_path" json:"manifest_path"`
	} `yaml:"output" json:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Whole-slice training on axial slices
	cfg.Loader.SliceAxis = "axial"
	cfg.Loader.Task = "segmentation"
	cfg.Loader.NumWorkers = runtime.NumCPU()
	cfg.Loader.Seed = 1

	cfg.Transforms.NormalizeInstance = true

	cfg.Output.Verbose = true
	cfg.Output.PreviewDir = "previews"
	cfg.Output.ManifestPath = "corpus_manifest.yaml"

	return cfg
}

// isJSON reports whether path should be read as JSON with comments
func isJSON(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".json" || ext == ".jsonc"
}

// LoadConfig loads configuration from a YAML or JSON file.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isJSON(configPath) {
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: invalid JSONC: %w", err)
		}
		if err := json.Unmarshal(standardized, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration, as JSON for .json/.jsonc paths and as
// YAML otherwise. The file is replaced atomically.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	var err error
	if isJSON(configPath) {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := atomic.WriteFile(configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate reports the first invalid option as ErrConfiguration
func (c *Config) Validate() error {
	if err := c.IndexOptions().Validate(); err != nil {
		return err
	}
	if len(c.Loader.Length) == 0 && len(c.Loader.Stride) > 0 {
		return fmt.Errorf("%w: stride given without length", models.ErrConfiguration)
	}
	if _, err := models.ParseSliceAxis(c.Loader.SliceAxis); err != nil {
		return err
	}
	if _, err := models.ParseTask(c.Loader.Task); err != nil {
		return err
	}
	if c.Loader.NumWorkers < 0 {
		return fmt.Errorf("%w: num_workers must be >= 0, got %d", models.ErrConfiguration, c.Loader.NumWorkers)
	}
	if c.Transforms.DenoiseSigma < 0 || c.Transforms.DilationFactor < 0 {
		return fmt.Errorf("%w: denoise_sigma and dilation_factor must be >= 0", models.ErrConfiguration)
	}
	if v := c.Loader.ROIParams.SliceFilterROI; v != nil && *v < 0 {
		return fmt.Errorf("%w: slice_filter_roi must be >= 0, got %d", models.ErrConfiguration, *v)
	}
	for name, size := range map[string][]int{"center_crop": c.Transforms.CenterCrop, "roi_crop": c.Transforms.ROICrop} {
		if len(size) == 0 {
			continue
		}
		if len(size) != 2 || size[0] <= 0 || size[1] <= 0 {
			return fmt.Errorf("%w: %s must be 2 positive values, got %v", models.ErrConfiguration, name, size)
		}
	}
	if len(c.Transforms.ROICrop) > 0 && c.Loader.ROIParams.Suffix == "" {
		return fmt.Errorf("%w: roi_crop requires roi_params.suffix", models.ErrConfiguration)
	}
	return nil
}

// IndexOptions returns the patch geometry
func (c *Config) IndexOptions() index.Options {
	return index.Options{Length: c.Loader.Length, Stride: c.Loader.Stride}
}

// Axis returns the parsed slice axis
func (c *Config) Axis() (models.SliceAxis, error) {
	return models.ParseSliceAxis(c.Loader.SliceAxis)
}

// TaskKind returns the parsed task
func (c *Config) TaskKind() (models.TaskKind, error) {
	return models.ParseTask(c.Loader.Task)
}

// ROIFilterEnabled reports whether slices are filtered on ROI size, which
// needs both an ROI suffix and a threshold
func (c *Config) ROIFilterEnabled() bool {
	return c.Loader.ROIParams.Suffix != "" && c.Loader.ROIParams.SliceFilterROI != nil
}

// SliceFilter returns the configured empty-slice filter, or nil when no
// filtering is requested
func (c *Config) SliceFilter() source.SliceFilter {
	f := source.EmptySliceFilter{
		FilterEmptyInput: c.Loader.SliceFilter.FilterEmptyInput,
		FilterEmptyMask:  c.Loader.SliceFilter.FilterEmptyMask,
	}
	if !f.FilterEmptyInput && !f.FilterEmptyMask {
		return nil
	}
	return f.Keep
}

// Pipelines builds the preprocessing pipeline, run once per slice at load
// time, and the training pipeline, run on every fetch
func (c *Config) Pipelines() (prepro, train *transform.Pipeline) {
	prepro = transform.NewPipeline()
	if t := c.Transforms.CenterCrop; len(t) == 2 {
		prepro.Add("CenterCrop2D", transform.CenterCrop2D{Height: t[0], Width: t[1]})
	}
	if c.Transforms.DenoiseSigma > 0 {
		prepro.Add("GaussianDenoise", transform.GaussianDenoise{Sigma: c.Transforms.DenoiseSigma}, transform.RoleImage)
	}

	train = transform.NewPipeline()
	if t := c.Transforms.ROICrop; len(t) == 2 {
		train.Add("ROICrop2D", transform.ROICrop2D{Height: t[0], Width: t[1]})
	}
	if c.Transforms.NormalizeInstance {
		train.Add("NormalizeInstance", transform.NormalizeInstance{}, transform.RoleImage)
	}
	if c.Transforms.DilationFactor > 0 {
		train.Add("DilateGT", transform.DilateGT{Factor: c.Transforms.DilationFactor}, transform.RoleGroundTruth)
	}
	return prepro, train
}
