package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/sfmbatch/config.json"
	defaultBatchSize  = 100
	defaultTimeout    = 1800 * time.Second
	defaultRetries    = 1
)

// Config holds user-editable settings for a reconstruction run.
type Config struct {
	Reconstruction Reconstruction `json:"reconstruction" yaml:"reconstruction"`
	Mapper         MapperOptions  `json:"mapper" yaml:"mapper"`
	Runner         Runner         `json:"runner" yaml:"runner"`
	Tools          Tools          `json:"tools" yaml:"tools"`
	Resize         Resize         `json:"resize" yaml:"resize"`
	Logging        Logging        `json:"logging" yaml:"logging"`
	Paths          Paths          `json:"paths" yaml:"paths"`
}

// Reconstruction captures the per-run pipeline preferences.
type Reconstruction struct {
	InputFolder   string `json:"input_folder" yaml:"input_folder"`
	BatchSize     int    `json:"batch_size" yaml:"batch_size"`
	CameraModel   string `json:"camera_model" yaml:"camera_model"`
	UseGPU        bool   `json:"use_gpu" yaml:"use_gpu"`
	Matcher       string `json:"matcher" yaml:"matcher"` // sequential, exhaustive
	MaxImageSize  int    `json:"max_image_size" yaml:"max_image_size"`
	Workers       int    `json:"workers" yaml:"workers"`
	GlobalMapping bool   `json:"global_mapping" yaml:"global_mapping"`
}

// MapperOptions are the incremental mapper tolerances passed as --Mapper.* flags.
// The defaults were tuned empirically for single-threaded stability.
type MapperOptions struct {
	BAGlobalFunctionTolerance float64 `json:"ba_global_function_tolerance" yaml:"ba_global_function_tolerance"`
	BAGlobalMaxNumIterations  int     `json:"ba_global_max_num_iterations" yaml:"ba_global_max_num_iterations"`
	BALocalMaxNumIterations   int     `json:"ba_local_max_num_iterations" yaml:"ba_local_max_num_iterations"`
	AbsPoseMinNumInliers      int     `json:"abs_pose_min_num_inliers" yaml:"abs_pose_min_num_inliers"`
	AbsPoseMinInlierRatio     float64 `json:"abs_pose_min_inlier_ratio" yaml:"abs_pose_min_inlier_ratio"`
	TriIgnoreTwoViewTracks    bool    `json:"tri_ignore_two_view_tracks" yaml:"tri_ignore_two_view_tracks"`
	MultipleModels            bool    `json:"multiple_models" yaml:"multiple_models"`
	MaxNumModels              int     `json:"max_num_models" yaml:"max_num_models"`
	InitNumTrials             int     `json:"init_num_trials" yaml:"init_num_trials"`
	InitMinNumInliers         int     `json:"init_min_num_inliers" yaml:"init_min_num_inliers"`
	MinFocalLengthRatio       float64 `json:"min_focal_length_ratio" yaml:"min_focal_length_ratio"`
	MaxFocalLengthRatio       float64 `json:"max_focal_length_ratio" yaml:"max_focal_length_ratio"`
	FilterMinTriAngle         float64 `json:"filter_min_tri_angle" yaml:"filter_min_tri_angle"`
	NumThreads                int     `json:"num_threads" yaml:"num_threads"`
}

// Runner controls external command execution.
type Runner struct {
	Timeout Duration `json:"timeout" yaml:"timeout"`
	Retries int      `json:"retries" yaml:"retries"`
}

// Tools configures the external executables.
type Tools struct {
	Colmap string `json:"colmap" yaml:"colmap"` // empty: "colmap" on PATH
	Magick string `json:"magick" yaml:"magick"` // empty: "magick" on PATH
}

// Resize controls the downscaled image pyramid.
type Resize struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Engine  string `json:"engine" yaml:"engine"` // mogrify, native
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // append to <source>/<file_name>
	FileName   string `json:"file_name" yaml:"file_name"`
}

// Paths configures auxiliary locations.
type Paths struct {
	DatabasePath string `json:"database_path" yaml:"database_path"` // run history; empty disables
}

// Duration is a time.Duration that decodes from "30m", "1800s" or a bare number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(val) * time.Second)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv("SFMBATCH_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the file at path over the defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	return cfg, nil
}

// Validate reports settings that cannot produce a run.
func (c *Config) Validate() error {
	if c.Reconstruction.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Reconstruction.BatchSize)
	}
	switch c.Reconstruction.Matcher {
	case "sequential", "exhaustive":
	default:
		return fmt.Errorf("unknown matcher %q", c.Reconstruction.Matcher)
	}
	switch c.Resize.Engine {
	case "mogrify", "native":
	default:
		return fmt.Errorf("unknown resize engine %q", c.Resize.Engine)
	}
	if c.Runner.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.Runner.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// ColmapCommand resolves the reconstruction binary.
func (c *Config) ColmapCommand() string {
	if c.Tools.Colmap != "" {
		return c.Tools.Colmap
	}
	return "colmap"
}

// MagickCommand resolves the image-processing binary.
func (c *Config) MagickCommand() string {
	if c.Tools.Magick != "" {
		return c.Tools.Magick
	}
	return "magick"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Reconstruction: Reconstruction{
			InputFolder:   "input",
			BatchSize:     defaultBatchSize,
			CameraModel:   "OPENCV",
			UseGPU:        true,
			Matcher:       "sequential",
			Workers:       1,
			GlobalMapping: true,
		},
		Mapper: DefaultMapperOptions(),
		Runner: Runner{
			Timeout: Duration(defaultTimeout),
			Retries: defaultRetries,
		},
		Resize: Resize{Engine: "mogrify"},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			FileName:   "conversion_log.txt",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "sfmbatch.db"),
		},
	}
}

// DefaultMapperOptions returns the reference tolerances.
func DefaultMapperOptions() MapperOptions {
	return MapperOptions{
		BAGlobalFunctionTolerance: 0.000001,
		BAGlobalMaxNumIterations:  30,
		BALocalMaxNumIterations:   15,
		AbsPoseMinNumInliers:      5,
		AbsPoseMinInlierRatio:     0.10,
		TriIgnoreTwoViewTracks:    true,
		MultipleModels:            false,
		MaxNumModels:              1,
		InitNumTrials:             200,
		InitMinNumInliers:         15,
		MinFocalLengthRatio:       0.1,
		MaxFocalLengthRatio:       10,
		FilterMinTriAngle:         0.5,
		NumThreads:                1,
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
