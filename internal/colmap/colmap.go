// Package colmap builds argument vectors for the structure-from-motion
// toolchain's command-line interface.
package colmap

import (
	"strconv"

	"sfmbatch/internal/config"
	"sfmbatch/internal/runner"
)

// Stage names, used in logs and the run store.
const (
	StageExtract   = "feature_extractor"
	StageMatch     = "matcher"
	StageMap       = "mapper"
	StageMerge     = "database_merger"
	StageUndistort = "image_undistorter"
)

// Matchers supported by MatcherCommand.
const (
	MatcherSequential = "sequential"
	MatcherExhaustive = "exhaustive"
)

// Tool builds commands for one executable.
type Tool struct {
	Executable string
	UseGPU     bool
}

// New returns a Tool for the given executable, "colmap" when empty.
func New(executable string, useGPU bool) Tool {
	if executable == "" {
		executable = "colmap"
	}
	return Tool{Executable: executable, UseGPU: useGPU}
}

func (t Tool) command(stage string, args ...string) runner.Command {
	return runner.Command{Stage: stage, Name: t.Executable, Args: args}
}

func (t Tool) gpu() string { return boolFlag(t.UseGPU) }

// ExtractOptions configures feature extraction.
type ExtractOptions struct {
	Database     string
	ImageDir     string
	CameraModel  string
	MaxImageSize int // 0 keeps the tool default
}

// FeatureExtractor populates a database with keypoints; all images share one camera.
func (t Tool) FeatureExtractor(o ExtractOptions) runner.Command {
	args := []string{"feature_extractor",
		"--database_path", o.Database,
		"--image_path", o.ImageDir,
		"--ImageReader.single_camera", "1",
		"--ImageReader.camera_model", o.CameraModel,
		"--SiftExtraction.use_gpu", t.gpu(),
	}
	if o.MaxImageSize > 0 {
		args = append(args, "--SiftExtraction.max_image_size", strconv.Itoa(o.MaxImageSize))
	}
	return t.command(StageExtract, args...)
}

// Matcher runs sequential or exhaustive matching over a database.
func (t Tool) Matcher(kind, database string) runner.Command {
	sub := "sequential_matcher"
	if kind == MatcherExhaustive {
		sub = "exhaustive_matcher"
	}
	return t.command(StageMatch, sub,
		"--database_path", database,
		"--SiftMatching.use_gpu", t.gpu(),
	)
}

// Mapper runs incremental mapping into outputDir.
func (t Tool) Mapper(database, imageDir, outputDir string, o config.MapperOptions) runner.Command {
	args := []string{"mapper",
		"--database_path", database,
		"--image_path", imageDir,
		"--output_path", outputDir,
	}
	args = append(args, MapperFlags(o)...)
	return t.command(StageMap, args...)
}

// MapperFlags renders the --Mapper.* tuning flags.
func MapperFlags(o config.MapperOptions) []string {
	return []string{
		"--Mapper.ba_global_function_tolerance=" + formatFloat(o.BAGlobalFunctionTolerance),
		"--Mapper.ba_global_max_num_iterations=" + strconv.Itoa(o.BAGlobalMaxNumIterations),
		"--Mapper.ba_local_max_num_iterations=" + strconv.Itoa(o.BALocalMaxNumIterations),
		"--Mapper.abs_pose_min_num_inliers=" + strconv.Itoa(o.AbsPoseMinNumInliers),
		"--Mapper.tri_ignore_two_view_tracks=" + boolFlag(o.TriIgnoreTwoViewTracks),
		"--Mapper.multiple_models=" + boolFlag(o.MultipleModels),
		"--Mapper.max_num_models=" + strconv.Itoa(o.MaxNumModels),
		"--Mapper.init_num_trials=" + strconv.Itoa(o.InitNumTrials),
		"--Mapper.abs_pose_min_inlier_ratio=" + formatFloat(o.AbsPoseMinInlierRatio),
		"--Mapper.min_focal_length_ratio=" + formatFloat(o.MinFocalLengthRatio),
		"--Mapper.max_focal_length_ratio=" + formatFloat(o.MaxFocalLengthRatio),
		"--Mapper.filter_min_tri_angle=" + formatFloat(o.FilterMinTriAngle),
		"--Mapper.init_min_num_inliers=" + strconv.Itoa(o.InitMinNumInliers),
		"--Mapper.num_threads=" + strconv.Itoa(o.NumThreads),
	}
}

// DatabaseMerger merges two databases into merged.
func (t Tool) DatabaseMerger(first, second, merged string) runner.Command {
	return t.command(StageMerge, "database_merger",
		"--database_path1", first,
		"--database_path2", second,
		"--merged_database_path", merged,
	)
}

// ImageUndistorter writes pinhole images and a COLMAP model under outputDir.
func (t Tool) ImageUndistorter(imageDir, modelDir, outputDir string) runner.Command {
	return t.command(StageUndistort, "image_undistorter",
		"--image_path", imageDir,
		"--input_path", modelDir,
		"--output_path", outputDir,
		"--output_type", "COLMAP",
	)
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
