package colmap

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"sfmbatch/internal/config"
)

func TestFeatureExtractorArgs(t *testing.T) {
	cmd := New("", false).FeatureExtractor(ExtractOptions{Database: "/s/batch_0/database.db", ImageDir: "/s/batch_0", CameraModel: "OPENCV"})
	want := []string{"feature_extractor",
		"--database_path", "/s/batch_0/database.db",
		"--image_path", "/s/batch_0",
		"--ImageReader.single_camera", "1",
		"--ImageReader.camera_model", "OPENCV",
		"--SiftExtraction.use_gpu", "0",
	}
	if cmd.Name != "colmap" {
		t.Fatalf("expected bare colmap, got %s", cmd.Name)
	}
	if diff := cmp.Diff(want, cmd.Args); diff != "" {
		t.Fatalf("unexpected args (-want +got):\n%s", diff)
	}

	cmd = New("/opt/colmap", true).FeatureExtractor(ExtractOptions{CameraModel: "PINHOLE", MaxImageSize: 3000})
	if !strings.Contains(cmd.String(), "--SiftExtraction.use_gpu 1") || !strings.Contains(cmd.String(), "--SiftExtraction.max_image_size 3000") {
		t.Fatalf("unexpected command %s", cmd.String())
	}
}

func TestMatcherKinds(t *testing.T) {
	tool := New("colmap", true)
	if got := tool.Matcher(MatcherSequential, "db").Args[0]; got != "sequential_matcher" {
		t.Fatalf("got %s", got)
	}
	if got := tool.Matcher(MatcherExhaustive, "db").Args[0]; got != "exhaustive_matcher" {
		t.Fatalf("got %s", got)
	}
}

func TestMapperFlagsReferenceValues(t *testing.T) {
	flags := strings.Join(MapperFlags(config.DefaultMapperOptions()), " ")
	for _, want := range []string{
		"--Mapper.ba_global_function_tolerance=0.000001",
		"--Mapper.ba_global_max_num_iterations=30",
		"--Mapper.ba_local_max_num_iterations=15",
		"--Mapper.abs_pose_min_num_inliers=5",
		"--Mapper.tri_ignore_two_view_tracks=1",
		"--Mapper.multiple_models=0",
		"--Mapper.max_num_models=1",
		"--Mapper.init_num_trials=200",
		"--Mapper.abs_pose_min_inlier_ratio=0.1",
		"--Mapper.min_focal_length_ratio=0.1",
		"--Mapper.max_focal_length_ratio=10",
		"--Mapper.filter_min_tri_angle=0.5",
		"--Mapper.init_min_num_inliers=15",
		"--Mapper.num_threads=1",
	} {
		if !strings.Contains(flags, want) {
			t.Fatalf("missing %s in %s", want, flags)
		}
	}
}

func TestMergerAndUndistorter(t *testing.T) {
	tool := New("colmap", true)
	merge := tool.DatabaseMerger("a.db", "b.db", "tmp.db")
	if merge.Stage != StageMerge || merge.Args[len(merge.Args)-1] != "tmp.db" {
		t.Fatalf("unexpected merge command %+v", merge)
	}
	und := tool.ImageUndistorter("/s/input", "/s/distorted/sparse/0", "/s")
	if !strings.HasSuffix(und.String(), "--output_type COLMAP") {
		t.Fatalf("unexpected undistort command %s", und.String())
	}
}
