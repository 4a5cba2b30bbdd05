// Package postprocess turns the merged model into the final dataset layout:
// undistorted images, a sparse/0 model and an optional resize pyramid.
package postprocess

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sfmbatch/internal/colmap"
	"sfmbatch/internal/fsutil"
	"sfmbatch/internal/runner"
)

// CommandRunner is satisfied by *runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command) error
}

// Artifact lists what post-processing produced.
type Artifact struct {
	ImagesDir string
	SparseDir string
	Pyramids  []string
}

// Stage runs the post-processing steps against one source directory.
type Stage struct {
	run         CommandRunner
	tool        colmap.Tool
	resizer     Resizer
	sourceDir   string
	inputFolder string
	log         *slog.Logger
}

// New wires a Stage. resizer may be nil when no pyramid is requested.
func New(run CommandRunner, tool colmap.Tool, resizer Resizer, sourceDir, inputFolder string, log *slog.Logger) *Stage {
	return &Stage{run: run, tool: tool, resizer: resizer, sourceDir: sourceDir, inputFolder: inputFolder, log: log}
}

// ModelDir is the merged sparse model undistortion reads from.
func ModelDir(sourceDir string) string {
	return filepath.Join(sourceDir, "distorted", "sparse", "0")
}

// Run undistorts, relayouts and, when resize is set, builds the pyramid.
func (s *Stage) Run(ctx context.Context, resize bool) (Artifact, error) {
	if err := s.Undistort(ctx); err != nil {
		return Artifact{}, err
	}
	if err := s.Relayout(); err != nil {
		return Artifact{}, err
	}
	art := Artifact{
		ImagesDir: filepath.Join(s.sourceDir, "images"),
		SparseDir: filepath.Join(s.sourceDir, "sparse", "0"),
	}
	if !resize {
		return art, nil
	}
	dirs, err := s.Pyramid(ctx)
	art.Pyramids = dirs
	return art, err
}

// Undistort runs the undistorter over the full input folder and the merged model.
func (s *Stage) Undistort(ctx context.Context) error {
	model := ModelDir(s.sourceDir)
	if !fsutil.IsDir(model) {
		s.log.Error("merged sparse model not found", "dir", model)
		return fmt.Errorf("merged sparse model not found at %s", model)
	}
	s.log.Info("undistorting images", "model", model)
	cmd := s.tool.ImageUndistorter(filepath.Join(s.sourceDir, s.inputFolder), model, s.sourceDir)
	if err := s.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("undistort: %w", err)
	}
	return nil
}

// Relayout moves every entry of <source>/sparse except "0" into sparse/0.
func (s *Stage) Relayout() error {
	sparse := filepath.Join(s.sourceDir, "sparse")
	target := filepath.Join(sparse, "0")
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	entries, err := os.ReadDir(sparse)
	if err != nil {
		return fmt.Errorf("read %s: %w", sparse, err)
	}
	for _, e := range entries {
		if e.Name() == "0" {
			continue
		}
		src := filepath.Join(sparse, e.Name())
		dst := filepath.Join(target, e.Name())
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			s.log.Error("failed to move sparse entry", "from", src, "to", dst, "error", err)
			return fmt.Errorf("move %s: %w", src, err)
		}
	}
	return nil
}

// Pyramid copies every image of <source>/images into each scale directory and
// resizes the copy. Each scale starts from the original, never from a smaller
// copy. The first failure aborts.
func (s *Stage) Pyramid(ctx context.Context) ([]string, error) {
	if s.resizer == nil {
		return nil, fmt.Errorf("no resizer configured")
	}
	srcDir := filepath.Join(s.sourceDir, "images")
	images, err := fsutil.ListImages(srcDir)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	s.log.Info("starting image resizing", "images", len(images))

	if sess, ok := s.resizer.(Session); ok {
		if err := sess.Begin(); err != nil {
			return nil, fmt.Errorf("start resizer: %w", err)
		}
		defer sess.End()
	}

	var dirs []string
	for _, scale := range Scales {
		dir := filepath.Join(s.sourceDir, scale.Dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return dirs, fmt.Errorf("create %s: %w", dir, err)
		}
		for _, name := range images {
			if err := ctx.Err(); err != nil {
				return dirs, err
			}
			dst := filepath.Join(dir, name)
			if err := fsutil.CopyFile(filepath.Join(srcDir, name), dst); err != nil {
				return dirs, fmt.Errorf("copy %s: %w", name, err)
			}
			if err := s.resizer.Resize(ctx, dst, scale); err != nil {
				s.log.Error("resize failed", "image", name, "scale", scale.arg(), "error", err)
				return dirs, fmt.Errorf("resize %s to %s: %w", name, scale.arg(), err)
			}
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}
