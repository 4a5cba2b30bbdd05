// Package reconstruct runs feature extraction, matching and mapping for one
// batch and classifies the outcome.
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"sfmbatch/internal/batch"
	"sfmbatch/internal/colmap"
	"sfmbatch/internal/colmapdb"
	"sfmbatch/internal/config"
	"sfmbatch/internal/fsutil"
	"sfmbatch/internal/runner"
)

// Status classifies a batch outcome.
type Status string

const (
	// Succeeded: all stages exited 0 and a model exists. Only these batches merge.
	Succeeded Status = "succeeded"
	// Failed: a stage exhausted its retries, or the batch could not be prepared.
	Failed Status = "failed"
	// NoModel: every stage exited 0 but the mapper wrote no model.
	NoModel Status = "no_model"
)

// Outcome is the per-batch result handed to the merge reducer.
type Outcome struct {
	Batch     batch.Batch
	Status    Status
	Database  string
	ModelDir  string
	Stats     colmapdb.Stats
	Err       error
	Duration  time.Duration
	FailStage string
}

// Eligible reports whether the batch may be merged.
func (o Outcome) Eligible() bool { return o.Status == Succeeded }

// CommandRunner is satisfied by *runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command) error
}

// InspectFunc reads database statistics; colmapdb.Inspect in production.
type InspectFunc func(path string) (colmapdb.Stats, error)

// Driver reconstructs batches.
type Driver struct {
	run     CommandRunner
	tool    colmap.Tool
	recon   config.Reconstruction
	mapper  config.MapperOptions
	log     *slog.Logger
	inspect InspectFunc
}

// NewDriver wires a Driver. A nil inspect disables database statistics.
func NewDriver(run CommandRunner, tool colmap.Tool, recon config.Reconstruction, mapper config.MapperOptions, log *slog.Logger, inspect InspectFunc) *Driver {
	return &Driver{run: run, tool: tool, recon: recon, mapper: mapper, log: log, inspect: inspect}
}

// Reconstruct runs the three stages for b in strict order. Stage failures are
// reported in the Outcome, never returned: a failed batch is skipped, not
// fatal. The only case the caller must treat as fatal is ctx cancellation,
// which shows up as Outcome.Err wrapping ctx.Err().
func (d *Driver) Reconstruct(ctx context.Context, b batch.Batch, total int) Outcome {
	start := time.Now()
	out := Outcome{Batch: b, Database: b.Database(), ModelDir: b.ModelDir()}
	log := d.log.With("batch", b.Index)
	log.Info(fmt.Sprintf("processing batch %d/%d", b.Index+1, total), "images", len(b.Images))

	finish := func(status Status, stage string, err error) Outcome {
		out.Status = status
		out.FailStage = stage
		out.Err = err
		out.Duration = time.Since(start)
		return out
	}

	// leftovers from an earlier run must not leak into this batch's result
	if err := clearStale(b); err != nil {
		log.Error("batch failed, skipping", "stage", "prepare", "error", err)
		return finish(Failed, "prepare", err)
	}

	steps := []runner.Command{
		d.tool.FeatureExtractor(colmap.ExtractOptions{
			Database:     b.Database(),
			ImageDir:     b.Dir,
			CameraModel:  d.recon.CameraModel,
			MaxImageSize: d.recon.MaxImageSize,
		}),
		d.tool.Matcher(d.recon.Matcher, b.Database()),
		d.tool.Mapper(b.Database(), b.Dir, b.SparseRoot(), d.mapper),
	}
	for _, cmd := range steps {
		if cmd.Stage == colmap.StageMap {
			if err := os.MkdirAll(b.SparseRoot(), 0o755); err != nil {
				log.Error("batch failed, skipping", "stage", cmd.Stage, "error", err)
				return finish(Failed, cmd.Stage, err)
			}
		}
		if err := d.run.Run(ctx, cmd); err != nil {
			if ctx.Err() != nil {
				return finish(Failed, cmd.Stage, fmt.Errorf("batch %d: %w", b.Index, ctx.Err()))
			}
			var fatal *runner.FatalError
			if errors.As(err, &fatal) {
				log.Error("batch failed, skipping", "stage", cmd.Stage, "attempts", fatal.Attempts, "error", err)
			} else {
				log.Error("batch failed, skipping", "stage", cmd.Stage, "error", err)
			}
			return finish(Failed, cmd.Stage, err)
		}
	}

	if !fsutil.IsDir(b.ModelDir()) {
		err := fmt.Errorf("no model written to %s", b.ModelDir())
		log.Warn("sparse folder not found, skipping this batch for merging", "dir", b.ModelDir())
		return finish(NoModel, colmap.StageMap, err)
	}

	if d.inspect != nil {
		stats, err := d.inspect(b.Database())
		if err != nil {
			log.Warn("could not inspect batch database", "error", err)
		} else {
			out.Stats = stats
		}
	}

	log.Info("added sparse folder to merge list", "dir", b.ModelDir(), "images", out.Stats.Images, "keypoints", out.Stats.Keypoints, "pairs", out.Stats.MatchedPairs)
	return finish(Succeeded, "", nil)
}

func clearStale(b batch.Batch) error {
	for _, p := range []string{b.Database(), b.SparseRoot()} {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}
