// Package merge folds the databases of successful batches into one.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"sfmbatch/internal/batch"
	"sfmbatch/internal/colmap"
	"sfmbatch/internal/fsutil"
	"sfmbatch/internal/reconstruct"
	"sfmbatch/internal/runner"
)

// ErrNoUsableDatabases is returned when no batch produced a model.
var ErrNoUsableDatabases = errors.New("no usable databases to merge")

// CommandRunner is satisfied by *runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command) error
}

// Result describes the accumulated database.
type Result struct {
	DatabasePath string
	Merged       []int // batch indices, in fold order
	Skipped      []int // eligible batches whose database was missing
}

// Reducer merges batch databases under <source>/distorted.
type Reducer struct {
	run       CommandRunner
	tool      colmap.Tool
	sourceDir string
	log       *slog.Logger
	removeAll func(string) error
}

// NewReducer wires a Reducer.
func NewReducer(run CommandRunner, tool colmap.Tool, sourceDir string, log *slog.Logger) *Reducer {
	return &Reducer{run: run, tool: tool, sourceDir: sourceDir, log: log, removeAll: os.RemoveAll}
}

// DistortedDir is where the merged database and model live.
func DistortedDir(sourceDir string) string { return filepath.Join(sourceDir, "distorted") }

// DatabasePath is the accumulator path.
func DatabasePath(sourceDir string) string {
	return filepath.Join(DistortedDir(sourceDir), "database.db")
}

// Fold merges the databases of eligible outcomes in the order given. The first
// eligible database seeds the accumulator; each later one is merged into a
// temporary file that then replaces it.
func (r *Reducer) Fold(ctx context.Context, outcomes []reconstruct.Outcome) (Result, error) {
	var eligible []reconstruct.Outcome
	for _, o := range outcomes {
		if o.Eligible() {
			eligible = append(eligible, o)
		}
	}
	if len(eligible) == 0 {
		r.log.Error("no valid databases found to merge, cannot proceed")
		return Result{}, ErrNoUsableDatabases
	}

	distorted := DistortedDir(r.sourceDir)
	if err := os.MkdirAll(distorted, 0o755); err != nil {
		return Result{}, fmt.Errorf("create %s: %w", distorted, err)
	}
	res := Result{DatabasePath: DatabasePath(r.sourceDir)}
	temp := filepath.Join(distorted, "temp_merged.db")

	for _, o := range eligible {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !fsutil.Exists(o.Database) {
			r.log.Warn("database not found, skipping", "batch", o.Batch.Index, "path", o.Database)
			res.Skipped = append(res.Skipped, o.Batch.Index)
			continue
		}

		if len(res.Merged) == 0 {
			if err := fsutil.CopyFile(o.Database, res.DatabasePath); err != nil {
				return res, fmt.Errorf("seed merged database: %w", err)
			}
			r.log.Info("seeded merged database", "batch", o.Batch.Index, "path", res.DatabasePath)
			res.Merged = append(res.Merged, o.Batch.Index)
			continue
		}

		r.log.Info("merging database", "batch", o.Batch.Index, "path", o.Database)
		cmd := r.tool.DatabaseMerger(res.DatabasePath, o.Database, temp)
		// database_merger will not write over an existing output
		cmd.Prepare = func() error { return removeFile(temp) }
		if err := r.run.Run(ctx, cmd); err != nil {
			if rmErr := removeFile(temp); rmErr != nil {
				r.log.Warn("failed to remove partial merge output", "path", temp, "error", rmErr)
			}
			return res, fmt.Errorf("merge batch %d: %w", o.Batch.Index, err)
		}
		if err := fsutil.MoveFile(temp, res.DatabasePath); err != nil {
			return res, fmt.Errorf("replace merged database: %w", err)
		}
		res.Merged = append(res.Merged, o.Batch.Index)
	}

	if len(res.Merged) == 0 {
		r.log.Error("every eligible database is missing, cannot proceed")
		return res, ErrNoUsableDatabases
	}
	if info, err := os.Stat(res.DatabasePath); err == nil {
		r.log.Info("merged database ready",
			"path", res.DatabasePath,
			"batches", len(res.Merged),
			"size", humanize.Bytes(uint64(info.Size())),
		)
	}
	return res, nil
}

// Cleanup deletes every batch directory, eligible or not. Failures are logged
// and the first one is returned.
func (r *Reducer) Cleanup(batches []batch.Batch) error {
	var first error
	for _, b := range batches {
		if err := r.removeAll(b.Dir); err != nil {
			r.log.Warn("failed to remove batch directory", "dir", b.Dir, "error", err)
			if first == nil {
				first = err
			}
			continue
		}
		r.log.Debug("removed batch directory", "dir", b.Dir)
	}
	return first
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
