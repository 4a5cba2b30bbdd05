// Package batch splits an image set into fixed-size batches, each copied into
// a working directory of its own.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"sfmbatch/internal/fsutil"
)

// Batch is one slice of the image set and the directory that owns it until merge.
type Batch struct {
	Index  int
	Dir    string
	Images []string
}

// Database is the per-batch feature database path.
func (b Batch) Database() string { return filepath.Join(b.Dir, "database.db") }

// SparseRoot is where the mapper writes models for this batch.
func (b Batch) SparseRoot() string { return filepath.Join(b.Dir, "sparse") }

// ModelDir is the first (and only) model the mapper is expected to produce.
func (b Batch) ModelDir() string { return filepath.Join(b.Dir, "sparse", "0") }

// Span is a half-open index range [Start, End) into the image set.
type Span struct {
	Start int
	End   int
}

// Plan computes ceil(n/size) contiguous spans covering n images.
func Plan(n, size int) ([]Span, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	if n <= 0 {
		return nil, nil
	}
	count := (n + size - 1) / size
	spans := make([]Span, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * size
		if end > n {
			end = n
		}
		spans = append(spans, Span{Start: i * size, End: end})
	}
	return spans, nil
}

// Dir returns the working directory for batch index i.
func Dir(sourceDir string, i int) string {
	return filepath.Join(sourceDir, fmt.Sprintf("batch_%d", i))
}

// Partition materializes the batches for images (file names inside
// <sourceDir>/<inputFolder>). Images are copied, never moved; the first copy
// failure aborts the partition.
func Partition(ctx context.Context, log *slog.Logger, images []string, size int, sourceDir, inputFolder string) ([]Batch, error) {
	spans, err := Plan(len(images), size)
	if err != nil {
		return nil, err
	}

	inputDir := filepath.Join(sourceDir, inputFolder)
	batches := make([]Batch, 0, len(spans))
	for i, span := range spans {
		if err := ctx.Err(); err != nil {
			return batches, err
		}
		b := Batch{
			Index:  i,
			Dir:    Dir(sourceDir, i),
			Images: append([]string(nil), images[span.Start:span.End]...),
		}
		if err := os.MkdirAll(b.Dir, 0o755); err != nil {
			return batches, fmt.Errorf("create batch folder: %w", err)
		}
		// returned even on failure so the caller can clean it up
		batches = append(batches, b)
		for _, img := range b.Images {
			if err := fsutil.CopyFile(filepath.Join(inputDir, img), filepath.Join(b.Dir, img)); err != nil {
				return batches, fmt.Errorf("batch %d: copy %s: %w", i, img, err)
			}
			log.Debug("copied image", "image", img, "batch", i)
		}
		copied, _ := fsutil.TreeSize(b.Dir)
		log.Info("created batch folder",
			"batch", i,
			"dir", b.Dir,
			"images", len(b.Images),
			"size", humanize.Bytes(uint64(copied)),
		)
	}

	log.Info("partition complete", "batches", len(batches), "images", len(images))
	return batches, nil
}
