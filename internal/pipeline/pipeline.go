package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sfmbatch/internal/batch"
	"sfmbatch/internal/colmap"
	"sfmbatch/internal/config"
	"sfmbatch/internal/fsutil"
	"sfmbatch/internal/logging"
	"sfmbatch/internal/merge"
	"sfmbatch/internal/postprocess"
	"sfmbatch/internal/reconstruct"
	"sfmbatch/internal/runner"
	"sfmbatch/internal/storage"
)

// Stage names used in events and logs.
const (
	StagePartition   = "partition"
	StageReconstruct = "reconstruct"
	StageMerge       = "merge"
	StageGlobal      = "global_mapping"
	StagePostprocess = "postprocess"
	StageRun         = "run"
)

// Event statuses.
const (
	StatusStarted   = "started"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Request describes one conversion.
type Request struct {
	SourceDir    string
	Config       *config.Config
	SkipMatching bool
	Resize       bool
}

// Result captures the outcome of a run.
type Result struct {
	RunID    string
	Images   int
	Batches  int
	Outcomes []reconstruct.Outcome
	Merge    merge.Result
	Artifact postprocess.Artifact
	Duration time.Duration
}

// Event is a progress notification for subscribers.
type Event struct {
	RunID   string    `json:"run_id"`
	Stage   string    `json:"stage"`
	Batch   int       `json:"batch"` // -1 when not batch specific
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Pipeline drives partition, reconstruction, merge and post-processing.
type Pipeline struct {
	exec    runner.Executor
	store   *storage.Store
	log     *slog.Logger
	inspect reconstruct.InspectFunc
	resizer postprocess.Resizer

	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithInspector sets how batch databases are inspected after reconstruction.
func WithInspector(fn reconstruct.InspectFunc) Option {
	return func(p *Pipeline) { p.inspect = fn }
}

// WithResizer overrides the resizer chosen from configuration.
func WithResizer(r postprocess.Resizer) Option {
	return func(p *Pipeline) { p.resizer = r }
}

// New creates a Pipeline. A nil executor runs real processes; a nil store
// disables run history.
func New(exec runner.Executor, store *storage.Store, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		exec:  exec,
		store: store,
		log:   logger,
		subs:  make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the full conversion. Batch failures are logged and skipped;
// every other failure aborts the run and is returned.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	cfg := req.Config
	if cfg == nil {
		cfg = config.Default()
	}
	res := Result{RunID: uuid.NewString()}
	if err := cfg.Validate(); err != nil {
		return res, fmt.Errorf("invalid configuration: %w", err)
	}
	if req.SourceDir == "" {
		return res, errors.New("source path is required")
	}

	log := p.log.With("run", res.RunID)
	p.record(p.store.StartRun(storage.RunRecord{
		ID:         res.RunID,
		SourcePath: req.SourceDir,
		BatchSize:  cfg.Reconstruction.BatchSize,
		Options:    runOptions(cfg, req),
		StartedAt:  start,
	}))
	p.emit(res.RunID, StageRun, -1, StatusStarted, req.SourceDir)

	err := p.run(ctx, log, req, cfg, &res)
	res.Duration = time.Since(start)

	status := storage.RunCompleted
	if err != nil {
		status = storage.RunFailed
		logging.LogStageError(log, res.RunID, StageRun, res.Duration, err)
		p.emit(res.RunID, StageRun, -1, StatusFailed, err.Error())
	} else {
		logging.LogStageComplete(log, res.RunID, StageRun, res.Duration, summary(res))
		p.emit(res.RunID, StageRun, -1, StatusSucceeded, "")
	}
	p.record(p.store.FinishRun(res.RunID, status, summary(res), errString(err)))
	return res, err
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, req Request, cfg *config.Config, res *Result) error {
	policy := runner.Policy{Timeout: cfg.Runner.Timeout.Std(), Retries: cfg.Runner.Retries}
	cmdRunner := runner.New(p.exec, policy, log, runner.WithRecorder(p.recorder(res.RunID)))
	tool := colmap.New(cfg.ColmapCommand(), cfg.Reconstruction.UseGPU)

	if req.SkipMatching {
		log.Info("skipping matching, using existing model", "model", postprocess.ModelDir(req.SourceDir))
		p.emit(res.RunID, StageReconstruct, -1, StatusSkipped, "")
	} else {
		if err := p.reconstruct(ctx, log, req, cfg, cmdRunner, tool, res); err != nil {
			return err
		}
	}

	return p.postprocess(ctx, log, req, cfg, cmdRunner, tool, res)
}

// reconstruct covers partition, per-batch reconstruction, merge and the
// global pass over the merged database.
func (p *Pipeline) reconstruct(ctx context.Context, log *slog.Logger, req Request, cfg *config.Config, cmdRunner *runner.Runner, tool colmap.Tool, res *Result) error {
	recon := cfg.Reconstruction
	inputDir := filepath.Join(req.SourceDir, recon.InputFolder)

	stageStart := time.Now()
	logging.LogStageStart(log, res.RunID, StagePartition, map[string]any{"input": inputDir, "batch_size": recon.BatchSize})
	images, err := fsutil.ListImages(inputDir)
	if err != nil {
		logging.LogStageError(log, res.RunID, StagePartition, time.Since(stageStart), err)
		return fmt.Errorf("list input images: %w", err)
	}
	res.Images = len(images)
	if size, err := fsutil.TreeSize(inputDir); err == nil {
		log.Info("found input images", "count", len(images), "size", humanize.Bytes(uint64(size)))
	}

	reducer := merge.NewReducer(cmdRunner, tool, req.SourceDir, log)
	batches, err := batch.Partition(ctx, log, images, recon.BatchSize, req.SourceDir, recon.InputFolder)
	// batch directories are removed whatever happens next
	defer reducer.Cleanup(batches)
	if err != nil {
		logging.LogStageError(log, res.RunID, StagePartition, time.Since(stageStart), err)
		return fmt.Errorf("partition: %w", err)
	}
	res.Batches = len(batches)
	p.record(p.store.UpdateRunCounts(res.RunID, res.Images, res.Batches))
	logging.LogStageComplete(log, res.RunID, StagePartition, time.Since(stageStart), map[string]any{"batches": len(batches)})

	driver := reconstruct.NewDriver(cmdRunner, tool, recon, cfg.Mapper, log, p.inspect)
	outcomes, err := p.reconstructAll(ctx, driver, res.RunID, batches, recon.Workers)
	res.Outcomes = outcomes
	if err != nil {
		return err
	}

	stageStart = time.Now()
	p.emit(res.RunID, StageMerge, -1, StatusStarted, "")
	merged, err := reducer.Fold(ctx, outcomes)
	res.Merge = merged
	if err != nil {
		logging.LogStageError(log, res.RunID, StageMerge, time.Since(stageStart), err)
		p.emit(res.RunID, StageMerge, -1, StatusFailed, err.Error())
		return fmt.Errorf("merge: %w", err)
	}
	logging.LogStageComplete(log, res.RunID, StageMerge, time.Since(stageStart), map[string]any{"merged": merged.Merged, "skipped": merged.Skipped})
	p.emit(res.RunID, StageMerge, -1, StatusSucceeded, "")

	if !recon.GlobalMapping {
		log.Info("global mapping disabled, using existing merged model", "model", postprocess.ModelDir(req.SourceDir))
		return nil
	}
	return p.globalMapping(ctx, log, req, cfg, cmdRunner, tool, res.RunID, merged.DatabasePath)
}

// reconstructAll runs the driver over every batch with at most workers in
// flight. Outcomes are indexed by batch so completion order never matters.
func (p *Pipeline) reconstructAll(ctx context.Context, driver *reconstruct.Driver, runID string, batches []batch.Batch, workers int) ([]reconstruct.Outcome, error) {
	if workers < 1 {
		workers = 1
	}
	outcomes := make([]reconstruct.Outcome, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, b := range batches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				outcomes[i] = reconstruct.Outcome{Batch: b, Status: reconstruct.Failed, Err: err}
				return err
			}
			p.emit(runID, StageReconstruct, b.Index, StatusStarted, "")
			p.record(p.store.RecordBatch(storage.BatchRecord{RunID: runID, Index: b.Index, Dir: b.Dir, ImageCount: len(b.Images), Status: "running"}))

			out := driver.Reconstruct(gctx, b, len(batches))
			outcomes[i] = out
			p.record(p.store.RecordBatch(storage.BatchRecord{
				RunID:            runID,
				Index:            b.Index,
				Dir:              b.Dir,
				ImageCount:       len(b.Images),
				Status:           string(out.Status),
				Error:            errString(out.Err),
				RegisteredImages: int(out.Stats.Images),
				Keypoints:        out.Stats.Keypoints,
				MatchedPairs:     out.Stats.MatchedPairs,
			}))
			if out.Eligible() {
				p.emit(runID, StageReconstruct, b.Index, StatusSucceeded, "")
			} else {
				p.emit(runID, StageReconstruct, b.Index, StatusFailed, errString(out.Err))
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, fmt.Errorf("reconstruction interrupted: %w", err)
	}
	return outcomes, nil
}

// globalMapping matches across batch boundaries and maps the merged database
// into <source>/distorted/sparse.
func (p *Pipeline) globalMapping(ctx context.Context, log *slog.Logger, req Request, cfg *config.Config, cmdRunner *runner.Runner, tool colmap.Tool, runID, database string) error {
	stageStart := time.Now()
	logging.LogStageStart(log, runID, StageGlobal, map[string]any{"database": database})
	p.emit(runID, StageGlobal, -1, StatusStarted, "")

	fail := func(err error) error {
		logging.LogStageError(log, runID, StageGlobal, time.Since(stageStart), err)
		p.emit(runID, StageGlobal, -1, StatusFailed, err.Error())
		return fmt.Errorf("global mapping: %w", err)
	}

	sparse := filepath.Join(merge.DistortedDir(req.SourceDir), "sparse")
	if err := os.RemoveAll(sparse); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(sparse, 0o755); err != nil {
		return fail(err)
	}
	if err := cmdRunner.Run(ctx, tool.Matcher(cfg.Reconstruction.Matcher, database)); err != nil {
		return fail(err)
	}
	inputDir := filepath.Join(req.SourceDir, cfg.Reconstruction.InputFolder)
	if err := cmdRunner.Run(ctx, tool.Mapper(database, inputDir, sparse, cfg.Mapper)); err != nil {
		return fail(err)
	}
	if !fsutil.IsDir(postprocess.ModelDir(req.SourceDir)) {
		return fail(fmt.Errorf("mapper wrote no model to %s", sparse))
	}
	logging.LogStageComplete(log, runID, StageGlobal, time.Since(stageStart), nil)
	p.emit(runID, StageGlobal, -1, StatusSucceeded, "")
	return nil
}

func (p *Pipeline) postprocess(ctx context.Context, log *slog.Logger, req Request, cfg *config.Config, cmdRunner *runner.Runner, tool colmap.Tool, res *Result) error {
	stageStart := time.Now()
	logging.LogStageStart(log, res.RunID, StagePostprocess, map[string]any{"resize": req.Resize})
	p.emit(res.RunID, StagePostprocess, -1, StatusStarted, "")

	var resizer postprocess.Resizer
	if req.Resize {
		resizer = p.resizerFor(cfg, log, res.RunID)
	}
	stage := postprocess.New(cmdRunner, tool, resizer, req.SourceDir, cfg.Reconstruction.InputFolder, log)
	art, err := stage.Run(ctx, req.Resize)
	res.Artifact = art
	if err != nil {
		logging.LogStageError(log, res.RunID, StagePostprocess, time.Since(stageStart), err)
		p.emit(res.RunID, StagePostprocess, -1, StatusFailed, err.Error())
		return fmt.Errorf("post-process: %w", err)
	}
	logging.LogStageComplete(log, res.RunID, StagePostprocess, time.Since(stageStart), map[string]any{"pyramids": len(art.Pyramids)})
	p.emit(res.RunID, StagePostprocess, -1, StatusSucceeded, "")
	return nil
}

// resizerFor picks the resize engine. Resize commands get a single attempt.
func (p *Pipeline) resizerFor(cfg *config.Config, log *slog.Logger, runID string) postprocess.Resizer {
	if p.resizer != nil {
		return p.resizer
	}
	if cfg.Resize.Engine == "native" {
		return postprocess.NativeResizer{}
	}
	once := runner.New(p.exec, runner.Policy{Timeout: cfg.Runner.Timeout.Std()}, log, runner.WithRecorder(p.recorder(runID)))
	return postprocess.MogrifyResizer{Run: once, Executable: cfg.MagickCommand()}
}

func (p *Pipeline) recorder(runID string) runner.RecordFunc {
	return func(ctx context.Context, a runner.Attempt) {
		p.record(p.store.RecordAttempt(storage.AttemptRecord{
			RunID:     runID,
			Stage:     a.Stage,
			Command:   a.Command,
			Attempt:   a.Number,
			Total:     a.Total,
			ExitCode:  a.ExitCode,
			TimedOut:  a.TimedOut,
			Error:     errString(a.Err),
			StartedAt: a.StartedAt,
			Duration:  a.Duration,
		}))
	}
}

// record logs run store failures; history is never allowed to fail a run.
func (p *Pipeline) record(err error) {
	if err != nil {
		p.log.Warn("failed to record run history", "error", err)
	}
}

// Subscribe returns a channel for receiving progress events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 64)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) emit(runID, stage string, batchIndex int, status, msg string) {
	p.broadcast(Event{RunID: runID, Stage: stage, Batch: batchIndex, Status: status, Message: msg, Time: time.Now()})
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event channel full", "subscriber", id, "stage", ev.Stage)
		}
	}
}

func runOptions(cfg *config.Config, req Request) map[string]any {
	return map[string]any{
		"input_folder":   cfg.Reconstruction.InputFolder,
		"camera":         cfg.Reconstruction.CameraModel,
		"use_gpu":        cfg.Reconstruction.UseGPU,
		"matcher":        cfg.Reconstruction.Matcher,
		"workers":        cfg.Reconstruction.Workers,
		"global_mapping": cfg.Reconstruction.GlobalMapping,
		"skip_matching":  req.SkipMatching,
		"resize":         req.Resize,
		"timeout":        cfg.Runner.Timeout.Std().String(),
		"retries":        cfg.Runner.Retries,
	}
}

func summary(res Result) map[string]any {
	var failed []int
	for _, o := range res.Outcomes {
		if !o.Eligible() {
			failed = append(failed, o.Batch.Index)
		}
	}
	return map[string]any{
		"images":   res.Images,
		"batches":  res.Batches,
		"merged":   res.Merge.Merged,
		"skipped":  res.Merge.Skipped,
		"failed":   failed,
		"pyramids": res.Artifact.Pyramids,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
