package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sfmbatch/internal/colmapdb"
	"sfmbatch/internal/config"
	"sfmbatch/internal/logging"
	"sfmbatch/internal/pipeline"
	"sfmbatch/internal/runner"
	"sfmbatch/internal/server"
	"sfmbatch/internal/storage"
	"sfmbatch/internal/tools"
	"sfmbatch/internal/watch"
)

// Version is stamped at build time.
var Version = "dev"

type pipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Subscribe() (<-chan pipeline.Event, func())
}

type pipelineFactory func(store *storage.Store, log *slog.Logger) pipelineRunner

type toolChecker interface {
	Check(ctx context.Context, name string) tools.Status
	Preflight(ctx context.Context, names []string) ([]tools.Status, error)
}

type toolFactory func(*config.Config) toolChecker

type serverFunc func(ctx context.Context, addr string, store *storage.Store, events server.EventSource, log *slog.Logger) error

type loggingFunc func(cfg *config.Config, sourceDir string) (*slog.Logger, func() error, error)

type waitFunc func(ctx context.Context, dir string, settle time.Duration, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, events server.EventSource, log *slog.Logger) error {
	return server.New(addr, store, events, log).Start(ctx)
}

func defaultPipeline(store *storage.Store, log *slog.Logger) pipelineRunner {
	exec := runner.ExecExecutor{Stdout: os.Stdout, Stderr: os.Stderr}
	return pipeline.New(exec, store, log, pipeline.WithInspector(colmapdb.Inspect))
}

// Root wires CLI commands to the pipeline.
type Root struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	out        io.Writer

	pipelineFactory pipelineFactory
	toolFactory     toolFactory
	serveFn         serverFunc
	openStore       func(path string) (*storage.Store, error)
	setupLogging    loggingFunc
	waitForInput    waitFunc
}

// NewRoot constructs the CLI root with production collaborators.
func NewRoot(logger *slog.Logger) *Root {
	return &Root{
		cfg:             config.Default(),
		log:             logger,
		out:             os.Stdout,
		pipelineFactory: defaultPipeline,
		toolFactory:     func(cfg *config.Config) toolChecker { return tools.NewManager(cfg) },
		serveFn:         defaultServe,
		openStore:       storage.New,
		setupLogging:    logging.Setup,
		waitForInput:    watch.WaitForQuiescence,
	}
}

// loadConfig reads the file named by --config, or the default location.
func (r *Root) loadConfig() error {
	path := r.configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	r.cfg = cfg
	return nil
}

// convertOptions are the root command's flags that are not config fields.
type convertOptions struct {
	sourcePath   string
	skipMatching bool
	resize       bool
	waitForInput time.Duration
	statusAddr   string
}

func (r *Root) openHistory(log *slog.Logger) *storage.Store {
	store, err := r.openStore(r.cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("run history disabled", "path", r.cfg.Paths.DatabasePath, "error", err)
		return nil
	}
	return store
}

// convert runs one full conversion of opts.sourcePath.
func (r *Root) convert(ctx context.Context, opts convertOptions) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	source, err := filepath.Abs(opts.sourcePath)
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}

	log, closeLog, err := r.setupLogging(r.cfg, source)
	if err != nil {
		return err
	}
	defer closeLog()

	recon := r.cfg.Reconstruction
	log.Info("starting conversion",
		"source", source,
		"input_folder", recon.InputFolder,
		"batch_size", recon.BatchSize,
		"camera", recon.CameraModel,
		"use_gpu", recon.UseGPU,
		"skip_matching", opts.skipMatching,
		"resize", opts.resize,
	)

	checker := r.toolFactory(r.cfg)
	statuses, err := checker.Preflight(ctx, tools.Required(opts.resize, r.cfg.Resize.Engine))
	for _, st := range statuses {
		var stErr error
		if st.Error != "" {
			stErr = fmt.Errorf("%s", st.Error)
		}
		logging.LogToolStatus(log, st.Name, st.Available, st.Version, st.Path, stErr)
	}
	if err != nil {
		log.Error("tool preflight failed", "error", err)
		return err
	}

	if opts.waitForInput > 0 && !opts.skipMatching {
		if err := r.waitForInput(ctx, filepath.Join(source, recon.InputFolder), opts.waitForInput, log); err != nil {
			return fmt.Errorf("wait for input: %w", err)
		}
	}

	store := r.openHistory(log)
	defer store.Close()

	pipe := r.pipelineFactory(store, log)

	if opts.statusAddr != "" {
		srvCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := r.serveFn(srvCtx, opts.statusAddr, store, pipe, log); err != nil {
				log.Warn("status server stopped", "error", err)
			}
		}()
		defer func() {
			stop()
			<-done
		}()
	}

	res, err := pipe.Run(ctx, pipeline.Request{
		SourceDir:    source,
		Config:       r.cfg,
		SkipMatching: opts.skipMatching,
		Resize:       opts.resize,
	})
	if err != nil {
		log.Error("conversion failed", "run", res.RunID, "error", err, "exit_code", runner.ExitCode(err))
		return err
	}
	log.Info("done",
		"run", res.RunID,
		"images", res.Images,
		"batches", res.Batches,
		"merged", len(res.Merge.Merged),
		"elapsed", res.Duration.Round(time.Millisecond).String(),
	)
	return nil
}
