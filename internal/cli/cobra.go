package cli

import (
	"time"

	"github.com/spf13/cobra"

	"sfmbatch/internal/config"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	var opts convertOptions
	defaults := config.Default()
	var (
		inputFolder  string
		batchSize    int
		camera       string
		noGPU        bool
		colmapExe    string
		magickExe    string
		matcher      string
		workers      int
		timeout      time.Duration
		retries      int
		resizeEngine string
		noGlobalMap  bool
		maxImageSize int
	)

	rootCmd := &cobra.Command{
		Use:   "sfmbatch",
		Short: "Batched structure-from-motion conversion of an image folder",
		Long: `sfmbatch splits a large image folder into batches, reconstructs each batch
with COLMAP, merges the batch databases, maps the merged database, undistorts the
images and optionally builds a resize pyramid.

Examples:
  sfmbatch -s /data/garden
  sfmbatch -s /data/garden --batch_size 150 --resize
  sfmbatch -s /data/garden --skip_matching --resize`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.loadConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			recon := &root.cfg.Reconstruction
			if flags.Changed("input_folder") {
				recon.InputFolder = inputFolder
			}
			if flags.Changed("batch_size") {
				recon.BatchSize = batchSize
			}
			if flags.Changed("camera") {
				recon.CameraModel = camera
			}
			if noGPU {
				recon.UseGPU = false
			}
			if flags.Changed("matcher") {
				recon.Matcher = matcher
			}
			if flags.Changed("workers") {
				recon.Workers = workers
			}
			if flags.Changed("max_image_size") {
				recon.MaxImageSize = maxImageSize
			}
			if noGlobalMap {
				recon.GlobalMapping = false
			}
			if flags.Changed("colmap_executable") {
				root.cfg.Tools.Colmap = colmapExe
			}
			if flags.Changed("magick_executable") {
				root.cfg.Tools.Magick = magickExe
			}
			if flags.Changed("timeout") {
				root.cfg.Runner.Timeout = config.Duration(timeout)
			}
			if flags.Changed("retries") {
				root.cfg.Runner.Retries = retries
			}
			if flags.Changed("resize_engine") {
				root.cfg.Resize.Engine = resizeEngine
			}
			opts.resize = opts.resize || root.cfg.Resize.Enabled
			return root.convert(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&root.configPath, "config", "", "config file (default $SFMBATCH_CONFIG or ~/.config/sfmbatch/config.json)")

	f := rootCmd.Flags()
	f.StringVarP(&opts.sourcePath, "source_path", "s", "", "dataset directory containing the input folder (required)")
	f.StringVarP(&inputFolder, "input_folder", "i", defaults.Reconstruction.InputFolder, "image folder name inside the source path")
	f.IntVar(&batchSize, "batch_size", defaults.Reconstruction.BatchSize, "images per batch")
	f.StringVar(&camera, "camera", defaults.Reconstruction.CameraModel, "camera model for feature extraction")
	f.BoolVar(&noGPU, "no_gpu", false, "disable GPU feature extraction and matching")
	f.BoolVar(&opts.skipMatching, "skip_matching", false, "reuse an existing distorted/sparse/0 model and only post-process")
	f.BoolVar(&opts.resize, "resize", false, "produce images_2, images_4 and images_8")
	f.StringVar(&colmapExe, "colmap_executable", "", "reconstruction binary (default colmap on PATH)")
	f.StringVar(&magickExe, "magick_executable", "", "image-processing binary (default magick on PATH)")
	f.StringVar(&matcher, "matcher", defaults.Reconstruction.Matcher, "feature matcher (sequential|exhaustive)")
	f.IntVar(&workers, "workers", defaults.Reconstruction.Workers, "batches reconstructed in parallel")
	f.IntVar(&maxImageSize, "max_image_size", 0, "SIFT extraction max image size, 0 keeps the tool default")
	f.BoolVar(&noGlobalMap, "no_global_mapping", false, "skip matching and mapping of the merged database")
	f.DurationVar(&timeout, "timeout", defaults.Runner.Timeout.Std(), "per-attempt command timeout")
	f.IntVar(&retries, "retries", defaults.Runner.Retries, "additional attempts after a failed command")
	f.StringVar(&resizeEngine, "resize_engine", defaults.Resize.Engine, "resize engine (mogrify|native)")
	f.DurationVar(&opts.waitForInput, "wait_for_input", 0, "wait until the input folder has been idle this long")
	f.StringVar(&opts.statusAddr, "status_addr", "", "serve live progress on this address during the run")
	rootCmd.MarkFlagRequired("source_path")

	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history over HTTP",
		Long: `Start an HTTP server exposing the run history store.

Examples:
  sfmbatch serve --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr, "database", root.cfg.Paths.DatabasePath)
			store, err := root.openStore(root.cfg.Paths.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()
			return root.serveFn(cmd.Context(), addr, store, nil, root.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
