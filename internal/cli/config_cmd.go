package cli

import (
	"context"
	"fmt"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sfmbatch/internal/config"
	"sfmbatch/internal/tools"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(root.out, "configuration is valid")
			return nil
		},
	})
	return cmd
}

func (r *Root) configShow() error {
	path := r.configPath
	if path == "" {
		path = config.Path()
	}
	fmt.Fprintf(r.out, "# config file: %s\n", path)
	data, err := yaml.Marshal(r.cfg)
	if err != nil {
		return err
	}
	_, err = r.out.Write(data)
	return err
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "sfmbatch %s\n", Version)
			fmt.Fprintf(root.out, "Built with Go %s\n", runtime.Version())
		},
	}
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Report availability of the external tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools(cmd.Context())
		},
	}
}

func (r *Root) cmdTools(ctx context.Context) error {
	checker := r.toolFactory(r.cfg)
	fmt.Fprintf(r.out, "Tool Availability Status\n")
	fmt.Fprintf(r.out, "========================\n")
	for _, name := range []string{tools.Colmap, tools.Magick} {
		st := checker.Check(ctx, name)
		if st.Available {
			fmt.Fprintf(r.out, "  %-8s available  %s (%s)\n", name, st.Path, st.Version)
		} else {
			fmt.Fprintf(r.out, "  %-8s missing    %s: %s\n", name, st.Command, st.Error)
		}
	}
	return nil
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs, or show one run's batches and attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return root.cmdRunDetail(args[0])
			}
			return root.cmdRuns(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func (r *Root) cmdRuns(limit int) error {
	store, err := r.openStore(r.cfg.Paths.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(r.out, "no runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tIMAGES\tBATCHES\tSTARTED\tSOURCE")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			run.ID, run.Status, run.ImageCount, run.BatchCount, humanize.Time(run.StartedAt), run.SourcePath)
	}
	return tw.Flush()
}

func (r *Root) cmdRunDetail(id string) error {
	store, err := r.openStore(r.cfg.Paths.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Run(id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	fmt.Fprintf(r.out, "Run %s (%s)\n", run.ID, run.Status)
	fmt.Fprintf(r.out, "  source:  %s\n", run.SourcePath)
	fmt.Fprintf(r.out, "  started: %s\n", run.StartedAt.Local().Format(time.DateTime))
	if run.CompletedAt != nil {
		fmt.Fprintf(r.out, "  elapsed: %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.Error != "" {
		fmt.Fprintf(r.out, "  error:   %s\n", run.Error)
	}

	batches, err := store.Batches(id)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nBATCH\tSTATUS\tIMAGES\tREGISTERED\tKEYPOINTS\tPAIRS\tERROR")
	for _, b := range batches {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			b.Index, b.Status, b.ImageCount, b.RegisteredImages, humanize.Comma(b.Keypoints), humanize.Comma(int64(b.MatchedPairs)), b.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	attempts, err := store.Attempts(id)
	if err != nil {
		return err
	}
	failed := 0
	for _, a := range attempts {
		if a.Error != "" {
			failed++
		}
	}
	fmt.Fprintf(r.out, "\n%d command attempts, %d failed\n", len(attempts), failed)
	return nil
}
