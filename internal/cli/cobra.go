package cli

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"thermalsharp/internal/config"
	"thermalsharp/internal/fsutil"
	"thermalsharp/internal/pipeline"
	"thermalsharp/internal/sharpen"
	"thermalsharp/internal/storage"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCommand(NewRoot(pipe, cfg, log, store))
}

func newRootCommand(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "thermalsharp",
		Short: "Thermalsharp sharpens coarse land surface temperature to fine resolution",
		Long: `Thermalsharp downscales coarse land surface temperature using fine-resolution
reflectance and elevation predictors. Each moving window fits its own regression
model, residuals are redistributed so the output stays consistent with the coarse
observation, and overlapping windows are blended into one product.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSharpenCmd(root))
	rootCmd.AddCommand(newQuicklookCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newWindowsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newSharpenCmd(root *Root) *cobra.Command {
	var (
		output      string
		window      int
		jobs        int
		policy      string
		seed        int64
		minSamples  int
		iterations  int
		trees       int
		aggregation string
		taper       string
		homogeneity float64
		quicklook   bool
	)

	cmd := &cobra.Command{
		Use:   "sharpen <scene.json>",
		Short: "Sharpen the LST of one scene",
		Long: `Load the products named by a scene manifest, sharpen the coarse LST band to the
predictor resolution and write the LST_SHARP product.

Examples:
  # Defaults from the config file
  thermalsharp sharpen /data/T33TUL_20200513T0950.scene.json

  # Smaller windows, six workers, stop on the first failed window
  thermalsharp sharpen scene.json --window 20 --jobs 6 --policy abort`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			options := map[string]any{}
			if flags.Changed("window") {
				options["moving_window_size"] = window
			}
			if flags.Changed("jobs") {
				options["parallel_jobs"] = jobs
			}
			if flags.Changed("policy") {
				options["window_failure_policy"] = policy
			}
			if flags.Changed("seed") {
				options["regression_seed"] = seed
			}
			if flags.Changed("min-samples") {
				options["min_samples"] = minSamples
			}
			if flags.Changed("iterations") {
				options["residual_iterations"] = iterations
			}
			if flags.Changed("trees") {
				options["trees"] = trees
			}
			if flags.Changed("aggregation") {
				options["temperature_aggregation"] = aggregation
			}
			if flags.Changed("taper") {
				options["blend_taper"] = taper
			}
			if flags.Changed("homogeneity") {
				options["homogeneity_threshold"] = homogeneity
			}
			if quicklook {
				options["quicklook"] = true
			}

			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobSharpen,
				InputPath: args[0],
				Output:    output,
				Options:   options,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printSharpenResult(cmd, res)
			return nil
		},
	}

	sh := root.cfg.Sharpening
	cmd.Flags().StringVarP(&output, "output", "o", "", "output product path (default: manifest output or <default_output>/<scene>_LST_SHARP.tif)")
	cmd.Flags().IntVar(&window, "window", sh.MovingWindowSize, "moving window size in coarse pixels")
	cmd.Flags().IntVar(&jobs, "jobs", root.cfg.Processing.ParallelJobs, "parallel window workers")
	cmd.Flags().StringVar(&policy, "policy", sh.WindowFailurePolicy, "window failure policy (abort, substitute_nodata)")
	cmd.Flags().Int64Var(&seed, "seed", sh.RegressionSeed, "regression seed")
	cmd.Flags().IntVar(&minSamples, "min-samples", sh.MinSamples, "minimum valid coarse cells per window")
	cmd.Flags().IntVar(&iterations, "iterations", sh.ResidualIterations, "residual correction passes")
	cmd.Flags().IntVar(&trees, "trees", sh.Forest.Trees, "regression trees per window")
	cmd.Flags().StringVar(&aggregation, "aggregation", sh.TemperatureAggregate, "temperature aggregation (mean, radiance)")
	cmd.Flags().StringVar(&taper, "taper", sh.BlendTaper, "blend taper (linear, cosine)")
	cmd.Flags().Float64Var(&homogeneity, "homogeneity", sh.HomogeneityThreshold, "predictor CV above which coarse cells are not trained on (0 disables)")
	cmd.Flags().BoolVar(&quicklook, "quicklook", false, "also render a PNG quicklook next to the product")

	return cmd
}

func printSharpenResult(cmd *cobra.Command, res pipeline.Result) {
	out := cmd.OutOrStdout()
	m := res.Meta
	fmt.Fprintf(out, "Run %s completed\n", res.Job.ID)
	fmt.Fprintf(out, "  Output:        %v\n", m["output"])
	fmt.Fprintf(out, "  Acquired:      %v\n", m["acquired"])
	fmt.Fprintf(out, "  Windows:       %v (ok %v, insufficient %v, failed %v)\n",
		m["windows"], m["succeeded"], m["insufficient"], m["failed"])
	fmt.Fprintf(out, "  Holes:         %v\n", m["holes"])
	if rmse, ok := m["residual_rmse"]; ok {
		fmt.Fprintf(out, "  Residual RMSE: %.6f K\n", rmse)
	}
	fmt.Fprintf(out, "  Duration:      %v ms\n", m["duration_ms"])
	if q, ok := m["quicklook"]; ok {
		fmt.Fprintf(out, "  Quicklook:     %v\n", q)
	}
	if w, ok := m["warning"]; ok {
		fmt.Fprintf(out, "Warning: %v\n", w)
	}
}

func newQuicklookCmd(root *Root) *cobra.Command {
	var (
		output string
		band   string
		title  string
	)

	cmd := &cobra.Command{
		Use:   "quicklook <product.tif|dir>",
		Short: "Render product bands as PNG heat maps",
		Long: `Render one band of a product as a PNG heat map. Given a directory, every
product below it is rendered next to itself and --output is ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			products := []string{args[0]}
			if info, err := os.Stat(args[0]); err == nil && info.IsDir() {
				if products, err = fsutil.ListProducts(args[0]); err != nil {
					return err
				}
				if len(products) == 0 {
					return fmt.Errorf("no %s products under %s", fsutil.ProductExt, args[0])
				}
				output = ""
			}
			for _, product := range products {
				job := pipeline.Job{
					ID:        newID(),
					Type:      pipeline.JobQuicklook,
					InputPath: product,
					Output:    output,
					Options:   map[string]any{"band": band, "title": title},
				}
				res, err := root.enqueueAndWait(cmd.Context(), job)
				if err != nil {
					return fmt.Errorf("%s: %w", product, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Quicklook written to %v\n", res.Meta["output"])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "PNG path (default: product path with .png)")
	cmd.Flags().StringVar(&band, "band", "", "band to render (default: first band)")
	cmd.Flags().StringVar(&title, "title", "", "plot title")

	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return showRun(cmd, root.store, args[0])
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-10s  %-20s  %s\n", "ID", "STATUS", "CREATED", "SCENE")
			for _, rec := range recs {
				fmt.Fprintf(out, "%-36s  %-10s  %-20s  %s\n",
					rec.ID, rec.Status, rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"), rec.ScenePath)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")

	return cmd
}

func showRun(cmd *cobra.Command, store *storage.Store, id string) error {
	rec, err := store.Run(id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:     %s\n", rec.ID)
	fmt.Fprintf(out, "Status:  %s\n", rec.Status)
	fmt.Fprintf(out, "Scene:   %s\n", rec.ScenePath)
	if rec.OutputPath != "" {
		fmt.Fprintf(out, "Output:  %s\n", rec.OutputPath)
	}
	fmt.Fprintf(out, "Created: %s\n", rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", rec.Error)
	}

	counts, err := store.WindowCounts(id)
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		fmt.Fprintf(out, "\nWindows:\n")
		for _, status := range slices.Sorted(maps.Keys(counts)) {
			fmt.Fprintf(out, "  %-18s %d\n", status, counts[status])
		}
	}

	if meta, err := store.RunMeta(id); err == nil && len(meta) > 0 {
		fmt.Fprintf(out, "\nResult:\n")
		for _, k := range slices.Sorted(maps.Keys(meta)) {
			fmt.Fprintf(out, "  %-18s %v\n", k, meta[k])
		}
	}
	return nil
}

func newWindowsCmd(root *Root) *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "windows <run-id>",
		Short: "List the window outcomes of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RunWindows(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%6s  %-22s  %-18s  %7s  %8s  %s\n", "WINDOW", "CORE", "STATUS", "SAMPLES", "MS", "ERROR")
			for _, w := range recs {
				if failedOnly && w.Status == sharpen.StatusOK {
					continue
				}
				core := fmt.Sprintf("r[%d,%d) c[%d,%d)", w.Row0, w.Row1, w.Col0, w.Col1)
				fmt.Fprintf(out, "%6d  %-22s  %-18s  %7d  %8d  %s\n", w.Index, core, w.Status, w.Samples, w.DurationMS, w.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only show windows that did not produce a model")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var o serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with gRPC health checks",
		Long: `Start an HTTP server for submitting and monitoring runs, a gRPC health
endpoint, and optionally a drop-folder watcher that submits new scene manifests.

Examples:
  # API only
  thermalsharp serve --addr :8080 --grpc-addr ""

  # API, health checks and drop folder
  thermalsharp serve --watch /data/incoming`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server",
				"addr", o.Addr,
				"grpc_addr", o.GRPCAddr,
				"watch_dir", o.WatchDir,
			)
			return root.serveFn(cmd.Context(), root, o)
		},
	}

	cmd.Flags().StringVar(&o.Addr, "addr", root.cfg.Server.Addr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&o.GRPCAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address, empty disables")
	cmd.Flags().StringVar(&o.WatchDir, "watch", root.cfg.Paths.WatchDir, "directory to watch for scene manifests")

	return cmd
}
