package cli

import (
	"fmt"
	"os"
	"runtime"

	"thermalsharp/internal/config"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the thermalsharp configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath := os.Getenv(config.ConfigEnv)
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/thermalsharp/config.json"
			}
			cfg := root.cfg
			sh := cfg.Sharpening
			fmt.Fprintf(out, "Config file: %s\n", cfgPath)
			fmt.Fprintf(out, "\nProcessing:\n")
			fmt.Fprintf(out, "  Parallel jobs: %d\n", cfg.Processing.ParallelJobs)
			fmt.Fprintf(out, "  Queue size: %d\n", cfg.Processing.QueueSize)
			fmt.Fprintf(out, "  Temp directory: %s\n", cfg.Processing.TempDir)
			fmt.Fprintf(out, "\nSharpening:\n")
			fmt.Fprintf(out, "  Moving window size: %d\n", sh.MovingWindowSize)
			fmt.Fprintf(out, "  Window failure policy: %s\n", sh.WindowFailurePolicy)
			fmt.Fprintf(out, "  Regression seed: %d\n", sh.RegressionSeed)
			fmt.Fprintf(out, "  Min samples: %d\n", sh.MinSamples)
			fmt.Fprintf(out, "  Valid mask values: %v\n", sh.ValidMaskValues)
			fmt.Fprintf(out, "  Homogeneity threshold: %g\n", sh.HomogeneityThreshold)
			fmt.Fprintf(out, "  Temperature aggregation: %s\n", sh.TemperatureAggregate)
			fmt.Fprintf(out, "  Residual iterations: %d\n", sh.ResidualIterations)
			fmt.Fprintf(out, "  Blend taper: %s\n", sh.BlendTaper)
			fmt.Fprintf(out, "  Forest: %d trees, depth %d, leaf %d, linear leaves %t\n",
				sh.Forest.Trees, sh.Forest.MaxDepth, sh.Forest.MinSamplesLeaf, sh.Forest.LeafLinear)
			fmt.Fprintf(out, "\nPaths:\n")
			fmt.Fprintf(out, "  Database: %s\n", cfg.Paths.DatabasePath)
			fmt.Fprintf(out, "  Default output: %s\n", cfg.Paths.DefaultOutput)
			fmt.Fprintf(out, "  Watch directory: %s\n", cfg.Paths.WatchDir)
			fmt.Fprintf(out, "\nServer:\n")
			fmt.Fprintf(out, "  HTTP: %s\n", cfg.Server.Addr)
			fmt.Fprintf(out, "  gRPC: %s\n", cfg.Server.GRPCAddr)
			fmt.Fprintf(out, "\nLogging:\n")
			fmt.Fprintf(out, "  Level: %s\n", cfg.Logging.Level)
			fmt.Fprintf(out, "  Format: %s\n", cfg.Logging.Format)
			fmt.Fprintf(out, "  Directory: %s (file output %t)\n", cfg.Logging.LogDir, cfg.Logging.FileOutput)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("thermalsharp %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
