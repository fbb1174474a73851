package cli

import (
	"context"
	"fmt"

	"thermalsharp/internal/watch"

	"github.com/spf13/cobra"
)

func newWatchCmd(root *Root) *cobra.Command {
	var (
		existing  bool
		quicklook bool
	)

	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Sharpen every scene manifest dropped into a directory",
		Long: `Watch a directory for new *.scene.json manifests and submit each one as a
sharpen run with the configured defaults. Results are printed as runs finish.
Without an argument the configured paths.watch_dir is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.WatchDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no directory given and paths.watch_dir is not set")
			}

			w, err := watch.New(dir, root.pipeline, root.log)
			if err != nil {
				return err
			}
			w.ScanExisting = existing
			if quicklook {
				w.Options = map[string]any{"quicklook": true}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			resCh, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()

			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()

			out := cmd.OutOrStdout()
			for {
				select {
				case err := <-done:
					return err
				case res, ok := <-resCh:
					if !ok {
						cancel()
						return <-done
					}
					if res.Error != nil {
						fmt.Fprintf(out, "Run %s failed: %s: %v\n", res.Job.ID, res.Job.InputPath, res.Error)
						continue
					}
					fmt.Fprintf(out, "Run %s completed: %s -> %v\n", res.Job.ID, res.Job.InputPath, res.Meta["output"])
				}
			}
		},
	}

	cmd.Flags().BoolVar(&existing, "existing", false, "also submit manifests already in the directory")
	cmd.Flags().BoolVar(&quicklook, "quicklook", false, "render a PNG quicklook for every run")

	return cmd
}
