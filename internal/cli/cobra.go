package cli

import (
	"github.com/spf13/cobra"

	"relpose/internal/synthetic"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relpose",
		Short: "Relative pose estimation for view graph image pairs",
		Long: `relpose estimates the relative pose of every valid image pair in a scene
database, or loads previously stored two-view geometries, and records each run.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&root.dbPath, "db", "", "scene database path (default from config)")

	rootCmd.AddCommand(newEstimateCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newDBCmd(root))
	rootCmd.AddCommand(newGenerateCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newEstimateCmd(root *Root) *cobra.Command {
	var opts estimateOptions

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate or load relative poses for every valid pair",
		Long: `Resolve a pose for every valid image pair of the scene database.

In estimate mode each pair is solved from its correspondences; in load mode the
stored two-view geometry is copied onto the pair. Pairs that cannot be resolved
are invalidated and the run continues.

Examples:
  # Estimate with all CPUs and store the result
  relpose estimate --db scene.db --save

  # Reuse stored geometries and write a report
  relpose estimate --db scene.db --mode load --export poses.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.cmdEstimate(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", "", "pose source: estimate or load (default from config)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "worker count (0 = config)")
	cmd.Flags().IntVar(&opts.chunks, "chunks", 0, "progress chunks (0 = config)")
	cmd.Flags().IntVar(&opts.maxIter, "max-iterations", 0, "RANSAC iteration cap (0 = config)")
	cmd.Flags().Float64Var(&opts.maxError, "max-error", 0, "maximum epipolar error in pixels (0 = config)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "per-pair solver deadline (0 = config)")
	cmd.Flags().BoolVar(&opts.save, "save", false, "store estimated geometries in the database")
	cmd.Flags().StringVar(&opts.exportPath, "export", "", "write a pose report to this path")
	cmd.Flags().StringVar(&opts.format, "format", "", "report format: yaml or json (default from extension)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "hide the progress line")

	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recent runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			if len(args) == 1 {
				return root.cmdRunShow(args[0])
			}
			return root.cmdRuns(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newDBCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Scene database maintenance",
	}

	var down bool
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.cmdMigrate(down)
		},
	}
	migrateCmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show row counts per table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.cmdStats()
		},
	}

	cmd.AddCommand(migrateCmd, statsCmd)
	return cmd
}

func newGenerateCmd(root *Root) *cobra.Command {
	opts := synthetic.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Populate the database with a synthetic scene",
		Long: `Write a synthetic scene with known poses into the scene database: a row of
pinhole cameras observing a random point cloud, with noisy and outlier matches.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.cmdGenerate(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.Images, "images", opts.Images, "number of images")
	cmd.Flags().IntVar(&opts.Points, "points", opts.Points, "number of scene points")
	cmd.Flags().IntVar(&opts.Window, "window", opts.Window, "pair every image with the next N images")
	cmd.Flags().Float64Var(&opts.OutlierRatio, "outliers", opts.OutlierRatio, "fraction of wrong matches")
	cmd.Flags().Float64Var(&opts.Noise, "noise", opts.Noise, "pixel noise standard deviation")
	cmd.Flags().BoolVar(&opts.UnsupportedCamera, "unsupported-camera", false, "give the last image an unsupported camera model")
	cmd.Flags().Int64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server that lists runs, accepts new runs and streams their
progress over WebSocket and server-sent events.

Examples:
  relpose serve --addr :8080 --db scene.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from config)")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.out = cmd.OutOrStdout()
			return root.configShow()
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.out = cmd.OutOrStdout()
			root.cmdVersion()
		},
	}
}
