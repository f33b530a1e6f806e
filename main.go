package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kwv/driftmesh/mesh"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Output of every subcommand goes to out.
func newRootCmd(out io.Writer) *cobra.Command {
	app := NewApp(out)
	var logLevel, logFormat string

	rootCmd := &cobra.Command{
		Use:   "driftmesh",
		Short: "Align 3D point clouds with Coherent Point Drift",
		Long: `driftmesh registers a moving source point cloud onto a fixed target
cloud, rigidly (scale, rotation, translation) or non-rigidly (a smooth
displacement field).

It runs one-shot from files or as a service that receives clouds over MQTT
or HTTP, re-registers each job when its clouds change and publishes the
results.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log, err := mesh.NewLogger(logLevel, logFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			app.Log = log
			app.ConfigRequired = cmd.Flags().Changed("config")
			return nil
		},
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&app.ConfigFile, "config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")

	rootCmd.AddCommand(newRegisterCmd(app))
	rootCmd.AddCommand(newInspectCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	return rootCmd
}

func newRegisterCmd(app *App) *cobra.Command {
	var (
		opts          RegisterOptions
		maxIterations int
		tolerance     float64
		outlierWeight float64
		beta          float64
		lambda        float64
	)

	cmd := &cobra.Command{
		Use:   "register SOURCE TARGET",
		Short: "Align a source cloud onto a target cloud",
		Long: `Align SOURCE onto TARGET and print the fitted result.

Clouds are read from .xyz text files or JSON ({"points": [[x, y, z], ...]}),
optionally gzip or zlib compressed. Registration options left unset fall back
to the registration section of the config file, then to built-in defaults.`,
		Example: `  driftmesh register scan.xyz model.xyz --output aligned.xyz
  driftmesh register scan.json model.json --method nonrigid --beta 2 --lambda 3 --svg overlay.svg`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SourcePath, opts.TargetPath = args[0], args[1]

			flags := cmd.Flags()
			if flags.Changed("max-iterations") {
				opts.MaxIterations = &maxIterations
			}
			if flags.Changed("tolerance") {
				opts.Tolerance = &tolerance
			}
			if flags.Changed("outlier-weight") {
				opts.OutlierWeight = &outlierWeight
			}
			if flags.Changed("beta") {
				opts.Beta = &beta
			}
			if flags.Changed("lambda") {
				opts.Lambda = &lambda
			}

			_, err := app.RunRegister(cmd.Context(), opts)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Method, "method", "m", "", "Registration method: rigid or nonrigid (default rigid)")
	flags.IntVar(&maxIterations, "max-iterations", mesh.DefaultMaxIterations, "Maximum EM iterations")
	flags.Float64Var(&tolerance, "tolerance", 0.01, "Stop when the variance changes by less than this")
	flags.Float64Var(&outlierWeight, "outlier-weight", 0, "Outlier weight w in [0, 1)")
	flags.Float64Var(&beta, "beta", 0.1, "Kernel width for nonrigid registration")
	flags.Float64Var(&lambda, "lambda", 0.1, "Smoothness weight for nonrigid registration")
	flags.IntVar(&opts.Workers, "workers", 0, "Goroutines for the E-step (0 = GOMAXPROCS)")
	flags.BoolVar(&opts.FlipY, "flip-y", false, "Negate Y when reading .xyz files")

	flags.StringVarP(&opts.OutputPath, "output", "o", "", "Write the aligned cloud (.xyz or .json)")
	flags.StringVar(&opts.ResultPath, "result", "", "Write the result as JSON")
	flags.StringVar(&opts.SVGPath, "svg", "", "Write an SVG overlay")
	flags.StringVar(&opts.PNGPath, "png", "", "Write a PNG overlay")
	flags.StringVar(&opts.GeoJSONPath, "geojson", "", "Write the projected displacements as GeoJSON")
	flags.StringVar(&opts.Plane, "plane", "", "Projection plane for overlays: xy, xz or yz")
	flags.StringVar(&opts.Color, "color", "", "Hex color of the aligned cloud in overlays")
	flags.BoolVar(&opts.Timings, "timings", false, "Print per-phase timing statistics")
	return cmd
}

func newInspectCmd(app *App) *cobra.Command {
	var flipY bool
	cmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Print point count, bounds and centroid of cloud files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return app.RunInspect(args, flipY)
		},
	}
	cmd.Flags().BoolVar(&flipY, "flip-y", false, "Negate Y when reading .xyz files")
	return cmd
}

func newServeCmd(app *App) *cobra.Command {
	var (
		opts     ServeOptions
		httpPort int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registration service",
		Long: `Run the registration service.

Each job in the config file names where its source and target clouds come
from: MQTT topics, URLs, or both. A job is registered whenever one of its
clouds changes and the result is published over MQTT and HTTP.

MQTT settings can be overridden with MQTT_BROKER, MQTT_CLIENT_ID,
MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX. An empty broker
disables MQTT.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if httpPort > 0 {
				opts.HTTPAddr = fmt.Sprintf(":%d", httpPort)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunService(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&httpPort, "http-port", 8080, "HTTP port (0 disables HTTP)")
	flags.StringVar(&opts.ResultsCache, "results-cache", mesh.DefaultResultCachePath, "Path to the results cache file")
	flags.StringVar(&opts.MethodOverrides, "method", "", "Per-job method overrides: JOB_ID=METHOD[,JOB_ID=METHOD]")
	flags.DurationVar(&opts.MinInterval, "min-interval", 0, "Minimum time between runs of one job (0 = built-in default)")
	flags.DurationVar(&opts.Refresh, "refresh", 0, "Re-fetch URL clouds at this interval (0 = once at startup)")
	return cmd
}
