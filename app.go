package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kwv/driftmesh/cpd"
	"github.com/kwv/driftmesh/mesh"
	"github.com/kwv/driftmesh/pointcloud"
)

// App encapsulates the application state and dependencies
type App struct {
	Log *logrus.Logger
	Out io.Writer

	ConfigFile string
	// ConfigRequired makes a missing config file an error for register.
	ConfigRequired bool
}

// NewApp creates a new App instance
func NewApp(out io.Writer) *App {
	if out == nil {
		out = os.Stdout
	}
	return &App{
		Log:        mesh.DiscardLogger(),
		Out:        out,
		ConfigFile: "config.yaml",
	}
}

// loadConfig loads the config file. When optional, a missing file yields an
// empty config with package defaults.
func (a *App) loadConfig(optional bool) (*mesh.Config, error) {
	if optional {
		if _, err := os.Stat(a.ConfigFile); errors.Is(err, os.ErrNotExist) {
			return &mesh.Config{}, nil
		}
	}
	return mesh.LoadConfig(a.ConfigFile)
}

// readCloud loads a cloud from disk. flipY only applies to .xyz files.
func readCloud(path string, flipY bool) (*pointcloud.Cloud, error) {
	if strings.EqualFold(filepath.Ext(path), ".xyz") {
		var opts []pointcloud.XYZOption
		if flipY {
			opts = append(opts, pointcloud.WithFlipY())
		}
		return pointcloud.ReadXYZFile(path, opts...)
	}
	return pointcloud.DecodeFile(path)
}

// writeCloud writes c as JSON for .json paths and as .xyz otherwise.
func writeCloud(path string, c *pointcloud.Cloud) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling cloud: %w", err)
		}
		return os.WriteFile(path, data, 0644)
	}
	return pointcloud.WriteXYZFile(path, c)
}

// RegisterOptions holds the register command inputs. Nil overrides fall back
// to the config file, then to the package defaults.
type RegisterOptions struct {
	SourcePath string
	TargetPath string
	FlipY      bool

	Method        string
	MaxIterations *int
	Tolerance     *float64
	OutlierWeight *float64
	Beta          *float64
	Lambda        *float64
	Workers       int

	OutputPath  string // aligned cloud, .xyz or .json
	ResultPath  string // result JSON
	SVGPath     string
	PNGPath     string
	GeoJSONPath string
	Plane       string
	Color       string
	Timings     bool
}

// RunRegister aligns the source file onto the target file and writes the
// requested outputs.
func (a *App) RunRegister(ctx context.Context, opts RegisterOptions) (*mesh.JobResult, error) {
	config, err := a.loadConfig(!a.ConfigRequired)
	if err != nil {
		return nil, err
	}

	source, err := readCloud(opts.SourcePath, opts.FlipY)
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}
	target, err := readCloud(opts.TargetPath, opts.FlipY)
	if err != nil {
		return nil, fmt.Errorf("reading target: %w", err)
	}

	job := mesh.JobConfig{
		ID:            strings.TrimSuffix(filepath.Base(opts.SourcePath), filepath.Ext(opts.SourcePath)),
		Method:        opts.Method,
		MaxIterations: opts.MaxIterations,
		Tolerance:     opts.Tolerance,
		OutlierWeight: opts.OutlierWeight,
		Beta:          opts.Beta,
		Lambda:        opts.Lambda,
		Color:         opts.Color,
	}
	settings, err := config.Resolve(job)
	if err != nil {
		return nil, err
	}
	if opts.Workers > 0 {
		settings.Workers = opts.Workers
	}

	recorder := cpd.NewRecorder()
	result, err := mesh.RunJob(ctx, settings, source, target,
		mesh.WithLogger(a.Log),
		mesh.WithObserver(recorder),
		mesh.WithObserver(mesh.LogObserver(a.Log, settings.ID)))
	if err != nil {
		return nil, err
	}

	a.printResult(result)
	if opts.Timings {
		if err := recorder.WriteSummary(a.Out); err != nil {
			return nil, err
		}
	}

	if err := a.writeOutputs(result, opts, config.Render); err != nil {
		return result, err
	}
	return result, nil
}

func (a *App) printResult(r *mesh.JobResult) {
	fmt.Fprintf(a.Out, "Method:     %s\n", r.Method)
	fmt.Fprintf(a.Out, "Points:     %d source, %d target\n", r.SourcePoints, r.TargetPoints)
	fmt.Fprintf(a.Out, "Iterations: %d (%s)\n", r.Result.Iterations, mesh.Outcome(r.Result))
	if r.Result.Degenerate {
		fmt.Fprintf(a.Out, "Stopped:    %s\n", r.Result.Reason)
	}
	fmt.Fprintf(a.Out, "Variance:   %.6g\n", r.Result.Variance)
	fmt.Fprintf(a.Out, "Mean error: %.6g\n", r.MeanError)
	if p := r.Rigid; p != nil {
		fmt.Fprintf(a.Out, "Scale:      %.6f\n", p.Scale)
		fmt.Fprintf(a.Out, "Rotation:   [%.4f %.4f %.4f; %.4f %.4f %.4f; %.4f %.4f %.4f]\n",
			p.Rotation[0], p.Rotation[1], p.Rotation[2],
			p.Rotation[3], p.Rotation[4], p.Rotation[5],
			p.Rotation[6], p.Rotation[7], p.Rotation[8])
		fmt.Fprintf(a.Out, "Translation: (%.6f, %.6f, %.6f)\n", p.Translation[0], p.Translation[1], p.Translation[2])
	}
}

func (a *App) writeOutputs(r *mesh.JobResult, opts RegisterOptions, render mesh.RenderConfig) error {
	if opts.OutputPath != "" {
		if err := writeCloud(opts.OutputPath, r.Aligned); err != nil {
			return fmt.Errorf("writing aligned cloud: %w", err)
		}
		fmt.Fprintf(a.Out, "Aligned cloud written to %s\n", opts.OutputPath)
	}

	if opts.ResultPath != "" {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling result: %w", err)
		}
		if err := os.WriteFile(opts.ResultPath, data, 0644); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
		fmt.Fprintf(a.Out, "Result written to %s\n", opts.ResultPath)
	}

	if opts.Plane != "" {
		render.Plane = opts.Plane
	}

	if opts.SVGPath != "" || opts.PNGPath != "" {
		renderer, err := mesh.NewOverlayRenderer(r, render, opts.Color)
		if err != nil {
			return err
		}
		if opts.SVGPath != "" {
			if err := writeFile(opts.SVGPath, renderer.RenderToSVG); err != nil {
				return fmt.Errorf("writing SVG overlay: %w", err)
			}
			fmt.Fprintf(a.Out, "SVG overlay written to %s\n", opts.SVGPath)
		}
		if opts.PNGPath != "" {
			if err := writeFile(opts.PNGPath, renderer.RenderToPNG); err != nil {
				return fmt.Errorf("writing PNG overlay: %w", err)
			}
			fmt.Fprintf(a.Out, "PNG overlay written to %s\n", opts.PNGPath)
		}
	}

	if opts.GeoJSONPath != "" {
		plane, err := mesh.ParsePlane(render.Plane)
		if err != nil {
			return err
		}
		fc, err := mesh.ResultGeoJSON(r, plane)
		if err != nil {
			return err
		}
		data, err := fc.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshaling GeoJSON: %w", err)
		}
		if err := os.WriteFile(opts.GeoJSONPath, data, 0644); err != nil {
			return fmt.Errorf("writing GeoJSON: %w", err)
		}
		fmt.Fprintf(a.Out, "GeoJSON written to %s\n", opts.GeoJSONPath)
	}
	return nil
}

// writeFile creates path and streams render into it.
func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// RunInspect prints a summary of each cloud file.
func (a *App) RunInspect(paths []string, flipY bool) error {
	var failed int
	for _, path := range paths {
		fmt.Fprintf(a.Out, "=== %s ===\n", path)
		c, err := readCloud(path, flipY)
		if err != nil {
			fmt.Fprintf(a.Out, "ERROR: %v\n\n", err)
			failed++
			continue
		}
		b := c.Bounds()
		centroid := c.Centroid()
		size := b.Size()
		fmt.Fprintf(a.Out, "Points:   %d (colors: %v)\n", c.Len(), c.HasColors())
		fmt.Fprintf(a.Out, "Min:      (%.4g, %.4g, %.4g)\n", b.Min.X, b.Min.Y, b.Min.Z)
		fmt.Fprintf(a.Out, "Max:      (%.4g, %.4g, %.4g)\n", b.Max.X, b.Max.Y, b.Max.Z)
		fmt.Fprintf(a.Out, "Size:     (%.4g, %.4g, %.4g)\n", size.X, size.Y, size.Z)
		fmt.Fprintf(a.Out, "Centroid: (%.4g, %.4g, %.4g)\n\n", centroid.X, centroid.Y, centroid.Z)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be read", failed, len(paths))
	}
	return nil
}

// ServeOptions holds the serve command inputs.
type ServeOptions struct {
	HTTPAddr        string // empty disables HTTP
	ResultsCache    string
	MethodOverrides string
	MinInterval     time.Duration
	Refresh         time.Duration // 0 fetches URL clouds once at startup
}

// RunService runs the MQTT and HTTP service until ctx is done.
func (a *App) RunService(ctx context.Context, opts ServeOptions) error {
	config, err := a.loadConfig(false)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := a.Log.WithField("component", "service")
	log.WithFields(logrus.Fields{"config": a.ConfigFile, "jobs": len(config.Jobs)}).Info("loaded config")

	overrides, err := mesh.BuildMethodOverrideMap(opts.MethodOverrides)
	if err != nil {
		return err
	}
	for _, id := range config.ApplyMethodOverrides(overrides) {
		log.WithField("job", id).Warn("method override for unknown job ignored")
	}

	tracker := mesh.NewStateTrackerWithCache(opts.ResultsCache, a.Log)
	for _, job := range config.Jobs {
		if job.Color != "" {
			tracker.SetColor(job.ID, job.Color)
		}
	}

	metrics := mesh.NewMetrics()
	registrar := mesh.NewAutoRegistrar(ctx, config, tracker, nil, metrics, a.Log)
	if opts.MinInterval > 0 {
		registrar.SetMinInterval(opts.MinInterval)
	}

	mqttClient, err := mesh.InitMQTT(config, registrar.OnCloud, a.Log)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if mqttClient != nil {
		defer mqttClient.Disconnect()
		prefix := mesh.ResolveMQTT(config).PublishPrefix
		registrar.SetPublisher(mesh.NewPublisher(mqttClient.GetClient(), prefix, a.Log))
		log.WithField("prefix", prefix).Info("publishing results")
	}

	go a.refreshLoop(ctx, registrar, opts.Refresh)

	if opts.HTTPAddr == "" {
		<-ctx.Done()
		log.Info("service stopped")
		return nil
	}

	srv := &http.Server{
		Addr: opts.HTTPAddr,
		Handler: newHTTPServer(&server{
			tracker:   tracker,
			config:    config,
			metrics:   metrics,
			registrar: registrar,
			log:       a.Log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", opts.HTTPAddr).Info("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	log.Info("service stopped")
	return nil
}

// refreshLoop fetches URL clouds and runs stale jobs, once or every interval.
func (a *App) refreshLoop(ctx context.Context, registrar *mesh.AutoRegistrar, interval time.Duration) {
	refresh := func() {
		registrar.FetchClouds(ctx)
		if ctx.Err() == nil {
			registrar.RunStale()
		}
	}
	refresh()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
