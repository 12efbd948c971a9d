// Package main implements the CLI driver for the typeflow analysis engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/715d/typeflow/internal/config"
	"github.com/715d/typeflow/internal/frontend"
	"github.com/715d/typeflow/pkg/heap"
	"github.com/715d/typeflow/pkg/pointsto"
	"github.com/715d/typeflow/pkg/universe"
)

// Flags holds the command-line options layered over the config file.
type Flags struct {
	Packages            []string
	ConfigPath          string
	ContextSensitive    bool
	SaturationThreshold int
	Workers             int
	Layer               string
	WriteLayer          string
	JSON                bool
	Verbose             bool
	Stats               bool
	BuildTags           []string
}

const (
	exitAnalysisFailed = 1
	exitError          = 2
)

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var flags Flags

func main() {
	var rootCmd = &cobra.Command{
		Use:   "typeflow [packages...]",
		Short: "Closed-world points-to/type-flow analysis for Go programs",
		Long: `typeflow runs a fixed-point type-flow analysis over a closed-world Go
program: it computes, for every field, array element and call site, the set
of concrete types that may reach it, resolves virtual call targets and
reports devirtualizable call sites.

With --layer it seeds the analysis universe from a previously persisted
base-layer snapshot; with --write-layer it persists this build's universe
for the next incremental build.`,
		Example: `  typeflow ./...                         # Analyze all packages
  typeflow --json ./cmd/app              # JSON report
  typeflow --layer base.json ./...       # Incremental build on a base layer
  typeflow --write-layer out.json ./...  # Persist this build as a layer`,
		Args:              cobra.ArbitraryArgs,
		RunE:              runCommand,
		PersistentPreRunE: setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Version:           version,
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("typeflow version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	rootCmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "Path to a yaml configuration file")
	rootCmd.PersistentFlags().BoolVar(&flags.ContextSensitive, "context-sensitive", false, "Distinguish allocations by site instead of by type")
	rootCmd.PersistentFlags().IntVar(&flags.SaturationThreshold, "saturation-threshold", 0, "Callees tracked per call site before the context-insensitive fallback (0 uses the config value)")
	rootCmd.PersistentFlags().IntVar(&flags.Workers, "workers", 0, "Analysis worker pool size (0 = NumCPU)")
	rootCmd.PersistentFlags().StringVar(&flags.Layer, "layer", "", "Base-layer snapshot to load before analysis")
	rootCmd.PersistentFlags().StringVar(&flags.WriteLayer, "write-layer", "", "Path to persist this build's layer snapshot to")
	rootCmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&flags.Stats, "stats", false, "Collect and report analysis statistics")
	rootCmd.PersistentFlags().StringSliceVar(&flags.BuildTags, "build-tags", []string{}, "Build tags to use during package loading")

	if err := rootCmd.Execute(); err != nil {
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		var cErr *codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func setup(_ *cobra.Command, _ []string) error {
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if flags.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if flags.JSON {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		slog.SetDefault(slog.New(handler))
	}
	return nil
}

func runCommand(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		flags.Packages = args
	} else {
		flags.Packages = []string{"./..."}
	}

	cfg, err := resolveConfig()
	if err != nil {
		return errWithCode(err, exitError)
	}

	slog.Info("starting type-flow analysis", "packages", flags.Packages, "policy", cfg.Policy)
	report, err := runAnalysis(cmd.Context(), cfg)
	if err != nil {
		return errWithCode(fmt.Errorf("analyze: %w", err), exitAnalysisFailed)
	}

	if err := writeReport(report); err != nil {
		return errWithCode(fmt.Errorf("format report: %w", err), exitError)
	}
	return nil
}

// resolveConfig merges the config file with command-line overrides and
// validates the result. Bad combinations fail fast, before any loading.
func resolveConfig() (config.Config, error) {
	cfg := config.Default()
	if flags.ConfigPath != "" {
		loaded, err := config.Load(flags.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if flags.ContextSensitive {
		cfg.Policy = config.PolicySite
	}
	if flags.SaturationThreshold > 0 {
		cfg.SaturationThreshold = flags.SaturationThreshold
	}
	if flags.Workers > 0 {
		cfg.Workers = flags.Workers
	}
	if flags.Layer != "" {
		cfg.BaseLayer = flags.Layer
	}
	if flags.WriteLayer != "" {
		cfg.WriteLayer = flags.WriteLayer
	}
	if flags.Stats {
		cfg.Stats = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Report is the analysis output surfaced to the user.
type Report struct {
	ReachableMethods []string `json:"reachable_methods"`
	Stats            struct {
		Types            int           `json:"types"`
		Methods          int           `json:"methods"`
		ReachableMethods int           `json:"reachable_methods"`
		CallSites        int           `json:"call_sites"`
		Devirtualizable  int           `json:"devirtualizable"`
		SaturatedInvokes int           `json:"saturated_invokes"`
		BaseLayerConsts  int           `json:"base_layer_constants,omitempty"`
		UnionOperations  int64         `json:"union_operations,omitempty"`
		LinkedCallees    int64         `json:"linked_callees,omitempty"`
		AnalysisDuration time.Duration `json:"analysis_duration"`
	} `json:"stats"`
	Devirtualizable []string `json:"devirtualizable_sites"`
}

func runAnalysis(ctx context.Context, cfg config.Config) (*Report, error) {
	start := time.Now()

	slog.Info("loading packages", "packages", flags.Packages)
	pkgs, err := frontend.LoadPackages(ctx, frontend.LoaderOptions{
		Patterns:  flags.Packages,
		BuildTags: flags.BuildTags,
	})
	if err != nil {
		return nil, fmt.Errorf("loading packages: %w", err)
	}
	slog.Info("loaded packages", "num", len(pkgs))

	u := universe.New()
	front, err := frontend.New(pkgs, u, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("build frontend: %w", err)
	}

	var loader *heap.Loader
	if cfg.BaseLayer != "" {
		loader, err = loadBaseLayer(cfg.BaseLayer, u, front)
		if err != nil {
			return nil, err
		}
	}

	stats := pointsto.NewStats(cfg.Stats)
	var policy pointsto.Policy
	if cfg.Policy == config.PolicySite {
		policy = pointsto.NewSitePolicy(cfg.SaturationThreshold, stats)
	} else {
		policy = pointsto.NewDefaultPolicy(cfg.SaturationThreshold, stats)
	}

	engine := pointsto.NewEngine(u, policy, pointsto.Options{
		Workers: cfg.Workers,
		Stats:   stats,
		Logger:  slog.Default(),
		Builder: front.Builder(),
	})
	roots := front.EntryPoints()
	if len(roots) == 0 {
		return nil, fmt.Errorf("no entry points: the analyzed packages contain no main package")
	}
	for _, root := range roots {
		engine.AddRoot(root)
	}

	slog.Info("running fixed-point analysis", "roots", len(roots), "workers", cfg.Workers)
	if err := engine.Run(ctx); err != nil {
		return nil, err
	}
	duration := time.Since(start)
	slog.Info("analysis converged", "dur", duration)

	if cfg.WriteLayer != "" {
		if err := writeLayer(cfg.WriteLayer, u, loader); err != nil {
			return nil, err
		}
	}

	return buildReport(engine, u, loader, stats, duration), nil
}

func loadBaseLayer(path string, u *universe.Universe, front *frontend.Frontend) (*heap.Loader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open base layer: %w", err)
	}
	defer file.Close()

	loader := heap.NewLoader(u, front)
	if err := loader.LoadSnapshot(file); err != nil {
		return nil, fmt.Errorf("load base layer %s: %w", path, err)
	}
	if err := loader.LoadConstants(); err != nil {
		return nil, fmt.Errorf("load base layer constants %s: %w", path, err)
	}
	slog.Info("loaded base layer", "path", path, "constants", loader.ConstantCount())
	return loader, nil
}

func writeLayer(path string, u *universe.Universe, loader *heap.Loader) error {
	writer := heap.NewWriter(u)
	if loader != nil {
		// Base-layer constants carry over into the next layer unchanged.
		loader.ForEachConstant(func(c heap.Constant) bool {
			writer.AddConstant(c)
			return true
		})
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create layer snapshot: %w", err)
	}
	defer file.Close()
	if err := writer.WriteSnapshot(file); err != nil {
		return fmt.Errorf("write layer snapshot %s: %w", path, err)
	}
	slog.Info("wrote layer snapshot", "path", path)
	return nil
}

func buildReport(engine *pointsto.Engine, u *universe.Universe, loader *heap.Loader, stats *pointsto.Stats, dur time.Duration) *Report {
	results := engine.Results()
	var r Report
	r.Stats.AnalysisDuration = dur
	r.Stats.Types = u.TypeCount()
	r.Stats.Methods = u.MethodCount()

	for _, m := range results.ReachableMethods() {
		r.ReachableMethods = append(r.ReachableMethods, m.QualifiedName())
	}
	r.Stats.ReachableMethods = len(r.ReachableMethods)
	r.Stats.CallSites = len(results.Invokes())
	for _, inv := range results.Devirtualizable() {
		target := inv.Declared().ResolveConcreteMethod(inv.TargetName())
		if callees := inv.Callees(); len(callees) == 1 {
			target = callees[0]
		}
		r.Devirtualizable = append(r.Devirtualizable, fmt.Sprintf("%s -> %s", inv.Site(), target.QualifiedName()))
	}
	r.Stats.Devirtualizable = len(r.Devirtualizable)
	r.Stats.SaturatedInvokes = len(results.SaturatedInvokes())
	if loader != nil {
		r.Stats.BaseLayerConsts = loader.ConstantCount()
	}
	if stats.Enabled() {
		r.Stats.UnionOperations = stats.UnionOperations()
		r.Stats.LinkedCallees = stats.LinkedCallees()
	}
	return &r
}

func writeReport(r *Report) error {
	if flags.JSON {
		data, err := json.MarshalIndent(struct {
			*Report
			Version   string `json:"version"`
			Timestamp string `json:"timestamp"`
		}{r, version, time.Now().UTC().Format(time.RFC3339)}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling json report: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "types: %d  methods: %d  reachable: %d\n",
		r.Stats.Types, r.Stats.Methods, r.Stats.ReachableMethods)
	fmt.Fprintf(&out, "call sites: %d  devirtualizable: %d  saturated: %d\n",
		r.Stats.CallSites, r.Stats.Devirtualizable, r.Stats.SaturatedInvokes)
	if flags.Verbose {
		for _, site := range r.Devirtualizable {
			fmt.Fprintf(&out, "  devirt %s\n", site)
		}
	}
	fmt.Print(out.String())
	return nil
}

func errWithCode(err error, code int) error {
	return &codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e codedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}
