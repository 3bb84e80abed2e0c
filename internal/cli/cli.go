package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"relpose/internal/config"
	"relpose/internal/export"
	"relpose/internal/fsutil"
	"relpose/internal/pipeline"
	"relpose/internal/relpose"
	"relpose/internal/runner"
	"relpose/internal/server"
	"relpose/internal/solver"
	"relpose/internal/storage"
	"relpose/internal/synthetic"
)

const version = "v1.0.0"

type serverFunc func(ctx context.Context, addr string, store *storage.Store, run server.RunFunc, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, run server.RunFunc, log *slog.Logger) error {
	return server.NewServer(addr, store, run, log).Start(ctx)
}

// Root carries the shared state of every command.
type Root struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *storage.Store
	dbPath  string
	out     io.Writer
	solver  solver.Solver
	serveFn serverFunc
}

// NewRoot wires the command state. store may be nil; it is then opened on
// first use from the configured database path.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		out:     os.Stdout,
		serveFn: defaultServe,
	}
}

// Close releases the store if this Root opened it.
func (r *Root) Close() error {
	if r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	return err
}

func (r *Root) openStore() (*storage.Store, error) {
	if r.store != nil {
		return r.store, nil
	}
	path := r.dbPath
	if path == "" {
		path = r.cfg.Paths.DatabasePath
	}
	path, err := fsutil.ExpandUser(path)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	store, err := storage.New(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r.log.Debug("opened scene database", "path", path)
	r.store = store
	return store, nil
}

func (r *Root) runner(store *storage.Store) *runner.Runner {
	return &runner.Runner{Store: store, Config: r.cfg, Log: r.log, Solver: r.solver}
}

type estimateOptions struct {
	mode       string
	workers    int
	chunks     int
	maxIter    int
	maxError   float64
	timeout    time.Duration
	save       bool
	exportPath string
	format     string
	quiet      bool
}

// apply copies explicitly set flags over the configuration.
func (o estimateOptions) apply(cfg *config.Config) {
	if o.workers > 0 {
		cfg.Processing.Workers = o.workers
	}
	if o.chunks > 0 {
		cfg.Processing.Chunks = o.chunks
	}
	if o.maxIter > 0 {
		cfg.Estimation.Ransac.MaxIterations = o.maxIter
	}
	if o.maxError > 0 {
		cfg.Estimation.Ransac.MaxEpipolarError = o.maxError
	}
	if o.timeout > 0 {
		cfg.Processing.JobTimeout = config.Duration(o.timeout)
	}
}

func (r *Root) cmdEstimate(ctx context.Context, opts estimateOptions) error {
	mode, err := relpose.ParseMode(opts.mode)
	if opts.mode == "" {
		mode, err = relpose.ParseMode(r.cfg.Estimation.Mode)
	}
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(opts.format, opts.exportPath)
	if opts.exportPath != "" && err != nil {
		return err
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}

	cfg := *r.cfg
	opts.apply(&cfg)
	run := &runner.Runner{Store: store, Config: &cfg, Log: r.log, Solver: r.solver}

	var progress pipeline.Reporter
	if !opts.quiet {
		progress = &pipeline.TextProgress{W: r.out, Label: "Estimating relative pose"}
	}

	summary, err := run.Run(ctx, runner.Request{
		Mode:         mode,
		Save:         opts.save,
		ExportPath:   opts.exportPath,
		ExportFormat: format,
		Progress:     progress,
	})
	if err != nil {
		return err
	}
	r.printSummary(summary)
	return nil
}

func (r *Root) printSummary(s relpose.Summary) {
	fmt.Fprintf(r.out, "Run %s (%s)\n", s.RunID, s.Mode)
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  Pairs:\t%d\n", s.Pairs)
	if s.Mode == relpose.ModeLoad {
		fmt.Fprintf(tw, "  Loaded:\t%d\n", s.Loaded)
	} else {
		fmt.Fprintf(tw, "  Estimated:\t%d\n", s.Estimated)
	}
	fmt.Fprintf(tw, "  Invalidated:\t%d\n", s.Invalidated)
	if s.Skipped > 0 {
		fmt.Fprintf(tw, "  Skipped:\t%d\n", s.Skipped)
	}
	fmt.Fprintf(tw, "  Workers:\t%d\n", s.Stats.Workers)
	fmt.Fprintf(tw, "  Chunks:\t%d\n", s.Stats.Chunks)
	fmt.Fprintf(tw, "  Duration:\t%s\n", s.Duration.Round(time.Millisecond))
	tw.Flush()
}

func (r *Root) cmdRuns(limit int) error {
	store, err := r.openStore()
	if err != nil {
		return err
	}
	runs, err := store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(r.out, "No runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tPAIRS\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", run.ID, run.Mode, run.Status, run.Pairs, run.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (r *Root) cmdRunShow(id string) error {
	store, err := r.openStore()
	if err != nil {
		return err
	}
	run, err := store.Run(id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Run %s\n", run.ID)
	fmt.Fprintf(r.out, "  Mode:   %s\n", run.Mode)
	fmt.Fprintf(r.out, "  Status: %s\n", run.Status)
	fmt.Fprintf(r.out, "  Pairs:  %d\n", run.Pairs)
	if run.Error != "" {
		fmt.Fprintf(r.out, "  Error:  %s\n", run.Error)
	}
	summary, err := store.RunSummary(id)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, "  %s: %v\n", k, summary[k])
	}
	return nil
}

func (r *Root) cmdMigrate(down bool) error {
	store, err := r.openStore()
	if err != nil {
		return err
	}
	if down {
		if err := store.MigrateDown(); err != nil {
			return err
		}
	}
	v, dirty, err := store.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Schema version %d (dirty=%t)\n", v, dirty)
	return nil
}

func (r *Root) cmdStats() error {
	store, err := r.openStore()
	if err != nil {
		return err
	}
	counts, err := store.TableCounts()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%d\n", name, counts[name])
	}
	return tw.Flush()
}

func (r *Root) cmdGenerate(ctx context.Context, opts synthetic.Options) error {
	store, err := r.openStore()
	if err != nil {
		return err
	}
	sc := synthetic.Generate(opts)
	if err := sc.Populate(ctx, store); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Generated %d images, %d pairs\n", len(sc.Images), len(sc.Pairs))
	return nil
}

func (r *Root) cmdServe(ctx context.Context, addr string) error {
	store, err := r.openStore()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = r.cfg.Server.Addr
	}
	rn := r.runner(store)
	run := func(ctx context.Context, runID string, mode relpose.Mode, progress pipeline.Reporter) (relpose.Summary, error) {
		return rn.Run(ctx, runner.Request{
			RunID: runID,
			Mode:  mode,
			Save:  mode != relpose.ModeLoad,
			Progress: pipeline.MultiReporter{
				progress,
				pipeline.LogProgress{Log: r.log, Label: "run progress"},
			},
		})
	}
	r.log.Info("server ready",
		"addr", addr,
		"endpoints", []string{"/healthz", "/api/runs", "/api/progress", "/ws/progress"},
	)
	return r.serveFn(ctx, addr, store, run, r.log)
}
