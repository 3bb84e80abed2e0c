package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relpose/internal/config"
	"relpose/internal/logging"
	"relpose/internal/relpose"
	"relpose/internal/server"
	"relpose/internal/storage"
)

func newTestRoot(t *testing.T) (*Root, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Processing.Workers = 2
	cfg.Estimation.Ransac.MaxIterations = 2000
	cfg.Estimation.Ransac.Seed = 11
	dbPath := filepath.Join(t.TempDir(), "data", "scene.db")
	cfg.Paths.DatabasePath = dbPath

	root := NewRoot(cfg, logging.Discard(), nil)
	t.Cleanup(func() { root.Close() })
	return root, dbPath
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestEstimateThenLoad(t *testing.T) {
	root, dbPath := newTestRoot(t)

	out, err := execute(t, root, "generate", "--images", "4", "--points", "40")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out, "Generated 4 images") {
		t.Fatalf("unexpected generate output: %q", out)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database not created: %v", err)
	}

	report := filepath.Join(t.TempDir(), "poses.json")
	out, err = execute(t, root, "estimate", "--save", "--export", report, "--chunks", "5")
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	for _, want := range []string{"Estimating relative pose: 100%", "Estimated:", "Chunks:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("report not written: %v", err)
	}

	out, err = execute(t, root, "estimate", "--mode", "load", "-q")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !strings.Contains(out, "Loaded:") || strings.Contains(out, "%") {
		t.Fatalf("unexpected load output:\n%s", out)
	}

	runs, err := root.store.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Mode != "load" || runs[0].Status != storage.StatusCompleted {
		t.Fatalf("unexpected latest run: %+v", runs[0])
	}
	loaded, err := root.store.RunSummary(runs[0].ID)
	if err != nil {
		t.Fatalf("run summary: %v", err)
	}
	estimated, err := root.store.RunSummary(runs[1].ID)
	if err != nil {
		t.Fatalf("run summary: %v", err)
	}
	if loaded["loaded"] != estimated["estimated"] {
		t.Fatalf("loaded %v pairs, estimated %v", loaded["loaded"], estimated["estimated"])
	}

	out, err = execute(t, root, "runs")
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(out, runs[0].ID) || !strings.Contains(out, runs[1].ID) {
		t.Fatalf("runs output misses ids:\n%s", out)
	}

	out, err = execute(t, root, "runs", runs[1].ID)
	if err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	if !strings.Contains(out, "Mode:   estimate") {
		t.Fatalf("unexpected run detail:\n%s", out)
	}
}

func TestEstimateValidatesFlags(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(t, root, "estimate", "--mode", "guess"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if _, err := execute(t, root, "estimate", "--export", "out.txt", "--format", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := execute(t, root, "estimate", "extra"); err == nil {
		t.Fatalf("expected error for positional argument")
	}
	if _, err := execute(t, root, "runs", "missing"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestEstimateEmptyScene(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "estimate")
	if err != nil {
		t.Fatalf("estimate on empty database failed: %v", err)
	}
	if !strings.Contains(out, "Pairs:") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestDBCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	out, err := execute(t, root, "db", "migrate")
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "Schema version 2") {
		t.Fatalf("unexpected migrate output: %q", out)
	}

	if _, err := execute(t, root, "generate", "--images", "3", "--window", "1"); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	out, err = execute(t, root, "db", "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	for _, table := range []string{"cameras", "images", "matches"} {
		if !strings.Contains(out, table) {
			t.Fatalf("stats output misses %s:\n%s", table, out)
		}
	}
}

func TestDBFlagOverridesConfig(t *testing.T) {
	root, configured := newTestRoot(t)
	other := filepath.Join(t.TempDir(), "other.db")
	if _, err := execute(t, root, "--db", other, "db", "migrate"); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("--db path not used: %v", err)
	}
	if _, err := os.Stat(configured); !os.IsNotExist(err) {
		t.Fatalf("configured path should be untouched, stat err=%v", err)
	}
}

func TestServeUsesRunner(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(t, root, "generate", "--images", "3", "--window", "1"); err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	var gotAddr string
	var percents []int
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, run server.RunFunc, log *slog.Logger) error {
		gotAddr = addr
		hub := server.NewHub()
		events, unsub := hub.Subscribe()
		defer unsub()
		summary, err := run(ctx, "srv-run", relpose.ModeEstimate, hub.Reporter("srv-run"))
		if err != nil {
			return err
		}
		if summary.RunID != "srv-run" {
			t.Errorf("unexpected run id %q", summary.RunID)
		}
		for len(events) > 0 {
			percents = append(percents, (<-events).Percent)
		}
		return nil
	}

	if _, err := execute(t, root, "serve", "--addr", "127.0.0.1:0"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotAddr != "127.0.0.1:0" {
		t.Fatalf("unexpected addr %q", gotAddr)
	}
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Fatalf("unexpected progress %v", percents)
	}
	rec, err := root.store.Run("srv-run")
	if err != nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if rec.Status != storage.StatusCompleted {
		t.Fatalf("unexpected status %s", rec.Status)
	}
}

func TestVersionAndConfig(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "version")
	if err != nil || !strings.Contains(out, "relpose "+version) {
		t.Fatalf("version output %q err=%v", out, err)
	}
	out, err = execute(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, `"max_iterations": 2000`) {
		t.Fatalf("config output misses ransac settings:\n%s", out)
	}
}
