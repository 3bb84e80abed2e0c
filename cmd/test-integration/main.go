package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"relpose/internal/config"
	"relpose/internal/logging"
	"relpose/internal/pipeline"
	"relpose/internal/posefmt"
	"relpose/internal/relpose"
	"relpose/internal/runner"
	"relpose/internal/storage"
	"relpose/internal/synthetic"
)

func main() {
	opts := synthetic.DefaultOptions()
	flag.IntVar(&opts.Images, "images", 12, "number of images")
	flag.IntVar(&opts.Points, "points", 150, "points per image")
	flag.IntVar(&opts.Window, "window", 3, "pair window")
	flag.Float64Var(&opts.OutlierRatio, "outliers", 0.2, "outlier ratio")
	workers := flag.Int("workers", 0, "worker count (0 = all CPUs)")
	keep := flag.Bool("keep", false, "keep the temporary database")
	flag.Parse()

	fmt.Println("🔍 Testing relative pose estimation against a synthetic scene")

	dir, err := os.MkdirTemp("", "relpose-integration-")
	if err != nil {
		log.Fatal("Failed to create temp dir:", err)
	}
	if !*keep {
		defer os.RemoveAll(dir)
	}
	dbPath := filepath.Join(dir, "scene.db")

	store, err := storage.New(dbPath)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	ctx := context.Background()
	sc := synthetic.Generate(opts)
	if err := sc.Populate(ctx, store); err != nil {
		log.Fatal("Failed to populate scene:", err)
	}
	fmt.Printf("✅ Scene written: %d images, %d pairs (%s)\n", len(sc.Images), len(sc.Pairs), dbPath)

	cfg := config.Default()
	cfg.Processing.Workers = *workers
	r := &runner.Runner{Store: store, Config: cfg, Log: logging.New("warn", "text")}

	start := time.Now()
	est, err := r.Run(ctx, runner.Request{
		Mode:     relpose.ModeEstimate,
		Save:     true,
		Progress: &pipeline.TextProgress{W: os.Stdout, Label: "Estimating relative pose"},
	})
	if err != nil {
		log.Fatal("Estimate run failed:", err)
	}
	fmt.Printf("✅ Estimated %d/%d pairs in %s (%d workers)\n", est.Estimated, est.Pairs, time.Since(start).Round(time.Millisecond), est.Stats.Workers)

	var worstRot, worstDir float64
	for _, p := range sc.Pairs {
		got, err := store.ReadTwoViewGeometry(ctx, p.ImageID1, p.ImageID2)
		if err != nil {
			fmt.Printf("⚠️  Pair %d-%d has no stored geometry: %v\n", p.ImageID1, p.ImageID2, err)
			continue
		}
		truth := sc.Truth[p.ID()]
		worstRot = math.Max(worstRot, posefmt.AngularDistance(truth.Rotation, got.Rotation))
		worstDir = math.Max(worstDir, angleBetween(truth.Translation, got.Translation))
	}
	fmt.Printf("📊 Worst rotation error: %.4f°\n", worstRot*180/math.Pi)
	fmt.Printf("📊 Worst translation direction error: %.4f°\n", worstDir*180/math.Pi)

	loaded, err := r.Run(ctx, runner.Request{Mode: relpose.ModeLoad})
	if err != nil {
		log.Fatal("Load run failed:", err)
	}
	fmt.Printf("✅ Loaded %d pairs with %d worker\n", loaded.Loaded, loaded.Stats.Workers)

	if loaded.Loaded != est.Estimated {
		log.Fatalf("❌ Load run resolved %d pairs, estimate run stored %d", loaded.Loaded, est.Estimated)
	}
	if worstRot > 0.01 {
		log.Fatalf("❌ Rotation error too large: %.4f rad", worstRot)
	}
	fmt.Println("\n✅ Integration test passed.")
}

func angleBetween(a, b [3]float64) float64 {
	na := math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2])
	nb := math.Sqrt(b[0]*b[0] + b[1]*b[1] + b[2]*b[2])
	if na == 0 || nb == 0 {
		return math.Pi
	}
	c := (a[0]*b[0] + a[1]*b[1] + a[2]*b[2]) / (na * nb)
	return math.Acos(math.Max(-1, math.Min(1, c)))
}
