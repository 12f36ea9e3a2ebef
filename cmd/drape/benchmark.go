package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/samcharles93/drape/internal/inference"
	"github.com/samcharles93/drape/internal/logger"
	"github.com/samcharles93/drape/internal/schedule"
	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/stat"
)

type benchResult struct {
	Duration   time.Duration
	StepsPerS  float64
	ModelCalls int
}

func benchmarkCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		steps      int64
		size       int64
		all        bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{Name: "warmup", Usage: "number of warmup runs", Value: 1, Destination: &warmupRuns},
		&cli.Int64Flag{Name: "runs", Usage: "number of benchmark runs", Value: 3, Destination: &benchRuns},
		&cli.Int64Flag{Name: "steps", Aliases: []string{"n"}, Usage: "denoising steps per run", Value: 20, Destination: &steps},
		&cli.Int64Flag{Name: "size", Usage: "square output size in pixels", Value: 256, Destination: &size},
		&cli.BoolFlag{Name: "all-schedulers", Usage: "benchmark every scheduler", Destination: &all},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Measure sampling throughput",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, cfg)
			log := logger.FromContext(ctx)

			ckpt, err := resolveCheckpoint(checkpointPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve checkpoint: %v", err), 1)
			}
			loadStart := time.Now()
			loaded, err := newLoader(ckpt).Load(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load: %v", err), 1)
			}
			defer func() { _ = loaded.Engine.Close() }()
			loadDuration := time.Since(loadStart)

			variants := []string{schedulerName}
			if all {
				variants = variants[:0]
				for _, e := range schedule.Entries() {
					variants = append(variants, string(e.Variant))
				}
			}

			fmt.Println("=== Drape Benchmark ===")
			fmt.Printf("Checkpoint: %s\n", displayCheckpoint(ckpt))
			fmt.Printf("Device:     %s (%s)\n", loaded.Pipeline.Options().Device, strings.Join(loaded.Pipeline.Options().Device.Features(), ","))
			fmt.Printf("Parallel:   %v\n", parallel)
			fmt.Printf("CPUs:       %d (GOMAXPROCS %d)\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Size:       %dx%d, %d steps\n", size, size, steps)
			fmt.Printf("Warmup:     %d runs, %d measured\n\n", warmupRuns, benchRuns)

			fmt.Printf("%-22s %12s %12s %10s %8s\n", "Scheduler", "mean", "stddev", "steps/s", "calls")
			for _, v := range variants {
				results, err := benchScheduler(ctx, loaded.Engine, v, int(size), int(steps), int(warmupRuns), int(benchRuns))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", v, err), 1)
				}
				log.Debug("scheduler benchmarked", "scheduler", v, "runs", len(results))
				durs := make([]float64, len(results))
				sps := make([]float64, len(results))
				for i, r := range results {
					durs[i] = r.Duration.Seconds()
					sps[i] = r.StepsPerS
				}
				mean, std := stat.MeanStdDev(durs, nil)
				if len(durs) < 2 {
					std = 0
				}
				fmt.Printf("%-22s %12s %12s %10.2f %8d\n", v,
					time.Duration(mean*float64(time.Second)).Round(time.Millisecond),
					time.Duration(std*float64(time.Second)).Round(time.Millisecond),
					stat.Mean(sps, nil), results[0].ModelCalls)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

func benchScheduler(ctx context.Context, engine inference.Engine, variant string, size, steps, warmup, runs int) ([]benchResult, error) {
	seed := int64(42)
	opts := inference.RequestOptions{
		Width:     &size,
		Height:    &size,
		Steps:     &steps,
		Seed:      &seed,
		Scheduler: &variant,
	}
	req, err := inference.ResolveRequest(opts, inference.GenDefaults{})
	if err != nil {
		return nil, err
	}
	req.Reference = benchReference()

	for range warmup {
		if _, err := engine.Generate(ctx, &req, nil); err != nil {
			return nil, fmt.Errorf("warmup: %w", err)
		}
	}
	results := make([]benchResult, 0, max(runs, 1))
	for range max(runs, 1) {
		res, err := engine.Generate(ctx, &req, nil)
		if err != nil {
			return nil, err
		}
		d := res.Stats.Duration
		results = append(results, benchResult{
			Duration:   d,
			StepsPerS:  float64(res.Stats.Timesteps) / max(d.Seconds(), 1e-9),
			ModelCalls: res.Stats.CondCalls + res.Stats.UncondCalls,
		})
	}
	return results, nil
}

// benchReference is a fixed striped garment-sized image.
func benchReference() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 192, 256))
	for y := range 256 {
		for x := range 192 {
			c := color.RGBA{R: uint8(40 + y/2), G: 60, B: uint8(200 - y/2), A: 255}
			if (x/16)%2 == 0 {
				c.G = 140
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func displayCheckpoint(path string) string {
	if path == "" {
		return fmt.Sprintf("synthesized (seed %d)", weightSeed)
	}
	if st, err := os.Stat(path); err == nil {
		return fmt.Sprintf("%s (%s)", path, formatSize(st.Size()))
	}
	return path
}
