package main

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/samcharles93/drape/internal/imageio"
	"github.com/samcharles93/drape/internal/inference"
	"github.com/samcharles93/drape/internal/logger"
	"github.com/urfave/cli/v3"
)

type generateOptions struct {
	prompts         []string
	negatives       []string
	reference       string
	control         string
	useImageEncoder bool
	controlScale    float64
	controlStart    float64
	controlEnd      float64
	width, height   int64
	steps           int64
	guidance        float64
	imageScale      float64
	samples         int64
	seed            int64
	eta             float64
	clipSkip        int64
	scheduler       string
	outDir          string
	prefix          string
	grid            bool
	quiet           bool
}

func generateCmd() *cli.Command {
	var o generateOptions

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.StringSliceFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "prompt; repeat for a batch", Destination: &o.prompts},
		&cli.StringSliceFlag{Name: "negative-prompt", Usage: "negative prompt; repeat to match --prompt", Destination: &o.negatives},
		&cli.StringFlag{Name: "reference", Aliases: []string{"r"}, Usage: "garment reference image", Required: true, Destination: &o.reference},
		&cli.BoolFlag{Name: "image-encoder", Usage: "also condition on image-encoder features of the reference", Destination: &o.useImageEncoder},
		&cli.StringFlag{Name: "control", Usage: "control image (requires --controlnet)", Destination: &o.control},
		&cli.FloatFlag{Name: "control-scale", Value: 1, Destination: &o.controlScale},
		&cli.FloatFlag{Name: "control-start", Usage: "fraction of steps before control starts", Value: 0, Destination: &o.controlStart},
		&cli.FloatFlag{Name: "control-end", Usage: "fraction of steps after which control stops", Value: 1, Destination: &o.controlEnd},
		&cli.Int64Flag{Name: "width", Value: 512, Destination: &o.width},
		&cli.Int64Flag{Name: "height", Value: 640, Destination: &o.height},
		&cli.Int64Flag{Name: "steps", Aliases: []string{"n"}, Value: 50, Destination: &o.steps},
		&cli.FloatFlag{Name: "guidance-scale", Aliases: []string{"cfg"}, Value: 7.5, Destination: &o.guidance},
		&cli.FloatFlag{Name: "image-scale", Usage: "strength of the reference features", Value: 1, Destination: &o.imageScale},
		&cli.Int64Flag{Name: "samples", Usage: "images per prompt", Value: 1, Destination: &o.samples},
		&cli.Int64Flag{Name: "seed", Usage: "noise seed (-1 for random)", Value: -1, Destination: &o.seed},
		&cli.FloatFlag{Name: "eta", Usage: "DDIM eta", Value: 0, Destination: &o.eta},
		&cli.Int64Flag{Name: "clip-skip", Value: 0, Destination: &o.clipSkip},
		&cli.StringFlag{Name: "sample-scheduler", Usage: "scheduler for this run only", Destination: &o.scheduler},
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory (default $DRAPE_OUTPUT_DIR or ./out)", Destination: &o.outDir},
		&cli.StringFlag{Name: "prefix", Value: "drape", Destination: &o.prefix},
		&cli.BoolFlag{Name: "grid", Usage: "also write all samples as one grid image", Destination: &o.grid},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "hide the progress line", Destination: &o.quiet},
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Render garment images from a reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, cfg)
			applyGenerateConfig(cmd, cfg, &o.steps, &o.guidance, &o.imageScale, &o.width, &o.height, &o.outDir)
			if err := runGenerate(ctx, cmd, &o); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func runGenerate(ctx context.Context, cmd *cli.Command, o *generateOptions) error {
	log := logger.FromContext(ctx)

	ckpt, err := resolveCheckpoint(checkpointPath, modelsPath, os.Stdin, os.Stderr)
	if err != nil {
		return fmt.Errorf("resolve checkpoint: %w", err)
	}
	outDir, err := resolveOutputDir(o.outDir)
	if err != nil {
		return err
	}
	ref, err := imageio.Load(o.reference)
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	var control image.Image
	if o.control != "" {
		if control, err = imageio.Load(o.control); err != nil {
			return fmt.Errorf("control: %w", err)
		}
	}

	loaded, err := newLoader(ckpt).Load(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = loaded.Engine.Close() }()

	req, err := inference.ResolveRequest(o.requestOptions(cmd), loaded.GenerationDefaults)
	if err != nil {
		return err
	}
	req.Reference = ref
	req.Control = control

	var progress inference.ProgressFunc
	if !o.quiet {
		progress = func(p inference.Progress) {
			_, _ = fmt.Fprintf(os.Stderr, "\rstep %d/%d  t=%-6.1f", p.Step, p.Total, p.Timestep)
			if p.Step == p.Total {
				_, _ = fmt.Fprintln(os.Stderr)
			}
		}
	}
	res, err := loaded.Engine.Generate(ctx, &req, progress)
	if err != nil {
		return err
	}

	for i, img := range res.Images {
		path := filepath.Join(outDir, fmt.Sprintf("%s-%d-%02d.png", o.prefix, res.Seed, i))
		if err := imageio.Save(path, img); err != nil {
			return err
		}
		fmt.Println(path)
	}
	if o.grid && len(res.Images) > 1 {
		rows, cols := gridShape(len(res.Images))
		g, err := imageio.Grid(res.Images, rows, cols)
		if err != nil {
			return err
		}
		path := filepath.Join(outDir, fmt.Sprintf("%s-%d-grid.png", o.prefix, res.Seed))
		if err := imageio.Save(path, g); err != nil {
			return err
		}
		fmt.Println(path)
	}
	log.Info("generation finished",
		"images", len(res.Images),
		"seed", res.Seed,
		"scheduler", string(res.Stats.Scheduler),
		"model_calls", res.Stats.CondCalls+res.Stats.UncondCalls,
		"duration", res.Stats.Duration)
	return nil
}

// requestOptions passes through only the flags the user set so checkpoint
// defaults still apply to the rest.
func (o *generateOptions) requestOptions(cmd *cli.Command) inference.RequestOptions {
	opts := inference.RequestOptions{
		Prompts:         o.prompts,
		NegativePrompts: o.negatives,
	}
	set := func(name string) bool { return cmd.IsSet(name) || cfgSets(name) }
	if o.useImageEncoder {
		opts.UseImageEncoder = &o.useImageEncoder
	}
	if o.control != "" {
		scale := float32(o.controlScale)
		opts.ControlScale = &scale
		opts.ControlStart = &o.controlStart
		opts.ControlEnd = &o.controlEnd
	}
	if set("width") {
		w := int(o.width)
		opts.Width = &w
	}
	if set("height") {
		h := int(o.height)
		opts.Height = &h
	}
	if set("steps") {
		n := int(o.steps)
		opts.Steps = &n
	}
	if set("guidance-scale") {
		opts.GuidanceScale = &o.guidance
	}
	if set("image-scale") {
		s := float32(o.imageScale)
		opts.ImageScale = &s
	}
	if cmd.IsSet("samples") {
		n := int(o.samples)
		opts.SamplesPerPrompt = &n
	}
	opts.Seed = &o.seed
	if cmd.IsSet("eta") {
		opts.Eta = &o.eta
	}
	if cmd.IsSet("clip-skip") {
		n := int(o.clipSkip)
		opts.ClipSkip = &n
	}
	if o.scheduler != "" {
		opts.Scheduler = &o.scheduler
	}
	return opts
}

// cfgSets reports whether the config file supplied a generation default.
func cfgSets(flag string) bool {
	switch flag {
	case "width":
		return cfg.Width != nil
	case "height":
		return cfg.Height != nil
	case "steps":
		return cfg.Steps != nil
	case "guidance-scale":
		return cfg.GuidanceScale != nil
	case "image-scale":
		return cfg.ImageScale != nil
	}
	return false
}

// gridShape picks the most square rows×cols layout holding exactly n images.
func gridShape(n int) (rows, cols int) {
	rows = int(math.Sqrt(float64(n)))
	for rows > 1 && n%rows != 0 {
		rows--
	}
	return rows, n / rows
}
