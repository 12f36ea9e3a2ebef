package main

import (
	"github.com/samcharles93/drape/internal/inference"
	"github.com/urfave/cli/v3"
)

var (
	checkpointPath  string
	modelsPath      string
	cacheDir        string
	schedulerName   string
	schedulerConfig string
	device          string
	precision       string
	weightSeed      int64
	withControl     bool
	textMask        bool
	parallel        bool
	logLevel        string
	logFormat       string
	debug           bool

	cfg Config
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"model", "m"},
			Usage:       "path or gs:// url of a .safetensors checkpoint",
			Destination: &checkpointPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .safetensors checkpoints",
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "directory for downloaded checkpoints",
			Destination: &cacheDir,
		},
		&cli.StringFlag{
			Name:        "scheduler",
			Usage:       "default scheduler (ddim, pndm, lms, euler, euler_ancestral, dpmsolver_multistep)",
			Value:       "ddim",
			Destination: &schedulerName,
		},
		&cli.StringFlag{
			Name:        "scheduler-config",
			Usage:       "path to a scheduler_config.json",
			Destination: &schedulerConfig,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "execution device (cpu)",
			Value:       "cpu",
			Destination: &device,
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "tensor precision (f32, f16, bf16)",
			Value:       "f32",
			Destination: &precision,
		},
		&cli.Int64Flag{
			Name:        "weight-seed",
			Usage:       "seed for synthesized weights when no checkpoint is given",
			Value:       0,
			Destination: &weightSeed,
		},
		&cli.BoolFlag{
			Name:        "controlnet",
			Usage:       "attach a ControlNet",
			Destination: &withControl,
		},
		&cli.BoolFlag{
			Name:        "text-mask",
			Usage:       "pass the attention mask to the text encoder",
			Destination: &textMask,
		},
		&cli.BoolFlag{
			Name:        "parallel",
			Usage:       "evaluate guidance branches and decode samples concurrently",
			Destination: &parallel,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// newLoader builds an engine loader from the common model flags.
func newLoader(checkpoint string) inference.Loader {
	return inference.Loader{
		Checkpoint:          checkpoint,
		CacheDir:            cacheDir,
		SchedulerConfigPath: schedulerConfig,
		Scheduler:           schedulerName,
		Device:              device,
		Precision:           precision,
		Seed:                weightSeed,
		Control:             withControl,
		TextMask:            textMask,
		Parallel:            parallel,
	}
}
