package main

import (
	"context"
	"fmt"
	"os"

	"github.com/samcharles93/drape/internal/logger"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "drape",
		Usage: "Garment-conditioned latent diffusion sampler",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg = LoadConfig()
			applyLoggingConfig(cmd, cfg)
			level := logLevel
			if debug {
				level = "debug"
			}
			log, err := logger.Setup(os.Stderr, logFormat, level)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			generateCmd(),
			serveCmd(),
			benchmarkCmd(),
			schedulersCmd(),
			listModelsCmd(),
			inspectCmd(),
			initCheckpointCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
