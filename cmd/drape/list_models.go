package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/drape/internal/logger"
	"github.com/urfave/cli/v3"
)

func listModelsCmd() *cli.Command {
	return &cli.Command{
		Name:    "list-models",
		Aliases: []string{"ls", "models"},
		Usage:   "List available checkpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models-path",
				Aliases:     []string{"path"},
				Usage:       "path to directory containing .safetensors checkpoints",
				Destination: &modelsPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if cfg.ModelsDir != "" && !cmd.IsSet("models-path") {
				modelsPath = cfg.ModelsDir
			}

			dir := strings.TrimSpace(modelsPath)
			if dir == "" {
				dir = strings.TrimSpace(os.Getenv(envModelsDir))
			}
			if dir == "" {
				return cli.Exit("error: --models-path is required unless "+envModelsDir+" is set", 1)
			}

			models, err := discoverCheckpoints(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(models) == 0 {
				log.Info("no checkpoints found", "path", dir)
				return nil
			}

			fmt.Printf("Checkpoints in %s:\n\n", dir)
			for _, m := range models {
				name := filepath.Base(m)
				info, err := os.Stat(m)
				if err != nil {
					fmt.Printf("  %s\n", name)
					continue
				}
				groups := ""
				if s, err := summarizeCheckpoint(m); err == nil {
					groups = s.groupList()
				} else {
					log.Debug("unreadable checkpoint", "path", m, "error", err)
				}
				fmt.Printf("  %-40s %8s  %s\n", name, formatSize(info.Size()), groups)
			}
			fmt.Printf("\n%d checkpoint(s) found\n", len(models))
			return nil
		},
	}
}
