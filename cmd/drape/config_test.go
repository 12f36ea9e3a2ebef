package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"
)

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `models_dir: /srv/garments
scheduler: euler
precision: bf16
parallel: true
steps: 30
guidance_scale: 5.5
log_format: json
server_address: 0.0.0.0:9000
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c := loadConfigFile(path)
	if c.ModelsDir != "/srv/garments" || c.Scheduler != "euler" || c.Precision != "bf16" {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.Parallel == nil || !*c.Parallel || c.Steps == nil || *c.Steps != 30 || *c.GuidanceScale != 5.5 {
		t.Fatalf("pointer fields not decoded: %+v", c)
	}
	if c.Width != nil {
		t.Fatalf("width should be unset")
	}

	t.Setenv(envConfig, path)
	if got := LoadConfig(); got.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("LoadConfig via env read %q", got.ServerAddress)
	}
	if got := loadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); got.ModelsDir != "" {
		t.Fatalf("missing file produced %+v", got)
	}
}

func TestApplyModelConfigRespectsFlags(t *testing.T) {
	parallelOn := true
	c := Config{Scheduler: "euler", Precision: "f16", ModelsDir: "/models", Parallel: &parallelOn}

	cmd := &cli.Command{
		Name:  "drape",
		Flags: commonModelFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, c)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"drape", "--scheduler", "pndm"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if schedulerName != "pndm" {
		t.Fatalf("flag was overridden by config: %q", schedulerName)
	}
	if precision != "f16" || modelsPath != "/models" || !parallel {
		t.Fatalf("config not applied: precision=%q models=%q parallel=%v", precision, modelsPath, parallel)
	}
}

func TestApplyGenerateConfig(t *testing.T) {
	steps30, w := int64(30), int64(768)
	c := Config{Steps: &steps30, Width: &w, OutputDir: "/renders"}

	var (
		steps, width, height int64 = 50, 512, 640
		guidance, imageScale       = 7.5, 1.0
		out                        string
	)
	cmd := &cli.Command{
		Name: "generate",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "steps", Destination: &steps},
			&cli.Int64Flag{Name: "width", Destination: &width},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyGenerateConfig(cmd, c, &steps, &guidance, &imageScale, &width, &height, &out)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"generate", "--width", "256"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if steps != 30 || width != 256 || height != 640 || out != "/renders" {
		t.Fatalf("steps=%d width=%d height=%d out=%q", steps, width, height, out)
	}
}
