package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/samcharles93/drape/internal/blobs"
	"github.com/samcharles93/drape/internal/checkpoint"
	"github.com/samcharles93/drape/internal/logger"
	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/pipeline"
	"github.com/samcharles93/drape/internal/schedule"
	"github.com/samcharles93/drape/internal/toy"
)

// MetadataGenerationConfig is the checkpoint metadata key holding a JSON
// GenDefaults object.
const MetadataGenerationConfig = "generation_config"

// Loader builds an engine from a checkpoint. Without a checkpoint the
// weights are synthesized from Seed.
type Loader struct {
	// Checkpoint is a safetensors path or a gs:// url.
	Checkpoint string
	// CacheDir receives downloaded checkpoints.
	CacheDir            string
	SchedulerConfigPath string
	Scheduler           string
	Device              string
	Precision           string
	Seed                int64
	Control             bool
	TextMask            bool
	Parallel            bool
}

type LoadResult struct {
	Engine             Engine
	Pipeline           *pipeline.Pipeline
	Checkpoint         *checkpoint.Checkpoint
	CheckpointPath     string
	GenerationDefaults GenDefaults
}

func (l Loader) Load(ctx context.Context) (*LoadResult, error) {
	log := logger.FromContext(ctx)

	opts := pipeline.DefaultOptions()
	opts.Parallel = l.Parallel
	if l.Scheduler != "" {
		v, err := schedule.ParseVariant(l.Scheduler)
		if err != nil {
			return nil, err
		}
		opts.Scheduler = v
	}
	if l.SchedulerConfigPath != "" {
		cfg, err := schedule.LoadConfig(l.SchedulerConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load scheduler config: %w", err)
		}
		opts.SchedulerConfig = cfg
	}
	device, err := model.ParseDevice(l.Device, l.Precision)
	if err != nil {
		return nil, err
	}
	opts.Device = device

	res := &LoadResult{}
	var ck *checkpoint.Checkpoint
	if l.Checkpoint != "" {
		cacheDir := l.CacheDir
		if cacheDir == "" {
			cacheDir = filepath.Join(os.TempDir(), "drape")
		}
		path, err := blobs.Fetch(ctx, l.Checkpoint, cacheDir)
		if err != nil {
			return nil, err
		}
		ckOpts := checkpoint.Options{}
		if l.Control {
			ckOpts.AdapterFilter = "ref"
		}
		if ck, err = checkpoint.Load(ctx, path, ckOpts); err != nil {
			return nil, err
		}
		res.CheckpointPath = path
		if res.GenerationDefaults, err = parseGenerationDefaults(ck.Metadata[MetadataGenerationConfig]); err != nil {
			return nil, err
		}
	}

	comps, err := toy.Build(toy.Options{Seed: l.Seed, Checkpoint: ck, Control: l.Control, TextMask: l.TextMask})
	if err != nil {
		return nil, fmt.Errorf("build networks: %w", err)
	}
	p, err := pipeline.New(comps, opts)
	if err != nil {
		return nil, err
	}
	log.Info("engine loaded",
		"checkpoint", l.Checkpoint,
		"scheduler", string(opts.Scheduler),
		"device", opts.Device.String(),
		"cpu_features", strings.Join(opts.Device.Features(), ","),
		"control", l.Control)

	res.Engine = NewEngine(p)
	res.Pipeline = p
	res.Checkpoint = ck
	return res, nil
}

// parseGenerationDefaults reads the checkpoint's generation_config. Malformed
// JSON is ignored; a scheduler name nothing recognises fails the load.
func parseGenerationDefaults(raw string) (GenDefaults, error) {
	if raw == "" {
		return GenDefaults{}, nil
	}
	var d GenDefaults
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return GenDefaults{}, nil
	}
	if d.Scheduler != nil {
		v, err := schedule.ParseVariant(*d.Scheduler)
		if err != nil {
			return GenDefaults{}, fmt.Errorf("%s: %w", MetadataGenerationConfig, err)
		}
		name := string(v)
		d.Scheduler = &name
	}
	return d, nil
}
