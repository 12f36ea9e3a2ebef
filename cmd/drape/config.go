package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the drape configuration file (~/.config/drape/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir  string `yaml:"models_dir"`
	Checkpoint string `yaml:"checkpoint"`
	CacheDir   string `yaml:"cache_dir"`

	Scheduler       string `yaml:"scheduler"`
	SchedulerConfig string `yaml:"scheduler_config"`
	Device          string `yaml:"device"`
	Precision       string `yaml:"precision"`
	Parallel        *bool  `yaml:"parallel"`

	// Generation defaults
	Steps         *int64   `yaml:"steps"`
	GuidanceScale *float64 `yaml:"guidance_scale"`
	ImageScale    *float64 `yaml:"image_scale"`
	Width         *int64   `yaml:"width"`
	Height        *int64   `yaml:"height"`
	OutputDir     string   `yaml:"output_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "drape", "config.yaml")
}

// LoadConfig reads the config file. A missing or unreadable file yields a
// zero Config.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}
	}
	return c
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig fills the common model flags the user did not set.
func applyModelConfig(c *cli.Command, cfg Config) {
	setString := func(flag string, dst *string, v string) {
		if v != "" && !c.IsSet(flag) {
			*dst = v
		}
	}
	setString("models-path", &modelsPath, cfg.ModelsDir)
	setString("checkpoint", &checkpointPath, cfg.Checkpoint)
	setString("cache-dir", &cacheDir, cfg.CacheDir)
	setString("scheduler", &schedulerName, cfg.Scheduler)
	setString("scheduler-config", &schedulerConfig, cfg.SchedulerConfig)
	setString("device", &device, cfg.Device)
	setString("precision", &precision, cfg.Precision)
	if cfg.Parallel != nil && !c.IsSet("parallel") {
		parallel = *cfg.Parallel
	}
}

func applyGenerateConfig(c *cli.Command, cfg Config,
	steps *int64, guidance *float64, imageScale *float64, width *int64, height *int64, outDir *string,
) {
	if cfg.Steps != nil && !c.IsSet("steps") {
		*steps = *cfg.Steps
	}
	if cfg.GuidanceScale != nil && !c.IsSet("guidance-scale") {
		*guidance = *cfg.GuidanceScale
	}
	if cfg.ImageScale != nil && !c.IsSet("image-scale") {
		*imageScale = *cfg.ImageScale
	}
	if cfg.Width != nil && !c.IsSet("width") {
		*width = *cfg.Width
	}
	if cfg.Height != nil && !c.IsSet("height") {
		*height = *cfg.Height
	}
	if cfg.OutputDir != "" && !c.IsSet("out") {
		*outDir = cfg.OutputDir
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
