package schedule

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

const (
	BetaLinear       = "linear"
	BetaScaledLinear = "scaled_linear"
	BetaSquaredCos   = "squaredcos_cap_v2"

	PredictEpsilon = "epsilon"
	PredictV       = "v_prediction"

	SpacingLeading  = "leading"
	SpacingLinspace = "linspace"
	SpacingTrailing = "trailing"
)

// Config mirrors the fields of a diffusers scheduler_config.json that the
// variants in this package read. Unknown keys are ignored.
type Config struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"`
	BetaStart         float64 `json:"beta_start"`
	BetaEnd           float64 `json:"beta_end"`
	BetaSchedule      string  `json:"beta_schedule"`
	ClipSample        bool    `json:"clip_sample"`
	ClipSampleRange   float64 `json:"clip_sample_range"`
	SetAlphaToOne     bool    `json:"set_alpha_to_one"`
	StepsOffset       int     `json:"steps_offset"`
	PredictionType    string  `json:"prediction_type"`
	// TimestepSpacing overrides the variant's default spacing when set.
	TimestepSpacing string `json:"timestep_spacing"`
	SolverOrder     int    `json:"solver_order"`
	LowerOrderFinal bool   `json:"lower_order_final"`
}

// DefaultConfig returns the Stable Diffusion 1.x schedule the dressing
// pipeline was trained with.
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      BetaScaledLinear,
		ClipSample:        false,
		ClipSampleRange:   1.0,
		SetAlphaToOne:     false,
		StepsOffset:       1,
		PredictionType:    PredictEpsilon,
		SolverOrder:       2,
		LowerOrderFinal:   true,
	}
}

// ParseConfig decodes a scheduler_config.json document over DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse scheduler config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

func (c Config) Validate() error {
	if c.NumTrainTimesteps <= 0 {
		return fmt.Errorf("scheduler config: num_train_timesteps must be positive")
	}
	if c.StepsOffset < 0 || c.StepsOffset >= c.NumTrainTimesteps {
		return fmt.Errorf("scheduler config: steps_offset %d out of range", c.StepsOffset)
	}
	switch c.BetaSchedule {
	case BetaLinear, BetaScaledLinear:
		if c.BetaStart <= 0 || c.BetaEnd <= c.BetaStart || c.BetaEnd >= 1 {
			return fmt.Errorf("scheduler config: invalid beta range [%v, %v]", c.BetaStart, c.BetaEnd)
		}
	case BetaSquaredCos:
	default:
		return fmt.Errorf("scheduler config: unsupported beta_schedule %q", c.BetaSchedule)
	}
	switch c.PredictionType {
	case PredictEpsilon, PredictV:
	default:
		return fmt.Errorf("scheduler config: unsupported prediction_type %q", c.PredictionType)
	}
	switch c.TimestepSpacing {
	case "", SpacingLeading, SpacingLinspace, SpacingTrailing:
	default:
		return fmt.Errorf("scheduler config: unsupported timestep_spacing %q", c.TimestepSpacing)
	}
	if c.SolverOrder < 0 || c.SolverOrder > 2 {
		return fmt.Errorf("scheduler config: solver_order %d unsupported", c.SolverOrder)
	}
	return nil
}

func (c Config) spacing(def string) string {
	if c.TimestepSpacing != "" {
		return c.TimestepSpacing
	}
	return def
}
