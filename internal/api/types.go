package api

// GenerationRequest is the body of POST /v1/images/generations. Images are
// base64 strings, optionally data URLs.
type GenerationRequest struct {
	Model          string       `json:"model,omitempty"`
	Prompt         *PromptValue `json:"prompt,omitempty"`
	NegativePrompt *PromptValue `json:"negative_prompt,omitempty"`
	NullPrompt     *string      `json:"null_prompt,omitempty"`

	ReferenceImage  string `json:"reference_image"`
	UseImageEncoder *bool  `json:"use_image_encoder,omitempty"`

	ControlImage         string   `json:"control_image,omitempty"`
	ControlScale         *float32 `json:"control_scale,omitempty"`
	ControlGuidanceStart *float64 `json:"control_guidance_start,omitempty"`
	ControlGuidanceEnd   *float64 `json:"control_guidance_end,omitempty"`

	Width         *int     `json:"width,omitempty"`
	Height        *int     `json:"height,omitempty"`
	Steps         *int     `json:"steps,omitempty"`
	GuidanceScale *float64 `json:"guidance_scale,omitempty"`
	ImageScale    *float32 `json:"image_scale,omitempty"`
	N             *int     `json:"n,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Eta           *float64 `json:"eta,omitempty"`
	ClipSkip      *int     `json:"clip_skip,omitempty"`
	Scheduler     *string  `json:"scheduler,omitempty"`

	Background *bool `json:"background,omitempty"`
}

type GenerationResponse struct {
	ID          string              `json:"id"`
	Object      string              `json:"object"`
	CreatedAt   int64               `json:"created_at"`
	CompletedAt *int64              `json:"completed_at,omitempty"`
	Status      string              `json:"status"`
	Background  bool                `json:"background"`
	Model       string              `json:"model,omitempty"`
	Progress    *GenerationProgress `json:"progress,omitempty"`
	Seed        int64               `json:"seed"`
	Data        []ImageData         `json:"data"`
	Usage       *GenerationUsage    `json:"usage,omitempty"`
	Error       *ResponseError      `json:"error,omitempty"`
}

type GenerationProgress struct {
	Step     int     `json:"step"`
	Total    int     `json:"total"`
	Timestep float64 `json:"timestep"`
}

type ImageData struct {
	Index   int    `json:"index"`
	B64JSON string `json:"b64_json"`
}

type GenerationUsage struct {
	Scheduler    string `json:"scheduler"`
	Timesteps    int    `json:"timesteps"`
	ModelCalls   int    `json:"model_calls"`
	ControlCalls int    `json:"control_calls,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

type DeleteGenerationResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type SchedulerInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Description string `json:"description"`
	Eta         bool   `json:"eta"`
	Generator   bool   `json:"generator"`
}

type ListResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// Generation statuses.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

func terminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
