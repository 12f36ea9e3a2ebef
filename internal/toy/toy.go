// Package toy provides small deterministic implementations of every network
// the sampler talks to. They are cheap enough to run a full 50-step sample on
// a CPU in seconds and are used by tests, benchmarks and the CLI when no
// production weights are available.
package toy

import (
	"fmt"
	"math"

	"github.com/samcharles93/drape/internal/checkpoint"
	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/tensor"
)

const (
	LatentChannels = 4
	Downscale      = 8
	ScalingFactor  = 0.18215

	HiddenDim  = 8  // denoiser width
	TextDim    = 32 // text and projected image embedding width
	VisionDim  = 16 // image encoder width
	ProjTokens = 4

	textLayers   = 4
	visionLayers = 3
	timeFreqs    = 4
	vocabBuckets = 1024
	patchGrid    = 4
)

// Blocks are the denoiser's attention blocks in evaluation order.
var Blocks = []string{"down_blocks.0", "mid_block", "up_blocks.1"}

// LayerName is the self-attention processor name reported for block.
func LayerName(block string) string {
	return block + ".attentions.0.transformer_blocks.0.attn1.processor"
}

// Options selects how the toy components are built.
type Options struct {
	Seed int64
	// Checkpoint supplies the denoiser, reference, projector and adapter
	// weights. When nil they are synthesized from Seed.
	Checkpoint *checkpoint.Checkpoint
	// Control adds a ControlNet.
	Control bool
	// TextMask makes the text encoder honour the attention mask.
	TextMask bool
}

// Build returns a full component set.
func Build(opts Options) (model.Components, error) {
	ck := opts.Checkpoint
	if ck == nil {
		ck = Checkpoint(opts.Seed)
	}
	ref, err := NewUNet(ck.Groups[checkpoint.Reference], nil)
	if err != nil {
		return model.Components{}, fmt.Errorf("reference net: %w", err)
	}
	unet, err := NewUNet(ck.Groups[checkpoint.Denoiser], ck.Groups[checkpoint.Adapter])
	if err != nil {
		return model.Components{}, fmt.Errorf("denoiser: %w", err)
	}
	proj, err := NewProjector(ck.Groups[checkpoint.ImageProj])
	if err != nil {
		return model.Components{}, fmt.Errorf("image projector: %w", err)
	}
	c := model.Components{
		Tokenizer:    NewTokenizer(),
		TextEncoder:  NewTextEncoder(opts.Seed, opts.TextMask),
		ImageEncoder: NewImageEncoder(opts.Seed),
		Projector:    proj,
		Codec:        BoxCodec{},
		Reference:    ref,
		Denoiser:     unet,
	}
	if opts.Control {
		c.Control = NewControlNet(opts.Seed)
	}
	return c, nil
}

// Checkpoint synthesizes the four weight groups from seed. Building from it
// gives the same networks as building with no checkpoint.
func Checkpoint(seed int64) *checkpoint.Checkpoint {
	c := checkpoint.New()
	c.Groups[checkpoint.Reference] = unetWeights(tensor.NewGenerator(seed + 1))
	c.Groups[checkpoint.Denoiser] = unetWeights(tensor.NewGenerator(seed + 2))
	c.Groups[checkpoint.ImageProj] = projWeights(tensor.NewGenerator(seed + 3))
	c.Groups[checkpoint.Adapter] = adapterWeights(tensor.NewGenerator(seed + 4))
	return c
}

// seeded draws an r×c matrix with variance 1/c.
func seeded(g *tensor.Generator, r, c int) *tensor.Tensor {
	return tensor.Randn(g, r, c).Scale(float32(1 / math.Sqrt(float64(c))))
}

func seededMat(g *tensor.Generator, r, c int) tensor.Mat {
	m, _ := tensor.MatFromTensor(seeded(g, r, c))
	return m
}

func loadMat(w checkpoint.Weights, name string, r, c int) (tensor.Mat, error) {
	t, ok := w[name]
	if !ok {
		return tensor.Mat{}, fmt.Errorf("missing weight %q", name)
	}
	if !tensor.ShapeEqual(t.Shape, []int{r, c}) {
		return tensor.Mat{}, fmt.Errorf("weight %q has shape %v, want [%d %d]", name, t.Shape, r, c)
	}
	return tensor.MatFromTensor(t)
}

func loadScalar(w checkpoint.Weights, name string) (float32, error) {
	t, ok := w[name]
	if !ok {
		return 0, fmt.Errorf("missing weight %q", name)
	}
	if t.Numel() != 1 {
		return 0, fmt.Errorf("weight %q has shape %v, want a scalar", name, t.Shape)
	}
	return t.Data[0], nil
}

// timeFeatures is the sinusoidal embedding of a timestep.
func timeFeatures(t float64) []float32 {
	out := make([]float32, 2*timeFreqs)
	for j := 0; j < timeFreqs; j++ {
		f := math.Exp(-math.Log(10000) * float64(j) / timeFreqs)
		out[j] = float32(math.Sin(t * f))
		out[timeFreqs+j] = float32(math.Cos(t * f))
	}
	return out
}

// meanRows averages n rows of width d stored contiguously in rows.
func meanRows(dst, rows []float32, d int) {
	clear(dst)
	n := len(rows) / d
	if n == 0 {
		return
	}
	for r := 0; r < n; r++ {
		row := rows[r*d : (r+1)*d]
		for i, v := range row {
			dst[i] += v
		}
	}
	inv := 1 / float32(n)
	for i := range dst {
		dst[i] *= inv
	}
}

func tanhInto(dst []float32) {
	for i, v := range dst {
		dst[i] = tensor.Tanh(v)
	}
}
