package toy

import (
	"context"
	"strings"
	"testing"

	"github.com/samcharles93/drape/internal/attncache"
	"github.com/samcharles93/drape/internal/checkpoint"
	"github.com/samcharles93/drape/internal/guidance"
	"github.com/samcharles93/drape/internal/model"
	"github.com/samcharles93/drape/internal/tensor"
)

func blockyImage(b, h, w int) *tensor.Tensor {
	img := tensor.New(b, 3, h, w)
	for n := 0; n < b; n++ {
		for c := 0; c < 3; c++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					v := float32((y/Downscale+2*(x/Downscale)+c+n)%5)/2 - 1
					img.Data[((n*3+c)*h+y)*w+x] = v
				}
			}
		}
	}
	return img
}

func TestBoxCodecRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	img := blockyImage(2, 32, 48)
	lat, err := BoxCodec{}.Encode(ctx, img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := []int{2, LatentChannels, 4, 6}; !tensor.ShapeEqual(lat.Shape, want) {
		t.Fatalf("latent shape = %v, want %v", lat.Shape, want)
	}
	back, err := BoxCodec{}.Decode(ctx, lat)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d := tensor.MaxAbsDiff(img, back); d > 1e-6 {
		t.Fatalf("round trip error %g", d)
	}

	if _, err := (BoxCodec{}).Encode(ctx, tensor.New(1, 3, 30, 32)); err == nil {
		t.Fatalf("expected error for size not divisible by %d", Downscale)
	}
}

func TestTokenizerAddsMarkersAndDecodes(t *testing.T) {
	t.Parallel()

	tok := NewTokenizer()
	ids, err := tok.Encode("A beautiful woman, wearing a dress")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if ids[0] != BOS || ids[len(ids)-1] != EOS || len(ids) != 8 {
		t.Fatalf("ids = %v", ids)
	}
	if ids[1] != ids[5] {
		t.Fatalf("same word hashed differently: %v", ids)
	}
	if got := tok.Decode(ids[3:5]); got != "woman wearing" {
		t.Fatalf("decode = %q", got)
	}
	empty, _ := tok.Encode("")
	if len(empty) != 2 {
		t.Fatalf("empty prompt ids = %v", empty)
	}
}

func TestTextEncoderHiddenStates(t *testing.T) {
	t.Parallel()

	enc := NewTextEncoder(7, false)
	ids := make([]int, MaxTokens)
	for i := range ids {
		ids[i] = EOS
	}
	ids[0], ids[1] = BOS, 1000
	out, err := enc.Forward(context.Background(), ids, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(out.Hidden) != textLayers+1 {
		t.Fatalf("hidden states = %d, want %d", len(out.Hidden), textLayers+1)
	}
	if want := []int{1, MaxTokens, TextDim}; !tensor.ShapeEqual(out.Last.Shape, want) {
		t.Fatalf("last shape = %v, want %v", out.Last.Shape, want)
	}
	if !out.Last.Equal(enc.FinalLayerNorm(out.Hidden[textLayers])) {
		t.Fatalf("last state is not the normalised final layer")
	}
	again, _ := enc.Forward(context.Background(), ids, nil)
	if !again.Last.Equal(out.Last) {
		t.Fatalf("text encoder is not deterministic")
	}
	if _, err := enc.Forward(context.Background(), make([]int, MaxTokens+1), nil); err == nil {
		t.Fatalf("expected error for overlong input")
	}
}

func TestTextEncoderMask(t *testing.T) {
	t.Parallel()

	ids := []int{BOS, 300, 301, EOS}
	ctx := context.Background()
	masked := NewTextEncoder(3, true)
	a, err := masked.Forward(ctx, ids, []int{1, 1, 0, 0})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	b, _ := masked.Forward(ctx, ids, nil)
	if a.Last.Equal(b.Last) {
		t.Fatalf("mask had no effect on a masking encoder")
	}
	plain := NewTextEncoder(3, false)
	c, _ := plain.Forward(ctx, ids, []int{1, 1, 0, 0})
	d, _ := plain.Forward(ctx, ids, nil)
	if !c.Last.Equal(d.Last) {
		t.Fatalf("mask changed a non-masking encoder")
	}
}

func TestImagePathShapes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	comps, err := Build(Options{Seed: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	img := blockyImage(1, 32, 32)
	hidden, err := comps.ImageEncoder.Penultimate(ctx, img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := []int{1, 1 + patchGrid*patchGrid, VisionDim}; !tensor.ShapeEqual(hidden.Shape, want) {
		t.Fatalf("hidden shape = %v, want %v", hidden.Shape, want)
	}
	proj, err := comps.Projector.Project(ctx, hidden)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if want := []int{1, ProjTokens, TextDim}; !tensor.ShapeEqual(proj.Shape, want) {
		t.Fatalf("projection shape = %v, want %v", proj.Shape, want)
	}
	zero, _ := comps.ImageEncoder.Penultimate(ctx, tensor.ZerosLike(img))
	if zero.Equal(hidden) {
		t.Fatalf("zero image gave the same hidden state")
	}
}

type recordingSink struct {
	layers []string
	shapes [][]int
}

func (r *recordingSink) Capture(layer string, hidden *tensor.Tensor) error {
	r.layers = append(r.layers, layer)
	r.shapes = append(r.shapes, append([]int(nil), hidden.Shape...))
	return nil
}

func TestUNetCaptureAndInjection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	comps, err := Build(Options{Seed: 5})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	latent := tensor.Randn(tensor.NewGenerator(1), 2, LatentChannels, 4, 3)
	encoder := tensor.Randn(tensor.NewGenerator(2), 2, MaxTokens, TextDim)

	sink := &recordingSink{}
	if err := comps.Reference.Capture(ctx, latent, 0, encoder, sink); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(sink.layers) != len(Blocks) {
		t.Fatalf("captured %v", sink.layers)
	}
	for i, l := range sink.layers {
		if !strings.HasSuffix(l, ".attn1.processor") {
			t.Fatalf("layer %q is not a self-attention processor", l)
		}
		if want := []int{2, 12, HiddenDim}; !tensor.ShapeEqual(sink.shapes[i], want) {
			t.Fatalf("layer %q shape = %v, want %v", l, sink.shapes[i], want)
		}
	}

	cache := attncache.New(1)
	err = cache.Warm(1, func(s attncache.Sink) error {
		return comps.Reference.Capture(ctx, latent, 0, encoder, s)
	})
	if err != nil {
		t.Fatalf("warm: %v", err)
	}

	x := latent.Batch(0)
	sc := model.StepContext{Timestep: 500, Encoder: encoder.Batch(1)}
	plain, err := comps.Denoiser.Forward(ctx, x, sc)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !plain.SameShape(x) {
		t.Fatalf("prediction shape %v, want %v", plain.Shape, x.Shape)
	}
	sc.Reference, sc.ImageScale = cache, 1
	injected, err := comps.Denoiser.Forward(ctx, x, sc)
	if err != nil {
		t.Fatalf("forward with reference: %v", err)
	}
	if injected.Equal(plain) {
		t.Fatalf("reference features had no effect")
	}
	sc.ImageScale = 0
	off, _ := comps.Denoiser.Forward(ctx, x, sc)
	if !off.Equal(plain) {
		t.Fatalf("image scale 0 should disable injection")
	}

	if _, err := comps.Denoiser.Forward(ctx, x, model.StepContext{Encoder: encoder.Batch(1), Reference: attncache.New(1)}); err == nil {
		t.Fatalf("expected error for a cold reference cache")
	}
}

func TestControlNetResiduals(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	comps, err := Build(Options{Seed: 9, Control: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	latent := tensor.Randn(tensor.NewGenerator(3), 1, LatentChannels, 4, 4)
	encoder := tensor.Randn(tensor.NewGenerator(4), 1, MaxTokens, TextDim)
	pose := blockyImage(1, 32, 32).Apply(func(v float32) float32 { return (v + 1) / 2 })

	res, err := comps.Control.Residuals(ctx, latent, 800, encoder, pose, 1)
	if err != nil {
		t.Fatalf("residuals: %v", err)
	}
	if len(res.Down) != 1 || res.Mid == nil {
		t.Fatalf("residuals = %+v", res)
	}
	zero, _ := comps.Control.Residuals(ctx, latent, 800, encoder, pose, 0)
	for _, v := range zero.Mid.Data {
		if v != 0 {
			t.Fatalf("scale 0 residual is non-zero")
		}
	}

	sc := model.StepContext{Timestep: 800, Encoder: encoder}
	base, _ := comps.Denoiser.Forward(ctx, latent, sc)
	sc.Control = res
	steered, err := comps.Denoiser.Forward(ctx, latent, sc)
	if err != nil {
		t.Fatalf("forward with control: %v", err)
	}
	if steered.Equal(base) {
		t.Fatalf("control residuals had no effect")
	}

	if _, err := comps.Control.Residuals(ctx, latent, 800, encoder, blockyImage(1, 16, 16), 1); err == nil {
		t.Fatalf("expected error for control image off the latent grid")
	}
}

func TestBuildFromCheckpointMatchesSeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	seeded, err := Build(Options{Seed: 11})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	loaded, err := Build(Options{Seed: 11, Checkpoint: Checkpoint(11)})
	if err != nil {
		t.Fatalf("build from checkpoint: %v", err)
	}
	latent := tensor.Randn(tensor.NewGenerator(5), 1, LatentChannels, 2, 2)
	sc := model.StepContext{Timestep: 10, Encoder: tensor.Randn(tensor.NewGenerator(6), 1, 4, TextDim)}
	a, _ := seeded.Denoiser.Forward(ctx, latent, sc)
	b, _ := loaded.Denoiser.Forward(ctx, latent, sc)
	if !a.Equal(b) {
		t.Fatalf("checkpoint build differs from seeded build")
	}

	broken := Checkpoint(11)
	delete(broken.Groups[checkpoint.Denoiser], "conv_in.weight")
	if _, err := Build(Options{Seed: 11, Checkpoint: broken}); err == nil {
		t.Fatalf("expected error for missing denoiser weight")
	}
}

func TestBatchedForwardMatchesSeparateCalls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	comps, err := Build(Options{Seed: 9})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	x := tensor.Randn(tensor.NewGenerator(3), 1, LatentChannels, 4, 3)
	neg := tensor.Randn(tensor.NewGenerator(4), 1, MaxTokens, TextDim)
	pos := tensor.Randn(tensor.NewGenerator(5), 1, MaxTokens, TextDim)

	uncond, err := comps.Denoiser.Forward(ctx, x, model.StepContext{Timestep: 700, Encoder: neg})
	if err != nil {
		t.Fatalf("uncond forward: %v", err)
	}
	cond, err := comps.Denoiser.Forward(ctx, x, model.StepContext{Timestep: 700, Encoder: pos})
	if err != nil {
		t.Fatalf("cond forward: %v", err)
	}

	doubled, err := tensor.Concat(x, x)
	if err != nil {
		t.Fatalf("concat latents: %v", err)
	}
	encoders, err := tensor.Concat(neg, pos)
	if err != nil {
		t.Fatalf("concat encoders: %v", err)
	}
	both, err := comps.Denoiser.Forward(ctx, doubled, model.StepContext{Timestep: 700, Encoder: encoders})
	if err != nil {
		t.Fatalf("batched forward: %v", err)
	}
	if d := tensor.MaxAbsDiff(both.Batch(0), uncond); d > 1e-6 {
		t.Fatalf("unconditional half differs by %g", d)
	}
	if d := tensor.MaxAbsDiff(both.Batch(1), cond); d > 1e-6 {
		t.Fatalf("conditional half differs by %g", d)
	}

	separate, err := guidance.Combine(uncond, cond, 5)
	if err != nil {
		t.Fatalf("combine separate: %v", err)
	}
	batched, err := guidance.Combine(both.Batch(0), both.Batch(1), 5)
	if err != nil {
		t.Fatalf("combine batched: %v", err)
	}
	if d := tensor.MaxAbsDiff(separate, batched); d > 1e-5 {
		t.Fatalf("guided prediction differs by %g", d)
	}
}
