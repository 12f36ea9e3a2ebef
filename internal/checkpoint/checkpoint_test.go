package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/samcharles93/drape/internal/safetensors"
	"github.com/samcharles93/drape/internal/tensor"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		group Group
		rel   string
		ok    bool
	}{
		{"ref_unet.conv_in.weight", Reference, "conv_in.weight", true},
		{"unet.mid_block.w1", Denoiser, "mid_block.w1", true},
		{"proj.queries", ImageProj, "queries", true},
		{"adapter_modules.0.to_k_ref.weight", Adapter, "0.to_k_ref.weight", true},
		{"unetx.weight", "", "", false},
		{"text_model.embeddings", "", "", false},
	}
	for _, tc := range cases {
		g, rel, ok := Classify(tc.name)
		if g != tc.group || rel != tc.rel || ok != tc.ok {
			t.Fatalf("Classify(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.name, g, rel, ok, tc.group, tc.rel, tc.ok)
		}
	}
}

func TestAssignAdapterFilter(t *testing.T) {
	t.Parallel()

	x := tensor.Full(1, 2)
	c := New()
	opts := Options{AdapterFilter: "ref"}
	if !c.Assign("adapter_modules.0.to_k_ref.weight", x, opts) {
		t.Fatalf("ref adapter weight was filtered")
	}
	if c.Assign("adapter_modules.0.to_k_ip.weight", x, opts) {
		t.Fatalf("non-ref adapter weight survived the filter")
	}
	if c.Assign("vae.decoder.weight", x, opts) {
		t.Fatalf("unknown weight was assigned")
	}
	if len(c.Groups[Adapter]) != 1 || len(c.Unassigned) != 1 {
		t.Fatalf("adapter=%d unassigned=%v", len(c.Groups[Adapter]), c.Unassigned)
	}
	if _, err := c.Group(Denoiser); err == nil {
		t.Fatalf("expected error for empty group")
	}
}

func TestSaveLoadPartitions(t *testing.T) {
	t.Parallel()

	c := New()
	c.Groups[Reference]["w"] = tensor.Full(0.5, 2, 2)
	c.Groups[Denoiser]["w"] = tensor.Full(-1, 2, 2)
	c.Groups[ImageProj]["queries"] = tensor.Full(2, 4, 3)
	c.Groups[Adapter]["0.ref"] = tensor.Full(0.25, 3)
	path := filepath.Join(t.TempDir(), "ckpt.safetensors")
	if err := c.Save(path, "F32", map[string]string{"seed": "1"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, g := range Groups {
		if len(got.Groups[g]) != len(c.Groups[g]) {
			t.Fatalf("group %s has %d tensors, want %d", g, len(got.Groups[g]), len(c.Groups[g]))
		}
		for name, want := range c.Groups[g] {
			if !got.Groups[g][name].Equal(want) {
				t.Fatalf("%s.%s differs after round trip", g, name)
			}
		}
	}
	// The two networks keep separate weights even with equal relative names.
	if got.Groups[Reference]["w"].Equal(got.Groups[Denoiser]["w"]) {
		t.Fatalf("reference and denoiser weights collapsed")
	}
	if p := got.Groups[ImageProj].Params(); p != 12 {
		t.Fatalf("proj params = %d, want 12", p)
	}
}

func TestLoadSkipsUnknownNames(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mixed.safetensors")
	err := safetensors.Write(path, map[string]*tensor.Tensor{
		"unet.w":          tensor.Full(1, 2),
		"text_encoder.w":  tensor.Full(1, 2),
		"first_stage.enc": tensor.Full(1, 1),
	}, "F16", nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Unassigned) != 2 {
		t.Fatalf("unassigned = %v, want 2 names", c.Unassigned)
	}
	if names := c.Groups[Denoiser].Names(); len(names) != 1 || names[0] != "w" {
		t.Fatalf("denoiser names = %v", names)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope"), Options{}); err == nil {
		t.Fatalf("expected error")
	}
}
