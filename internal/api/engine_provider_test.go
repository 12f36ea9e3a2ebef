package api

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/samcharles93/drape/internal/inference"
	"github.com/samcharles93/drape/internal/toy"
)

func TestCachedEngineProviderListModelsFromDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "alpha.safetensors"), "a")
	mustWriteFile(t, filepath.Join(dir, "beta.safetensors"), "b")
	mustWriteFile(t, filepath.Join(dir, "notes.txt"), "x")

	provider := NewCachedEngineProvider(EngineProviderConfig{ModelsPath: dir})
	models, err := provider.ListModels()
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}

	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(models, want) {
		t.Fatalf("ListModels() = %v, want %v", models, want)
	}
}

func TestCachedEngineProviderListModelsIncludesDefaultModel(t *testing.T) {
	t.Parallel()

	provider := NewCachedEngineProvider(EngineProviderConfig{DefaultModelPath: "/models/garments.safetensors"})
	models, err := provider.ListModels()
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}

	want := []string{"garments"}
	if !reflect.DeepEqual(models, want) {
		t.Fatalf("ListModels() = %v, want %v", models, want)
	}
}

func TestResolveModelPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "alpha.safetensors"), "a")
	p := NewCachedEngineProvider(EngineProviderConfig{ModelsPath: dir})

	cases := map[string]string{
		"":                           filepath.Join(dir, "alpha.safetensors"),
		"alpha":                      filepath.Join(dir, "alpha.safetensors"),
		"alpha.safetensors":          "alpha.safetensors",
		"/abs/x.safetensors":         "/abs/x.safetensors",
		"gs://bucket/ck.safetensors": "gs://bucket/ck.safetensors",
	}
	for id, want := range cases {
		got, err := p.resolveModelPath(id)
		if err != nil || got != want {
			t.Fatalf("resolveModelPath(%q) = %q, %v; want %q", id, got, err, want)
		}
	}
	if _, err := p.resolveModelPath("missing"); err == nil {
		t.Fatalf("expected error for unknown model")
	}

	mustWriteFile(t, filepath.Join(dir, "beta.safetensors"), "b")
	if _, err := p.resolveModelPath(""); err == nil {
		t.Fatalf("expected error with several checkpoints and no model")
	}

	empty := NewCachedEngineProvider(EngineProviderConfig{ModelsPath: t.TempDir()})
	if got, err := empty.resolveModelPath(""); err != nil || got != "" {
		t.Fatalf("empty dir resolved to %q, %v", got, err)
	}
}

func TestCachedEngineProviderLoadsOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ck.safetensors")
	if err := toy.Checkpoint(3).Save(path, "F32", nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	p := NewCachedEngineProvider(EngineProviderConfig{DefaultModelPath: path, Loader: inference.Loader{Seed: 3}})
	defer func() { _ = p.Close() }()

	var first, second inference.Engine
	if err := p.WithEngine(context.Background(), "", func(e inference.Engine, _ inference.GenDefaults) error {
		first = e
		return nil
	}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := p.WithEngine(context.Background(), "", func(e inference.Engine, _ inference.GenDefaults) error {
		second = e
		return nil
	}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("engine was loaded twice")
	}

	bad := NewCachedEngineProvider(EngineProviderConfig{DefaultModelPath: filepath.Join(t.TempDir(), "none.safetensors")})
	if err := bad.WithEngine(context.Background(), "", func(inference.Engine, inference.GenDefaults) error { return nil }); err == nil {
		t.Fatalf("expected load error")
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
