package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/drape/internal/blobs"
	"github.com/samcharles93/drape/internal/inference"
)

type EngineProvider interface {
	WithEngine(ctx context.Context, modelID string, fn func(engine inference.Engine, defaults inference.GenDefaults) error) error
}

type EngineProviderConfig struct {
	// DefaultModelPath is a checkpoint path or gs:// url used when a request
	// names no model.
	DefaultModelPath string
	ModelsPath       string
	// Loader is the template for every engine; its Checkpoint is replaced
	// by the resolved model.
	Loader inference.Loader
}

// CachedEngineProvider loads each checkpoint once. Engines are shared between
// concurrent requests.
type CachedEngineProvider struct {
	cfg   EngineProviderConfig
	mu    sync.Mutex
	cache map[string]*engineEntry
}

type engineEntry struct {
	once     sync.Once
	engine   inference.Engine
	defaults inference.GenDefaults
	err      error
}

const (
	EnvModelsDir        = "DRAPE_MODELS_DIR"
	checkpointExtension = ".safetensors"
)

func NewCachedEngineProvider(cfg EngineProviderConfig) *CachedEngineProvider {
	return &CachedEngineProvider{
		cfg:   cfg,
		cache: make(map[string]*engineEntry),
	}
}

func (p *CachedEngineProvider) WithEngine(ctx context.Context, modelID string, fn func(engine inference.Engine, defaults inference.GenDefaults) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	entry, err := p.getOrLoad(ctx, path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(entry.engine, entry.defaults)
}

// Close closes every loaded engine.
func (p *CachedEngineProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.cache {
		if entry.engine != nil {
			_ = entry.engine.Close()
		}
		delete(p.cache, key)
	}
	return nil
}

func (p *CachedEngineProvider) getOrLoad(ctx context.Context, path string) (*engineEntry, error) {
	p.mu.Lock()
	entry, ok := p.cache[path]
	if !ok {
		entry = &engineEntry{}
		p.cache[path] = entry
	}
	p.mu.Unlock()

	entry.once.Do(func() {
		loader := p.cfg.Loader
		loader.Checkpoint = path
		// Loading outlives the request that triggered it.
		result, err := loader.Load(context.WithoutCancel(ctx))
		if err != nil {
			entry.err = err
			return
		}
		entry.engine = result.Engine
		entry.defaults = result.GenerationDefaults
	})
	if entry.err != nil {
		p.mu.Lock()
		if p.cache[path] == entry {
			delete(p.cache, path)
		}
		p.mu.Unlock()
		return nil, entry.err
	}
	return entry, nil
}

// resolveModelPath maps a model id to a checkpoint. The empty path selects
// weights synthesized from the loader seed.
func (p *CachedEngineProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if looksLikePath(modelID) {
			if blobs.IsRemote(modelID) {
				return modelID, nil
			}
			return filepath.Clean(modelID), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", newInvalidRequest(fmt.Sprintf("models-path is required to resolve model %q", modelID))
		}
		if resolved := resolveInDir(modelsDir, modelID); resolved != "" {
			return resolved, nil
		}
		return "", newInvalidRequest(fmt.Sprintf("model %q not found in %s", modelID, modelsDir))
	}

	if p.cfg.DefaultModelPath != "" {
		if blobs.IsRemote(p.cfg.DefaultModelPath) {
			return p.cfg.DefaultModelPath, nil
		}
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", nil
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", nil
	case 1:
		return models[0], nil
	}
	return "", newInvalidRequest(fmt.Sprintf("multiple checkpoints found in %s; specify model", modelsDir))
}

// ListModels returns the ids of the known checkpoints.
func (p *CachedEngineProvider) ListModels() ([]string, error) {
	seen := map[string]struct{}{}
	if p.cfg.DefaultModelPath != "" {
		seen[modelName(p.cfg.DefaultModelPath)] = struct{}{}
	}
	if dir := p.modelsDir(); dir != "" {
		models, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, m := range models {
			seen[modelName(m)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (p *CachedEngineProvider) modelsDir() string {
	if strings.TrimSpace(p.cfg.ModelsPath) != "" {
		return strings.TrimSpace(p.cfg.ModelsPath)
	}
	return strings.TrimSpace(os.Getenv(EnvModelsDir))
}

func modelName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), checkpointExtension)
}

func looksLikePath(v string) bool {
	if blobs.IsRemote(v) || strings.Contains(v, string(filepath.Separator)) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(v), checkpointExtension)
}

func resolveInDir(dir, name string) string {
	if dir == "" {
		return ""
	}
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	if !strings.HasSuffix(strings.ToLower(name), checkpointExtension) {
		cand = filepath.Join(dir, name+checkpointExtension)
		if fileExists(cand) {
			return cand
		}
	}
	return ""
}

func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), checkpointExtension) {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	return models, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
