// Package checkpoint splits a dressing checkpoint into the weight groups the
// sampler's networks load from.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samcharles93/drape/internal/logger"
	"github.com/samcharles93/drape/internal/safetensors"
	"github.com/samcharles93/drape/internal/tensor"
)

// Group names one disjoint set of weights inside a checkpoint.
type Group string

const (
	Reference Group = "ref_unet"
	Denoiser  Group = "unet"
	ImageProj Group = "proj"
	Adapter   Group = "adapter_modules"
)

// Groups lists every group in checkpoint order.
var Groups = []Group{Reference, Denoiser, ImageProj, Adapter}

// Weights maps a name, relative to its group prefix, to a tensor.
type Weights map[string]*tensor.Tensor

// Names returns the weight names in sorted order.
func (w Weights) Names() []string {
	out := make([]string, 0, len(w))
	for k := range w {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Params counts the scalar parameters in w.
func (w Weights) Params() int {
	n := 0
	for _, t := range w {
		n += t.Numel()
	}
	return n
}

// Checkpoint holds the grouped weights of one file.
type Checkpoint struct {
	Groups map[Group]Weights
	// Unassigned lists names that matched no group prefix.
	Unassigned []string
	// Metadata is the safetensors header metadata of a loaded file.
	Metadata map[string]string
}

func New() *Checkpoint {
	c := &Checkpoint{Groups: make(map[Group]Weights, len(Groups))}
	for _, g := range Groups {
		c.Groups[g] = Weights{}
	}
	return c
}

// Group returns the weights of g, or an error if the group is empty.
func (c *Checkpoint) Group(g Group) (Weights, error) {
	w := c.Groups[g]
	if len(w) == 0 {
		return nil, fmt.Errorf("checkpoint: group %q is empty", g)
	}
	return w, nil
}

// Options controls how names are assigned to groups.
type Options struct {
	// AdapterFilter keeps only adapter weights whose name contains the
	// substring. The pose-conditioned checkpoint uses "ref".
	AdapterFilter string
}

// Assign places name into its group, stripping the group prefix. It reports
// false when the name matches no group or is filtered out.
func (c *Checkpoint) Assign(name string, t *tensor.Tensor, opts Options) bool {
	g, rel, ok := Classify(name)
	if !ok {
		c.Unassigned = append(c.Unassigned, name)
		return false
	}
	if g == Adapter && opts.AdapterFilter != "" && !strings.Contains(rel, opts.AdapterFilter) {
		return false
	}
	c.Groups[g][rel] = t
	return true
}

// Classify splits a flat checkpoint name into its group and relative name.
func Classify(name string) (Group, string, bool) {
	for _, g := range Groups {
		prefix := string(g) + "."
		if strings.HasPrefix(name, prefix) {
			return g, strings.TrimPrefix(name, prefix), true
		}
	}
	return "", "", false
}

// Flatten is the inverse of Assign: it prefixes every weight with its group.
func (c *Checkpoint) Flatten() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	for g, w := range c.Groups {
		for name, t := range w {
			out[string(g)+"."+name] = t
		}
	}
	return out
}

// Load reads a safetensors checkpoint and splits it into groups. Unknown
// names are logged and skipped.
func Load(ctx context.Context, path string, opts Options) (*Checkpoint, error) {
	log := logger.FromContext(ctx)
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()

	c := New()
	c.Metadata = f.Metadata
	for _, name := range f.Names() {
		if _, _, ok := Classify(name); !ok {
			c.Unassigned = append(c.Unassigned, name)
			continue
		}
		t, err := f.ReadFloat32(name)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", path, err)
		}
		c.Assign(name, t, opts)
	}
	if len(c.Unassigned) > 0 {
		log.Warn("checkpoint has weights outside known groups", "count", len(c.Unassigned), "first", c.Unassigned[0])
	}
	for _, g := range Groups {
		log.Debug("checkpoint group", "group", string(g), "tensors", len(c.Groups[g]), "params", c.Groups[g].Params())
	}
	return c, nil
}

// Save writes the checkpoint as a single safetensors file.
func (c *Checkpoint) Save(path, dtype string, metadata map[string]string) error {
	return safetensors.Write(path, c.Flatten(), dtype, metadata)
}
