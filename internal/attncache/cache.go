// Package attncache holds the per-run store of self-attention hidden states
// captured from the reference conditioning pass.
//
// A Cache is written exactly once, by Warm, and is read-only afterwards. It is
// bound to the image scale it was warmed for and must not outlive its run.
package attncache

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"

	"github.com/samcharles93/drape/internal/tensor"
)

var (
	ErrAlreadyWarm = errors.New("attncache: cache already warm")
	ErrCold        = errors.New("attncache: cache not warm")
	ErrSealed      = errors.New("attncache: capture outside warm")
	ErrDiscarded   = errors.New("attncache: cache discarded")
	ErrStale       = errors.New("attncache: cache warmed for another image scale")
)

// Cache is a write-once map from attention layer name to hidden state.
type Cache struct {
	mu         sync.RWMutex
	imageScale float32
	entries    map[string]*tensor.Tensor
	warm       bool
	discarded  bool
}

func New(imageScale float32) *Cache {
	return &Cache{imageScale: imageScale}
}

// Sink receives hidden states while the cache is warming.
type Sink interface {
	Capture(layer string, hidden *tensor.Tensor) error
}

type sink struct {
	slot    int
	entries map[string]*tensor.Tensor
	closed  bool
}

// Capture keeps a copy of batch entry slot of hidden, which must be shaped
// [batch, seq, dim].
func (s *sink) Capture(layer string, hidden *tensor.Tensor) error {
	if s.closed {
		return ErrSealed
	}
	if hidden == nil || hidden.Rank() < 2 {
		return fmt.Errorf("attncache: layer %q: hidden state must be batched, got %v", layer, hidden)
	}
	if s.slot >= hidden.Shape[0] {
		return fmt.Errorf("attncache: layer %q: slot %d outside batch of %d", layer, s.slot, hidden.Shape[0])
	}
	if _, dup := s.entries[layer]; dup {
		return fmt.Errorf("attncache: layer %q captured twice", layer)
	}
	s.entries[layer] = hidden.Batch(s.slot).Clone()
	return nil
}

// Warm runs fn with a capture sink that keeps batch entry slot of every
// reported layer. On success the captured entries become the cache contents;
// on failure nothing is kept and the cache stays cold.
func (c *Cache) Warm(slot int, fn func(Sink) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discarded {
		return ErrDiscarded
	}
	if c.warm {
		return ErrAlreadyWarm
	}
	if slot < 0 {
		return fmt.Errorf("attncache: negative slot %d", slot)
	}
	s := &sink{slot: slot, entries: make(map[string]*tensor.Tensor)}
	err := fn(s)
	s.closed = true
	if err != nil {
		return err
	}
	if len(s.entries) == 0 {
		return fmt.Errorf("attncache: reference pass reported no attention layers")
	}
	c.entries = s.entries
	c.warm = true
	return nil
}

func (c *Cache) IsWarm() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.warm && !c.discarded
}

// Get returns the hidden state captured for layer. The returned tensor is
// shared and must not be modified.
func (c *Cache) Get(layer string) (*tensor.Tensor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.warm || c.discarded {
		return nil, false
	}
	t, ok := c.entries[layer]
	return t, ok
}

// Layers returns the captured layer names in sorted order.
func (c *Cache) Layers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidFor reports whether the cache may serve a run at imageScale. A cold or
// discarded cache serves nothing.
func (c *Cache) ValidFor(imageScale float32) bool {
	return c.IsWarm() && c.imageScale == imageScale
}

// Fingerprint hashes every entry's name, shape and bits. Two equal
// fingerprints mean the contents were not modified in between.
func (c *Cache) Fingerprint() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.warm || c.discarded {
		return 0, ErrCold
	}
	names := make([]string, 0, len(c.entries))
	for k := range c.entries {
		names = append(names, k)
	}
	sort.Strings(names)

	h := fnv.New64a()
	var buf [4]byte
	for _, name := range names {
		h.Write([]byte(name))
		t := c.entries[name]
		for _, d := range t.Shape {
			putU32(buf[:], uint32(d))
			h.Write(buf[:])
		}
		for _, v := range t.Data {
			putU32(buf[:], math.Float32bits(v))
			h.Write(buf[:])
		}
	}
	return h.Sum64(), nil
}

// Discard drops all entries. A discarded cache cannot be warmed again.
func (c *Cache) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.discarded = true
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
