package tensor

import (
	"fmt"
	"math/rand"
)

// Generator is an explicit, seeded source of randomness. Each run threads its
// own generators so results are reproducible for a fixed seed.
type Generator struct {
	rng *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// NormFloat32 draws from the standard normal distribution.
func (g *Generator) NormFloat32() float32 {
	return float32(g.rng.NormFloat64())
}

// Randn returns a tensor of standard normal samples drawn from g.
func Randn(g *Generator, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = g.NormFloat32()
	}
	return t
}

// RandnBatch draws a batch of normal samples. A single generator fills the
// whole tensor; otherwise there must be one generator per batch entry and
// entry i is drawn from gens[i].
func RandnBatch(gens []*Generator, shape ...int) (*Tensor, error) {
	if len(gens) == 0 {
		return nil, fmt.Errorf("tensor: no generator")
	}
	if len(gens) == 1 {
		return Randn(gens[0], shape...), nil
	}
	if len(shape) == 0 || shape[0] != len(gens) {
		return nil, fmt.Errorf("tensor: %d generators for batch shape %v", len(gens), shape)
	}
	t := New(shape...)
	stride := t.BatchStride()
	for b, g := range gens {
		row := t.Data[b*stride : (b+1)*stride]
		for i := range row {
			row[i] = g.NormFloat32()
		}
	}
	return t, nil
}
