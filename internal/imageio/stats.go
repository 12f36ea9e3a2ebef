package imageio

import (
	"github.com/samcharles93/drape/internal/tensor"
	"gonum.org/v1/gonum/stat"
)

// PixelStats summarises a pixel tensor.
type PixelStats struct {
	Mean     float64
	Variance float64
	Min, Max float64
}

func Stats(t *tensor.Tensor) PixelStats {
	if t == nil || t.Numel() == 0 {
		return PixelStats{}
	}
	xs := make([]float64, len(t.Data))
	s := PixelStats{Min: float64(t.Data[0]), Max: float64(t.Data[0])}
	for i, v := range t.Data {
		f := float64(v)
		xs[i] = f
		s.Min = min(s.Min, f)
		s.Max = max(s.Max, f)
	}
	s.Mean, s.Variance = stat.MeanVariance(xs, nil)
	return s
}
