package imageio

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/samcharles93/drape/internal/tensor"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / max(w-1, 1)), G: uint8(y * 255 / max(h-1, 1)), B: 128, A: 255})
		}
	}
	return img
}

func TestFitReference(t *testing.T) {
	t.Parallel()

	cases := []struct {
		w, h         int
		wantW, wantH int
	}{
		{512, 640, 512, 640},
		{1000, 1000, 640, 640},
		{300, 600, 320, 640},
		{1200, 800, 640, 384},
	}
	for _, tc := range cases {
		got := FitReference(gradient(tc.w, tc.h)).Bounds()
		if got.Dx() != tc.wantW || got.Dy() != tc.wantH {
			t.Fatalf("FitReference(%dx%d) = %dx%d, want %dx%d", tc.w, tc.h, got.Dx(), got.Dy(), tc.wantW, tc.wantH)
		}
	}
}

func TestTensorConversions(t *testing.T) {
	t.Parallel()

	img := gradient(6, 4)
	px := ToTensor(img, StandardMean, StandardStd)
	if want := []int{1, 3, 4, 6}; !tensor.ShapeEqual(px.Shape, want) {
		t.Fatalf("shape = %v, want %v", px.Shape, want)
	}
	if px.Data[0] != -1 || px.Data[5] != 1 {
		t.Fatalf("red channel row 0 = %v", px.Data[:6])
	}

	unit := ToTensor(img, UnitMean, UnitStd)
	back, err := FromTensor(unit, 0)
	if err != nil {
		t.Fatalf("from tensor: %v", err)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			if back.RGBAAt(x, y) != img.RGBAAt(x, y) {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, back.RGBAAt(x, y), img.RGBAAt(x, y))
			}
		}
	}
	if _, err := FromTensor(unit, 1); err == nil {
		t.Fatalf("expected error for batch index out of range")
	}

	over := tensor.Full(2, 1, 3, 1, 1)
	clamped, _ := FromTensor(over, 0)
	if c := clamped.RGBAAt(0, 0); c.R != 255 {
		t.Fatalf("out of range value not clamped: %v", c)
	}
}

func TestClipPixels(t *testing.T) {
	t.Parallel()
	px := ClipPixels(gradient(300, 500))
	if want := []int{1, 3, ClipSize, ClipSize}; !tensor.ShapeEqual(px.Shape, want) {
		t.Fatalf("shape = %v, want %v", px.Shape, want)
	}
}

func TestGridAndSave(t *testing.T) {
	t.Parallel()

	a, b := gradient(4, 4), image.NewRGBA(image.Rect(0, 0, 4, 4))
	grid, err := Grid([]image.Image{a, b}, 1, 2)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if grid.Bounds().Dx() != 8 || grid.Bounds().Dy() != 4 {
		t.Fatalf("grid bounds = %v", grid.Bounds())
	}
	if _, err := Grid([]image.Image{a}, 2, 2); err == nil {
		t.Fatalf("expected error for wrong image count")
	}

	path := filepath.Join(t.TempDir(), "grid")
	if err := Save(path, grid); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path + ".png")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Bounds() != grid.Bounds() {
		t.Fatalf("loaded bounds = %v", loaded.Bounds())
	}

	enc, err := EncodeBase64(a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeBase64("data:image/png;base64," + enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Bounds() != a.Bounds() {
		t.Fatalf("decoded bounds = %v", dec.Bounds())
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	x, _ := tensor.FromData([]float32{0, 1, 0, 1}, 4)
	s := Stats(x)
	if s.Mean != 0.5 || s.Min != 0 || s.Max != 1 {
		t.Fatalf("stats = %+v", s)
	}
	// Sample variance of {0,1,0,1}.
	if d := s.Variance - 1.0/3; d > 1e-12 || d < -1e-12 {
		t.Fatalf("variance = %v", s.Variance)
	}
	if Stats(tensor.Full(0.5, 8)).Variance != 0 {
		t.Fatalf("flat tensor has non-zero variance")
	}
}
