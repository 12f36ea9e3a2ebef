// Package imageio converts between image files, Go images and the [B, 3, H, W]
// pixel tensors the sampler works in.
package imageio

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/drape/internal/tensor"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	// StandardMean and StandardStd map [0, 1] pixels to [-1, 1].
	StandardMean = [3]float32{0.5, 0.5, 0.5}
	StandardStd  = [3]float32{0.5, 0.5, 0.5}
	ClipMean     = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd      = [3]float32{0.26862954, 0.26130258, 0.27577711}
	// Unit leaves pixels in [0, 1].
	UnitMean = [3]float32{0, 0, 0}
	UnitStd  = [3]float32{1, 1, 1}
)

const ClipSize = 224

// Load decodes a PNG, JPEG or WebP file.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// DecodeBase64 accepts raw base64 or a data URL.
func DecodeBase64(s string) (image.Image, error) {
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return Decode(bytes.NewReader(data))
}

// Save writes img as PNG, adding the extension if path has none.
func Save(path string, img image.Image) error {
	if filepath.Ext(path) == "" {
		path += ".png"
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func EncodeBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Resize scales img to w×h with bilinear interpolation.
func Resize(img image.Image, w, h int) image.Image {
	return ResizeWith(img, w, h, draw.BiLinear)
}

func ResizeWith(img image.Image, w, h int, kernel draw.Interpolator) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// FitReference scales a garment image so its short side is 512, then so its
// long side is 640, and finally floors both sides to a multiple of 64.
func FitReference(img image.Image) image.Image {
	const (
		minSide = 512
		maxSide = 640
		base    = 64
	)
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	ratio := minSide / min(w, h)
	w, h = math.RoundToEven(ratio*w), math.RoundToEven(ratio*h)
	ratio = maxSide / max(w, h)
	w, h = math.RoundToEven(ratio*w), math.RoundToEven(ratio*h)
	img = Resize(img, int(w), int(h))
	fw := (int(w) / base) * base
	fh := (int(h) / base) * base
	return Resize(img, max(fw, base), max(fh, base))
}

// ClipPixels prepares img for an image encoder: shortest side to ClipSize,
// centre crop and CLIP normalisation.
func ClipPixels(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < h {
		h, w = h*ClipSize/w, ClipSize
	} else {
		w, h = w*ClipSize/h, ClipSize
	}
	scaled := ResizeWith(img, w, h, draw.CatmullRom)
	x0, y0 := (w-ClipSize)/2, (h-ClipSize)/2
	crop := image.NewRGBA(image.Rect(0, 0, ClipSize, ClipSize))
	draw.Draw(crop, crop.Rect, scaled, image.Pt(x0, y0), draw.Src)
	return ToTensor(crop, ClipMean, ClipStd)
}

// ToTensor returns img as [1, 3, H, W], rescaled to [0, 1] and normalised
// channel-wise.
func ToTensor(img image.Image, mean, std [3]float32) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := tensor.New(1, 3, h, w)
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			t.Data[i] = (float32(r>>8)/255 - mean[0]) / std[0]
			t.Data[plane+i] = (float32(g>>8)/255 - mean[1]) / std[1]
			t.Data[2*plane+i] = (float32(bl>>8)/255 - mean[2]) / std[2]
		}
	}
	return t
}

// FromTensor converts batch entry i of a [B, 3, H, W] tensor in [0, 1] to an
// image.
func FromTensor(t *tensor.Tensor, i int) (*image.RGBA, error) {
	if t.Rank() != 4 || t.Shape[1] != 3 {
		return nil, fmt.Errorf("expected [B 3 H W] pixels, got %v", t)
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("image %d outside batch of %d", i, t.Shape[0])
	}
	h, w := t.Shape[2], t.Shape[3]
	plane := h * w
	data := t.Batch(i).Data
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	pix := img.Pix
	for p := 0; p < plane; p++ {
		pix[p*4+0] = toByte(data[p])
		pix[p*4+1] = toByte(data[plane+p])
		pix[p*4+2] = toByte(data[2*plane+p])
		pix[p*4+3] = 255
	}
	return img, nil
}

// Images converts every batch entry.
func Images(t *tensor.Tensor) ([]image.Image, error) {
	if t.Rank() != 4 {
		return nil, fmt.Errorf("expected [B 3 H W] pixels, got %v", t)
	}
	out := make([]image.Image, t.Shape[0])
	for i := range out {
		img, err := FromTensor(t, i)
		if err != nil {
			return nil, err
		}
		out[i] = img
	}
	return out, nil
}

// Grid pastes equally sized images row-major into a rows×cols grid.
func Grid(imgs []image.Image, rows, cols int) (image.Image, error) {
	if len(imgs) == 0 || len(imgs) != rows*cols {
		return nil, fmt.Errorf("grid of %dx%d needs %d images, got %d", rows, cols, rows*cols, len(imgs))
	}
	w, h := imgs[0].Bounds().Dx(), imgs[0].Bounds().Dy()
	grid := image.NewRGBA(image.Rect(0, 0, cols*w, rows*h))
	draw.Draw(grid, grid.Rect, &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	for i, img := range imgs {
		at := image.Pt((i%cols)*w, (i/cols)*h)
		draw.Draw(grid, image.Rectangle{Min: at, Max: at.Add(image.Pt(w, h))}, img, img.Bounds().Min, draw.Src)
	}
	return grid, nil
}

func toByte(v float32) uint8 {
	v = v*255 + 0.5
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
