package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/samcharles93/drape/internal/tensor"
)

// writeRaw lays out a safetensors file from a header document and data bytes.
func writeRaw(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := make([]byte, 8, 8+len(headerBytes)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, data...)
	path := filepath.Join(t.TempDir(), "raw.safetensors")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func entry(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	w, _ := tensor.FromData([]float32{1, -2, 0.5, 3.25, 0, 8}, 2, 3)
	b, _ := tensor.FromData([]float32{0.125, -0.75}, 2)
	for _, dtype := range []string{"F32", "F16", "BF16"} {
		path := filepath.Join(t.TempDir(), dtype+".safetensors")
		err := Write(path, map[string]*tensor.Tensor{"layer.weight": w, "layer.bias": b}, dtype, map[string]string{"format": "drape"})
		if err != nil {
			t.Fatalf("%s: write: %v", dtype, err)
		}
		f, err := Open(path)
		if err != nil {
			t.Fatalf("%s: open: %v", dtype, err)
		}
		if f.DataStart%8 != 0 {
			t.Fatalf("%s: data section not aligned: %d", dtype, f.DataStart)
		}
		if f.Metadata["format"] != "drape" {
			t.Fatalf("%s: metadata = %v", dtype, f.Metadata)
		}
		if names := f.Names(); len(names) != 2 || names[0] != "layer.bias" {
			t.Fatalf("%s: names = %v", dtype, names)
		}
		got, err := f.ReadFloat32("layer.weight")
		if err != nil {
			t.Fatalf("%s: read: %v", dtype, err)
		}
		// Every value above is exactly representable in all three encodings.
		if !got.Equal(w) {
			t.Fatalf("%s: weight = %v, want %v", dtype, got.Data, w.Data)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("%s: close: %v", dtype, err)
		}
		if _, _, err := f.ReadTensor("layer.bias"); err == nil {
			t.Fatalf("%s: read after close succeeded", dtype)
		}
	}
}

func TestReadKnownBitPatterns(t *testing.T) {
	t.Parallel()

	data := make([]byte, 0, 12)
	data = binary.LittleEndian.AppendUint32(data, math.Float32bits(2.5))
	data = binary.LittleEndian.AppendUint16(data, 0x3F80) // bf16 1.0
	data = binary.LittleEndian.AppendUint16(data, 0x4000) // bf16 2.0
	data = binary.LittleEndian.AppendUint16(data, 0x3C00) // f16 1.0
	data = binary.LittleEndian.AppendUint16(data, 0xC000) // f16 -2.0
	path := writeRaw(t, map[string]any{
		"f32":  entry("F32", []int{1}, 0, 4),
		"bf16": entry("BF16", []int{2}, 4, 8),
		"f16":  entry("F16", []int{2}, 8, 12),
	}, data)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	for name, want := range map[string][]float32{
		"f32":  {2.5},
		"bf16": {1, 2},
		"f16":  {1, -2},
	} {
		got, _, err := f.ReadTensorF32(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s[%d] = %v, want %v", name, i, got[i], want[i])
			}
		}
	}
}

func TestOpenRejectsBrokenFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	short := filepath.Join(dir, "short.safetensors")
	if err := os.WriteFile(short, []byte{1, 2, 3, 4}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(short); err == nil {
		t.Fatalf("expected error for truncated file")
	}

	badJSON := filepath.Join(dir, "json.safetensors")
	buf := binary.LittleEndian.AppendUint64(nil, 12)
	buf = append(buf, []byte("not valid js")...)
	if err := os.WriteFile(badJSON, buf, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(badJSON); err == nil {
		t.Fatalf("expected error for invalid header")
	}

	hugeLen := filepath.Join(dir, "len.safetensors")
	if err := os.WriteFile(hugeLen, binary.LittleEndian.AppendUint64(nil, 1<<40), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(hugeLen); err == nil {
		t.Fatalf("expected error for oversized header length")
	}

	if _, err := Open(writeRaw(t, map[string]any{
		"t": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, make([]byte, 4))); err == nil {
		t.Fatalf("expected error for malformed data_offsets")
	}

	if _, err := Open(writeRaw(t, map[string]any{
		"t": entry("F32", []int{4}, 0, 16),
	}, make([]byte, 8))); err == nil {
		t.Fatalf("expected error for offsets past end of file")
	}

	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()

	path := writeRaw(t, map[string]any{
		"ints":  entry("I32", []int{2}, 0, 8),
		"short": entry("F32", []int{4}, 8, 16),
	}, make([]byte, 16))
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if _, ok := f.Tensor("missing"); ok {
		t.Fatalf("found a tensor that does not exist")
	}
	if _, _, err := f.ReadTensor("missing"); err == nil {
		t.Fatalf("expected error for missing tensor")
	}
	if _, _, err := f.ReadTensorF32("ints"); err == nil {
		t.Fatalf("expected error for unsupported dtype")
	}
	if _, _, err := f.ReadTensorF32("short"); err == nil {
		t.Fatalf("expected error for size mismatch")
	}
	if err := Write(filepath.Join(t.TempDir(), "x.safetensors"), nil, "Q4", nil); err == nil {
		t.Fatalf("expected error for unsupported write dtype")
	}
}
