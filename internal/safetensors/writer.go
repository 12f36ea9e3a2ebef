package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	json "github.com/goccy/go-json"
	"github.com/samcharles93/drape/internal/tensor"
	"github.com/x448/float16"
)

// Write stores tensors in a safetensors file, encoded as dtype (F32, F16 or
// BF16). Tensors are laid out in sorted name order.
func Write(path string, tensors map[string]*tensor.Tensor, dtype string, metadata map[string]string) error {
	elem := 0
	switch dtype {
	case "F32":
		elem = 4
	case "F16", "BF16":
		elem = 2
	default:
		return fmt.Errorf("unsupported dtype %s", dtype)
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == "__metadata__" {
			return fmt.Errorf("reserved tensor name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, name := range names {
		t := tensors[name]
		n := int64(t.Numel() * elem)
		header[name] = tensorHeader{
			DType:       dtype,
			Shape:       t.Shape,
			DataOffsets: []int64{off, off + n},
		}
		off += n
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	// The data section starts on an 8-byte boundary.
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = f.Close()
		return err
	}
	for _, name := range names {
		if _, err := w.Write(encode(dtype, tensors[name].Data)); err != nil {
			_ = f.Close()
			return fmt.Errorf("write tensor %s: %w", name, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func encode(dtype string, data []float32) []byte {
	switch dtype {
	case "BF16":
		return bfloat16.EncodeFloat32(data)
	case "F16":
		out := make([]byte, len(data)*2)
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out
	default:
		out := make([]byte, len(data)*4)
		for i, v := range data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	}
}
