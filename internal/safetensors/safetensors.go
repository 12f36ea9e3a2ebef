package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	json "github.com/goccy/go-json"
	"github.com/samcharles93/drape/internal/tensor"
	"github.com/x448/float16"
)

// ErrCorruptFile reports a header or offset table that cannot be trusted.
var ErrCorruptFile = errors.New("safetensors: corrupt file")

// maxHeaderLen bounds the JSON header so a bad length cannot force a huge
// allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an open safetensors file. Tensor bytes are served from a read-only
// memory mapping when the platform supports it.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, mmapped, err := mapFile(f, size)
	if err != nil {
		return nil, err
	}
	sf, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unmapFile(data)
		}
		return nil, err
	}
	sf.mmapped = mmapped
	return sf, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	var meta map[string]string
	if m, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := int64(8 + headerLen)
	dataLen := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > dataLen {
			return nil, fmt.Errorf("tensor %s: offsets [%d, %d) outside data of %d bytes", name, start, end, dataLen)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: start,
			End:   end,
		}
	}
	return &File{
		Path:      path,
		DataStart: dataStart,
		Tensors:   tensors,
		Metadata:  meta,
		data:      data,
	}, nil
}

// Close releases the mapping. Slices returned by ReadTensor become invalid.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unmapFile(f.data)
	}
	f.data = nil
	f.mmapped = false
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns tensor names in sorted order.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadTensor returns the raw bytes of a tensor without copying.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: file closed", name)
	}
	start := f.DataStart + t.Start
	end := f.DataStart + t.End
	return f.data[start:end], t, nil
}

// ReadTensorF32 decodes a tensor to float32. F32, F16 and BF16 are supported.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	out, err := decode(info.DType, raw, n)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// ReadFloat32 decodes a tensor into a shaped tensor.
func (f *File) ReadFloat32(name string) (*tensor.Tensor, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	return tensor.FromData(data, info.Shape...)
}

func decode(dtype string, raw []byte, n int) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(raw) != n*4 {
			return nil, fmt.Errorf("invalid f32 data size")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("invalid bf16 data size")
		}
		return bfloat16.DecodeFloat32(raw), nil
	case "F16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("invalid f16 data size")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readAll(r io.ReaderAt, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}
