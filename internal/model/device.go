package model

import (
	"fmt"
	"strings"

	"github.com/samcharles93/drape/internal/tensor"
	"golang.org/x/sys/cpu"
)

// Device names accepted by ParseDevice.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
	DeviceAuto = "auto"
)

// Device describes where a run computes and in what precision.
type Device struct {
	Name      string
	Precision tensor.Precision
}

func CPU() Device {
	return Device{Name: DeviceCPU, Precision: tensor.F32}
}

// ParseDevice resolves a device name. auto and the empty name select the
// CPU, the only device the networks run on.
func ParseDevice(name, precision string) (Device, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "", DeviceAuto, DeviceCPU:
		name = DeviceCPU
	case DeviceCUDA:
		return Device{}, fmt.Errorf("device %q is not available in this build", n)
	default:
		return Device{}, fmt.Errorf("unknown device %q (expected auto, cpu, or cuda)", name)
	}
	p, err := tensor.ParsePrecision(precision)
	if err != nil {
		return Device{}, err
	}
	return Device{Name: name, Precision: p}, nil
}

// Place casts t to the device precision in place and returns it.
func (d Device) Place(t *tensor.Tensor) *tensor.Tensor {
	if t == nil {
		return nil
	}
	return t.RoundTo(d.Precision)
}

func (d Device) String() string {
	return d.Name + "/" + string(d.Precision)
}

// Features lists the SIMD extensions of the host CPU, for logs and
// benchmark reports.
func (d Device) Features() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.X86.HasAVX512F, "avx512f")
	add(cpu.ARM64.HasASIMD, "asimd")
	add(cpu.ARM64.HasFPHP, "fp16")
	add(cpu.ARM64.HasSVE, "sve")
	return out
}
