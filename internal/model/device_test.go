package model

import (
	"strings"
	"testing"

	"github.com/samcharles93/drape/internal/tensor"
)

func TestParseDevice(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "auto", "CPU", " cpu "} {
		d, err := ParseDevice(name, "bf16")
		if err != nil {
			t.Fatalf("ParseDevice(%q): %v", name, err)
		}
		if d.Name != DeviceCPU || d.Precision != tensor.BF16 {
			t.Fatalf("ParseDevice(%q) = %v", name, d)
		}
	}
	if _, err := ParseDevice("cuda", ""); err == nil || !strings.Contains(err.Error(), "not available") {
		t.Fatalf("cuda: %v", err)
	}
	if _, err := ParseDevice("tpu", ""); err == nil {
		t.Fatal("expected error for unknown device")
	}
	if _, err := ParseDevice("cpu", "int4"); err == nil {
		t.Fatal("expected error for unknown precision")
	}
}

func TestDevicePlace(t *testing.T) {
	t.Parallel()

	d, err := ParseDevice("cpu", "f16")
	if err != nil {
		t.Fatal(err)
	}
	x, err := tensor.FromData([]float32{1, 1.0001, 0.5}, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	d.Place(x)
	if x.Data[0] != 1 || x.Data[1] != 1 || x.Data[2] != 0.5 {
		t.Fatalf("f16 rounding: %v", x.Data)
	}
	if d.Place(nil) != nil {
		t.Fatal("Place(nil) should be nil")
	}
	if got := d.String(); got != "cpu/f16" {
		t.Fatalf("String() = %q", got)
	}
	for _, f := range d.Features() {
		if f == "" {
			t.Fatal("empty feature name")
		}
	}
}
