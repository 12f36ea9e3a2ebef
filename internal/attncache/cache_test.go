package attncache

import (
	"errors"
	"testing"

	"github.com/samcharles93/drape/internal/tensor"
)

func hidden(seed int64) *tensor.Tensor {
	return tensor.Randn(tensor.NewGenerator(seed), 2, 6, 4)
}

func TestWarmCapturesConditionalSlot(t *testing.T) {
	t.Parallel()

	c := New(1.0)
	if c.IsWarm() {
		t.Fatalf("new cache reports warm")
	}
	h := hidden(1)
	err := c.Warm(1, func(s Sink) error {
		return s.Capture("down.attn1", h)
	})
	if err != nil {
		t.Fatalf("warm: %v", err)
	}
	if !c.IsWarm() {
		t.Fatalf("cache not warm after Warm")
	}
	got, ok := c.Get("down.attn1")
	if !ok {
		t.Fatalf("missing layer")
	}
	if !got.Equal(h.Batch(1)) {
		t.Fatalf("cache holds the wrong batch slot")
	}

	// The cache keeps a copy, so later writes by the network do not leak in.
	h.Data[h.BatchStride()] = 1e9
	if got2, _ := c.Get("down.attn1"); got2.Data[0] == 1e9 {
		t.Fatalf("cache aliases the captured tensor")
	}
}

func TestWarmIsWriteOnce(t *testing.T) {
	t.Parallel()

	c := New(1.0)
	warm := func(s Sink) error { return s.Capture("a", hidden(2)) }
	if err := c.Warm(1, warm); err != nil {
		t.Fatalf("first warm: %v", err)
	}
	before, err := c.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if err := c.Warm(1, warm); !errors.Is(err, ErrAlreadyWarm) {
		t.Fatalf("second warm = %v, want ErrAlreadyWarm", err)
	}
	after, _ := c.Fingerprint()
	if before != after {
		t.Fatalf("contents changed after rejected warm")
	}
}

func TestFailedWarmLeavesCacheCold(t *testing.T) {
	t.Parallel()

	c := New(1.0)
	boom := errors.New("out of memory")
	err := c.Warm(1, func(s Sink) error {
		if err := s.Capture("a", hidden(3)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("warm error = %v", err)
	}
	if c.IsWarm() {
		t.Fatalf("cache warm after failed pass")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("partial entry visible after failed pass")
	}
}

func TestSinkRejectsDuplicatesAndLateCaptures(t *testing.T) {
	t.Parallel()

	c := New(1.0)
	var leaked Sink
	err := c.Warm(0, func(s Sink) error {
		leaked = s
		if err := s.Capture("a", hidden(4)); err != nil {
			return err
		}
		return s.Capture("a", hidden(5))
	})
	if err == nil {
		t.Fatalf("expected duplicate layer error")
	}

	c = New(1.0)
	if err := c.Warm(0, func(s Sink) error {
		leaked = s
		return s.Capture("a", hidden(6))
	}); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if err := leaked.Capture("b", hidden(7)); !errors.Is(err, ErrSealed) {
		t.Fatalf("late capture = %v, want ErrSealed", err)
	}
}

func TestSlotOutsideBatch(t *testing.T) {
	t.Parallel()

	c := New(1.0)
	err := c.Warm(1, func(s Sink) error {
		return s.Capture("a", tensor.New(1, 3, 2))
	})
	if err == nil {
		t.Fatalf("expected slot error for a single-entry batch")
	}
}

func TestValidForAndDiscard(t *testing.T) {
	t.Parallel()

	c := New(0.8)
	if err := c.Warm(0, func(s Sink) error { return s.Capture("a", hidden(8)) }); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if !c.ValidFor(0.8) || c.ValidFor(1.0) {
		t.Fatalf("ValidFor does not track the image scale")
	}
	c.Discard()
	if c.IsWarm() || c.ValidFor(0.8) {
		t.Fatalf("discarded cache still valid")
	}
	if err := c.Warm(0, func(Sink) error { return nil }); !errors.Is(err, ErrDiscarded) {
		t.Fatalf("warm after discard = %v", err)
	}
	if _, err := c.Fingerprint(); !errors.Is(err, ErrCold) {
		t.Fatalf("fingerprint after discard = %v", err)
	}
}
