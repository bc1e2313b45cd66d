//go:build linux

package shaping

import (
	"testing"

	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/util"
	"github.com/vishvananda/netlink"
)

func TestHTBParams(t *testing.T) {
	p := htbParamsFor(Shape(model.ModeBottleneck), 1500, 1000)
	if p.rateBytes != 1_250_000 {
		t.Fatalf("rateBytes = %d, want 1250000", p.rateBytes)
	}
	if p.buffer == 0 {
		t.Fatalf("buffer = 0, want > 0")
	}
	fallback := htbParamsFor(Shape(model.ModeBottleneck), 0, 0)
	if fallback != p {
		t.Fatalf("fallback params = %+v, want %+v", fallback, p)
	}
}

func TestNetemAttrs(t *testing.T) {
	attrs := netemAttrsFor(Shape(model.ModeBottleneck))
	if attrs.Latency != 50_000 {
		t.Fatalf("Latency = %d us, want 50000", attrs.Latency)
	}
	if attrs.Loss != 1 {
		t.Fatalf("Loss = %v, want 1", attrs.Loss)
	}
	if attrs.Limit != 100 {
		t.Fatalf("Limit = %d, want 100", attrs.Limit)
	}
	if got := netemAttrsFor(Access()); got.Latency != 0 || got.Loss != 0 || got.Limit != 0 {
		t.Fatalf("access netem attrs = %+v, want zero", got)
	}
}

func TestClearMissingDevice(t *testing.T) {
	handle, err := netlink.NewHandle()
	if err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	defer handle.Close()
	if err := NewShaper(handle, util.DiscardLogger()).Clear("ccb-absent0"); err != nil {
		t.Fatalf("Clear(missing) error = %v, want nil", err)
	}
}
