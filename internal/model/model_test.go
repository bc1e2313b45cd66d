package model

import (
	"errors"
	"testing"

	"github.com/NodePath81/ccbench/internal/errdefs"
)

func TestParseMode(t *testing.T) {
	cases := []struct {
		in   string
		want Mode
	}{
		{"1", ModeDebug},
		{"debug", ModeDebug},
		{" DEBUG ", ModeDebug},
		{"2", ModeBottleneck},
		{"bottleneck", ModeBottleneck},
		{"project", ModeBottleneck},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if err != nil {
			t.Fatalf("ParseMode(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMode(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseMode("3"); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("ParseMode(3) error = %v, want configuration error", err)
	}
}

func TestParseController(t *testing.T) {
	if got, err := ParseController("1"); err != nil || got != ControllerPOX {
		t.Fatalf("ParseController(1) = %v, %v; want pox", got, err)
	}
	if got, err := ParseController("Ryu"); err != nil || got != ControllerRyu {
		t.Fatalf("ParseController(Ryu) = %v, %v; want ryu", got, err)
	}
	if _, err := ParseController("onos"); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("ParseController(onos) error = %v, want configuration error", err)
	}
}

func TestOpenFlowVersion(t *testing.T) {
	if got := ControllerPOX.OpenFlowVersion(); got != "OpenFlow10" {
		t.Fatalf("POX OpenFlowVersion = %q, want OpenFlow10", got)
	}
	if got := ControllerRyu.OpenFlowVersion(); got != "OpenFlow13" {
		t.Fatalf("Ryu OpenFlowVersion = %q, want OpenFlow13", got)
	}
}

func TestProtocolsOrder(t *testing.T) {
	got := Protocols()
	want := []Protocol{ProtocolTCPReno, ProtocolTCPCubic, ProtocolUDP}
	if len(got) != len(want) {
		t.Fatalf("Protocols() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Protocols()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if ProtocolUDP.CongestionControl() != "" {
		t.Fatalf("UDP CongestionControl = %q, want empty", ProtocolUDP.CongestionControl())
	}
	if ProtocolTCPCubic.CongestionControl() != "cubic" {
		t.Fatalf("cubic CongestionControl = %q", ProtocolTCPCubic.CongestionControl())
	}
}

func TestRunPartial(t *testing.T) {
	run := &ExperimentRun{Status: RunFailed}
	if run.Partial() {
		t.Fatalf("failed run without trials reported partial")
	}
	run.Trials = append(run.Trials, TrialResult{Protocol: ProtocolTCPReno})
	if !run.Partial() {
		t.Fatalf("failed run with trials not reported partial")
	}
	run.Status = RunComplete
	if run.Partial() {
		t.Fatalf("complete run reported partial")
	}
	if _, ok := run.Trial(ProtocolTCPReno); !ok {
		t.Fatalf("Trial(reno) missing")
	}
	if _, ok := run.Trial(ProtocolUDP); ok {
		t.Fatalf("Trial(udp) present, want missing")
	}
}
