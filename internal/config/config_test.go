package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/ccbench/internal/errdefs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") error: %v", err)
	}
	if cfg.ResultsDir != "experiment_results" {
		t.Fatalf("ResultsDir = %q, want experiment_results", cfg.ResultsDir)
	}
	if cfg.Controller.ControllerAddr() != "127.0.0.1:6633" {
		t.Fatalf("ControllerAddr = %q, want 127.0.0.1:6633", cfg.Controller.ControllerAddr())
	}
	if cfg.Trial.Duration.Duration() != 30*time.Second {
		t.Fatalf("Trial.Duration = %v, want 30s", cfg.Trial.Duration.Duration())
	}
	if cfg.Trial.UDPRateBits != 20_000_000 {
		t.Fatalf("UDPRateBits = %d, want 20000000", cfg.Trial.UDPRateBits)
	}
	if cfg.Probe.Count != 100 {
		t.Fatalf("Probe.Count = %d, want 100", cfg.Probe.Count)
	}
	if cfg.Convergence.Settle.Duration() != 40*time.Second {
		t.Fatalf("Convergence.Settle = %v, want 40s", cfg.Convergence.Settle.Duration())
	}
	if !cfg.Convergence.PrimeARPEnabled() {
		t.Fatalf("PrimeARPEnabled = false, want true")
	}
	if cfg.Trial.MaxAttempts != 2 {
		t.Fatalf("MaxAttempts = %d, want 2", cfg.Trial.MaxAttempts)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
results_dir: out
mode: bottleneck
controller:
  identity: ryu
  port: 6653
trial:
  duration: 10
  udp_rate: 30m
convergence:
  settle: 5s
  prime_arp: false
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.ResultsDir != "out" || cfg.Mode != "bottleneck" || cfg.Controller.Identity != "ryu" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Controller.Port != 6653 {
		t.Fatalf("Controller.Port = %d, want 6653", cfg.Controller.Port)
	}
	if cfg.Trial.Duration.Duration() != 10*time.Second {
		t.Fatalf("Trial.Duration = %v, want 10s", cfg.Trial.Duration.Duration())
	}
	if cfg.Trial.UDPRateBits != 30_000_000 {
		t.Fatalf("UDPRateBits = %d, want 30000000", cfg.Trial.UDPRateBits)
	}
	if cfg.Convergence.PrimeARPEnabled() {
		t.Fatalf("PrimeARPEnabled = true, want false")
	}
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]string{
		"bad mode":       "mode: turbo\n",
		"bad controller": "controller:\n  identity: onos\n",
		"bad address":    "controller:\n  address: localhost\n",
		"same hosts":     "trial:\n  client: h1\n  server: h1\n",
		"bad rate":       "trial:\n  udp_rate: 20\n",
		"short trial":    "trial:\n  duration: 100ms\n",
		"too many tries": "trial:\n  max_attempts: 3\n",
		"min received":   "convergence:\n  probe_count: 3\n  min_received: 4\n",
		"timeout":        "convergence:\n  settle: 60s\n  timeout: 30s\n",
	}
	for name, body := range cases {
		_, err := LoadConfig(writeConfig(t, body))
		if !errors.Is(err, errdefs.ErrConfiguration) {
			t.Fatalf("%s: error = %v, want configuration error", name, err)
		}
	}
}

func TestParseBandwidth(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"10m", 10_000_000},
		{"20M", 20_000_000},
		{"1g", 1_000_000_000},
		{"1.5k", 1_500},
		{"10Mbit", 10_000_000},
		{"2.5gbps", 2_500_000_000},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := ParseBandwidth(tc.in)
		if err != nil {
			t.Fatalf("ParseBandwidth(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseBandwidth(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"10", "-5m", "m", "tenm", "bit"} {
		if _, err := ParseBandwidth(bad); err == nil {
			t.Fatalf("ParseBandwidth(%q) error = nil, want error", bad)
		}
	}
}

func TestFormatBandwidth(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{20_000_000, "20Mbps"},
		{1_000_000_000, "1Gbps"},
		{1_500, "1.5Kbps"},
		{800, "800bps"},
	}
	for _, tc := range cases {
		if got := FormatBandwidth(tc.in); got != tc.want {
			t.Fatalf("FormatBandwidth(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
