package readiness

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/topology"
	"github.com/NodePath81/ccbench/internal/util"
)

type fakeNetwork struct {
	mu       sync.Mutex
	received func(src, dst string, call int) int
	calls    map[string]int
	commands []string
}

func (f *fakeNetwork) Execute(ctx context.Context, host, command string, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, host+": "+command)
	return nil, nil
}

func (f *fakeNetwork) Probe(ctx context.Context, src, dst string, count int, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	key := src + ">" + dst
	f.calls[key]++
	if f.received == nil {
		return count, nil
	}
	return f.received(src, dst, f.calls[key]), nil
}

func (f *fakeNetwork) HostIP(host string) (netip.Addr, error) {
	return netip.Addr{}, nil
}

func testOptions() Options {
	return Options{
		Settle:       40 * time.Second,
		DebugSettle:  10 * time.Second,
		Timeout:      time.Hour,
		Attempts:     5,
		RetryDelay:   3 * time.Second,
		ProbeCount:   5,
		ProbeTimeout: 2 * time.Second,
		MinReceived:  2,
		PrimeARP:     true,
		Client:       "h1",
		Server:       "h13",
	}
}

func newTestGate(opts Options, sleeps *[]time.Duration) *Gate {
	g := NewGate(opts, util.DiscardLogger())
	g.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return g
}

func buildSpec(t *testing.T, mode model.Mode) topology.Spec {
	t.Helper()
	spec, err := topology.Build(mode)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	return spec
}

func TestAwaitReadyDebugMode(t *testing.T) {
	var sleeps []time.Duration
	g := newTestGate(testOptions(), &sleeps)
	net := &fakeNetwork{}
	if err := g.AwaitReady(context.Background(), net, buildSpec(t, model.ModeDebug), model.ControllerPOX); err != nil {
		t.Fatalf("AwaitReady error: %v", err)
	}
	if len(sleeps) != 1 || sleeps[0] != 10*time.Second {
		t.Fatalf("sleeps = %v, want [10s]", sleeps)
	}
	if len(net.commands) != 22 {
		t.Fatalf("arp commands = %d, want 22", len(net.commands))
	}
	if net.commands[0] != "h1: arping -c 1 -U -I h1-eth0 10.0.0.1" {
		t.Fatalf("first arp command = %q", net.commands[0])
	}
	for _, key := range []string{"h1>h13", "h13>h1", "h11>h22", "h22>h11"} {
		if net.calls[key] != 1 {
			t.Fatalf("probe %s calls = %d, want 1", key, net.calls[key])
		}
	}
}

func TestAwaitReadyBottleneckSettle(t *testing.T) {
	var sleeps []time.Duration
	opts := testOptions()
	opts.PrimeARP = false
	g := newTestGate(opts, &sleeps)
	net := &fakeNetwork{}
	if err := g.AwaitReady(context.Background(), net, buildSpec(t, model.ModeBottleneck), model.ControllerPOX); err != nil {
		t.Fatalf("AwaitReady error: %v", err)
	}
	if len(sleeps) != 1 || sleeps[0] != 40*time.Second {
		t.Fatalf("sleeps = %v, want [40s]", sleeps)
	}
	if len(net.commands) != 0 {
		t.Fatalf("commands = %v, want none with prime_arp off", net.commands)
	}
}

func TestAwaitReadyRetriesThenPasses(t *testing.T) {
	var sleeps []time.Duration
	g := newTestGate(testOptions(), &sleeps)
	net := &fakeNetwork{received: func(src, dst string, call int) int {
		if src == "h1" && call < 3 {
			return 1
		}
		return 5
	}}
	if err := g.AwaitReady(context.Background(), net, buildSpec(t, model.ModeDebug), model.ControllerPOX); err != nil {
		t.Fatalf("AwaitReady error: %v", err)
	}
	if net.calls["h1>h13"] != 3 {
		t.Fatalf("h1>h13 calls = %d, want 3", net.calls["h1>h13"])
	}
	// settle + two retry delays
	if len(sleeps) != 3 || sleeps[1] != 3*time.Second {
		t.Fatalf("sleeps = %v", sleeps)
	}
}

func TestAwaitReadyUnreachable(t *testing.T) {
	cases := []struct {
		controller model.Controller
		attempts   int
	}{
		{controller: model.ControllerPOX, attempts: 5},
		{controller: model.ControllerRyu, attempts: 6},
	}
	for _, tc := range cases {
		t.Run(tc.controller.String(), func(t *testing.T) {
			var sleeps []time.Duration
			g := newTestGate(testOptions(), &sleeps)
			net := &fakeNetwork{received: func(string, string, int) int { return 0 }}
			err := g.AwaitReady(context.Background(), net, buildSpec(t, model.ModeBottleneck), tc.controller)
			if !errors.Is(err, errdefs.ErrConvergenceTimeout) {
				t.Fatalf("err = %v, want ErrConvergenceTimeout", err)
			}
			if net.calls["h1>h13"] != tc.attempts {
				t.Fatalf("attempts = %d, want %d", net.calls["h1>h13"], tc.attempts)
			}
			if len(net.calls) != 1 {
				t.Fatalf("probed pairs = %v, want only the first", net.calls)
			}
		})
	}
}

func TestAwaitReadyGateTimeout(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	g := NewGate(opts, util.DiscardLogger())
	err := g.AwaitReady(context.Background(), &fakeNetwork{}, buildSpec(t, model.ModeBottleneck), model.ControllerPOX)
	if !errors.Is(err, errdefs.ErrConvergenceTimeout) {
		t.Fatalf("err = %v, want ErrConvergenceTimeout", err)
	}
	if !strings.Contains(err.Error(), "not ready within") {
		t.Fatalf("err = %v", err)
	}
}

func TestAwaitReadyCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGate(testOptions(), util.DiscardLogger())
	err := g.AwaitReady(ctx, &fakeNetwork{}, buildSpec(t, model.ModeDebug), model.ControllerPOX)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestProbePairs(t *testing.T) {
	spec := buildSpec(t, model.ModeDebug)
	pairs, err := ProbePairs(spec, "h1", "h13")
	if err != nil {
		t.Fatalf("ProbePairs error: %v", err)
	}
	want := []Pair{{"h1", "h13"}, {"h13", "h1"}, {"h11", "h22"}, {"h22", "h11"}}
	if len(pairs) != len(want) {
		t.Fatalf("pairs = %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pairs[%d] = %v, want %v", i, pairs[i], want[i])
		}
	}
	dedup, _ := ProbePairs(spec, "h11", "h22")
	if len(dedup) != 2 {
		t.Fatalf("dedup pairs = %v, want 2", dedup)
	}
	if _, err := ProbePairs(spec, "h1", "h40"); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("unknown host err = %v, want ErrConfiguration", err)
	}
}
