// Package readiness decides when a freshly started network is fit for
// measurement: a fixed settle wait, gratuitous ARP from every host, then
// ICMP reachability across the bottleneck.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NodePath81/ccbench/internal/config"
	"github.com/NodePath81/ccbench/internal/emulator"
	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/topology"
	"github.com/NodePath81/ccbench/internal/util"
)

const arpExecTimeout = 5 * time.Second

type Options struct {
	Settle       time.Duration
	DebugSettle  time.Duration
	Timeout      time.Duration
	Attempts     int
	RetryDelay   time.Duration
	ProbeCount   int
	ProbeTimeout time.Duration
	MinReceived  int
	PrimeARP     bool
	Client       string
	Server       string
}

func OptionsFromConfig(cfg config.Config) Options {
	c := cfg.Convergence
	return Options{
		Settle:       c.Settle.Duration(),
		DebugSettle:  c.DebugSettle.Duration(),
		Timeout:      c.Timeout.Duration(),
		Attempts:     c.Attempts,
		RetryDelay:   c.RetryDelay.Duration(),
		ProbeCount:   c.ProbeCount,
		ProbeTimeout: c.ProbeTimeout.Duration(),
		MinReceived:  c.MinReceived,
		PrimeARP:     c.PrimeARPEnabled(),
		Client:       cfg.Trial.Client,
		Server:       cfg.Trial.Server,
	}
}

type Gate struct {
	opts   Options
	logger util.Logger
	sleep  func(context.Context, time.Duration) error
}

func NewGate(opts Options, logger util.Logger) *Gate {
	return &Gate{opts: opts, logger: logger, sleep: util.Sleep}
}

// Pair is one directed reachability check.
type Pair struct {
	Src string
	Dst string
}

// AwaitReady returns nil once every probe pair reaches its quota. It returns
// ErrConvergenceTimeout when a pair never does or the gate's own timeout
// expires, and the caller's context error when the caller gives up first.
func (g *Gate) AwaitReady(ctx context.Context, network emulator.Network, spec topology.Spec, controller model.Controller) error {
	gateCtx := ctx
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		gateCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}
	err := g.await(gateCtx, network, spec, controller)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: not ready within %s", errdefs.ErrConvergenceTimeout, g.opts.Timeout)
	}
	return err
}

func (g *Gate) await(ctx context.Context, network emulator.Network, spec topology.Spec, controller model.Controller) error {
	settle := g.opts.Settle
	if spec.Mode == model.ModeDebug {
		settle = g.opts.DebugSettle
	}
	g.logger.Info("waiting for controller to settle", "controller", controller.String(), "wait", settle)
	if err := g.sleep(ctx, settle); err != nil {
		return err
	}

	if g.opts.PrimeARP {
		if err := g.primeARP(ctx, network, spec); err != nil {
			return err
		}
	}

	pairs, err := ProbePairs(spec, g.opts.Client, g.opts.Server)
	if err != nil {
		return err
	}
	attempts := g.attemptsFor(controller)
	for _, p := range pairs {
		if err := g.checkPair(ctx, network, p, attempts); err != nil {
			return err
		}
	}
	g.logger.Info("network ready", "pairs", len(pairs))
	return nil
}

// attemptsFor gives Ryu one extra round: simple_switch_13 installs its
// table-miss entry on connect and learns more slowly on the first packets.
func (g *Gate) attemptsFor(controller model.Controller) int {
	n := g.opts.Attempts
	if n <= 0 {
		n = 1
	}
	if controller == model.ControllerRyu {
		n++
	}
	return n
}

func (g *Gate) primeARP(ctx context.Context, network emulator.Network, spec topology.Spec) error {
	for _, h := range spec.Hosts {
		cmd := fmt.Sprintf("arping -c 1 -U -I %s %s", h.Iface(), h.Addr)
		if _, err := network.Execute(ctx, h.Name, cmd, arpExecTimeout); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Debug("arp priming failed", "host", h.Name, "error", err)
		}
	}
	return nil
}

func (g *Gate) checkPair(ctx context.Context, network emulator.Network, p Pair, attempts int) error {
	for attempt := 1; attempt <= attempts; attempt++ {
		received, err := network.Probe(ctx, p.Src, p.Dst, g.opts.ProbeCount, g.opts.ProbeTimeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && received >= g.opts.MinReceived {
			g.logger.Info("reachability ok", "src", p.Src, "dst", p.Dst, "received", received, "attempt", attempt)
			return nil
		}
		g.logger.Warn("reachability check failed", "src", p.Src, "dst", p.Dst, "received", received,
			"want", g.opts.MinReceived, "attempt", attempt, "of", attempts, "error", err)
		if attempt < attempts {
			if err := g.sleep(ctx, g.opts.RetryDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %s -> %s unreachable after %d attempts", errdefs.ErrConvergenceTimeout, p.Src, p.Dst, attempts)
}

// ProbePairs returns the checks run by the gate: the trial pair in both
// directions, then one pair starting on each side from the last host of that
// side. Every pair crosses the bottleneck.
func ProbePairs(spec topology.Spec, client, server string) ([]Pair, error) {
	c, s, err := spec.TrialPair(client, server)
	if err != nil {
		return nil, err
	}
	pairs := []Pair{{Src: c.Name, Dst: s.Name}, {Src: s.Name, Dst: c.Name}}

	left, right := spec.HostsOn(topology.SideLeft), spec.HostsOn(topology.SideRight)
	if len(left) == 0 || len(right) == 0 {
		return pairs, nil
	}
	l, r := left[len(left)-1].Name, right[len(right)-1].Name
	for _, p := range []Pair{{Src: l, Dst: r}, {Src: r, Dst: l}} {
		if !containsPair(pairs, p) {
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

func containsPair(pairs []Pair, p Pair) bool {
	for _, q := range pairs {
		if q == p {
			return true
		}
	}
	return false
}
