package emulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/topology"
	"github.com/NodePath81/ccbench/internal/util"
)

const forwardingPings = 3

// CheckForwarding builds a two-host single-switch network, attaches it to
// target and pings across it. The network is always removed before return.
func CheckForwarding(ctx context.Context, driver Driver, target ControllerTarget, logger util.Logger) error {
	spec := topology.SingleSwitch(2)
	timeout := target.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if err := driver.Create(ctx, spec); err != nil {
		if errors.Is(err, ErrTopologyExists) {
			return fmt.Errorf("%w: %w", errdefs.ErrEmulation, err)
		}
		if derr := driver.Destroy(spec); derr != nil {
			logger.Error("cleanup after failed create", "error", derr)
		}
		return fmt.Errorf("%w: create check network: %v", errdefs.ErrEmulation, err)
	}
	defer func() {
		if err := driver.Destroy(spec); err != nil {
			logger.Error("check network teardown incomplete", "error", err)
		}
	}()

	attachCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.Attach(attachCtx, spec, target); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: switch did not connect to %s within %s", errdefs.ErrControllerUnreachable, target.Address, timeout)
		}
		return fmt.Errorf("%w: attach controller: %v", errdefs.ErrEmulation, err)
	}

	src, dst := spec.Hosts[0], spec.Hosts[1]
	received, err := driver.Ping(ctx, src.Name, dst.Addr, forwardingPings, 2*time.Second)
	if err != nil {
		return fmt.Errorf("%w: ping %s -> %s: %v", errdefs.ErrEmulation, src.Name, dst.Name, err)
	}
	if received == 0 {
		return fmt.Errorf("%w: %s -> %s: 0/%d replies", errdefs.ErrControllerUnreachable, src.Name, dst.Name, forwardingPings)
	}
	logger.Debug("forwarding check passed", "received", received, "sent", forwardingPings)
	return nil
}
