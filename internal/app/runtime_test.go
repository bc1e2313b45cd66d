package app

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/NodePath81/ccbench/internal/config"
	"github.com/NodePath81/ccbench/internal/emulator"
	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/experiment"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/topology"
	"github.com/NodePath81/ccbench/internal/util"
)

type brokenDriver struct {
	destroys int
}

func (d *brokenDriver) Create(context.Context, topology.Spec) error {
	return errors.New("ovs-vsctl: database connection failed")
}

func (d *brokenDriver) Attach(context.Context, topology.Spec, emulator.ControllerTarget) error {
	return nil
}

func (d *brokenDriver) Exec(context.Context, string, string) ([]byte, int, error) {
	return nil, 0, nil
}

func (d *brokenDriver) Ping(_ context.Context, _ string, _ netip.Addr, count int, _ time.Duration) (int, error) {
	return count, nil
}

func (d *brokenDriver) Destroy(topology.Spec) error {
	d.destroys++
	return nil
}

func TestRuntimeRunReportsProvisionFailure(t *testing.T) {
	cfg := config.Default()
	cfg.ResultsDir = t.TempDir()
	driver := &brokenDriver{}
	rt, err := NewRuntime(cfg, driver, util.DiscardLogger())
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Stop()
	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	run, err := rt.Run(context.Background(), model.ControllerPOX, model.ModeDebug)
	if !errors.Is(err, errdefs.ErrEmulation) {
		t.Fatalf("Run error = %v, want ErrEmulation", err)
	}
	if run.Status != model.RunFailed || run.State != experiment.StateFailed {
		t.Fatalf("run = %v/%v, want failed", run.Status, run.State)
	}
	if driver.destroys != 1 {
		t.Fatalf("destroys = %d, want 1", driver.destroys)
	}

	snap, ok := rt.Status().Snapshot()
	if !ok || snap.ID != run.ID || snap.Outcome != "failed" {
		t.Fatalf("status snapshot = %+v, want failed run %s", snap, run.ID)
	}
}

func TestRuntimeStartsControlServer(t *testing.T) {
	cfg := config.Default()
	cfg.ResultsDir = t.TempDir()
	cfg.Control.Enabled = true
	cfg.Control.BindPort = 0
	rt, err := NewRuntime(cfg, &brokenDriver{}, util.DiscardLogger())
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Stop()
	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rt.control.Addr() == nil {
		t.Fatalf("control server not bound")
	}
}
