package emulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/topology"
	"github.com/NodePath81/ccbench/internal/util"
)

type fakeDriver struct {
	mu         sync.Mutex
	createErr  error
	attachErr  error
	creates    int
	attaches   int
	destroys   int
	execCode   int
	execOutput string
	commands   []string
	lost       bool
}

func (f *fakeDriver) Create(ctx context.Context, spec topology.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return f.createErr
}

func (f *fakeDriver) Attach(ctx context.Context, spec topology.Spec, target ControllerTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	return f.attachErr
}

func (f *fakeDriver) Exec(ctx context.Context, host, command string) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, host+": "+command)
	return []byte(f.execOutput), f.execCode, nil
}

func (f *fakeDriver) Ping(ctx context.Context, host string, dst netip.Addr, count int, timeout time.Duration) (int, error) {
	if f.lost {
		return 0, nil
	}
	return count, nil
}

func (f *fakeDriver) Destroy(spec topology.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func buildSpec(t *testing.T) topology.Spec {
	t.Helper()
	spec, err := topology.Build(model.ModeDebug)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	return spec
}

func listenController(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().String()
}

func TestTeardownIdempotent(t *testing.T) {
	drv := &fakeDriver{}
	m := NewManager(drv, util.DiscardLogger())
	h, err := m.Instantiate(context.Background(), buildSpec(t))
	if err != nil {
		t.Fatalf("Instantiate error: %v", err)
	}
	if err := h.Teardown(); err != nil {
		t.Fatalf("first Teardown error: %v", err)
	}
	if err := h.Teardown(); err != nil {
		t.Fatalf("second Teardown error: %v", err)
	}
	if drv.destroys != 1 {
		t.Fatalf("destroys = %d, want 1", drv.destroys)
	}
	if _, err := h.Execute(context.Background(), "h1", "true", time.Second); !errors.Is(err, errdefs.ErrEmulation) {
		t.Fatalf("Execute after teardown err = %v, want ErrEmulation", err)
	}
}

func TestSingleActiveHandle(t *testing.T) {
	m := NewManager(&fakeDriver{}, util.DiscardLogger())
	spec := buildSpec(t)
	h, err := m.Instantiate(context.Background(), spec)
	if err != nil {
		t.Fatalf("Instantiate error: %v", err)
	}
	if _, err := m.Instantiate(context.Background(), spec); !errors.Is(err, errdefs.ErrEmulation) {
		t.Fatalf("second Instantiate err = %v, want ErrEmulation", err)
	}
	if err := h.Teardown(); err != nil {
		t.Fatalf("Teardown error: %v", err)
	}
	h2, err := m.Instantiate(context.Background(), spec)
	if err != nil {
		t.Fatalf("Instantiate after teardown error: %v", err)
	}
	_ = h2.Teardown()
}

func TestInstantiateCleansUpOnCreateFailure(t *testing.T) {
	drv := &fakeDriver{createErr: errors.New("boom")}
	m := NewManager(drv, util.DiscardLogger())
	if _, err := m.Instantiate(context.Background(), buildSpec(t)); !errors.Is(err, errdefs.ErrEmulation) {
		t.Fatalf("err = %v, want ErrEmulation", err)
	}
	if drv.destroys != 1 {
		t.Fatalf("destroys = %d, want 1", drv.destroys)
	}
	drv.createErr = nil
	if _, err := m.Instantiate(context.Background(), buildSpec(t)); err != nil {
		t.Fatalf("Instantiate after failure error: %v", err)
	}
}

func TestInstantiateLeavesExistingTopologyAlone(t *testing.T) {
	drv := &fakeDriver{createErr: fmt.Errorf("%w: namespace h1", ErrTopologyExists)}
	m := NewManager(drv, util.DiscardLogger())
	_, err := m.Instantiate(context.Background(), buildSpec(t))
	if !errors.Is(err, errdefs.ErrEmulation) || !errors.Is(err, ErrTopologyExists) {
		t.Fatalf("err = %v, want ErrEmulation wrapping ErrTopologyExists", err)
	}
	if drv.destroys != 0 {
		t.Fatalf("destroys = %d, want 0", drv.destroys)
	}
	drv.createErr = nil
	if _, err := m.Instantiate(context.Background(), buildSpec(t)); err != nil {
		t.Fatalf("Instantiate after rejection error: %v", err)
	}
}

func TestInstantiateRejectsInvalidSpec(t *testing.T) {
	drv := &fakeDriver{}
	m := NewManager(drv, util.DiscardLogger())
	spec := buildSpec(t)
	spec.Hosts = spec.Hosts[:5]
	if _, err := m.Instantiate(context.Background(), spec); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if drv.creates != 0 {
		t.Fatalf("creates = %d, want 0", drv.creates)
	}
}

func TestStartControllerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	drv := &fakeDriver{}
	h, err := NewManager(drv, util.DiscardLogger()).Instantiate(context.Background(), buildSpec(t))
	if err != nil {
		t.Fatalf("Instantiate error: %v", err)
	}
	defer h.Teardown()
	err = h.Start(context.Background(), ControllerTarget{Address: addr, OpenFlowVersion: "OpenFlow10", ConnectTimeout: 500 * time.Millisecond})
	if !errors.Is(err, errdefs.ErrControllerUnreachable) {
		t.Fatalf("Start err = %v, want ErrControllerUnreachable", err)
	}
	if drv.attaches != 0 {
		t.Fatalf("attaches = %d, want 0", drv.attaches)
	}
}

func TestStartAttachTimeout(t *testing.T) {
	drv := &fakeDriver{attachErr: context.DeadlineExceeded}
	h, err := NewManager(drv, util.DiscardLogger()).Instantiate(context.Background(), buildSpec(t))
	if err != nil {
		t.Fatalf("Instantiate error: %v", err)
	}
	defer h.Teardown()
	err = h.Start(context.Background(), ControllerTarget{Address: listenController(t), ConnectTimeout: time.Second})
	if !errors.Is(err, errdefs.ErrControllerUnreachable) {
		t.Fatalf("Start err = %v, want ErrControllerUnreachable", err)
	}
}

func TestStartAttaches(t *testing.T) {
	drv := &fakeDriver{}
	h, err := NewManager(drv, util.DiscardLogger()).Instantiate(context.Background(), buildSpec(t))
	if err != nil {
		t.Fatalf("Instantiate error: %v", err)
	}
	defer h.Teardown()
	target := ControllerTarget{Address: listenController(t), OpenFlowVersion: "OpenFlow13", ConnectTimeout: time.Second}
	if err := h.Start(context.Background(), target); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.Start(context.Background(), target); err != nil {
		t.Fatalf("second Start error: %v", err)
	}
	if drv.attaches != 1 {
		t.Fatalf("attaches = %d, want 1", drv.attaches)
	}
}

func TestExecuteExitError(t *testing.T) {
	drv := &fakeDriver{execCode: ExitCodeNotFound, execOutput: "sh: iperf3: not found"}
	h, err := NewManager(drv, util.DiscardLogger()).Instantiate(context.Background(), buildSpec(t))
	if err != nil {
		t.Fatalf("Instantiate error: %v", err)
	}
	defer h.Teardown()
	out, err := h.Execute(context.Background(), "h1", "iperf3 -v", time.Second)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if !exitErr.NotFound() || exitErr.Host != "h1" {
		t.Fatalf("exitErr = %+v", exitErr)
	}
	if string(out) != "sh: iperf3: not found" {
		t.Fatalf("output = %q", out)
	}
	if _, err := h.Execute(context.Background(), "h99", "true", time.Second); !errors.Is(err, errdefs.ErrEmulation) {
		t.Fatalf("unknown host err = %v, want ErrEmulation", err)
	}
}

func TestProbeResolvesDestination(t *testing.T) {
	h, err := NewManager(&fakeDriver{}, util.DiscardLogger()).Instantiate(context.Background(), buildSpec(t))
	if err != nil {
		t.Fatalf("Instantiate error: %v", err)
	}
	defer h.Teardown()
	got, err := h.Probe(context.Background(), "h1", "h13", 5, time.Second)
	if err != nil || got != 5 {
		t.Fatalf("Probe = %d, %v, want 5, nil", got, err)
	}
	ip, err := h.HostIP("h13")
	if err != nil || ip.String() != "10.0.0.13" {
		t.Fatalf("HostIP = %v, %v", ip, err)
	}
}
