// Package emulator owns the live emulated network. A Manager hands out at
// most one Handle at a time; the Handle is the only way to start, use and
// tear down the network.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/topology"
	"github.com/NodePath81/ccbench/internal/util"
)

// ExitCodeNotFound is the shell's status for a command that does not exist.
const ExitCodeNotFound = 127

// ErrTopologyExists is returned by Driver.Create when a host or datapath of
// the spec is already present. Create has changed nothing in that case and
// the existing objects belong to someone else.
var ErrTopologyExists = errors.New("topology already exists")

// Driver materializes a topology on some substrate.
type Driver interface {
	// Create builds hosts, datapaths and shaped links. Datapaths are left
	// without a controller. It fails with ErrTopologyExists, before touching
	// anything, when any of them already exists.
	Create(ctx context.Context, spec topology.Spec) error
	// Attach points every datapath at the controller and returns once all of
	// them report a connection, or ctx is done.
	Attach(ctx context.Context, spec topology.Spec, target ControllerTarget) error
	// Exec runs a shell command inside host and returns its combined output
	// and exit code. err is set only when the command could not be run.
	Exec(ctx context.Context, host, command string) (output []byte, code int, err error)
	// Ping sends count ICMP echo requests from host to dst and returns the
	// number of replies received.
	Ping(ctx context.Context, host string, dst netip.Addr, count int, timeout time.Duration) (int, error)
	// Destroy removes everything Create made. It must tolerate partial state.
	Destroy(spec topology.Spec) error
}

// ControllerTarget is the control-plane agent the datapaths connect to.
type ControllerTarget struct {
	Address         string
	OpenFlowVersion string
	ConnectTimeout  time.Duration
}

// Network is the view of a live network used by the measurement stages.
type Network interface {
	Execute(ctx context.Context, host, command string, timeout time.Duration) ([]byte, error)
	Probe(ctx context.Context, src, dst string, count int, timeout time.Duration) (int, error)
	HostIP(host string) (netip.Addr, error)
}

// Session is a Network with its lifecycle.
type Session interface {
	Network
	Start(ctx context.Context, target ControllerTarget) error
	Teardown() error
}

// ExitError reports a host command that ran and exited non-zero.
type ExitError struct {
	Host    string
	Command string
	Code    int
	Output  []byte
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(string(e.Output))
	if len(out) > 200 {
		out = out[len(out)-200:]
	}
	return fmt.Sprintf("%s: %q exited with status %d: %s", e.Host, e.Command, e.Code, out)
}

// NotFound reports whether the shell could not find the command.
func (e *ExitError) NotFound() bool {
	return e.Code == ExitCodeNotFound
}

type Manager struct {
	driver Driver
	logger util.Logger

	mu     sync.Mutex
	active *Handle
}

func NewManager(driver Driver, logger util.Logger) *Manager {
	return &Manager{driver: driver, logger: logger}
}

// Instantiate materializes spec. It fails with ErrEmulation while another
// handle is live or when the driver rejects the topology. Partial state from
// a failed Create is destroyed, unless the topology was already there.
func (m *Manager) Instantiate(ctx context.Context, spec topology.Spec) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, fmt.Errorf("%w: network already active", errdefs.ErrEmulation)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := m.driver.Create(ctx, spec); err != nil {
		if errors.Is(err, ErrTopologyExists) {
			return nil, fmt.Errorf("%w: %w", errdefs.ErrEmulation, err)
		}
		if derr := m.driver.Destroy(spec); derr != nil {
			m.logger.Error("cleanup after failed create", "error", derr)
		}
		return nil, fmt.Errorf("%w: create topology: %v", errdefs.ErrEmulation, err)
	}
	h := &Handle{
		manager: m,
		driver:  m.driver,
		spec:    spec,
		logger:  m.logger,
	}
	m.active = h
	m.logger.Info("topology created", "hosts", len(spec.Hosts), "datapaths", len(spec.Datapaths()), "links", len(spec.Links))
	return h, nil
}

// Provision is Instantiate behind the Session interface.
func (m *Manager) Provision(ctx context.Context, spec topology.Spec) (Session, error) {
	h, err := m.Instantiate(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == h {
		m.active = nil
	}
}

// Handle is one live network.
type Handle struct {
	manager *Manager
	driver  Driver
	spec    topology.Spec
	logger  util.Logger

	mu      sync.Mutex
	started bool
	closed  bool

	teardownOnce sync.Once
	teardownErr  error
}

// Start checks that the controller accepts connections, then attaches every
// datapath to it. Both steps are bounded by target.ConnectTimeout.
func (h *Handle) Start(ctx context.Context, target ControllerTarget) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: network already torn down", errdefs.ErrEmulation)
	}
	if h.started {
		return nil
	}
	timeout := target.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", target.Address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errdefs.ErrControllerUnreachable, target.Address, err)
	}
	_ = conn.Close()

	attachCtx, cancelAttach := context.WithTimeout(ctx, timeout)
	defer cancelAttach()
	if err := h.driver.Attach(attachCtx, h.spec, target); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: datapaths did not connect to %s within %s", errdefs.ErrControllerUnreachable, target.Address, timeout)
		}
		return fmt.Errorf("%w: attach controller: %v", errdefs.ErrEmulation, err)
	}
	h.started = true
	h.logger.Info("network started", "controller", target.Address, "openflow", target.OpenFlowVersion)
	return nil
}

// Execute runs command on host and blocks until it exits or timeout elapses.
// A non-zero exit status is returned as *ExitError together with the output.
func (h *Handle) Execute(ctx context.Context, host, command string, timeout time.Duration) ([]byte, error) {
	if err := h.usable(host); err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	h.logger.Debug("exec", "host", host, "command", command)
	out, code, err := h.driver.Exec(ctx, host, command)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, fmt.Errorf("%s: %q: %w", host, command, ctxErr)
		}
		return out, fmt.Errorf("%s: %q: %w", host, command, err)
	}
	if code != 0 {
		return out, &ExitError{Host: host, Command: command, Code: code, Output: out}
	}
	return out, nil
}

// Probe sends count echo requests from src to dst's address.
func (h *Handle) Probe(ctx context.Context, src, dst string, count int, timeout time.Duration) (int, error) {
	if err := h.usable(src); err != nil {
		return 0, err
	}
	ip, err := h.HostIP(dst)
	if err != nil {
		return 0, err
	}
	return h.driver.Ping(ctx, src, ip, count, timeout)
}

func (h *Handle) HostIP(host string) (netip.Addr, error) {
	hh, ok := h.spec.Host(host)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: unknown host %q", errdefs.ErrEmulation, host)
	}
	return hh.Addr, nil
}

func (h *Handle) usable(host string) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: network already torn down", errdefs.ErrEmulation)
	}
	if _, ok := h.spec.Host(host); !ok {
		return fmt.Errorf("%w: unknown host %q", errdefs.ErrEmulation, host)
	}
	return nil
}

// Teardown releases all emulated state. Only the first call does work; later
// calls return its result.
func (h *Handle) Teardown() error {
	h.teardownOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		if err := h.driver.Destroy(h.spec); err != nil {
			h.teardownErr = fmt.Errorf("%w: teardown: %v", errdefs.ErrEmulation, err)
			h.logger.Error("teardown incomplete", "error", err)
		} else {
			h.logger.Info("network torn down")
		}
		h.manager.release(h)
	})
	return h.teardownErr
}
