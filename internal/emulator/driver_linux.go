//go:build linux

package emulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/NodePath81/ccbench/internal/shaping"
	"github.com/NodePath81/ccbench/internal/topology"
	"github.com/NodePath81/ccbench/internal/util"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const (
	linkMTU           = 1500
	attachPollPeriod  = 500 * time.Millisecond
	icmpProtoNumber   = 1
	echoPayload       = "ccbench"
	defaultPingWindow = time.Second
)

// NetnsDriver builds the topology out of one network namespace per host,
// one Open vSwitch bridge per switch or router, and veth pairs for links.
type NetnsDriver struct {
	logger util.Logger
}

func NewSystemDriver(logger util.Logger) (Driver, error) {
	if unix.Geteuid() != 0 {
		return nil, errors.New("emulation requires root privileges")
	}
	if _, err := exec.LookPath("ovs-vsctl"); err != nil {
		return nil, fmt.Errorf("ovs-vsctl not found: %w", err)
	}
	if _, err := exec.LookPath("ip"); err != nil {
		return nil, fmt.Errorf("ip not found: %w", err)
	}
	return &NetnsDriver{logger: logger}, nil
}

func (d *NetnsDriver) Create(ctx context.Context, spec topology.Spec) error {
	for _, l := range spec.Links {
		for _, name := range []string{l.IfA, l.IfB} {
			if len(name) >= unix.IFNAMSIZ {
				return fmt.Errorf("interface name %q exceeds %d bytes", name, unix.IFNAMSIZ-1)
			}
		}
	}
	if err := d.checkAbsent(ctx, spec); err != nil {
		return err
	}

	for _, h := range spec.Hosts {
		if err := createNamespace(h.Name); err != nil {
			return fmt.Errorf("namespace %s: %w", h.Name, err)
		}
	}
	for _, dp := range spec.Datapaths() {
		if _, err := d.run(ctx, "ovs-vsctl", "--may-exist", "add-br", dp.Name,
			"--", "set", "bridge", dp.Name, "fail-mode=secure",
			"other-config:datapath-id="+dp.DPID); err != nil {
			return fmt.Errorf("bridge %s: %w", dp.Name, err)
		}
	}

	root, err := netlink.NewHandle()
	if err != nil {
		return fmt.Errorf("netlink handle: %w", err)
	}
	defer root.Close()
	rootShaper := shaping.NewShaper(root, d.logger)

	for _, l := range spec.Links {
		if err := d.createLink(ctx, spec, root, rootShaper, l); err != nil {
			return fmt.Errorf("link %s: %w", l, err)
		}
	}
	return nil
}

// checkAbsent fails with ErrTopologyExists when a host namespace or a
// datapath bridge of spec is already present.
func (d *NetnsDriver) checkAbsent(ctx context.Context, spec topology.Spec) error {
	for _, h := range spec.Hosts {
		if ns, err := netns.GetFromName(h.Name); err == nil {
			_ = ns.Close()
			return fmt.Errorf("%w: namespace %s", ErrTopologyExists, h.Name)
		}
	}
	out, err := d.run(ctx, "ovs-vsctl", "list-br")
	if err != nil {
		return fmt.Errorf("list bridges: %w", err)
	}
	if br, ok := firstExisting(spec.Datapaths(), strings.Fields(string(out))); ok {
		return fmt.Errorf("%w: bridge %s", ErrTopologyExists, br)
	}
	return nil
}

func firstExisting(datapaths []topology.Switch, bridges []string) (string, bool) {
	present := make(map[string]bool, len(bridges))
	for _, br := range bridges {
		present[br] = true
	}
	for _, dp := range datapaths {
		if present[dp.Name] {
			return dp.Name, true
		}
	}
	return "", false
}

func createNamespace(name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	orig, err := netns.Get()
	if err != nil {
		return err
	}
	defer orig.Close()
	ns, err := netns.NewNamed(name)
	if err != nil {
		return err
	}
	defer ns.Close()
	if err := netns.Set(orig); err != nil {
		return fmt.Errorf("restore namespace: %w", err)
	}
	return nil
}

func (d *NetnsDriver) createLink(ctx context.Context, spec topology.Spec, root *netlink.Handle, rootShaper *shaping.Shaper, l topology.Link) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: l.IfA, MTU: linkMTU},
		PeerName:  l.IfB,
	}
	if err := root.LinkAdd(veth); err != nil {
		return fmt.Errorf("add veth %s/%s: %w", l.IfA, l.IfB, err)
	}
	ends := []struct{ node, ifname string }{{l.A, l.IfA}, {l.B, l.IfB}}
	for _, end := range ends {
		if host, ok := spec.Host(end.node); ok {
			if err := d.attachHost(root, host, end.ifname, l.Shape); err != nil {
				return err
			}
			continue
		}
		if err := d.attachPort(ctx, root, rootShaper, end.node, end.ifname, l.Shape); err != nil {
			return err
		}
	}
	return nil
}

func (d *NetnsDriver) attachPort(ctx context.Context, root *netlink.Handle, shaper *shaping.Shaper, bridge, ifname string, shape shaping.LinkShape) error {
	link, err := root.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	if err := root.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", ifname, err)
	}
	if err := shaper.Apply(ifname, shape); err != nil {
		return err
	}
	if _, err := d.run(ctx, "ovs-vsctl", "--may-exist", "add-port", bridge, ifname); err != nil {
		return fmt.Errorf("add port %s to %s: %w", ifname, bridge, err)
	}
	return nil
}

func (d *NetnsDriver) attachHost(root *netlink.Handle, host topology.Host, ifname string, shape shaping.LinkShape) error {
	ns, err := netns.GetFromName(host.Name)
	if err != nil {
		return fmt.Errorf("open namespace %s: %w", host.Name, err)
	}
	defer ns.Close()

	link, err := root.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	if err := root.LinkSetNsFd(link, int(ns)); err != nil {
		return fmt.Errorf("move %s to %s: %w", ifname, host.Name, err)
	}

	nh, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle in %s: %w", host.Name, err)
	}
	defer nh.Close()

	if lo, err := nh.LinkByName("lo"); err == nil {
		_ = nh.LinkSetUp(lo)
	}
	link, err = nh.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s in %s: %w", ifname, host.Name, err)
	}
	mac, err := net.ParseMAC(host.MAC)
	if err != nil {
		return fmt.Errorf("host %s mac: %w", host.Name, err)
	}
	if err := nh.LinkSetHardwareAddr(link, mac); err != nil {
		return fmt.Errorf("set %s mac: %w", ifname, err)
	}
	addr, err := netlink.ParseAddr(host.CIDR())
	if err != nil {
		return fmt.Errorf("host %s addr: %w", host.Name, err)
	}
	if err := nh.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("add %s to %s: %w", host.CIDR(), ifname, err)
	}
	if err := nh.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", ifname, err)
	}
	return shaping.NewShaper(nh, d.logger).Apply(ifname, shape)
}

func (d *NetnsDriver) Attach(ctx context.Context, spec topology.Spec, target ControllerTarget) error {
	ctrl := "tcp:" + target.Address
	for _, dp := range spec.Datapaths() {
		if _, err := d.run(ctx, "ovs-vsctl",
			"set", "bridge", dp.Name, "protocols="+target.OpenFlowVersion,
			"--", "set-controller", dp.Name, ctrl); err != nil {
			return fmt.Errorf("set controller on %s: %w", dp.Name, err)
		}
	}

	want := len(spec.Datapaths())
	ticker := time.NewTicker(attachPollPeriod)
	defer ticker.Stop()
	for {
		out, err := d.run(ctx, "ovs-vsctl", "--bare", "--columns=is_connected", "list", "Controller")
		if err == nil && connectedCount(out) >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func connectedCount(out []byte) int {
	n := 0
	for _, line := range strings.Fields(string(out)) {
		if line == "true" {
			n++
		}
	}
	return n
}

func (d *NetnsDriver) Exec(ctx context.Context, host, command string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, "ip", "netns", "exec", host, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, err
	}
	return out, 0, nil
}

// Ping opens a raw ICMP socket inside host's namespace and sends count echo
// requests to dst, one at a time.
func (d *NetnsDriver) Ping(ctx context.Context, host string, dst netip.Addr, count int, timeout time.Duration) (int, error) {
	conn, err := listenICMPIn(host)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if timeout <= 0 {
		timeout = defaultPingWindow
	}

	ip := net.IP(dst.AsSlice())
	id := rand.Intn(0xffff)
	received := 0
	for seq := 1; seq <= count; seq++ {
		if err := ctx.Err(); err != nil {
			return received, err
		}
		if _, ok := sendEcho(conn, ip, id, uint16(seq), timeout); ok {
			received++
		}
	}
	return received, nil
}

func listenICMPIn(host string) (*icmp.PacketConn, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	orig, err := netns.Get()
	if err != nil {
		return nil, err
	}
	defer orig.Close()
	ns, err := netns.GetFromName(host)
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", host, err)
	}
	defer ns.Close()
	if err := netns.Set(ns); err != nil {
		return nil, fmt.Errorf("enter namespace %s: %w", host, err)
	}
	conn, listenErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err := netns.Set(orig); err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, fmt.Errorf("restore namespace: %w", err)
	}
	if listenErr != nil {
		return nil, fmt.Errorf("icmp socket in %s: %w", host, listenErr)
	}
	return conn, nil
}

func sendEcho(conn *icmp.PacketConn, ip net.IP, id int, seq uint16, timeout time.Duration) (time.Duration, bool) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  int(seq),
			Data: []byte(echoPayload),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, false
	}
	start := time.Now()
	if _, err := conn.WriteTo(payload, &net.IPAddr{IP: ip}); err != nil {
		return 0, false
	}
	if err := conn.SetReadDeadline(start.Add(timeout)); err != nil {
		return 0, false
	}
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, false
		}
		if ipAddr, ok := peer.(*net.IPAddr); ok && ipAddr.IP != nil && !ipAddr.IP.Equal(ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(icmpProtoNumber, buf[:n])
		if err != nil || parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if ok && echo.ID == id && echo.Seq == int(seq) {
			return time.Since(start), true
		}
	}
}

func (d *NetnsDriver) Destroy(spec topology.Spec) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	for _, dp := range spec.Datapaths() {
		if _, err := d.run(ctx, "ovs-vsctl", "--if-exists", "del-br", dp.Name); err != nil {
			errs = append(errs, fmt.Errorf("delete bridge %s: %w", dp.Name, err))
		}
	}
	for _, h := range spec.Hosts {
		ns, err := netns.GetFromName(h.Name)
		if err != nil {
			continue
		}
		_ = ns.Close()
		d.killNamespaceProcs(ctx, h.Name)
		if err := netns.DeleteNamed(h.Name); err != nil {
			errs = append(errs, fmt.Errorf("delete namespace %s: %w", h.Name, err))
		}
	}
	// Host namespaces took their veth ends with them; what remains are the
	// datapath ports in the root namespace.
	root, err := netlink.NewHandle()
	if err != nil {
		errs = append(errs, fmt.Errorf("netlink handle: %w", err))
		return errors.Join(errs...)
	}
	defer root.Close()
	shaper := shaping.NewShaper(root, d.logger)
	for _, l := range spec.Links {
		for _, ifname := range rootPorts(spec, l) {
			if err := shaper.Clear(ifname); err != nil {
				errs = append(errs, err)
			}
		}
		link, err := root.LinkByName(l.IfA)
		if err != nil {
			continue
		}
		if err := root.LinkDel(link); err != nil {
			errs = append(errs, fmt.Errorf("delete veth %s: %w", l.IfA, err))
		}
	}
	return errors.Join(errs...)
}

// rootPorts lists the interfaces of l that stay in the root namespace.
func rootPorts(spec topology.Spec, l topology.Link) []string {
	var out []string
	if _, ok := spec.Host(l.A); !ok {
		out = append(out, l.IfA)
	}
	if _, ok := spec.Host(l.B); !ok {
		out = append(out, l.IfB)
	}
	return out
}

func (d *NetnsDriver) killNamespaceProcs(ctx context.Context, name string) {
	out, err := d.run(ctx, "ip", "netns", "pids", name)
	if err != nil {
		return
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 1 {
			continue
		}
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			d.logger.Warn("kill namespace process failed", "namespace", name, "pid", pid, "error", err)
		}
	}
}

func (d *NetnsDriver) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	d.logger.Debug("run", "cmd", name, "args", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
