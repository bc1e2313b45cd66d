// Package topology builds the declarative description of the dumbbell network:
// two host clusters behind local switches, two core routers, and a single
// shaped link between the routers.
package topology

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/shaping"
)

const (
	defaultHostsPerSide    = 11
	defaultSwitchesPerSide = 3

	minHosts    = 20
	minSwitches = 5

	subnetBase   = "10.0.0.0"
	subnetPrefix = 24

	// Linux limits interface names to IFNAMSIZ-1 bytes.
	maxIfNameLen = 15
)

type Side int

const (
	SideLeft Side = iota + 1
	SideRight
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

type NodeKind int

const (
	KindHost NodeKind = iota + 1
	KindSwitch
	KindRouter
)

func (k NodeKind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindSwitch:
		return "switch"
	case KindRouter:
		return "router"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Host struct {
	Name   string     `json:"name" yaml:"name"`
	Addr   netip.Addr `json:"addr" yaml:"addr"`
	Prefix int        `json:"prefix" yaml:"prefix"`
	MAC    string     `json:"mac" yaml:"mac"`
	Switch string     `json:"switch" yaml:"switch"`
	Side   Side       `json:"-" yaml:"-"`
}

// CIDR is the address in prefix form, as assigned to the host interface.
func (h Host) CIDR() string {
	return netip.PrefixFrom(h.Addr, h.Prefix).String()
}

// Iface is the host's only interface.
func (h Host) Iface() string {
	return ifaceName(h.Name, 0)
}

// Switch is an OpenFlow datapath. Core routers are modeled as switches too:
// the control-plane agent programs them the same way.
type Switch struct {
	Name string   `json:"name" yaml:"name"`
	Kind NodeKind `json:"-" yaml:"-"`
	DPID string   `json:"dpid" yaml:"dpid"`
	Side Side     `json:"-" yaml:"-"`
}

type Link struct {
	A          string            `json:"a" yaml:"a"`
	B          string            `json:"b" yaml:"b"`
	IfA        string            `json:"if_a" yaml:"if_a"`
	IfB        string            `json:"if_b" yaml:"if_b"`
	Shape      shaping.LinkShape `json:"shape" yaml:"shape"`
	Bottleneck bool              `json:"bottleneck,omitempty" yaml:"bottleneck,omitempty"`
}

func (l Link) String() string {
	return l.A + "<->" + l.B
}

// Params are the structural knobs of the builder.
type Params struct {
	HostsPerSide    int
	SwitchesPerSide int
	AccessShape     shaping.LinkShape
}

func DefaultParams() Params {
	return Params{
		HostsPerSide:    defaultHostsPerSide,
		SwitchesPerSide: defaultSwitchesPerSide,
		AccessShape:     shaping.Access(),
	}
}

func (p Params) validate() error {
	if p.HostsPerSide <= 0 {
		return fmt.Errorf("hosts per side must be > 0, got %d", p.HostsPerSide)
	}
	if p.SwitchesPerSide <= 0 {
		return fmt.Errorf("switches per side must be > 0, got %d", p.SwitchesPerSide)
	}
	if p.SwitchesPerSide > p.HostsPerSide {
		return fmt.Errorf("switches per side (%d) exceed hosts per side (%d)", p.SwitchesPerSide, p.HostsPerSide)
	}
	if 2*p.HostsPerSide > 254 {
		return fmt.Errorf("%d hosts do not fit in %s/%d", 2*p.HostsPerSide, subnetBase, subnetPrefix)
	}
	if err := p.AccessShape.Validate(); err != nil {
		return fmt.Errorf("access link: %w", err)
	}
	return nil
}

// Spec is the full topology for one mode. It is a value; nothing in it refers
// to live network state.
type Spec struct {
	Mode     model.Mode `json:"mode" yaml:"mode"`
	Hosts    []Host     `json:"hosts" yaml:"hosts"`
	Switches []Switch   `json:"switches" yaml:"switches"`
	Routers  []Switch   `json:"routers" yaml:"routers"`
	Links    []Link     `json:"links" yaml:"links"`
}

// Build returns the default dumbbell for mode.
func Build(mode model.Mode) (Spec, error) {
	return BuildWithParams(DefaultParams(), mode)
}

// BuildWithParams lays hosts out as h1..hN, the left side first. Hosts of a
// side are spread across that side's switches, earlier switches taking the
// remainder.
func BuildWithParams(p Params, mode model.Mode) (Spec, error) {
	if !mode.Valid() {
		return Spec{}, fmt.Errorf("%w: invalid mode %d", errdefs.ErrConfiguration, int(mode))
	}
	if err := p.validate(); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", errdefs.ErrConfiguration, err)
	}
	bottleneck := shaping.Shape(mode)
	if err := bottleneck.Validate(); err != nil {
		return Spec{}, fmt.Errorf("%w: bottleneck link: %v", errdefs.ErrConfiguration, err)
	}

	b := newBuilder()
	spec := Spec{Mode: mode}
	spec.Routers = []Switch{
		{Name: "r1", Kind: KindRouter, DPID: dpid(0x100 + 1), Side: SideLeft},
		{Name: "r2", Kind: KindRouter, DPID: dpid(0x100 + 2), Side: SideRight},
	}

	addr := netip.MustParseAddr(subnetBase)
	hostNum := 0
	switchNum := 0
	for _, router := range spec.Routers {
		for i := 0; i < p.SwitchesPerSide; i++ {
			switchNum++
			sw := Switch{
				Name: fmt.Sprintf("s%d", switchNum),
				Kind: KindSwitch,
				DPID: dpid(switchNum),
				Side: router.Side,
			}
			spec.Switches = append(spec.Switches, sw)
			spec.Links = append(spec.Links, b.link(sw.Name, router.Name, p.AccessShape))

			count := p.HostsPerSide / p.SwitchesPerSide
			if i < p.HostsPerSide%p.SwitchesPerSide {
				count++
			}
			for j := 0; j < count; j++ {
				hostNum++
				addr = addr.Next()
				host := Host{
					Name:   fmt.Sprintf("h%d", hostNum),
					Addr:   addr,
					Prefix: subnetPrefix,
					MAC:    fmt.Sprintf("00:00:00:00:00:%02x", hostNum),
					Switch: sw.Name,
					Side:   router.Side,
				}
				spec.Hosts = append(spec.Hosts, host)
			}
		}
	}
	// Host links go last so host interfaces are eth0 and switch uplinks
	// take the lowest switch port numbers.
	for _, h := range spec.Hosts {
		spec.Links = append(spec.Links, b.link(h.Name, h.Switch, p.AccessShape))
	}
	bl := b.link(spec.Routers[0].Name, spec.Routers[1].Name, bottleneck)
	bl.Bottleneck = true
	spec.Links = append(spec.Links, bl)

	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// SingleSwitch is a minimal network of n hosts on one switch, used to check
// that the controller forwards traffic before a full run. Its names do not
// overlap with the dumbbell's.
func SingleSwitch(n int) Spec {
	b := newBuilder()
	sw := Switch{Name: "sd1", Kind: KindSwitch, DPID: dpid(0xd1), Side: SideLeft}
	spec := Spec{Mode: model.ModeDebug, Switches: []Switch{sw}}
	addr := netip.MustParseAddr(subnetBase)
	for i := 1; i <= n; i++ {
		addr = addr.Next()
		h := Host{
			Name:   fmt.Sprintf("hd%d", i),
			Addr:   addr,
			Prefix: subnetPrefix,
			MAC:    fmt.Sprintf("00:00:00:00:0d:%02x", i),
			Switch: sw.Name,
			Side:   SideLeft,
		}
		spec.Hosts = append(spec.Hosts, h)
		spec.Links = append(spec.Links, b.link(h.Name, sw.Name, shaping.Access()))
	}
	return spec
}

type builder struct {
	ports map[string]int
}

func newBuilder() *builder {
	return &builder{ports: make(map[string]int)}
}

// link allocates the next interface on both ends. Hosts number from eth0,
// switches from eth1 to match OpenFlow port numbering.
func (b *builder) link(a, z string, shape shaping.LinkShape) Link {
	return Link{A: a, B: z, IfA: b.nextIface(a), IfB: b.nextIface(z), Shape: shape}
}

func (b *builder) nextIface(node string) string {
	n, ok := b.ports[node]
	if !ok {
		n = 0
		if node[0] != 'h' {
			n = 1
		}
	}
	b.ports[node] = n + 1
	return ifaceName(node, n)
}

func ifaceName(node string, n int) string {
	return fmt.Sprintf("%s-eth%d", node, n)
}

func dpid(n int) string {
	return fmt.Sprintf("%016x", n)
}

// Bottleneck returns the designated shaped link.
func (s Spec) Bottleneck() (Link, bool) {
	for _, l := range s.Links {
		if l.Bottleneck {
			return l, true
		}
	}
	return Link{}, false
}

func (s Spec) Host(name string) (Host, bool) {
	for _, h := range s.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// TrialPair resolves the trial client and server names. Both must be
// distinct hosts of the spec.
func (s Spec) TrialPair(client, server string) (Host, Host, error) {
	c, ok := s.Host(client)
	if !ok {
		return Host{}, Host{}, fmt.Errorf("%w: unknown client host %q", errdefs.ErrConfiguration, client)
	}
	srv, ok := s.Host(server)
	if !ok {
		return Host{}, Host{}, fmt.Errorf("%w: unknown server host %q", errdefs.ErrConfiguration, server)
	}
	if c.Name == srv.Name {
		return Host{}, Host{}, fmt.Errorf("%w: client and server are both %q", errdefs.ErrConfiguration, client)
	}
	return c, srv, nil
}

// HostsOn returns the hosts of one side in builder order.
func (s Spec) HostsOn(side Side) []Host {
	var out []Host
	for _, h := range s.Hosts {
		if h.Side == side {
			out = append(out, h)
		}
	}
	return out
}

// Datapaths returns switches followed by routers.
func (s Spec) Datapaths() []Switch {
	out := make([]Switch, 0, len(s.Switches)+len(s.Routers))
	out = append(out, s.Switches...)
	out = append(out, s.Routers...)
	return out
}

func (s Spec) kinds() map[string]NodeKind {
	kinds := make(map[string]NodeKind, len(s.Hosts)+len(s.Switches)+len(s.Routers))
	for _, h := range s.Hosts {
		kinds[h.Name] = KindHost
	}
	for _, sw := range s.Switches {
		kinds[sw.Name] = KindSwitch
	}
	for _, r := range s.Routers {
		kinds[r.Name] = KindRouter
	}
	return kinds
}

// Validate checks the structural invariants: unique names and interfaces,
// minimum sizes, connectivity, exactly one bottleneck, and that the
// bottleneck is the only path between the two host groups.
func (s Spec) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errdefs.ErrConfiguration, fmt.Sprintf(format, args...))
	}
	if len(s.Hosts) < minHosts {
		return fail("need at least %d hosts, have %d", minHosts, len(s.Hosts))
	}
	if len(s.Switches) < minSwitches {
		return fail("need at least %d switches, have %d", minSwitches, len(s.Switches))
	}
	if len(s.Routers) != 2 {
		return fail("need exactly 2 routers, have %d", len(s.Routers))
	}

	addrs := make(map[netip.Addr]string)
	for _, h := range s.Hosts {
		if !h.Addr.IsValid() {
			return fail("host %s has no address", h.Name)
		}
		if other, ok := addrs[h.Addr]; ok {
			return fail("hosts %s and %s share address %s", other, h.Name, h.Addr)
		}
		addrs[h.Addr] = h.Name
	}
	kinds := s.kinds()
	if want := len(s.Hosts) + len(s.Switches) + len(s.Routers); len(kinds) != want {
		return fail("duplicate node names (%d unique of %d)", len(kinds), want)
	}

	ifaces := make(map[string]struct{})
	adj := make(map[string][]string)
	bottlenecks := 0
	for _, l := range s.Links {
		if _, ok := kinds[l.A]; !ok {
			return fail("link %s: unknown node %s", l, l.A)
		}
		if _, ok := kinds[l.B]; !ok {
			return fail("link %s: unknown node %s", l, l.B)
		}
		if l.A == l.B {
			return fail("link %s: self loop", l)
		}
		for _, ifn := range []string{l.IfA, l.IfB} {
			if ifn == "" || len(ifn) > maxIfNameLen {
				return fail("link %s: bad interface name %q", l, ifn)
			}
			if _, dup := ifaces[ifn]; dup {
				return fail("link %s: interface %s used twice", l, ifn)
			}
			ifaces[ifn] = struct{}{}
		}
		if err := l.Shape.Validate(); err != nil {
			return fail("link %s: %v", l, err)
		}
		if l.Bottleneck {
			bottlenecks++
			if kinds[l.A] != KindRouter || kinds[l.B] != KindRouter {
				return fail("bottleneck %s must join the two routers", l)
			}
		}
		adj[l.A] = append(adj[l.A], l.B)
		adj[l.B] = append(adj[l.B], l.A)
	}
	if bottlenecks != 1 {
		return fail("need exactly one bottleneck link, have %d", bottlenecks)
	}

	all := reach(adj, s.Hosts[0].Name, Link{})
	if len(all) != len(kinds) {
		return fail("topology is not connected (%d of %d nodes reachable)", len(all), len(kinds))
	}
	bl, _ := s.Bottleneck()
	left := reach(adj, s.Routers[0].Name, bl)
	for _, h := range s.Hosts {
		_, onLeft := left[h.Name]
		if onLeft != (h.Side == SideLeft) {
			return fail("host %s (%s side) is not separated by the bottleneck", h.Name, h.Side)
		}
	}
	return nil
}

// reach runs a BFS from start, never crossing the skip link.
func reach(adj map[string][]string, start string, skip Link) map[string]struct{} {
	visited := map[string]struct{}{start: {}}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := append([]string(nil), adj[cur]...)
		sort.Strings(next)
		for _, n := range next {
			if (cur == skip.A && n == skip.B) || (cur == skip.B && n == skip.A) {
				continue
			}
			if _, ok := visited[n]; ok {
				continue
			}
			visited[n] = struct{}{}
			queue = append(queue, n)
		}
	}
	return visited
}
