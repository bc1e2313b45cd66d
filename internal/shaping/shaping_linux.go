//go:build linux

package shaping

import (
	"errors"
	"fmt"

	"github.com/NodePath81/ccbench/internal/util"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	handleMajorHTB  uint16 = 1
	classRootMinor  uint16 = 1
	handleMajorLeaf uint16 = 10
)

// Shaper applies LinkShapes to interfaces reachable through one netlink
// handle. The handle decides which network namespace is touched.
type Shaper struct {
	handle *netlink.Handle
	logger util.Logger
}

func NewShaper(handle *netlink.Handle, logger util.Logger) *Shaper {
	return &Shaper{handle: handle, logger: logger}
}

// Apply replaces the root qdisc of ifname with HTB at the link rate and a
// netem (impaired) or fq_codel (rate only) leaf.
func (s *Shaper) Apply(ifname string, shape LinkShape) error {
	if err := shape.Validate(); err != nil {
		return fmt.Errorf("shape %s: %w", ifname, err)
	}
	link, err := s.handle.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("device %s not found: %w", ifname, err)
	}
	if err := s.clearQdiscs(link); err != nil {
		return fmt.Errorf("clear qdiscs on %s: %w", ifname, err)
	}

	params := htbParamsFor(shape, link.Attrs().MTU, float64(netlink.Hz()))
	idx := link.Attrs().Index
	rootQdiscHandle := netlink.MakeHandle(handleMajorHTB, 0)
	classID := netlink.MakeHandle(handleMajorHTB, classRootMinor)

	htb := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: idx,
		Handle:    rootQdiscHandle,
		Parent:    netlink.HANDLE_ROOT,
	})
	htb.Defcls = uint32(classRootMinor)
	htb.Rate2Quantum = 100
	if err := s.qdiscReplaceOrAdd(htb); err != nil {
		return fmt.Errorf("add/replace root htb qdisc on %s: %w", ifname, err)
	}

	if err := s.classReplaceOrAdd(&netlink.HtbClass{
		ClassAttrs: netlink.ClassAttrs{
			LinkIndex: idx,
			Handle:    classID,
			Parent:    rootQdiscHandle,
		},
		Rate:    params.rateBytes,
		Ceil:    params.rateBytes,
		Buffer:  params.buffer,
		Cbuffer: params.buffer,
	}); err != nil {
		return fmt.Errorf("add/replace class 1:%d on %s: %w", classRootMinor, ifname, err)
	}

	leafAttrs := netlink.QdiscAttrs{
		LinkIndex: idx,
		Parent:    classID,
		Handle:    netlink.MakeHandle(handleMajorLeaf, 0),
	}
	var leaf netlink.Qdisc
	if shape.Impaired() {
		leaf = netlink.NewNetem(leafAttrs, netemAttrsFor(shape))
	} else {
		leaf = netlink.NewFqCodel(leafAttrs)
	}
	if err := s.qdiscReplaceOrAdd(leaf); err != nil {
		return fmt.Errorf("add/replace %s leaf on %s: %w", leaf.Type(), ifname, err)
	}

	if s.logger != nil {
		s.logger.Debug("link shaped", "device", ifname, "shape", shape.String(), "leaf", leaf.Type())
	}
	return nil
}

// Clear removes any root qdisc from ifname. A missing device is not an error.
func (s *Shaper) Clear(ifname string) error {
	link, err := s.handle.LinkByName(ifname)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("cleanup device %s: %w", ifname, err)
	}
	return s.clearQdiscs(link)
}

type htbParams struct {
	rateBytes uint64
	buffer    uint32
}

func htbParamsFor(shape LinkShape, mtu int, hz float64) htbParams {
	rateBytes := bitsToBytesPerSec(shape.BandwidthBits())
	if mtu <= 0 {
		mtu = 1500
	}
	if hz <= 0 {
		hz = 1000
	}
	burst := uint32(float64(rateBytes)/hz + float64(mtu))
	return htbParams{
		rateBytes: rateBytes,
		buffer:    netlink.Xmittime(rateBytes, burst),
	}
}

func netemAttrsFor(shape LinkShape) netlink.NetemQdiscAttrs {
	attrs := netlink.NetemQdiscAttrs{
		Latency: uint32(shape.Delay.Microseconds()),
		Loss:    float32(shape.LossPercent),
	}
	if shape.MaxQueueSize > 0 {
		attrs.Limit = uint32(shape.MaxQueueSize)
	}
	return attrs
}

func (s *Shaper) clearQdiscs(link netlink.Link) error {
	qdiscs, err := s.handle.QdiscList(link)
	if err != nil {
		return fmt.Errorf("QdiscList: %w", err)
	}
	for _, q := range qdiscs {
		if q.Attrs().Parent == netlink.HANDLE_ROOT {
			_ = s.handle.QdiscDel(q)
		}
	}
	return nil
}

func bitsToBytesPerSec(bits uint64) uint64 {
	return bits / 8
}

func (s *Shaper) qdiscReplaceOrAdd(q netlink.Qdisc) error {
	if err := s.handle.QdiscReplace(q); err == nil {
		return nil
	}
	_ = s.handle.QdiscDel(q)
	if err := s.handle.QdiscAdd(q); err != nil {
		return fmt.Errorf("replace failed, add failed: %w", err)
	}
	return nil
}

func (s *Shaper) classReplaceOrAdd(c netlink.Class) error {
	replaceErr := s.handle.ClassReplace(c)
	if replaceErr == nil {
		return nil
	}
	_ = s.handle.ClassDel(c)
	if err := s.handle.ClassAdd(c); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("class add got EINVAL (parent missing/unsupported?): %w (replace err was %v)", err, replaceErr)
		}
		return fmt.Errorf("replace failed, add failed: %w / %v", err, replaceErr)
	}
	return nil
}
