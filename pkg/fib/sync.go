package fib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
)

// BroadcastMAC is the destination used when a rule names no next hop.
var BroadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Rule is a provisioning request: frames arriving on IIF leave on OIF.
// The destination MAC comes from NextHopMAC when set, otherwise from the
// kernel neighbor entry of Gateway on OIF, otherwise broadcast.
type Rule struct {
	IIF        uint32
	OIF        uint32
	Gateway    net.IP
	NextHopMAC net.HardwareAddr
}

func (r Rule) String() string {
	s := fmt.Sprintf("%d>%d", r.IIF, r.OIF)
	switch {
	case r.NextHopMAC != nil:
		s += "@" + r.NextHopMAC.String()
	case r.Gateway != nil:
		s += "@" + r.Gateway.String()
	}
	return s
}

// ParseRule parses "iif>oif[@gateway]" where gateway is an IP address or
// a MAC address.
func ParseRule(s string) (Rule, error) {
	var r Rule
	spec, via, hasVia := strings.Cut(strings.TrimSpace(s), "@")
	in, out, ok := strings.Cut(spec, ">")
	if !ok {
		return r, fmt.Errorf("rule %q: want iif>oif[@gateway]", s)
	}
	iif, err := strconv.ParseUint(strings.TrimSpace(in), 10, 32)
	if err != nil {
		return r, fmt.Errorf("rule %q: bad iif: %w", s, err)
	}
	oif, err := strconv.ParseUint(strings.TrimSpace(out), 10, 32)
	if err != nil {
		return r, fmt.Errorf("rule %q: bad oif: %w", s, err)
	}
	if iif >= MaxEntries {
		return r, fmt.Errorf("rule %q: %w: %d", s, ErrIndexRange, iif)
	}
	if oif == 0 {
		return r, fmt.Errorf("rule %q: oif must be non-zero", s)
	}
	r.IIF, r.OIF = uint32(iif), uint32(oif)
	if !hasVia {
		return r, nil
	}
	via = strings.TrimSpace(via)
	if ip := net.ParseIP(via); ip != nil {
		r.Gateway = ip
		return r, nil
	}
	if mac, err := net.ParseMAC(via); err == nil && len(mac) == 6 {
		r.NextHopMAC = mac
		return r, nil
	}
	return r, fmt.Errorf("rule %q: gateway %q is neither an IP nor a MAC", s, via)
}

// ErrUnresolved is returned when a rule's next hop has no usable neighbor
// entry.
var ErrUnresolved = errors.New("next hop unresolved")

// Writer receives resolved entries. The dataplane backends implement it.
type Writer interface {
	SetForwarding(iif uint32, e Entry) error
	DeleteForwarding(iif uint32) error
}

// Resolver is the subset of *netlink.Handle used for resolution.
type Resolver interface {
	LinkByIndex(index int) (netlink.Link, error)
	NeighList(linkIndex, family int) ([]netlink.Neigh, error)
}

// Syncer resolves rules against the kernel link and neighbor tables and
// writes the result into a Writer, once or periodically.
type Syncer struct {
	w        Writer
	resolver Resolver

	mu     sync.Mutex
	rules  []Rule
	synced map[uint32]Entry
	errs   int
}

// NewSyncer creates a Syncer. A nil resolver opens a netlink handle on
// every sync.
func NewSyncer(w Writer, resolver Resolver, rules []Rule) *Syncer {
	return &Syncer{
		w:        w,
		resolver: resolver,
		rules:    rules,
		synced:   make(map[uint32]Entry),
	}
}

// Rules returns a copy of the configured rules.
func (s *Syncer) Rules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Rule(nil), s.rules...)
}

// Errors returns how many rule resolutions have failed so far.
func (s *Syncer) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}

// Run syncs immediately and then every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	s.SyncOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce()
		}
	}
}

// SyncOnce resolves every rule and writes entries that changed. A rule that
// fails to resolve keeps whatever entry it last wrote.
func (s *Syncer) SyncOnce() int {
	resolver := s.resolver
	if resolver == nil {
		handle, err := netlink.NewHandle()
		if err != nil {
			slog.Warn("fib sync: failed to get netlink handle", "err", err)
			return 0
		}
		defer handle.Close()
		resolver = handle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for _, r := range s.rules {
		e, err := Resolve(resolver, r)
		if err != nil {
			s.errs++
			slog.Warn("fib sync: rule unresolved", "rule", r.String(), "err", err)
			continue
		}
		if prev, ok := s.synced[r.IIF]; ok && prev == e {
			continue
		}
		if err := s.w.SetForwarding(r.IIF, e); err != nil {
			s.errs++
			slog.Warn("fib sync: write failed", "rule", r.String(), "err", err)
			continue
		}
		s.synced[r.IIF] = e
		written++
		slog.Info("fib entry provisioned", "iif", r.IIF, "entry", e.String())
	}
	return written
}

// Resolve turns a rule into an Entry: the source MAC is the egress link's
// hardware address and the destination MAC comes from the rule or the
// neighbor table.
func Resolve(resolver Resolver, r Rule) (Entry, error) {
	e := Entry{Ifindex: r.OIF}

	link, err := resolver.LinkByIndex(int(r.OIF))
	if err != nil {
		return e, fmt.Errorf("link %d: %w", r.OIF, err)
	}
	hw := link.Attrs().HardwareAddr
	if len(hw) < 6 {
		return e, fmt.Errorf("link %d (%s) has no ethernet address", r.OIF, link.Attrs().Name)
	}
	copy(e.HSource[:], hw[:6])

	switch {
	case r.NextHopMAC != nil:
		copy(e.HDest[:], r.NextHopMAC)
	case r.Gateway != nil:
		mac, ok := lookupNeighborMAC(resolver, int(r.OIF), r.Gateway)
		if !ok {
			return e, fmt.Errorf("%w: %s on link %d", ErrUnresolved, r.Gateway, r.OIF)
		}
		e.HDest = mac
	default:
		e.HDest = BroadcastMAC
	}
	return e, nil
}

// lookupNeighborMAC queries the kernel ARP/NDP table for the MAC address
// of ip on a specific interface.
func lookupNeighborMAC(resolver Resolver, linkIndex int, ip net.IP) ([6]byte, bool) {
	var mac [6]byte
	family := netlink.FAMILY_V6
	if ip.To4() != nil {
		family = netlink.FAMILY_V4
	}

	neighs, err := resolver.NeighList(linkIndex, family)
	if err != nil {
		return mac, false
	}
	for _, n := range neighs {
		if !n.IP.Equal(ip) {
			continue
		}
		// Accept REACHABLE, STALE, or PERMANENT entries.
		if n.State&(netlink.NUD_REACHABLE|netlink.NUD_STALE|netlink.NUD_PERMANENT) == 0 {
			continue
		}
		if len(n.HardwareAddr) >= 6 {
			copy(mac[:], n.HardwareAddr[:6])
			return mac, true
		}
	}
	return mac, false
}
