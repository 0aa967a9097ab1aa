package dataplane

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/psaab/snfpath/pkg/hooks"
)

// Compile-time assertions for the netlink-backed hook collaborators.
var (
	_ hooks.QStatsReader = (*NetlinkQStats)(nil)
	_ hooks.TxPorts      = (*NetlinkTxPorts)(nil)
)

// linkQdiscs is the subset of *netlink.Handle used here.
type linkQdiscs interface {
	LinkByIndex(index int) (netlink.Link, error)
	QdiscList(link netlink.Link) ([]netlink.Qdisc, error)
}

// NetlinkQStats reads qdisc queue counters from the kernel.
type NetlinkQStats struct {
	h linkQdiscs
}

// NewNetlinkQStats returns a reader over h; nil opens a handle in the
// current network namespace.
func NewNetlinkQStats(h *netlink.Handle) (*NetlinkQStats, error) {
	if h == nil {
		var err error
		if h, err = netlink.NewHandle(); err != nil {
			return nil, fmt.Errorf("netlink handle: %w", err)
		}
	}
	return &NetlinkQStats{h: h}, nil
}

// QueueStats returns qlen and backlog of the qdisc with handle on ifindex.
func (q *NetlinkQStats) QueueStats(ifindex, handle uint32) (hooks.QStats, error) {
	link, err := q.h.LinkByIndex(int(ifindex))
	if err != nil {
		return hooks.QStats{}, fmt.Errorf("link %d: %w", ifindex, err)
	}
	qdiscs, err := q.h.QdiscList(link)
	if err != nil {
		return hooks.QStats{}, fmt.Errorf("qdisc list on %s: %w", link.Attrs().Name, err)
	}
	for _, qd := range qdiscs {
		attrs := qd.Attrs()
		if attrs.Handle != handle {
			continue
		}
		if attrs.Statistics == nil || attrs.Statistics.Queue == nil {
			return hooks.QStats{}, fmt.Errorf("qdisc %s on %s has no queue statistics",
				netlink.HandleStr(handle), link.Attrs().Name)
		}
		return hooks.QStats{
			Qlen:    attrs.Statistics.Queue.Qlen,
			Backlog: attrs.Statistics.Queue.Backlog,
		}, nil
	}
	return hooks.QStats{}, fmt.Errorf("no qdisc %s on %s", netlink.HandleStr(handle), link.Attrs().Name)
}

// NetlinkTxPorts reports an egress interface ready when it exists and is
// administratively up.
type NetlinkTxPorts struct {
	h interface {
		LinkByIndex(index int) (netlink.Link, error)
	}
}

// NewNetlinkTxPorts returns a checker over h; nil opens a handle.
func NewNetlinkTxPorts(h *netlink.Handle) (*NetlinkTxPorts, error) {
	if h == nil {
		var err error
		if h, err = netlink.NewHandle(); err != nil {
			return nil, fmt.Errorf("netlink handle: %w", err)
		}
	}
	return &NetlinkTxPorts{h: h}, nil
}

func (t *NetlinkTxPorts) Ready(ifindex uint32) error {
	link, err := t.h.LinkByIndex(int(ifindex))
	if err != nil {
		return fmt.Errorf("egress %d: %w", ifindex, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return fmt.Errorf("egress %s (%d) is down", link.Attrs().Name, ifindex)
	}
	return nil
}
