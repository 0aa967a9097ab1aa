package packet

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// FrameFunc receives one captured frame. data is owned by the callee.
type FrameFunc func(data []byte, ci gopacket.CaptureInfo)

// Replay reads Ethernet frames from a pcap stream and passes each to fn
// until EOF, a read error, or ctx cancellation. It returns the number of
// frames delivered.
func Replay(ctx context.Context, r io.Reader, fn FrameFunc) (int, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open pcap: %w", err)
	}
	if lt := pr.LinkType(); lt != layers.LinkTypeEthernet {
		return 0, fmt.Errorf("unsupported pcap link type %s", lt)
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read pcap frame %d: %w", n, err)
		}
		fn(data, ci)
		n++
	}
}

// Describe returns a one-line summary of the layers gopacket decodes from an
// Ethernet frame, e.g. "Ethernet/IPv6/ICMPv6". It is used for debug traces
// only and is never on the verdict path.
func Describe(frame []byte) string {
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	var names []string
	for _, l := range p.Layers() {
		names = append(names, l.LayerType().String())
	}
	if el := p.ErrorLayer(); el != nil {
		names = append(names, "error("+el.Error().Error()+")")
	}
	if len(names) == 0 {
		return "empty"
	}
	return strings.Join(names, "/")
}
