package packet

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	testSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ls...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func ipv6Frame(t *testing.T, next layers.IPProtocol) []byte {
	return serialize(t,
		&layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv6},
		&layers.IPv6{Version: 6, NextHeader: next, HopLimit: 64,
			SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")},
		gopacket.Payload([]byte{0x80, 0, 0, 0, 0, 1, 0, 1}),
	)
}

func ipv4Frame(t *testing.T) []byte {
	return serialize(t,
		&layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4},
		&layers.IPv4{Version: 4, IHL: 5, TTL: 63, Protocol: layers.IPProtocolUDP,
			SrcIP: net.IPv4(10, 0, 1, 1), DstIP: net.IPv4(10, 0, 2, 1)},
		gopacket.Payload(make([]byte, 20)),
	)
}

func TestParseEthernetIPv6(t *testing.T) {
	frame := ipv6Frame(t, layers.IPProtocolICMPv6)
	c := NewCursor(frame)

	eth, proto, err := c.Ethernet()
	if err != nil {
		t.Fatalf("Ethernet: %v", err)
	}
	if proto != EthPIPv6 {
		t.Fatalf("proto = %#04x, want %#04x", proto, EthPIPv6)
	}
	if eth.Dest().String() != testDstMAC.String() || eth.Source().String() != testSrcMAC.String() {
		t.Errorf("macs = %s/%s", eth.Dest(), eth.Source())
	}
	if c.Pos() != EthHdrLen {
		t.Errorf("pos = %d, want %d", c.Pos(), EthHdrLen)
	}

	ip6, next, err := c.IPv6()
	if err != nil {
		t.Fatalf("IPv6: %v", err)
	}
	if next != ProtoICMPv6 {
		t.Errorf("next = %d, want %d", next, ProtoICMPv6)
	}
	if ip6.Version() != 6 || ip6.HopLimit() != 64 || ip6.PayloadLen() != 8 {
		t.Errorf("ipv6 header fields: v=%d hop=%d plen=%d", ip6.Version(), ip6.HopLimit(), ip6.PayloadLen())
	}
	if !Terminal(next) {
		t.Error("ICMPv6 should be terminal")
	}
	if c.Remaining() != 8 {
		t.Errorf("remaining = %d, want 8", c.Remaining())
	}
}

func TestParseEthernetIPv4(t *testing.T) {
	c := NewCursor(ipv4Frame(t))
	if _, proto, err := c.Ethernet(); err != nil || proto != EthPIPv4 {
		t.Fatalf("Ethernet: proto=%#04x err=%v", proto, err)
	}
	ip4, next, err := c.IPv4()
	if err != nil {
		t.Fatalf("IPv4: %v", err)
	}
	if next != ProtoUDP {
		t.Errorf("next = %d, want %d", next, ProtoUDP)
	}
	if ip4.TTL() != 63 || ip4.TotLen() != 40 || ip4.IHL() != 5 {
		t.Errorf("ttl=%d totlen=%d ihl=%d", ip4.TTL(), ip4.TotLen(), ip4.IHL())
	}
	if !ip4.Src().Equal(net.IPv4(10, 0, 1, 1)) || !ip4.Dst().Equal(net.IPv4(10, 0, 2, 1)) {
		t.Errorf("addrs = %s -> %s", ip4.Src(), ip4.Dst())
	}
	if Terminal(next) {
		t.Error("UDP should not be terminal")
	}
}

func TestParseBounds(t *testing.T) {
	frame := ipv6Frame(t, layers.IPProtocolICMPv6)

	tests := []struct {
		name   string
		length int
		hdrs   []HeaderType
	}{
		{"empty", 0, []HeaderType{HeaderEthernet}},
		{"short ethernet", EthHdrLen - 1, []HeaderType{HeaderEthernet}},
		{"ethernet only", EthHdrLen, []HeaderType{HeaderEthernet, HeaderIPv6}},
		{"short ipv6", EthHdrLen + IPv6HdrLen - 1, []HeaderType{HeaderEthernet, HeaderIPv6}},
		{"short ipv4", EthHdrLen + IPv4HdrLen - 1, []HeaderType{HeaderEthernet, HeaderIPv4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCursor(frame[:tt.length])
			var err error
			for _, h := range tt.hdrs {
				before := c.Pos()
				if _, _, err = c.Parse(h); err != nil {
					if c.Pos() != before {
						t.Errorf("cursor moved on failure: %d -> %d", before, c.Pos())
					}
					break
				}
			}
			if !errors.Is(err, ErrBounds) {
				t.Fatalf("err = %v, want ErrBounds", err)
			}
		})
	}
}

func TestParseUnknownHeader(t *testing.T) {
	c := NewCursor(make([]byte, 64))
	if _, _, err := c.Parse(HeaderType(9)); err == nil || errors.Is(err, ErrBounds) {
		t.Fatalf("err = %v, want unknown header error", err)
	}
}

func TestEthHdrRewriteInPlace(t *testing.T) {
	frame := ipv6Frame(t, layers.IPProtocolTCP)
	eth, _, err := NewCursor(frame).Ethernet()
	if err != nil {
		t.Fatal(err)
	}
	eth.SetDest([ETHAlen]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa})
	eth.SetSource([ETHAlen]byte{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb})

	if !bytes.Equal(frame[0:6], bytes.Repeat([]byte{0xaa}, 6)) {
		t.Errorf("h_dest not rewritten: % x", frame[0:6])
	}
	if !bytes.Equal(frame[6:12], bytes.Repeat([]byte{0xbb}, 6)) {
		t.Errorf("h_source not rewritten: % x", frame[6:12])
	}
	if eth.Proto() != EthPIPv6 {
		t.Errorf("h_proto clobbered: %#04x", eth.Proto())
	}
}

func TestDescribe(t *testing.T) {
	got := Describe(ipv6Frame(t, layers.IPProtocolICMPv6))
	if !strings.HasPrefix(got, "Ethernet/IPv6") {
		t.Errorf("Describe = %q", got)
	}
	if got := Describe(nil); got == "" {
		t.Error("Describe(nil) returned empty string")
	}
}

func TestReplay(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	frames := [][]byte{ipv4Frame(t), ipv6Frame(t, layers.IPProtocolICMPv6), ipv6Frame(t, layers.IPProtocolUDP)}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: len(f), Length: len(f)}
		if err := w.WritePacket(ci, f); err != nil {
			t.Fatal(err)
		}
	}

	var got [][]byte
	n, err := Replay(context.Background(), &buf, func(data []byte, _ gopacket.CaptureInfo) {
		got = append(got, data)
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != len(frames) || len(got) != len(frames) {
		t.Fatalf("replayed %d frames (%d delivered), want %d", n, len(got), len(frames))
	}
	for i := range frames {
		if !bytes.Equal(got[i], frames[i]) {
			t.Errorf("frame %d differs", i)
		}
	}
}

func TestReplayCancelled(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	f := ipv4Frame(t)
	_ = w.WritePacket(gopacket.CaptureInfo{CaptureLength: len(f), Length: len(f)}, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := Replay(ctx, &buf, func([]byte, gopacket.CaptureInfo) {})
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Fatalf("n=%d err=%v, want 0 and context.Canceled", n, err)
	}
}
