// Package packet implements bounds-checked header parsing over raw frames.
//
// A Cursor walks a frame one header at a time. Every step checks that the
// whole header fits before any byte of it is read, so a truncated frame
// yields ErrBounds instead of an out-of-range access.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrBounds is returned when a header does not fit in the remaining frame.
var ErrBounds = errors.New("header exceeds packet bounds")

// EtherType and IP protocol numbers used by the hooks.
const (
	EthPIPv4 = 0x0800
	EthPIPv6 = 0x86DD

	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
	ProtoNoNext = 59
)

// Header sizes.
const (
	ETHAlen    = 6
	EthHdrLen  = 14
	IPv4HdrLen = 20
	IPv6HdrLen = 40
)

// HeaderType selects the header Parse expects at the cursor.
type HeaderType uint8

const (
	HeaderEthernet HeaderType = iota
	HeaderIPv4
	HeaderIPv6
)

func (h HeaderType) String() string {
	switch h {
	case HeaderEthernet:
		return "ethernet"
	case HeaderIPv4:
		return "ipv4"
	case HeaderIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("header(%d)", uint8(h))
	}
}

// Size returns the fixed header length, or 0 for an unknown type.
func (h HeaderType) Size() int {
	switch h {
	case HeaderEthernet:
		return EthHdrLen
	case HeaderIPv4:
		return IPv4HdrLen
	case HeaderIPv6:
		return IPv6HdrLen
	default:
		return 0
	}
}

// Cursor is a movable position over a frame. Start is always 0 and end is
// len(buf); the cursor never moves past end.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor returns a cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Pos returns the current offset from the start of the frame.
func (c *Cursor) Pos() int { return c.pos }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// take returns the next n bytes and advances, or ErrBounds.
// The returned slice aliases the frame so callers can rewrite in place.
func (c *Cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, ErrBounds
	}
	b := c.buf[c.pos : c.pos+n : c.pos+n]
	c.pos += n
	return b, nil
}

// Parse reads a header of type h at the cursor. On success it advances past
// the header and returns the header view together with the declared next
// protocol in host byte order (an EtherType for Ethernet, an IP protocol
// number for IPv4/IPv6). On failure the cursor does not move.
func (c *Cursor) Parse(h HeaderType) ([]byte, uint16, error) {
	size := h.Size()
	if size == 0 {
		return nil, 0, fmt.Errorf("parse %s: unknown header type", h)
	}
	view, err := c.take(size)
	if err != nil {
		return nil, 0, err
	}
	switch h {
	case HeaderEthernet:
		return view, EthHdr(view).Proto(), nil
	case HeaderIPv4:
		return view, uint16(IPv4Hdr(view).Protocol()), nil
	default:
		return view, uint16(IPv6Hdr(view).NextHdr()), nil
	}
}

// Ethernet parses an Ethernet II header.
func (c *Cursor) Ethernet() (EthHdr, uint16, error) {
	view, next, err := c.Parse(HeaderEthernet)
	return EthHdr(view), next, err
}

// IPv4 parses a fixed-size IPv4 header. Options are not skipped.
func (c *Cursor) IPv4() (IPv4Hdr, uint8, error) {
	view, next, err := c.Parse(HeaderIPv4)
	return IPv4Hdr(view), uint8(next), err
}

// IPv6 parses the fixed IPv6 header.
func (c *Cursor) IPv6() (IPv6Hdr, uint8, error) {
	view, next, err := c.Parse(HeaderIPv6)
	return IPv6Hdr(view), uint8(next), err
}

// Terminal reports whether an IP protocol number carries no further layer
// the hooks descend into.
func Terminal(proto uint8) bool {
	switch proto {
	case ProtoICMP, ProtoICMPv6, ProtoNoNext:
		return true
	}
	return false
}

// EthHdr is a view of an Ethernet header inside a frame.
type EthHdr []byte

func (h EthHdr) Dest() net.HardwareAddr { return net.HardwareAddr(h[0:ETHAlen]) }
func (h EthHdr) Source() net.HardwareAddr { return net.HardwareAddr(h[ETHAlen : 2*ETHAlen]) }

// Proto returns h_proto converted to host byte order.
func (h EthHdr) Proto() uint16 { return binary.BigEndian.Uint16(h[12:14]) }

// SetDest overwrites h_dest in the underlying frame.
func (h EthHdr) SetDest(mac [ETHAlen]byte) { copy(h[0:ETHAlen], mac[:]) }

// SetSource overwrites h_source in the underlying frame.
func (h EthHdr) SetSource(mac [ETHAlen]byte) { copy(h[ETHAlen:2*ETHAlen], mac[:]) }

// IPv4Hdr is a view of an IPv4 header.
type IPv4Hdr []byte

func (h IPv4Hdr) Version() uint8 { return h[0] >> 4 }
func (h IPv4Hdr) IHL() uint8 { return h[0] & 0x0f }
func (h IPv4Hdr) TotLen() uint16 { return binary.BigEndian.Uint16(h[2:4]) }
func (h IPv4Hdr) TTL() uint8 { return h[8] }
func (h IPv4Hdr) Protocol() uint8 { return h[9] }
func (h IPv4Hdr) Src() net.IP { return net.IP(h[12:16]) }
func (h IPv4Hdr) Dst() net.IP { return net.IP(h[16:20]) }

// IPv6Hdr is a view of the fixed IPv6 header.
type IPv6Hdr []byte

func (h IPv6Hdr) Version() uint8 { return h[0] >> 4 }
func (h IPv6Hdr) PayloadLen() uint16 { return binary.BigEndian.Uint16(h[4:6]) }
func (h IPv6Hdr) NextHdr() uint8 { return h[6] }
func (h IPv6Hdr) HopLimit() uint8 { return h[7] }
func (h IPv6Hdr) Src() net.IP { return net.IP(h[8:24]) }
func (h IPv6Hdr) Dst() net.IP { return net.IP(h[24:40]) }
