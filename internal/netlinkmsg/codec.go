// Package netlinkmsg encodes neighbor probe requests and decodes the
// rtnetlink messages a neighbor monitor receives: neighbor table
// notifications and NLMSG_ERROR acknowledgements.
package netlinkmsg

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// ErrForeignSource is returned by DecodeAll when a buffer was not sent by
// the kernel.
var ErrForeignSource = errors.New("netlink message not sent by the kernel")

// DecodeError describes a malformed or truncated message.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed netlink message at offset %d: %s", e.Offset, e.Reason)
}

// NeighborEvent is a decoded RTM_NEWNEIGH or RTM_DELNEIGH record.
type NeighborEvent struct {
	Addr    netip.Addr
	IfIndex int
	State   NudState
	Flags   int
	Deleted bool
}

func (e NeighborEvent) String() string {
	kind := "NEW"
	if e.Deleted {
		kind = "DEL"
	}
	return fmt.Sprintf("%s %s dev %d state %s", kind, e.Addr, e.IfIndex, e.State)
}

// ErrorRecord is the payload of an NLMSG_ERROR message. A zero Code is an
// acknowledgement.
type ErrorRecord struct {
	Code int32
}

// Err returns the errno carried by the record, or nil for an ack.
func (r ErrorRecord) Err() error {
	if r.Code == 0 {
		return nil
	}
	code := r.Code
	if code < 0 {
		code = -code
	}
	return unix.Errno(code)
}

// Message is one decoded netlink message. At most one of Neighbor and Error
// is set; messages of other types carry only the header.
type Message struct {
	Header   unix.NlMsghdr
	Neighbor *NeighborEvent
	Error    *ErrorRecord
}

// EncodeProbeRequest builds an RTM_NEWNEIGH request that asks the kernel to
// move the neighbor entry for addr on ifIndex into NUD_PROBE.
func EncodeProbeRequest(seq uint32, ifIndex int, addr netip.Addr) []byte {
	addr = addr.Unmap()
	family := unix.AF_INET
	if addr.Is6() {
		family = unix.AF_INET6
	}

	req := &nl.NetlinkRequest{
		NlMsghdr: unix.NlMsghdr{
			Len:   uint32(unix.SizeofNlMsghdr),
			Type:  unix.RTM_NEWNEIGH,
			Flags: unix.NLM_F_REQUEST | unix.NLM_F_ACK | unix.NLM_F_REPLACE,
			Seq:   seq,
		},
	}
	req.AddData(&netlink.Ndmsg{
		Family: uint8(family),
		Index:  uint32(ifIndex),
		State:  uint16(NudProbe),
	})
	req.AddData(nl.NewRtAttr(unix.NDA_DST, addr.AsSlice()))

	return req.Serialize()
}

func align(n int) int {
	return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1)
}

func parseHeader(b []byte) (unix.NlMsghdr, error) {
	var h unix.NlMsghdr
	if len(b) < unix.SizeofNlMsghdr {
		return h, &DecodeError{Reason: fmt.Sprintf("short header: %d bytes", len(b))}
	}

	e := nl.NativeEndian()
	h.Len = e.Uint32(b[0:4])
	h.Type = e.Uint16(b[4:6])
	h.Flags = e.Uint16(b[6:8])
	h.Seq = e.Uint32(b[8:12])
	h.Pid = e.Uint32(b[12:16])

	if h.Len < unix.SizeofNlMsghdr {
		return h, &DecodeError{Reason: fmt.Sprintf("header length %d below minimum", h.Len)}
	}
	if int(h.Len) > len(b) {
		return h, &DecodeError{Reason: fmt.Sprintf("header length %d exceeds buffer of %d", h.Len, len(b))}
	}
	return h, nil
}

// Decode parses the first message in b and returns it along with the bytes
// that follow it. On error the returned rest is nil.
func Decode(b []byte) (Message, []byte, error) {
	h, err := parseHeader(b)
	if err != nil {
		return Message{}, nil, err
	}

	msg := Message{Header: h}
	payload := b[unix.SizeofNlMsghdr:h.Len]

	switch h.Type {
	case unix.RTM_NEWNEIGH, unix.RTM_DELNEIGH:
		ev, err := decodeNeighbor(payload)
		if err != nil {
			return Message{}, nil, err
		}
		ev.Deleted = h.Type == unix.RTM_DELNEIGH
		msg.Neighbor = ev
	case unix.NLMSG_ERROR:
		if len(payload) < 4 {
			return Message{}, nil, &DecodeError{Reason: "short error payload"}
		}
		msg.Error = &ErrorRecord{Code: int32(nl.NativeEndian().Uint32(payload[0:4]))}
	}

	next := align(int(h.Len))
	if next > len(b) {
		next = len(b)
	}
	return msg, b[next:], nil
}

// minAttrLen is the smallest valid payload of the neighbor attributes the
// kernel sends with a fixed size.
var minAttrLen = map[uint16]int{
	unix.NDA_CACHEINFO: 16,
	unix.NDA_PROBES:    4,
	unix.NDA_VLAN:      2,
	unix.NDA_PORT:      2,
	unix.NDA_VNI:       4,
	unix.NDA_IFINDEX:   4,
	unix.NDA_MASTER:    4,
}

// alignedAttrs pads b to the attribute alignment. The attribute parser
// steps over the padding of the last attribute even when the message
// omits it.
func alignedAttrs(b []byte) []byte {
	if n := align(len(b)); n != len(b) {
		out := make([]byte, n)
		copy(out, b)
		return out
	}
	return b
}

// decodeNeighbor reads the ndmsg header and the NDA_DST attribute. Other
// attributes are only checked for size.
func decodeNeighbor(payload []byte) (*NeighborEvent, error) {
	if len(payload) < unix.SizeofNdMsg {
		return nil, &DecodeError{Reason: fmt.Sprintf("short ndmsg: %d bytes", len(payload))}
	}

	e := nl.NativeEndian()
	family := payload[0]
	ev := &NeighborEvent{
		IfIndex: int(int32(e.Uint32(payload[4:8]))),
		State:   NudState(e.Uint16(payload[8:10])),
		Flags:   int(payload[10]),
	}

	attrs, err := nl.ParseRouteAttr(alignedAttrs(payload[unix.SizeofNdMsg:]))
	if err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("bad neighbor attributes: %v", err)}
	}

	var dst []byte
	for _, a := range attrs {
		typ := a.Attr.Type &^ (unix.NLA_F_NESTED | unix.NLA_F_NET_BYTEORDER)
		if want, ok := minAttrLen[typ]; ok && len(a.Value) < want {
			return nil, &DecodeError{Reason: fmt.Sprintf("attribute %d: %d bytes, want %d", typ, len(a.Value), want)}
		}
		if typ == unix.NDA_DST {
			dst = a.Value
		}
	}
	if dst == nil {
		return nil, &DecodeError{Reason: "neighbor record without NDA_DST"}
	}

	addr, ok := netip.AddrFromSlice(dst)
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("bad NDA_DST length %d", len(dst))}
	}
	if (family == unix.AF_INET && !addr.Is4()) || (family == unix.AF_INET6 && !addr.Is6()) {
		return nil, &DecodeError{Reason: fmt.Sprintf("NDA_DST length %d does not match family %d", len(dst), family)}
	}
	ev.Addr = addr.Unmap()
	return ev, nil
}

// DecodeAll decodes every message in a received buffer. Decoding stops at
// the first malformed message: the messages before it are returned together
// with its *DecodeError.
func DecodeAll(b []byte, sourcePort uint32) ([]Message, error) {
	if sourcePort != 0 {
		return nil, ErrForeignSource
	}

	var msgs []Message
	offset := 0
	for len(b) > 0 {
		msg, rest, err := Decode(b)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Offset = offset
			}
			return msgs, err
		}
		msgs = append(msgs, msg)
		offset += len(b) - len(rest)
		b = rest
	}
	return msgs, nil
}
