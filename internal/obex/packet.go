// Package obex implements the vendor dialect of OBEX used by exword
// dictionaries: packet framing, the header list, continuation handling,
// and the single-request-at-a-time session state machine.
package obex

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies an OBEX request or response. The FINAL bit (0x80)
// marks the last packet of a request or response sequence.
type Opcode uint8

// Request opcodes (spec.md §6).
const (
	OpConnect    Opcode = 0x80
	OpDisconnect Opcode = 0x81
	OpPut        Opcode = 0x02
	OpGet        Opcode = 0x03
	OpSetPath    Opcode = 0x85
	OpContinue   Opcode = 0x10
)

// Final is the high bit marking the last packet in a sequence.
const Final Opcode = 0x80

// IsFinal reports whether the FINAL bit is set.
func (o Opcode) IsFinal() bool { return o&Final != 0 }

// WithoutFinal clears the FINAL bit.
func (o Opcode) WithoutFinal() Opcode { return o &^ Final }

// ResponseCode is the low 7 bits of a response opcode.
type ResponseCode uint8

// Response codes recognized by this driver (spec.md §6).
const (
	RspSuccess            ResponseCode = 0x20
	RspForbidden          ResponseCode = 0x43
	RspNotFound           ResponseCode = 0x44
	RspInternalServerError ResponseCode = 0x50
)

// HeaderTag identifies an OBEX header's type and kind. The top two bits
// select the value encoding: 0x00-0x3F unicode text (2-byte length),
// 0x40-0x7F byte sequence (2-byte length), 0x80-0xBF single byte, 0xC0-0xFF
// four-byte quantity (bq4, no length prefix).
type HeaderTag uint8

// Header tags used by the exword protocol.
const (
	HdrName     HeaderTag = 0x01 // unicode text
	HdrLength   HeaderTag = 0xC3 // bq4
	HdrBody     HeaderTag = 0x48 // byte sequence
	HdrBodyEnd  HeaderTag = 0x49 // byte sequence
	HdrCryptKey HeaderTag = 0x4A // vendor: byte sequence
	HdrAuthInfo HeaderTag = 0x4B // vendor: byte sequence
)

// kind classifies a header tag by its top two bits.
type kind int

const (
	kindUnicode kind = iota
	kindBytes
	kindByte1
	kindBQ4
)

func (t HeaderTag) kind() kind {
	switch t & 0xC0 {
	case 0x00:
		return kindUnicode
	case 0x40:
		return kindBytes
	case 0x80:
		return kindByte1
	default:
		return kindBQ4
	}
}

// Header is a single decoded header element.
type Header struct {
	Tag   HeaderTag
	Value []byte // raw payload bytes (not including tag/length prefix)
	BQ4   uint32 // valid only when Tag.kind() == kindBQ4
}

// Packet is an OBEX request or response: a 3-byte fixed header (opcode,
// big-endian total length), an optional non-header payload (used by
// SETPATH to carry the create-if-missing flag and by CONNECT to carry the
// connect info), and zero or more headers.
type Packet struct {
	Opcode     Opcode
	NonHeader  []byte
	Headers    []Header
}

// NewRequest builds an empty request packet for the given opcode.
func NewRequest(op Opcode) *Packet {
	return &Packet{Opcode: op}
}

// SetNonHeaderData sets the packet's non-header payload, used by SETPATH
// to carry {0x00,0x00} (create if missing) or {0x02,0x00} (otherwise).
func (p *Packet) SetNonHeaderData(b []byte) {
	p.NonHeader = append([]byte(nil), b...)
}

// AddHeader appends a framed header with a variable-length value; for bq4
// headers use AddBQ4Header instead.
func (p *Packet) AddHeader(tag HeaderTag, value []byte) {
	p.Headers = append(p.Headers, Header{Tag: tag, Value: append([]byte(nil), value...)})
}

// AddBQ4Header appends a 4-byte-quantity header (e.g. LENGTH).
func (p *Packet) AddBQ4Header(tag HeaderTag, v uint32) {
	p.Headers = append(p.Headers, Header{Tag: tag, BQ4: v})
}

// Header returns the first header with the given tag, if present.
func (p *Packet) Header(tag HeaderTag) (Header, bool) {
	for _, h := range p.Headers {
		if h.Tag == tag {
			return h, true
		}
	}
	return Header{}, false
}

// Marshal encodes the packet into its wire representation.
func (p *Packet) Marshal() ([]byte, error) {
	var body []byte
	for _, h := range p.Headers {
		switch h.Tag.kind() {
		case kindUnicode, kindBytes:
			if len(h.Value) > 0xFFFF-3 {
				return nil, fmt.Errorf("obex: header %#x too large (%d bytes)", h.Tag, len(h.Value))
			}
			hl := make([]byte, 3)
			hl[0] = byte(h.Tag)
			binary.BigEndian.PutUint16(hl[1:], uint16(len(h.Value)+3))
			body = append(body, hl...)
			body = append(body, h.Value...)
		case kindByte1:
			var v byte
			if len(h.Value) > 0 {
				v = h.Value[0]
			}
			body = append(body, byte(h.Tag), v)
		case kindBQ4:
			v := make([]byte, 5)
			v[0] = byte(h.Tag)
			binary.BigEndian.PutUint32(v[1:], h.BQ4)
			body = append(body, v...)
		}
	}

	total := 3 + len(p.NonHeader) + len(body)
	if total > 0xFFFF {
		return nil, fmt.Errorf("obex: packet too large (%d bytes)", total)
	}
	out := make([]byte, 3, total)
	out[0] = byte(p.Opcode)
	binary.BigEndian.PutUint16(out[1:3], uint16(total))
	out = append(out, p.NonHeader...)
	out = append(out, body...)
	return out, nil
}

// minPacketSize is the smallest legal OBEX packet: a 3-byte fixed header.
const minPacketSize = 3

// Unmarshal decodes a wire packet. nonHeaderLen gives the number of
// non-header bytes immediately following the fixed header (4 for CONNECT
// responses, 2 for a SETPATH request, 0 otherwise); unknown trailing bytes
// are parsed as headers.
func Unmarshal(data []byte, nonHeaderLen int) (*Packet, error) {
	if len(data) < minPacketSize {
		return nil, fmt.Errorf("obex: packet too short (%d bytes)", len(data))
	}
	p := &Packet{Opcode: Opcode(data[0])}
	total := int(binary.BigEndian.Uint16(data[1:3]))
	if total > len(data) {
		return nil, fmt.Errorf("obex: truncated packet: want %d have %d", total, len(data))
	}
	off := minPacketSize
	if nonHeaderLen > 0 {
		if off+nonHeaderLen > total {
			return nil, fmt.Errorf("obex: non-header data exceeds packet")
		}
		p.NonHeader = append([]byte(nil), data[off:off+nonHeaderLen]...)
		off += nonHeaderLen
	}
	for off < total {
		tag := HeaderTag(data[off])
		switch tag.kind() {
		case kindUnicode, kindBytes:
			if off+3 > total {
				return nil, fmt.Errorf("obex: truncated header %#x", tag)
			}
			hl := int(binary.BigEndian.Uint16(data[off+1 : off+3]))
			if hl < 3 || off+hl > total {
				return nil, fmt.Errorf("obex: invalid header length for %#x", tag)
			}
			p.Headers = append(p.Headers, Header{Tag: tag, Value: append([]byte(nil), data[off+3:off+hl]...)})
			off += hl
		case kindByte1:
			if off+2 > total {
				return nil, fmt.Errorf("obex: truncated header %#x", tag)
			}
			p.Headers = append(p.Headers, Header{Tag: tag, Value: []byte{data[off+1]}})
			off += 2
		case kindBQ4:
			if off+5 > total {
				return nil, fmt.Errorf("obex: truncated header %#x", tag)
			}
			p.Headers = append(p.Headers, Header{Tag: tag, BQ4: binary.BigEndian.Uint32(data[off+1 : off+5])})
			off += 5
		}
	}
	return p, nil
}

// Response returns the response code carried by a response packet's
// opcode, with the FINAL bit stripped.
func (p *Packet) Response() ResponseCode {
	return ResponseCode(p.Opcode.WithoutFinal())
}
