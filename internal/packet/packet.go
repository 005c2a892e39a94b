// Package packet implements the 16-byte wire header and message-number
// flag packing described in spec.md §3 and §6.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/haivision/srtgo/internal/seq"
)

// HeaderSize is the fixed wire header length in bytes.
const HeaderSize = 16

// Boundary is the PB (packet-boundary) field of the message-number word.
type Boundary uint8

const (
	BoundarySubsequent Boundary = 0b00
	BoundaryLast       Boundary = 0b01
	BoundaryFirst      Boundary = 0b10
	BoundarySolo       Boundary = 0b11
)

// KeyFlag is the ENCKEY field of the message-number word.
type KeyFlag uint8

const (
	KeyNoEnc KeyFlag = 0b00
	KeyEven  KeyFlag = 0b01
	KeyOdd   KeyFlag = 0b10
)

// msgno bit layout (32 bits total): PB(2) INORDER(1) ENCKEY(2) REXMIT(1) MSGNO(26)
const (
	msgnoBits  = 26
	msgnoMask  = (1 << msgnoBits) - 1
	rexmitBit  = 1 << msgnoBits
	enckeyShift = msgnoBits + 1
	enckeyMask  = 0b11 << enckeyShift
	inorderBit  = 1 << (msgnoBits + 3)
	pbShift     = msgnoBits + 4
	pbMask      = 0b11 << pbShift
)

// MsgFlags packs the PB/INORDER/ENCKEY/REXMIT/MSGNO word (§3).
type MsgFlags uint32

// NewMsgFlags packs the given fields into a MsgFlags word. msgno must
// already be a valid 26-bit message number (see NextMsgno).
func NewMsgFlags(pb Boundary, inorder bool, key KeyFlag, rexmit bool, msgno uint32) MsgFlags {
	v := uint32(pb&0b11) << pbShift
	if inorder {
		v |= inorderBit
	}
	v |= uint32(key&0b11) << enckeyShift
	if rexmit {
		v |= rexmitBit
	}
	v |= msgno & msgnoMask
	return MsgFlags(v)
}

func (f MsgFlags) Boundary() Boundary { return Boundary((f & pbMask) >> pbShift) }
func (f MsgFlags) InOrder() bool      { return f&inorderBit != 0 }
func (f MsgFlags) Key() KeyFlag       { return KeyFlag((f & enckeyMask) >> enckeyShift) }
func (f MsgFlags) Rexmit() bool       { return f&rexmitBit != 0 }
func (f MsgFlags) Msgno() uint32      { return uint32(f) & msgnoMask }

// WithRexmit returns a copy of f with the REXMIT bit set or cleared.
func (f MsgFlags) WithRexmit(rexmit bool) MsgFlags {
	if rexmit {
		return f | MsgFlags(rexmitBit)
	}
	return f &^ MsgFlags(rexmitBit)
}

// NextMsgno advances a 26-bit message number, wrapping from 2^26-1 back to
// 1 and skipping 0 (0 is reserved to mean "no message number assigned").
func NextMsgno(cur uint32) uint32 {
	cur = (cur + 1) & msgnoMask
	if cur == 0 {
		cur = 1
	}
	return cur
}

// Header is the 16-byte fixed wire header (§6). Data/control discrimination
// lives in the top bit of the first word: 0 = data sequence, 1 = control
// (message type in bits 30..16, extended type in bits 15..0).
type Header struct {
	Control      bool
	Seq          seq.Number // valid only when !Control
	ControlType  uint16     // valid only when Control
	ControlExt   uint16     // valid only when Control
	Msg          MsgFlags
	TimestampUs  uint32
	DestSocketID uint32
}

// Marshal encodes h into buf[:HeaderSize]. buf must be at least HeaderSize.
func (h *Header) Marshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("packet: buffer too small for header: %d < %d", len(buf), HeaderSize)
	}
	var word0 uint32
	if h.Control {
		word0 = (1 << 31) | (uint32(h.ControlType&0x7FFF) << 16) | uint32(h.ControlExt)
	} else {
		word0 = uint32(h.Seq) & 0x7FFFFFFF
	}
	binary.BigEndian.PutUint32(buf[0:4], word0)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Msg))
	binary.BigEndian.PutUint32(buf[8:12], h.TimestampUs)
	binary.BigEndian.PutUint32(buf[12:16], h.DestSocketID)
	return nil
}

// Unmarshal decodes a Header from buf[:HeaderSize].
func Unmarshal(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("packet: buffer too small for header: %d < %d", len(buf), HeaderSize)
	}
	word0 := binary.BigEndian.Uint32(buf[0:4])
	h := &Header{
		Msg:          MsgFlags(binary.BigEndian.Uint32(buf[4:8])),
		TimestampUs:  binary.BigEndian.Uint32(buf[8:12]),
		DestSocketID: binary.BigEndian.Uint32(buf[12:16]),
	}
	if word0&(1<<31) != 0 {
		h.Control = true
		h.ControlType = uint16((word0 >> 16) & 0x7FFF)
		h.ControlExt = uint16(word0 & 0xFFFF)
	} else {
		h.Seq = seq.Number(word0 & 0x7FFFFFFF)
	}
	return h, nil
}

// ControlTypeFilter is the Header.ControlType value that marks a
// packet-filter (FEC) control packet; the demo binaries set and check it.
const ControlTypeFilter uint16 = 0x7FFF

// FilterHeaderSize is the 4-byte filter-specific header following the
// generic 16-byte header in an FEC control packet (§6).
const FilterHeaderSize = 4

// FilterHeader is the FEC control packet payload header: column index
// (-1 for a row control packet), XOR'd encryption flag byte, and the
// XOR'd network-order length.
type FilterHeader struct {
	Index       int8
	EncFlagXor  uint8
	LengthXor   uint16
}

// Marshal encodes fh into buf[:FilterHeaderSize].
func (fh *FilterHeader) Marshal(buf []byte) error {
	if len(buf) < FilterHeaderSize {
		return fmt.Errorf("packet: buffer too small for filter header: %d < %d", len(buf), FilterHeaderSize)
	}
	buf[0] = byte(fh.Index)
	buf[1] = fh.EncFlagXor
	binary.BigEndian.PutUint16(buf[2:4], fh.LengthXor)
	return nil
}

// UnmarshalFilterHeader decodes a FilterHeader from buf[:FilterHeaderSize].
func UnmarshalFilterHeader(buf []byte) (*FilterHeader, error) {
	if len(buf) < FilterHeaderSize {
		return nil, fmt.Errorf("packet: buffer too small for filter header: %d < %d", len(buf), FilterHeaderSize)
	}
	return &FilterHeader{
		Index:      int8(buf[0]),
		EncFlagXor: buf[1],
		LengthXor:  binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}
