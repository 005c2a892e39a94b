// Package demoproto defines the minimal ACK control message the
// srtgo-send/srtgo-recv demo binaries exchange on top of the core wire
// header (internal/packet). It is not part of the core protocol engine —
// just enough feedback for the demo to exercise sndbuffer.Revoke and
// sndbuffer.ExtractFirstRexmitPacket end to end over a real UDP socket.
package demoproto

import (
	"encoding/binary"
	"fmt"

	"github.com/haivision/srtgo/internal/seq"
)

// ControlTypeAck is the demo's Header.ControlType value for a control
// packet carrying a cumulative-ack sequence number.
const ControlTypeAck uint16 = 0x0001

// EncodeAck packs ackSeq into a 4-byte payload.
func EncodeAck(ackSeq seq.Number) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(ackSeq))
	return buf
}

// DecodeAck unpacks a 4-byte ACK payload.
func DecodeAck(buf []byte) (seq.Number, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("demoproto: ack payload too short: %d", len(buf))
	}
	return seq.Number(binary.BigEndian.Uint32(buf)), nil
}
