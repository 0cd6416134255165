// Package wire implements the fixed-layout datagram framing shared by both
// endpoints of a gamewire connection. All multi-byte fields are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
)

// Channel identifies the logical sub-stream a packet belongs to.
type Channel uint8

const (
	// Reliable packets are buffered, acknowledged, and retransmitted until
	// acked or abandoned.
	Reliable Channel = 0

	// Unreliable packets are fire-and-forget.
	Unreliable Channel = 1

	// Ack packets acknowledge a single reliable sequence. They carry the
	// acknowledged sequence in the seq field and an empty payload.
	Ack Channel = 2
)

func (c Channel) String() string {
	switch c {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	case Ack:
		return "ack"
	default:
		return "unknown"
	}
}

// HeaderLen is the size of the packet header in bytes:
// channel(1) + seq(2) + retrans(1) + timestamp(4).
const HeaderLen = 8

// MaxSeq is the size of the 16-bit sequence space. Sequence numbers wrap
// modulo MaxSeq.
const MaxSeq = 1 << 16

// ErrMalformedHeader is returned by Unpack for datagrams shorter than
// HeaderLen or carrying an unknown channel.
var ErrMalformedHeader = errors.New("malformed packet header")

// Packet is the decoded form of a datagram.
type Packet struct {
	Channel   Channel
	Seq       uint16
	Retrans   uint8
	Timestamp uint32
	Payload   []byte
}

// Pack serializes a packet. The timestamp is stamped here, from the local
// monotonic clock, so a retransmitted packet gets a fresh timestamp.
func Pack(ch Channel, seq uint16, retrans uint8, payload []byte) []byte {
	b := make([]byte, HeaderLen+len(payload))
	b[0] = byte(ch)
	binary.BigEndian.PutUint16(b[1:3], seq)
	b[3] = retrans
	binary.BigEndian.PutUint32(b[4:8], NowMS())
	copy(b[HeaderLen:], payload)
	return b
}

// PackAck serializes an acknowledgment for seq. Acks never carry a payload
// and are never retransmitted.
func PackAck(seq uint16) []byte {
	return Pack(Ack, seq, 0, nil)
}

// Unpack decodes a datagram. The returned payload aliases data.
func Unpack(data []byte) (Packet, error) {
	if len(data) < HeaderLen {
		return Packet{}, ErrMalformedHeader
	}
	ch := Channel(data[0])
	if ch > Ack {
		return Packet{}, ErrMalformedHeader
	}
	return Packet{
		Channel:   ch,
		Seq:       binary.BigEndian.Uint16(data[1:3]),
		Retrans:   data[3],
		Timestamp: binary.BigEndian.Uint32(data[4:8]),
		Payload:   data[HeaderLen:],
	}, nil
}
