package msghub

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// frameHeader is id(8) + is_ack(1) + type length(2)
const frameHeader = 8 + 1 + 2

// ErrMalformedFrame is returned when a datagram is not a hub frame
var ErrMalformedFrame = errors.New("malformed message frame")

// frame is one hub datagram. Acks carry the id and flag only.
type frame struct {
	id      uint64
	ack     bool
	typ     string
	payload string
}

func (f frame) MarshalBinary() ([]byte, error) {
	if f.ack {
		buf := make([]byte, frameHeader+4)
		binary.BigEndian.PutUint64(buf, f.id)
		buf[8] = 1
		return buf, nil
	}
	if len(f.typ) > math.MaxUint16 {
		return nil, fmt.Errorf("message type is %d bytes, limit is %d", len(f.typ), math.MaxUint16)
	}
	if uint64(len(f.payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("message payload is %d bytes, limit is %d", len(f.payload), uint64(math.MaxUint32))
	}

	buf := make([]byte, 0, frameHeader+len(f.typ)+4+len(f.payload))
	buf = binary.BigEndian.AppendUint64(buf, f.id)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.typ)))
	buf = append(buf, f.typ...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.payload)))
	buf = append(buf, f.payload...)
	return buf, nil
}

func (f *frame) UnmarshalBinary(p []byte) error {
	if len(p) < frameHeader+4 {
		return fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(p))
	}
	f.id = binary.BigEndian.Uint64(p)
	switch p[8] {
	case 0:
		f.ack = false
	case 1:
		f.ack = true
	default:
		return fmt.Errorf("%w: ack flag %d", ErrMalformedFrame, p[8])
	}

	rest := p[9:]
	typeLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < typeLen+4 {
		return fmt.Errorf("%w: truncated type", ErrMalformedFrame)
	}
	f.typ = string(rest[:typeLen])
	rest = rest[typeLen:]

	payloadLen := uint64(binary.BigEndian.Uint32(rest))
	rest = rest[4:]
	if uint64(len(rest)) != payloadLen {
		return fmt.Errorf("%w: payload is %d bytes, header says %d", ErrMalformedFrame, len(rest), payloadLen)
	}
	f.payload = string(rest)
	return nil
}
