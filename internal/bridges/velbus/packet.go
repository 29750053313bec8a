package velbus

import (
	"fmt"
	"strings"
)

// Frame markers and layout.
const (
	// STX marks the start of every frame.
	STX byte = 0x0F

	// ETX marks the end of every frame.
	ETX byte = 0x04

	// MaxDataLength is the largest payload the 4-bit length field can describe.
	MaxDataLength = 15

	// MinFrameLength is the size of a frame with an empty payload.
	MinFrameLength = headerLength + trailerLength

	// MaxFrameLength is the size of a frame with a full payload.
	MaxFrameLength = MinFrameLength + MaxDataLength

	headerLength  = 4 // STX, priority, address, rtr|length
	trailerLength = 2 // checksum, ETX

	rtrFlag    byte = 0x40
	lengthMask byte = 0x0F

	// Offsets within a frame.
	priorityOffset = 1
	addressOffset  = 2
	lengthOffset   = 3
	commandOffset  = 4
)

// Priority is the second byte of a frame.
type Priority byte

// Bus priorities. Only these two values are ever sent.
const (
	PriorityHigh Priority = 0xF8
	PriorityLow  Priority = 0xFB
)

// Valid reports whether p is one of the two bus priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityLow
}

// String returns "high", "low" or the hex value.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("0x%02X", byte(p))
	}
}

// Packet is one Velbus frame before serialisation.
// Data[0] is the command byte when the payload is not empty.
type Packet struct {
	Priority Priority
	Address  byte
	RTR      bool
	Data     []byte
}

// NewPacket builds a packet for address with the given priority and payload.
func NewPacket(address byte, priority Priority, data ...byte) Packet {
	return Packet{
		Priority: priority,
		Address:  address,
		Data:     data,
	}
}

// Command returns the first data byte.
// ok is false for an empty payload.
func (p Packet) Command() (cmd byte, ok bool) {
	if len(p.Data) == 0 {
		return 0, false
	}
	return p.Data[0], true
}

// Encode serialises the packet into a complete frame.
//
// Returns:
//   - []byte: STX through ETX, checksum included
//   - error: ErrInvalidPriority or ErrPayloadTooLarge
func (p Packet) Encode() ([]byte, error) {
	if !p.Priority.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPriority, p.Priority)
	}
	if len(p.Data) > MaxDataLength {
		return nil, fmt.Errorf("%w: got %d", ErrPayloadTooLarge, len(p.Data))
	}

	header := byte(len(p.Data))
	if p.RTR {
		header |= rtrFlag
	}

	frame := make([]byte, 0, MinFrameLength+len(p.Data))
	frame = append(frame, STX, byte(p.Priority), p.Address, header)
	frame = append(frame, p.Data...)
	frame = append(frame, Checksum(frame), ETX)
	return frame, nil
}

// MustEncode is like Encode but panics on error.
// Use only with packets built by this package's constructors.
func (p Packet) MustEncode() []byte {
	frame, err := p.Encode()
	if err != nil {
		panic(err)
	}
	return frame
}

// String renders the packet as hex for logging.
func (p Packet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "addr=0x%02X prio=%s", p.Address, p.Priority)
	if p.RTR {
		sb.WriteString(" rtr")
	}
	sb.WriteString(" data=[")
	for i, b := range p.Data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	sb.WriteByte(']')
	return sb.String()
}

// Checksum returns the low byte of 0x100 minus the sum of b.
func Checksum(b []byte) byte {
	var sum int
	for _, v := range b {
		sum += int(v)
	}
	return byte(0x100 - sum&0xFF)
}

// DecodePacket validates one complete frame and returns its packet.
// Markers, priority, the reserved length bits, length and checksum must
// all agree.
func DecodePacket(frame []byte) (Packet, error) {
	if len(frame) < MinFrameLength {
		return Packet{}, fmt.Errorf("%w: %d bytes is shorter than a frame", ErrMalformedFrame, len(frame))
	}
	if frame[0] != STX {
		return Packet{}, fmt.Errorf("%w: start byte 0x%02X", ErrMalformedFrame, frame[0])
	}
	if p := Priority(frame[priorityOffset]); !p.Valid() {
		return Packet{}, fmt.Errorf("%w: priority %s", ErrMalformedFrame, p)
	}
	if reserved := frame[lengthOffset] &^ (rtrFlag | lengthMask); reserved != 0 {
		return Packet{}, fmt.Errorf("%w: reserved length bits 0x%02X", ErrMalformedFrame, reserved)
	}

	n := int(frame[lengthOffset] & lengthMask)
	if len(frame) != MinFrameLength+n {
		return Packet{}, fmt.Errorf("%w: length field %d does not match %d bytes", ErrMalformedFrame, n, len(frame))
	}

	end := len(frame) - 1
	if frame[end] != ETX {
		return Packet{}, fmt.Errorf("%w: end byte 0x%02X", ErrMalformedFrame, frame[end])
	}

	if want := Checksum(frame[:end-1]); frame[end-1] != want {
		return Packet{}, fmt.Errorf("%w: checksum 0x%02X, want 0x%02X", ErrMalformedFrame, frame[end-1], want)
	}

	data := make([]byte, n)
	copy(data, frame[headerLength:headerLength+n])

	return Packet{
		Priority: Priority(frame[priorityOffset]),
		Address:  frame[addressOffset],
		RTR:      frame[lengthOffset]&rtrFlag != 0,
		Data:     data,
	}, nil
}

// FrameAddress returns the source address of a raw frame.
func FrameAddress(frame []byte) (byte, bool) {
	if len(frame) <= addressOffset {
		return 0, false
	}
	return frame[addressOffset], true
}

// FrameCommand returns the command byte of a raw frame.
func FrameCommand(frame []byte) (byte, bool) {
	if len(frame) <= commandOffset || frame[lengthOffset]&lengthMask == 0 {
		return 0, false
	}
	return frame[commandOffset], true
}
