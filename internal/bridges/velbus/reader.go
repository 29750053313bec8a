package velbus

import (
	"bytes"
	"io"
)

// readChunkSize is how many bytes are requested from the stream per read.
const readChunkSize = 64

// PacketReader extracts complete frames from an arbitrary byte stream.
//
// Bytes before a start marker are skipped. A candidate whose priority or
// length byte is impossible is rejected as soon as that byte arrives. A
// frame that fails validation is dropped and scanning resumes at the byte
// after its start marker, so a valid frame hidden behind a false start is
// never lost or held back.
//
// PacketReader is not safe for concurrent use.
type PacketReader struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	readErr error

	malformed uint64
	skipped   uint64
}

// NewPacketReader returns a reader that scans r for frames.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{
		r:     r,
		chunk: make([]byte, readChunkSize),
	}
}

// ReadPacket blocks until a valid frame is available.
//
// Returns:
//   - Packet: the decoded packet
//   - []byte: a copy of the raw frame, STX through ETX
//   - error: the underlying read error once no complete frame remains
//     (io.EOF on a clean end of stream)
func (pr *PacketReader) ReadPacket() (Packet, []byte, error) {
	for {
		if pkt, frame, ok := pr.scan(pr.readErr != nil); ok {
			return pkt, frame, nil
		}
		if pr.readErr != nil {
			return Packet{}, nil, pr.readErr
		}

		n, err := pr.r.Read(pr.chunk)
		if n > 0 {
			pr.buf = append(pr.buf, pr.chunk[:n]...)
		}
		if err != nil {
			pr.readErr = err
		}
	}
}

// Malformed returns the number of frames dropped by validation.
func (pr *PacketReader) Malformed() uint64 {
	return pr.malformed
}

// Skipped returns the number of bytes discarded while searching for STX.
func (pr *PacketReader) Skipped() uint64 {
	return pr.skipped
}

// scan looks for a valid frame at the front of the buffer.
// When final is set no more bytes will arrive, so an incomplete
// candidate is treated as a false start.
func (pr *PacketReader) scan(final bool) (Packet, []byte, bool) {
	for len(pr.buf) > 0 {
		start := bytes.IndexByte(pr.buf, STX)
		if start < 0 {
			pr.discard(len(pr.buf))
			return Packet{}, nil, false
		}
		if start > 0 {
			pr.discard(start)
		}

		if badHeader(pr.buf) {
			pr.malformed++
			pr.discard(1)
			continue
		}

		if len(pr.buf) <= lengthOffset {
			if !final {
				return Packet{}, nil, false
			}
			pr.discard(1)
			continue
		}

		size := MinFrameLength + int(pr.buf[lengthOffset]&lengthMask)
		if len(pr.buf) < size {
			if !final {
				return Packet{}, nil, false
			}
			pr.discard(1)
			continue
		}

		pkt, err := DecodePacket(pr.buf[:size])
		if err != nil {
			pr.malformed++
			pr.discard(1)
			continue
		}

		frame := make([]byte, size)
		copy(frame, pr.buf[:size])
		pr.consume(size)
		return pkt, frame, true
	}
	return Packet{}, nil, false
}

// badHeader reports whether the buffered part of a candidate already
// rules it out: an unknown priority or reserved bits set in the length
// byte.
func badHeader(b []byte) bool {
	if len(b) > priorityOffset && !Priority(b[priorityOffset]).Valid() {
		return true
	}
	return len(b) > lengthOffset && b[lengthOffset]&^(rtrFlag|lengthMask) != 0
}

func (pr *PacketReader) discard(n int) {
	pr.skipped += uint64(n)
	pr.consume(n)
}

func (pr *PacketReader) consume(n int) {
	remaining := copy(pr.buf, pr.buf[n:])
	pr.buf = pr.buf[:remaining]
}
