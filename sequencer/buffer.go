package sequencer

import "encoding/binary"

// buffer is a little-endian cursor used for both encoding and decoding.
//
// When decoding, reads past the end of data still advance off so that a
// lenient decode can report where a complete decode would have ended.
type buffer struct {
	data []byte
	off  int
}

// exhausted reports whether no unread bytes remain.
func (b *buffer) exhausted() bool {
	return b.off >= len(b.data)
}

// consume returns the next n bytes. If fewer than n bytes remain, the
// offset is still advanced by n and ok is false.
func (b *buffer) consume(n uint64) (p []byte, ok bool) {
	if b.off > len(b.data) || n > uint64(len(b.data)-b.off) {
		b.off += int(n)
		return nil, false
	}
	p = b.data[b.off : b.off+int(n)]
	b.off += int(n)
	return p, true
}

// readUint reads a little-endian unsigned integer of the given width.
func (b *buffer) readUint(width int) (uint64, bool) {
	p, ok := b.consume(uint64(width))
	if !ok {
		return 0, false
	}
	switch width {
	case 1:
		return uint64(p[0]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(p)), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(p)), true
	default:
		return binary.LittleEndian.Uint64(p), true
	}
}

// writeUint appends x as a little-endian integer of the given width.
func (b *buffer) writeUint(width int, x uint64) {
	switch width {
	case 1:
		b.data = append(b.data, uint8(x))
	case 2:
		b.data = binary.LittleEndian.AppendUint16(b.data, uint16(x))
	case 4:
		b.data = binary.LittleEndian.AppendUint32(b.data, uint32(x))
	default:
		b.data = binary.LittleEndian.AppendUint64(b.data, x)
	}
}

// writeString appends a 2-byte length followed by the bytes of s.
func (b *buffer) writeString(s string) {
	b.writeUint(2, uint64(len(s)))
	b.data = append(b.data, s...)
}

func (b *buffer) writeBytes(p []byte) {
	b.data = append(b.data, p...)
}
