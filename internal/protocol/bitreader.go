// Package protocol implements the Victron BLE Instant Readout wire format.
package protocol

import "fmt"

// BitReader reads fixed-width fields from a byte buffer, least significant bit first
// within each byte. The cursor only moves forward.
type BitReader struct {
	buf    []byte
	cursor int
	total  int
}

// NewBitReader creates a reader over all of buf.
func NewBitReader(buf []byte) *BitReader {
	return &BitReader{buf: buf, total: len(buf) * 8}
}

// CanRead reports whether n more bits are available.
func (r *BitReader) CanRead(n int) bool {
	return n >= 0 && r.cursor+n <= r.total
}

// Skip advances the cursor by n bits. It panics if fewer than n bits remain.
func (r *BitReader) Skip(n int) {
	r.mustHave(n)
	r.cursor += n
}

// ReadUnsigned consumes n bits (n <= 32). Callers must check CanRead first;
// reading past the end is a decoder bug and panics.
func (r *BitReader) ReadUnsigned(n int) uint32 {
	if n > 32 {
		panic(fmt.Sprintf("bitreader: width %d exceeds 32 bits", n))
	}
	r.mustHave(n)

	var v uint32
	for i := 0; i < n; i++ {
		bit := (r.buf[r.cursor>>3] >> (r.cursor & 7)) & 1
		v |= uint32(bit) << i
		r.cursor++
	}
	return v
}

// ReadSigned consumes n bits and sign-extends them as two's complement.
func (r *BitReader) ReadSigned(n int) int32 {
	return signExtend(r.ReadUnsigned(n), n)
}

func (r *BitReader) mustHave(n int) {
	if !r.CanRead(n) {
		panic(fmt.Sprintf("bitreader: read of %d bits at bit %d overruns %d-bit buffer", n, r.cursor, r.total))
	}
}
