package wire

import "math/bits"

// Bitfield is a packed piece set, most significant bit first: bit i lives in
// byte i/8 at position 7 - i%8. It doubles as the Bitfield message.
type Bitfield []byte

func NewBitfield(pieceCount int) Bitfield {
	return make(Bitfield, (pieceCount+7)/8)
}

// BitfieldFromBools packs one bool per piece.
func BitfieldFromBools(bs []bool) Bitfield {
	bf := NewBitfield(len(bs))
	for i, b := range bs {
		if b {
			bf.Set(i)
		}
	}
	return bf
}

// Bools unpacks the first pieceCount bits.
func (b Bitfield) Bools(pieceCount int) []bool {
	out := make([]bool, pieceCount)
	for i := range out {
		out[i] = b.Has(i)
	}
	return out
}

// Has reports whether bit i is set. Bits past the last byte are never set.
// The spare bits of the last byte are addressable, so callers bound i by the
// piece count.
func (b Bitfield) Has(i int) bool {
	if i < 0 || i/8 >= len(b) {
		return false
	}
	return b[i/8]&(0x80>>uint(i%8)) != 0
}

// Set sets bit i. It is a no-op for bits past the last byte; like Has it
// does not know the piece count.
func (b Bitfield) Set(i int) {
	if i < 0 || i/8 >= len(b) {
		return
	}
	b[i/8] |= 0x80 >> uint(i%8)
}

func (b Bitfield) Count() int {
	n := 0
	for _, x := range b {
		n += bits.OnesCount8(x)
	}
	return n
}

func (b Bitfield) Clone() Bitfield {
	return append(Bitfield(nil), b...)
}

// Validate checks that b is exactly sized for pieceCount pieces and that the
// spare bits of the last byte are clear.
func (b Bitfield) Validate(pieceCount int) error {
	if want := (pieceCount + 7) / 8; len(b) != want {
		return protocolErrorf(MalformedMessage, "bitfield of %d bytes, want %d", len(b), want)
	}
	if spare := len(b)*8 - pieceCount; spare > 0 {
		if b[len(b)-1]&(1<<uint(spare)-1) != 0 {
			return protocolErrorf(MalformedMessage, "bitfield has spare bits set")
		}
	}
	return nil
}
