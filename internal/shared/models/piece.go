package models

import "fmt"

// BlockSpec addresses a block inside a piece. It is the payload of Request and
// Cancel messages.
type BlockSpec struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (b BlockSpec) String() string {
	return fmt.Sprintf("piece %d [%d:+%d]", b.Index, b.Begin, b.Length)
}

// Block is a received block of piece data.
type Block struct {
	Index uint32
	Begin uint32
	Data  []byte
}

func (b Block) Spec() BlockSpec {
	return BlockSpec{Index: b.Index, Begin: b.Begin, Length: uint32(len(b.Data))}
}
