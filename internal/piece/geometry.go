package piece

import "github.com/WendelHime/peerwire/internal/shared/models"

// Geometry describes how a torrent of TotalLength bytes splits into pieces of
// PieceLength bytes and blocks of BlockLength bytes. The last piece and the last
// block of each piece may be short.
type Geometry struct {
	TotalLength int64
	PieceLength int64
	BlockLength uint32
}

func (g Geometry) PieceCount() int {
	return int((g.TotalLength + g.PieceLength - 1) / g.PieceLength)
}

func (g Geometry) PieceSize(index int) int64 {
	if rest := g.TotalLength - int64(index)*g.PieceLength; rest < g.PieceLength {
		return rest
	}
	return g.PieceLength
}

func (g Geometry) PieceOffset(index int) int64 {
	return int64(index) * g.PieceLength
}

func (g Geometry) BlockCount(index int) int {
	return int((g.PieceSize(index) + int64(g.BlockLength) - 1) / int64(g.BlockLength))
}

// Block returns the n-th block of a piece.
func (g Geometry) Block(index, n int) models.BlockSpec {
	begin := int64(n) * int64(g.BlockLength)
	length := int64(g.BlockLength)
	if rest := g.PieceSize(index) - begin; rest < length {
		length = rest
	}
	return models.BlockSpec{Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

// BlockNumber maps a spec back to its block number. It fails for specs that
// are not exactly one of the blocks the geometry produces.
func (g Geometry) BlockNumber(spec models.BlockSpec) (int, bool) {
	index := int(spec.Index)
	if index < 0 || index >= g.PieceCount() || spec.Begin%g.BlockLength != 0 {
		return 0, false
	}
	n := int(spec.Begin / g.BlockLength)
	if n >= g.BlockCount(index) || g.Block(index, n) != spec {
		return 0, false
	}
	return n, true
}
