package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/WendelHime/peerwire/internal/shared/models"
)

func TestGeometry(t *testing.T) {
	geo := Geometry{TotalLength: 49153, PieceLength: 16384, BlockLength: 16384}

	assert.Equal(t, 4, geo.PieceCount())
	assert.Equal(t, int64(16384), geo.PieceSize(0))
	assert.Equal(t, int64(1), geo.PieceSize(3))
	assert.Equal(t, 1, geo.BlockCount(3))
	assert.Equal(t, models.BlockSpec{Index: 3, Begin: 0, Length: 1}, geo.Block(3, 0))
	assert.Equal(t, int64(49152), geo.PieceOffset(3))

	exact := Geometry{TotalLength: 32768, PieceLength: 16384, BlockLength: 16384}
	assert.Equal(t, 2, exact.PieceCount())
	assert.Equal(t, int64(16384), exact.PieceSize(1))
}

func TestBlockNumber(t *testing.T) {
	var tests = []struct {
		name string
		spec models.BlockSpec
		want int
		ok   bool
	}{
		{name: "first block", spec: models.BlockSpec{Index: 0, Begin: 0, Length: 8192}, want: 0, ok: true},
		{name: "second block", spec: models.BlockSpec{Index: 1, Begin: 8192, Length: 8192}, want: 1, ok: true},
		{name: "short last block", spec: models.BlockSpec{Index: 2, Begin: 0, Length: 7232}, want: 0, ok: true},
		{name: "unaligned begin", spec: models.BlockSpec{Index: 0, Begin: 100, Length: 8192}},
		{name: "wrong length", spec: models.BlockSpec{Index: 0, Begin: 0, Length: 4096}},
		{name: "past the last piece", spec: models.BlockSpec{Index: 3, Begin: 0, Length: 8192}},
		{name: "past the piece end", spec: models.BlockSpec{Index: 2, Begin: 8192, Length: 8192}},
		{name: "empty", spec: models.BlockSpec{Index: 0, Begin: 0, Length: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := testGeometry.BlockNumber(tt.spec)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, n)
			}
		})
	}
}
