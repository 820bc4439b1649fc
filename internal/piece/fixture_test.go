package piece

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/storage"
	"github.com/WendelHime/peerwire/internal/wire"
)

// three pieces of 16384, 16384 and 7232 bytes; two, two and one blocks
var testGeometry = Geometry{TotalLength: 40000, PieceLength: 16384, BlockLength: 8192}

func testContent() []byte {
	data := make([]byte, testGeometry.TotalLength)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func testHashes(data []byte, geo Geometry) []models.Hash {
	hashes := make([]models.Hash, geo.PieceCount())
	for i := range hashes {
		off := geo.PieceOffset(i)
		hashes[i] = sha1.Sum(data[off : off+geo.PieceSize(i)])
	}
	return hashes
}

func blockData(data []byte, geo Geometry, spec models.BlockSpec) models.Block {
	off := geo.PieceOffset(int(spec.Index)) + int64(spec.Begin)
	return models.Block{Index: spec.Index, Begin: spec.Begin, Data: data[off : off+int64(spec.Length)]}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allPieces(geo Geometry) wire.Bitfield {
	bf := wire.NewBitfield(geo.PieceCount())
	for i := 0; i < geo.PieceCount(); i++ {
		bf.Set(i)
	}
	return bf
}

func newTestManager(t *testing.T, cfg Config, store storage.Storage) *Manager {
	t.Helper()
	if store == nil {
		var err error
		store, err = storage.NewFile(afero.NewMemMapFs(), "/out", testGeometry.TotalLength)
		require.NoError(t, err)
	}
	m, err := NewManager(cfg, testGeometry, testHashes(testContent(), testGeometry), store, discardLogger())
	require.NoError(t, err)
	return m
}

type mockStorage struct {
	mock.Mock
}

func (s *mockStorage) WriteBlock(offset int64, data []byte) error {
	args := s.Called(offset, data)
	return args.Error(0)
}

func (s *mockStorage) ReadRange(offset int64, length int) ([]byte, error) {
	args := s.Called(offset, length)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (s *mockStorage) Close() error {
	return s.Called().Error(0)
}
