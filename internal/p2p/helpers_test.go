package p2p

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/WendelHime/peerwire/internal/p2p/p2ptest"
	"github.com/WendelHime/peerwire/internal/piece"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/storage"
	"github.com/WendelHime/peerwire/internal/wire"
)

const testBlockLength = 8192

var testInfoHash = models.Hash{0xde, 0xad, 0xbe, 0xef}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSeeder() *p2ptest.Seeder {
	data := make([]byte, 40000)
	for i := range data {
		data[i] = byte(i * 13)
	}
	return &p2ptest.Seeder{InfoHash: testInfoHash, PeerID: models.GeneratePeerID(), Data: data, PieceLength: 16384}
}

func testConfig(pieceCount int) Config {
	return Config{
		InfoHash:         testInfoHash,
		PeerID:           models.GeneratePeerID(),
		PieceCount:       pieceCount,
		PipelineDepth:    2,
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      10 * time.Second,
	}
}

type pieceHarness struct {
	svc   *piece.Service
	store storage.Storage
	errc  chan error
}

func startPieces(t *testing.T, seeder *p2ptest.Seeder, cfg piece.Config) *pieceHarness {
	t.Helper()
	geo := piece.Geometry{TotalLength: int64(len(seeder.Data)), PieceLength: seeder.PieceLength, BlockLength: testBlockLength}
	store, err := storage.NewFile(afero.NewMemMapFs(), "/out", geo.TotalLength)
	require.NoError(t, err)
	m, err := piece.NewManager(cfg, geo, seeder.Hashes(), store, discardLogger())
	require.NoError(t, err)

	h := &pieceHarness{svc: piece.NewService(m, discardLogger()), store: store, errc: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.errc <- h.svc.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *pieceHarness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.svc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("download did not complete")
	}
}

func (h *pieceHarness) content(t *testing.T, size int) []byte {
	t.Helper()
	data, err := h.store.ReadRange(0, size)
	require.NoError(t, err)
	return data
}

func startSession(t *testing.T, addr string, cfg Config, pieces PieceManager) (net.Conn, <-chan error, context.CancelFunc) {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	s := NewSession(addr, cfg, pieces, discardLogger())
	go func() { errc <- s.Serve(ctx, client) }()
	return server, errc, cancel
}

func waitSession(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("session did not close")
		return nil
	}
}

// fakePeer is the remote end of a session driven step by step by a test.
type fakePeer struct {
	t    *testing.T
	conn net.Conn
	msgs chan wire.Message
}

func newFakePeer(t *testing.T, conn net.Conn, infoHash models.Hash) *fakePeer {
	t.Helper()
	b := make([]byte, wire.HandshakeLength)
	_, err := io.ReadFull(conn, b)
	require.NoError(t, err)
	_, err = conn.Write(wire.Handshake{InfoHash: infoHash}.Bytes())
	require.NoError(t, err)

	f := &fakePeer{t: t, conn: conn, msgs: make(chan wire.Message, 64)}
	go func() {
		defer close(f.msgs)
		r := wire.NewReader(conn, wire.MaxFrameLength(1024))
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				return
			}
			f.msgs <- msg
		}
	}()
	return f
}

func (f *fakePeer) send(msgs ...wire.Message) {
	f.t.Helper()
	for _, m := range msgs {
		_, err := f.conn.Write(wire.Encode(m))
		require.NoError(f.t, err)
	}
}

func (f *fakePeer) next() wire.Message {
	f.t.Helper()
	for {
		select {
		case m, ok := <-f.msgs:
			require.True(f.t, ok, "session closed the connection")
			if _, ka := m.(wire.KeepAlive); ka {
				continue
			}
			return m
		case <-time.After(5 * time.Second):
			f.t.Fatal("no message from session")
			return nil
		}
	}
}

func (f *fakePeer) requests(n int) []models.BlockSpec {
	f.t.Helper()
	specs := make([]models.BlockSpec, 0, n)
	for len(specs) < n {
		m := f.next()
		req, ok := m.(wire.Request)
		require.True(f.t, ok, "expected request, got %T", m)
		specs = append(specs, req.BlockSpec)
	}
	return specs
}

func blockOf(seeder *p2ptest.Seeder, spec models.BlockSpec) wire.Piece {
	start := int64(spec.Index)*seeder.PieceLength + int64(spec.Begin)
	return wire.Piece{Index: spec.Index, Begin: spec.Begin, Data: seeder.Data[start : start+int64(spec.Length)]}
}
