// Package p2ptest provides an in-process seeding peer for tests.
package p2ptest

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/wire"
)

// Seeder serves Data to peer sessions. It answers every request for a piece it
// has, ignores everything else and never requests anything itself.
type Seeder struct {
	InfoHash    models.Hash
	PeerID      models.PeerID
	Data        []byte
	PieceLength int64

	// Have lists the pieces advertised and served. Nil means all of them.
	Have wire.Bitfield
	// Corrupt, when set, rewrites the data of every served block.
	Corrupt func(spec models.BlockSpec, data []byte) []byte
	// Preamble is written raw right after the handshake.
	Preamble []byte

	mu       sync.Mutex
	requests []models.BlockSpec
	served   int
}

func (s *Seeder) PieceCount() int {
	return int((int64(len(s.Data)) + s.PieceLength - 1) / s.PieceLength)
}

// Hashes returns the SHA-1 of every piece of Data.
func (s *Seeder) Hashes() []models.Hash {
	hashes := make([]models.Hash, s.PieceCount())
	for i := range hashes {
		start := int64(i) * s.PieceLength
		end := min(start+s.PieceLength, int64(len(s.Data)))
		hashes[i] = sha1.Sum(s.Data[start:end])
	}
	return hashes
}

// Requests returns every request received so far.
func (s *Seeder) Requests() []models.BlockSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BlockSpec(nil), s.requests...)
}

// Served is the number of blocks written back.
func (s *Seeder) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

func (s *Seeder) have() wire.Bitfield {
	if s.Have != nil {
		return s.Have
	}
	bf := wire.NewBitfield(s.PieceCount())
	for i := 0; i < s.PieceCount(); i++ {
		bf.Set(i)
	}
	return bf
}

// Listen accepts connections on a loopback port until the listener is closed.
func (s *Seeder) Listen() (net.Listener, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.ServeConn(conn)
		}
	}()
	return l, nil
}

// ServeConn answers the handshake and then serves one connection until the
// remote closes it.
func (s *Seeder) ServeConn(conn net.Conn) error {
	defer conn.Close()

	h, err := wire.ReadHandshake(conn)
	if err != nil {
		return err
	}
	if h.InfoHash != s.InfoHash {
		return fmt.Errorf("unexpected info hash %v", h.InfoHash)
	}
	if _, err := conn.Write(wire.Handshake{InfoHash: s.InfoHash, PeerID: s.PeerID}.Bytes()); err != nil {
		return err
	}

	requests := make(chan models.BlockSpec, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(requests)
		r := wire.NewReader(conn, wire.MaxFrameLength(s.PieceCount()))
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if req, ok := msg.(wire.Request); ok {
				s.mu.Lock()
				s.requests = append(s.requests, req.BlockSpec)
				s.mu.Unlock()
				requests <- req.BlockSpec
			}
		}
	}()

	if len(s.Preamble) > 0 {
		if _, err := conn.Write(s.Preamble); err != nil {
			return err
		}
	}
	have := s.have()
	if _, err := conn.Write(wire.Encode(have)); err != nil {
		return err
	}
	if _, err := conn.Write(wire.Encode(wire.Unchoke{})); err != nil {
		return err
	}

	for spec := range requests {
		if !have.Has(int(spec.Index)) {
			continue
		}
		start := int64(spec.Index)*s.PieceLength + int64(spec.Begin)
		end := start + int64(spec.Length)
		if end > int64(len(s.Data)) {
			continue
		}
		data := s.Data[start:end]
		if s.Corrupt != nil {
			data = s.Corrupt(spec, append([]byte(nil), data...))
		}
		if _, err := conn.Write(wire.Encode(wire.Piece{Index: spec.Index, Begin: spec.Begin, Data: data})); err != nil {
			return err
		}
		s.mu.Lock()
		s.served++
		s.mu.Unlock()
	}

	if err := <-readErr; !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
