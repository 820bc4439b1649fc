// Package piece owns global download progress: which blocks are received,
// which pieces are verified, and which blocks each peer should request next.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring"
	mapset "github.com/deckarep/golang-set"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/storage"
	"github.com/WendelHime/peerwire/internal/wire"
)

type Config struct {
	Strategy Strategy
	// EndgameDuplicates is how many peers beyond the first may hold the same
	// block, once every incomplete block is outstanding.
	EndgameDuplicates int
	MaxHashFailures   int
}

// Result reports what a received block changed.
type Result struct {
	Verified   bool
	HashFailed bool
	Poisoned   bool
}

type Progress struct {
	Completed  int
	Poisoned   int
	Total      int
	Downloaded int64
	Left       int64
}

// Manager is the piece bookkeeping state. It is not safe for concurrent use;
// Service serializes access to it.
type Manager struct {
	cfg     Config
	geo     Geometry
	hashes  []models.Hash
	storage storage.Storage
	log     *slog.Logger

	complete      wire.Bitfield
	completeCount int
	poisoned      wire.Bitfield
	poisonedCount int
	failures      []int
	received      []*roaring.Bitmap
	// holders maps an outstanding block to the set of peers it is assigned to.
	holders      map[models.BlockSpec]mapset.Set
	availability []int
	peers        map[string]wire.Bitfield
	verified     int64
}

func NewManager(cfg Config, geo Geometry, hashes []models.Hash, store storage.Storage, logger *slog.Logger) (*Manager, error) {
	if geo.PieceLength <= 0 || geo.TotalLength <= 0 || geo.BlockLength == 0 {
		return nil, fmt.Errorf("invalid piece geometry %+v", geo)
	}
	if geo.BlockLength > wire.MaxBlockLength {
		return nil, fmt.Errorf("block length %d exceeds %d", geo.BlockLength, wire.MaxBlockLength)
	}
	count := geo.PieceCount()
	if len(hashes) != count {
		return nil, fmt.Errorf("%d piece hashes for %d pieces", len(hashes), count)
	}
	if cfg.Strategy == nil {
		cfg.Strategy = Sequential{}
	}
	if cfg.MaxHashFailures <= 0 {
		cfg.MaxHashFailures = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:          cfg,
		geo:          geo,
		hashes:       hashes,
		storage:      store,
		log:          logger,
		complete:     wire.NewBitfield(count),
		poisoned:     wire.NewBitfield(count),
		failures:     make([]int, count),
		received:     make([]*roaring.Bitmap, count),
		holders:      make(map[models.BlockSpec]mapset.Set),
		availability: make([]int, count),
		peers:        make(map[string]wire.Bitfield),
	}
	for i := range m.received {
		m.received[i] = roaring.New()
	}
	return m, nil
}

func (m *Manager) PieceCount() int {
	return len(m.hashes)
}

// Bitfield returns a copy of the verified piece set.
func (m *Manager) Bitfield() wire.Bitfield {
	return m.complete.Clone()
}

func (m *Manager) Done() bool {
	return m.completeCount == len(m.hashes)
}

// Stuck reports whether every piece that is not verified is poisoned.
func (m *Manager) Stuck() bool {
	return m.poisonedCount > 0 && m.completeCount+m.poisonedCount == len(m.hashes)
}

func (m *Manager) Progress() Progress {
	return Progress{
		Completed:  m.completeCount,
		Poisoned:   m.poisonedCount,
		Total:      len(m.hashes),
		Downloaded: m.verified,
		Left:       m.geo.TotalLength - m.verified,
	}
}

// PeerBitfield replaces what a peer is known to have.
func (m *Manager) PeerBitfield(peer string, have wire.Bitfield) {
	m.forgetPeer(peer)
	bf := wire.NewBitfield(len(m.hashes))
	for i := range m.availability {
		if have.Has(i) {
			bf.Set(i)
			m.availability[i]++
		}
	}
	m.peers[peer] = bf
}

func (m *Manager) PeerHave(peer string, index int) {
	if index < 0 || index >= len(m.hashes) {
		return
	}
	bf, ok := m.peers[peer]
	if !ok {
		bf = wire.NewBitfield(len(m.hashes))
		m.peers[peer] = bf
	}
	if !bf.Has(index) {
		bf.Set(index)
		m.availability[index]++
	}
}

func (m *Manager) forgetPeer(peer string) {
	bf, ok := m.peers[peer]
	if !ok {
		return
	}
	for i := range m.availability {
		if bf.Has(i) {
			m.availability[i]--
		}
	}
	delete(m.peers, peer)
}

func (m *Manager) wanted(index int) bool {
	return !m.complete.Has(index) && !m.poisoned.Has(index)
}

// NextBlocksFor assigns up to max blocks that peer has and nobody is
// downloading. Once every wanted block is outstanding it hands out duplicates,
// up to EndgameDuplicates extra holders per block and never to the same peer
// twice.
func (m *Manager) NextBlocksFor(peer string, have wire.Bitfield, max int) []models.BlockSpec {
	if max <= 0 {
		return nil
	}
	candidates := make([]int, 0)
	for i := range m.hashes {
		if m.wanted(i) && have.Has(i) {
			candidates = append(candidates, i)
		}
	}
	m.cfg.Strategy.Order(candidates, m.availability)

	blocks := make([]models.BlockSpec, 0, max)
	for _, index := range candidates {
		for n := 0; n < m.geo.BlockCount(index) && len(blocks) < max; n++ {
			spec := m.geo.Block(index, n)
			if m.received[index].Contains(uint32(n)) {
				continue
			}
			if _, ok := m.holders[spec]; ok {
				continue
			}
			m.assign(peer, spec)
			blocks = append(blocks, spec)
		}
		if len(blocks) == max {
			return blocks
		}
	}

	if m.cfg.EndgameDuplicates <= 0 || m.hasUnassigned() {
		return blocks
	}
	for _, index := range candidates {
		for n := 0; n < m.geo.BlockCount(index) && len(blocks) < max; n++ {
			spec := m.geo.Block(index, n)
			if m.received[index].Contains(uint32(n)) {
				continue
			}
			holders, ok := m.holders[spec]
			if !ok || holders.Contains(peer) || holders.Cardinality() > m.cfg.EndgameDuplicates {
				continue
			}
			m.assign(peer, spec)
			blocks = append(blocks, spec)
		}
	}
	if len(blocks) > 0 {
		m.log.Debug("endgame assignment", slog.String("peer", peer), slog.Int("blocks", len(blocks)))
	}
	return blocks
}

func (m *Manager) assign(peer string, spec models.BlockSpec) {
	holders, ok := m.holders[spec]
	if !ok {
		holders = mapset.NewThreadUnsafeSet()
		m.holders[spec] = holders
	}
	holders.Add(peer)
}

func (m *Manager) release(peer string, spec models.BlockSpec) {
	holders, ok := m.holders[spec]
	if !ok {
		return
	}
	holders.Remove(peer)
	if holders.Cardinality() == 0 {
		delete(m.holders, spec)
	}
}

// hasUnassigned reports whether some wanted block is neither received nor
// outstanding to any peer.
func (m *Manager) hasUnassigned() bool {
	for index := range m.hashes {
		if !m.wanted(index) {
			continue
		}
		for n := 0; n < m.geo.BlockCount(index); n++ {
			if m.received[index].Contains(uint32(n)) {
				continue
			}
			if _, ok := m.holders[m.geo.Block(index, n)]; !ok {
				return true
			}
		}
	}
	return false
}

// BlockReceived records a block from peer. Blocks of verified or poisoned
// pieces and blocks already received are ignored. The last block of a piece
// triggers verification of the whole piece as read back from storage.
func (m *Manager) BlockReceived(peer string, block models.Block) (Result, error) {
	spec := block.Spec()
	n, ok := m.geo.BlockNumber(spec)
	if !ok {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidBlock, spec)
	}
	m.release(peer, spec)

	index := int(block.Index)
	if !m.wanted(index) || m.received[index].Contains(uint32(n)) {
		return Result{}, nil
	}

	offset := m.geo.PieceOffset(index) + int64(block.Begin)
	if err := m.storage.WriteBlock(offset, block.Data); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	m.received[index].Add(uint32(n))

	if int(m.received[index].GetCardinality()) < m.geo.BlockCount(index) {
		return Result{}, nil
	}
	return m.verify(index)
}

func (m *Manager) verify(index int) (Result, error) {
	size := m.geo.PieceSize(index)
	data, err := m.storage.ReadRange(m.geo.PieceOffset(index), int(size))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	sum := sha1.Sum(data)
	if bytes.Equal(sum[:], m.hashes[index][:]) {
		m.complete.Set(index)
		m.completeCount++
		m.verified += size
		for n := 0; n < m.geo.BlockCount(index); n++ {
			delete(m.holders, m.geo.Block(index, n))
		}
		return Result{Verified: true}, nil
	}

	m.received[index].Clear()
	m.failures[index]++
	m.log.Warn("piece failed verification",
		slog.Int("piece", index),
		slog.Int("failures", m.failures[index]),
		slog.String("expected", m.hashes[index].String()))
	if m.failures[index] < m.cfg.MaxHashFailures {
		return Result{HashFailed: true}, nil
	}

	m.poisoned.Set(index)
	m.poisonedCount++
	for n := 0; n < m.geo.BlockCount(index); n++ {
		delete(m.holders, m.geo.Block(index, n))
	}
	m.log.Error("piece poisoned", slog.Int("piece", index), slog.Int("failures", m.failures[index]))
	return Result{HashFailed: true, Poisoned: true}, nil
}

// SessionClosed returns every block still assigned to peer, outstanding
// included, to the pool and drops the availability the peer contributed.
func (m *Manager) SessionClosed(peer string, outstanding []models.BlockSpec) {
	for _, spec := range outstanding {
		m.release(peer, spec)
	}
	for spec, holders := range m.holders {
		if holders.Contains(peer) {
			m.release(peer, spec)
		}
	}
	m.forgetPeer(peer)
}
