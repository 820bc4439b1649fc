// Package p2p runs peer sessions: one connection to one remote peer, from
// dial and handshake to the steady exchange of requests and blocks.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WendelHime/peerwire/internal/piece"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/wire"
)

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnState holds the four choke and interest bits of a connection.
type ConnState struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

// PieceManager is the view of the piece service a session needs.
type PieceManager interface {
	NextBlocks(ctx context.Context, peer string, have wire.Bitfield, max int) ([]models.BlockSpec, error)
	BlockReceived(ctx context.Context, peer string, block models.Block) error
	PeerBitfield(ctx context.Context, peer string, have wire.Bitfield) error
	PeerHave(ctx context.Context, peer string, index uint32) error
	SessionClosed(peer string, outstanding []models.BlockSpec)
	Bitfield(ctx context.Context) (wire.Bitfield, error)
	Subscribe(ctx context.Context) (<-chan uint32, error)
	Unsubscribe(ch <-chan uint32)
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Config struct {
	InfoHash   models.Hash
	PeerID     models.PeerID
	PieceCount int

	PipelineDepth     int
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration

	Dial DialFunc
}

type readResult struct {
	msg wire.Message
	err error
}

type Session struct {
	addr   string
	cfg    Config
	pieces PieceManager
	log    *slog.Logger
	state  atomic.Int32
	remote models.PeerID

	// owned by the run loop once active
	conn        ConnState
	have        wire.Bitfield
	outstanding []models.BlockSpec
	held        []models.BlockSpec
	started     bool

	outbox chan wire.Message
	errc   chan error
}

func NewSession(addr string, cfg Config, pieces PieceManager, logger *slog.Logger) *Session {
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = 1
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		addr:   addr,
		cfg:    cfg,
		pieces: pieces,
		log:    logger.With(slog.String("peer", addr)),
		conn:   ConnState{AmChoking: true, PeerChoking: true},
	}
}

func (s *Session) Addr() string {
	return s.addr
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// RemoteID is the peer id received in the handshake.
func (s *Session) RemoteID() models.PeerID {
	return s.remote
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	s.log.Debug("session state", slog.String("state", state.String()))
}

// Run dials the peer and serves the connection until it fails or ctx is
// cancelled. It returns the reason the session closed, nil for a shutdown.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting)
	dialCtx := ctx
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}
	conn, err := s.cfg.Dial(dialCtx, "tcp", s.addr)
	if err != nil {
		s.setState(StateClosed)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect: %w", err)
	}
	return s.Serve(ctx, conn)
}

// Serve runs the session over an established connection. It always closes
// conn.
func (s *Session) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err := s.serve(ctx, conn)
	s.setState(StateClosed)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) serve(ctx context.Context, conn net.Conn) error {
	s.setState(StateHandshaking)
	hctx := ctx
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	remote, err := Handshake(hctx, conn, s.cfg.InfoHash, s.cfg.PeerID)
	if err != nil {
		return err
	}
	s.remote = remote
	s.setState(StateActive)
	s.log.Info("peer connected", slog.String("peer_id", remote.String()))
	return s.active(ctx, conn)
}

func (s *Session) active(ctx context.Context, conn net.Conn) error {
	haves, err := s.pieces.Subscribe(ctx)
	if err != nil {
		return s.managerErr(ctx, err)
	}
	defer s.pieces.Unsubscribe(haves)

	s.have = wire.NewBitfield(s.cfg.PieceCount)
	s.outbox = make(chan wire.Message, 2*s.cfg.PipelineDepth+16)
	s.errc = make(chan error, 1)
	inbox := make(chan readResult, s.cfg.PipelineDepth+1)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go s.readLoop(conn, inbox, done, &wg)
	go s.writeLoop(conn, done, &wg)
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
		returned := append(s.outstanding, s.held...)
		s.outstanding, s.held = nil, nil
		s.pieces.SessionClosed(s.addr, returned)
		s.log.Debug("returned blocks", slog.Int("blocks", len(returned)))
	}()

	own, err := s.pieces.Bitfield(ctx)
	if err != nil {
		return s.managerErr(ctx, err)
	}
	if own.Count() > 0 {
		if err := s.send(ctx, own); err != nil {
			return err
		}
	}
	if err := s.send(ctx, wire.Interested{}); err != nil {
		return err
	}
	s.conn.AmInterested = true

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.errc:
			return err
		case r := <-inbox:
			if r.err != nil {
				return fmt.Errorf("read: %w", r.err)
			}
			if err := s.handle(ctx, r.msg); err != nil {
				return err
			}
		case index, ok := <-haves:
			if !ok {
				haves = nil
				continue
			}
			if err := s.onVerified(ctx, index); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop(conn net.Conn, inbox chan<- readResult, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	r := wire.NewReader(conn, wire.MaxFrameLength(s.cfg.PieceCount))
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		msg, err := r.ReadMessage()
		select {
		case inbox <- readResult{msg: msg, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) writeLoop(conn net.Conn, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	var keepAlive <-chan time.Time
	var timer *time.Timer
	if s.cfg.KeepAliveInterval > 0 {
		timer = time.NewTimer(s.cfg.KeepAliveInterval)
		defer timer.Stop()
		keepAlive = timer.C
	}

	buf := make([]byte, 0, 64)
	for {
		var msg wire.Message
		select {
		case msg = <-s.outbox:
		case <-keepAlive:
			msg = wire.KeepAlive{}
		case <-done:
			return
		}
		if s.cfg.IdleTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		buf = wire.Append(buf[:0], msg)
		if _, err := conn.Write(buf); err != nil {
			s.errc <- fmt.Errorf("write: %w", err)
			return
		}
		if timer != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.KeepAliveInterval)
		}
	}
}

func (s *Session) send(ctx context.Context, msg wire.Message) error {
	select {
	case s.outbox <- msg:
		return nil
	case err := <-s.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// managerErr turns failures caused by the piece service shutting down into
// an orderly close.
func (s *Session) managerErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, piece.ErrStopped) {
		return nil
	}
	return err
}

func protocolError(format string, args ...any) error {
	return &wire.ProtocolError{Kind: wire.MalformedMessage, Detail: fmt.Sprintf(format, args...)}
}

func (s *Session) handle(ctx context.Context, msg wire.Message) error {
	if _, ok := msg.(wire.KeepAlive); ok {
		return nil
	}
	first := !s.started
	s.started = true

	switch m := msg.(type) {
	case wire.Choke:
		s.conn.PeerChoking = true
		s.held = append(s.outstanding, s.held...)
		s.outstanding = nil
		s.log.Debug("choked", slog.Int("held", len(s.held)))
	case wire.Unchoke:
		s.conn.PeerChoking = false
		return s.fill(ctx)
	case wire.Interested:
		s.conn.PeerInterested = true
	case wire.NotInterested:
		s.conn.PeerInterested = false
	case wire.Have:
		if int(m.Index) >= s.cfg.PieceCount {
			return protocolError("have for piece %d of %d", m.Index, s.cfg.PieceCount)
		}
		if s.have.Has(int(m.Index)) {
			return nil
		}
		s.have.Set(int(m.Index))
		if err := s.pieces.PeerHave(ctx, s.addr, m.Index); err != nil {
			return s.managerErr(ctx, err)
		}
		return s.fill(ctx)
	case wire.Bitfield:
		if !first {
			return protocolError("bitfield after the first message")
		}
		if err := m.Validate(s.cfg.PieceCount); err != nil {
			return err
		}
		s.have = m
		if err := s.pieces.PeerBitfield(ctx, s.addr, m); err != nil {
			return s.managerErr(ctx, err)
		}
		return s.fill(ctx)
	case wire.Request, wire.Cancel:
		// uploads are not served; the peer stays choked
		s.log.Debug("ignoring upload message", slog.Any("message", m))
	case wire.Piece:
		return s.onPiece(ctx, m)
	}
	return nil
}

func (s *Session) onPiece(ctx context.Context, m wire.Piece) error {
	block := m.Block()
	spec := block.Spec()
	var ok bool
	if s.outstanding, ok = removeSpec(s.outstanding, spec); !ok {
		if s.held, ok = removeSpec(s.held, spec); !ok {
			s.log.Debug("ignoring unrequested block", slog.String("block", spec.String()))
			return nil
		}
	}
	if err := s.pieces.BlockReceived(ctx, s.addr, block); err != nil {
		return s.managerErr(ctx, err)
	}
	return s.fill(ctx)
}

// onVerified advertises a newly verified piece and drops any request for it.
func (s *Session) onVerified(ctx context.Context, index uint32) error {
	if err := s.send(ctx, wire.Have{Index: index}); err != nil {
		return err
	}
	held := s.held[:0]
	for _, spec := range s.held {
		if spec.Index != index {
			held = append(held, spec)
		}
	}
	s.held = held
	outstanding := s.outstanding[:0]
	for _, spec := range s.outstanding {
		if spec.Index != index {
			outstanding = append(outstanding, spec)
			continue
		}
		if err := s.send(ctx, wire.Cancel{BlockSpec: spec}); err != nil {
			return err
		}
	}
	s.outstanding = outstanding
	return s.fill(ctx)
}

// fill tops the pipeline up to its depth with blocks from the piece service
// and requests everything held while the peer is not choking.
func (s *Session) fill(ctx context.Context) error {
	if s.conn.PeerChoking {
		return nil
	}
	if free := s.cfg.PipelineDepth - len(s.outstanding) - len(s.held); free > 0 && s.have.Count() > 0 {
		specs, err := s.pieces.NextBlocks(ctx, s.addr, s.have, free)
		if err != nil {
			return s.managerErr(ctx, err)
		}
		s.held = append(s.held, specs...)
	}
	for len(s.held) > 0 {
		spec := s.held[0]
		if err := s.send(ctx, wire.Request{BlockSpec: spec}); err != nil {
			return err
		}
		s.held = s.held[1:]
		s.outstanding = append(s.outstanding, spec)
	}
	return nil
}

func removeSpec(specs []models.BlockSpec, spec models.BlockSpec) ([]models.BlockSpec, bool) {
	for i, s := range specs {
		if s == spec {
			return append(specs[:i], specs[i+1:]...), true
		}
	}
	return specs, false
}
