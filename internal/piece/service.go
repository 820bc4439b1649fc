package piece

import (
	"context"
	"errors"
	"log/slog"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/wire"
)

type nextBlocksRequest struct {
	peer  string
	have  wire.Bitfield
	max   int
	reply chan []models.BlockSpec
}

type blockRequest struct {
	peer  string
	block models.Block
	reply chan error
}

type peerBitfieldRequest struct {
	peer  string
	have  wire.Bitfield
	reply chan struct{}
}

type peerHaveRequest struct {
	peer  string
	index uint32
	reply chan struct{}
}

type sessionClosedRequest struct {
	peer        string
	outstanding []models.BlockSpec
	reply       chan struct{}
}

type bitfieldRequest struct {
	reply chan wire.Bitfield
}

type progressRequest struct {
	reply chan Progress
}

type subscribeRequest struct {
	reply chan (<-chan uint32)
}

type unsubscribeRequest struct {
	ch    <-chan uint32
	reply chan struct{}
}

// Service runs a Manager on a single goroutine. Sessions reach it only through
// its methods, each of which is one request and one reply.
type Service struct {
	m    *Manager
	log  *slog.Logger
	reqs chan any
	subs map[<-chan uint32]chan uint32

	done    chansync.SetOnce
	stopped chansync.SetOnce
	final   Progress
}

func NewService(m *Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		m:    m,
		log:  logger,
		reqs: make(chan any),
		subs: make(map[<-chan uint32]chan uint32),
	}
}

// Done is closed once every piece is verified.
func (s *Service) Done() events.Done {
	return s.done.Done()
}

// Stopped is closed once Run has returned.
func (s *Service) Stopped() events.Done {
	return s.stopped.Done()
}

// Run serves requests until every piece is verified (nil), storage fails (an
// error wrapping ErrStorage), only poisoned pieces remain (ErrPoisoned), or ctx
// is cancelled. Subscriptions are closed when it returns.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		s.final = s.m.Progress()
		for _, ch := range s.subs {
			close(ch)
		}
		s.subs = nil
		s.stopped.Set()
	}()

	for {
		if s.m.Done() {
			s.done.Set()
			s.log.Info("all pieces verified", slog.Int("pieces", s.m.PieceCount()))
			return nil
		}
		if s.m.Stuck() {
			return ErrPoisoned
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.reqs:
			if err := s.handle(req); err != nil {
				s.log.Error("piece service failed", slog.Any("error", err))
				return err
			}
		}
	}
}

func (s *Service) handle(req any) error {
	switch r := req.(type) {
	case nextBlocksRequest:
		r.reply <- s.m.NextBlocksFor(r.peer, r.have, r.max)
	case blockRequest:
		res, err := s.m.BlockReceived(r.peer, r.block)
		r.reply <- err
		if errors.Is(err, ErrStorage) {
			return err
		}
		if res.Verified {
			s.broadcast(r.block.Index)
			p := s.m.Progress()
			s.log.Info("piece verified",
				slog.Int("piece", int(r.block.Index)),
				slog.Int("completed", p.Completed),
				slog.Int("total", p.Total))
		}
	case peerBitfieldRequest:
		s.m.PeerBitfield(r.peer, r.have)
		r.reply <- struct{}{}
	case peerHaveRequest:
		s.m.PeerHave(r.peer, int(r.index))
		r.reply <- struct{}{}
	case sessionClosedRequest:
		s.m.SessionClosed(r.peer, r.outstanding)
		r.reply <- struct{}{}
	case bitfieldRequest:
		r.reply <- s.m.Bitfield()
	case progressRequest:
		r.reply <- s.m.Progress()
	case subscribeRequest:
		// one value per piece at most, so a send never blocks
		ch := make(chan uint32, s.m.PieceCount())
		s.subs[ch] = ch
		r.reply <- ch
	case unsubscribeRequest:
		delete(s.subs, r.ch)
		r.reply <- struct{}{}
	}
	return nil
}

func (s *Service) broadcast(index uint32) {
	for _, ch := range s.subs {
		ch <- index
	}
}

func call[T any](ctx context.Context, s *Service, req any, reply chan T) (T, error) {
	var zero T
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.stopped.Done():
		return zero, ErrStopped
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Service) NextBlocks(ctx context.Context, peer string, have wire.Bitfield, max int) ([]models.BlockSpec, error) {
	reply := make(chan []models.BlockSpec, 1)
	return call(ctx, s, nextBlocksRequest{peer: peer, have: have, max: max, reply: reply}, reply)
}

func (s *Service) BlockReceived(ctx context.Context, peer string, block models.Block) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, s, blockRequest{peer: peer, block: block, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

func (s *Service) PeerBitfield(ctx context.Context, peer string, have wire.Bitfield) error {
	reply := make(chan struct{}, 1)
	_, err := call(ctx, s, peerBitfieldRequest{peer: peer, have: have, reply: reply}, reply)
	return err
}

func (s *Service) PeerHave(ctx context.Context, peer string, index uint32) error {
	reply := make(chan struct{}, 1)
	_, err := call(ctx, s, peerHaveRequest{peer: peer, index: index, reply: reply}, reply)
	return err
}

// SessionClosed hands a closing session's assigned blocks back. It returns
// without effect once the service has stopped.
func (s *Service) SessionClosed(peer string, outstanding []models.BlockSpec) {
	reply := make(chan struct{}, 1)
	_, _ = call(context.Background(), s, sessionClosedRequest{peer: peer, outstanding: outstanding, reply: reply}, reply)
}

func (s *Service) Bitfield(ctx context.Context) (wire.Bitfield, error) {
	reply := make(chan wire.Bitfield, 1)
	return call(ctx, s, bitfieldRequest{reply: reply}, reply)
}

// Progress returns the current progress, or the final one after Run returned.
func (s *Service) Progress(ctx context.Context) (Progress, error) {
	if s.stopped.IsSet() {
		return s.final, nil
	}
	reply := make(chan Progress, 1)
	p, err := call(ctx, s, progressRequest{reply: reply}, reply)
	if errors.Is(err, ErrStopped) {
		return s.final, nil
	}
	return p, err
}

// Subscribe returns a channel receiving the index of every piece verified from
// now on. It is closed when the service stops.
func (s *Service) Subscribe(ctx context.Context) (<-chan uint32, error) {
	reply := make(chan (<-chan uint32), 1)
	return call(ctx, s, subscribeRequest{reply: reply}, reply)
}

func (s *Service) Unsubscribe(ch <-chan uint32) {
	reply := make(chan struct{}, 1)
	_, _ = call(context.Background(), s, unsubscribeRequest{ch: ch, reply: reply}, reply)
}
