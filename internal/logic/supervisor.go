package logic

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/WendelHime/peerwire/internal/p2p"
	"github.com/WendelHime/peerwire/internal/piece"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/wire"
)

// ErrNoPeers ends a run when every candidate peer session closed before the
// download completed.
var ErrNoPeers = errors.New("no peers left to download from")

var errRunFinished = errors.New("run finished")

// Supervisor runs one peer session per candidate address, at most MaxPeers at
// a time, next to the piece service they all report to.
type Supervisor struct {
	maxPeers int
	session  p2p.Config
	pieces   *piece.Service
	log      *slog.Logger
}

func NewSupervisor(maxPeers int, session p2p.Config, pieces *piece.Service, logger *slog.Logger) *Supervisor {
	if maxPeers < 1 {
		maxPeers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{maxPeers: maxPeers, session: session, pieces: pieces, log: logger}
}

// Run returns nil once every piece is verified. A storage failure,
// piece.ErrPoisoned, ErrNoPeers or the cancellation of ctx end it early.
// Sessions that close are logged and never restarted.
func (s *Supervisor) Run(ctx context.Context, addrs []models.Addr) error {
	candidates := candidates(addrs)
	if len(candidates) == 0 {
		return ErrNoPeers
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := s.pieces.Run(gctx)
		cancel(errRunFinished)
		return err
	})
	g.Go(func() error {
		s.runSessions(gctx, candidates)
		cancel(ErrNoPeers)
		return nil
	})

	err := g.Wait()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.Canceled) && errors.Is(context.Cause(runCtx), ErrNoPeers):
		return ErrNoPeers
	default:
		return err
	}
}

func (s *Supervisor) runSessions(ctx context.Context, addrs []string) {
	sem := semaphore.NewWeighted(int64(s.maxPeers))
	var wg sync.WaitGroup
	for _, addr := range addrs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			session := p2p.NewSession(addr, s.session, s.pieces, s.log)
			if err := session.Run(ctx); err != nil {
				level := slog.LevelInfo
				var perr *wire.ProtocolError
				if errors.As(err, &perr) {
					level = slog.LevelWarn
				}
				s.log.Log(ctx, level, "peer session closed", slog.String("peer", addr), slog.Any("error", err))
				return
			}
			s.log.Debug("peer session closed", slog.String("peer", addr))
		}()
	}
	wg.Wait()
}

// candidates returns the distinct dialable addresses in their original order.
func candidates(addrs []models.Addr) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if !addr.Dialable() {
			continue
		}
		key := addr.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
