package logic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"

	"github.com/WendelHime/peerwire/internal/config"
	"github.com/WendelHime/peerwire/internal/decoder"
	"github.com/WendelHime/peerwire/internal/p2p"
	"github.com/WendelHime/peerwire/internal/piece"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/storage"
	"github.com/WendelHime/peerwire/internal/tracker"
)

var ErrMultiFile = errors.New("multi-file torrents are not supported")

type Downloader interface {
	Download(ctx context.Context, metafile io.Reader, outputDir string) error
}

type Option func(*downloader)

// WithFs sets the filesystem used for the output directory and the file
// storage backend.
func WithFs(fs afero.Fs) Option {
	return func(d *downloader) { d.fs = fs }
}

// WithPeers skips the tracker and downloads from the given addresses.
func WithPeers(addrs []models.Addr) Option {
	return func(d *downloader) { d.peers = addrs }
}

func WithTracker(newTracker func(announce string) tracker.Tracker) Option {
	return func(d *downloader) { d.newTracker = newTracker }
}

func WithProgressWriter(w io.Writer) Option {
	return func(d *downloader) { d.progress = w }
}

func WithDial(dial p2p.DialFunc) Option {
	return func(d *downloader) { d.dial = dial }
}

type downloader struct {
	cfg        config.Config
	peerID     models.PeerID
	d          decoder.MetafileDecoder
	log        *slog.Logger
	fs         afero.Fs
	peers      []models.Addr
	newTracker func(announce string) tracker.Tracker
	progress   io.Writer
	dial       p2p.DialFunc
}

func NewDownloader(cfg config.Config, d decoder.MetafileDecoder, logger *slog.Logger, opts ...Option) Downloader {
	dl := &downloader{
		cfg:        cfg,
		peerID:     models.GeneratePeerID(),
		d:          d,
		log:        logger,
		fs:         afero.NewOsFs(),
		newTracker: tracker.NewTracker,
		progress:   os.Stderr,
	}
	for _, opt := range opts {
		opt(dl)
	}
	return dl
}

func (d *downloader) Download(ctx context.Context, metafile io.Reader, outputDir string) error {
	d.log.Info("decoding metafile")
	meta, err := d.d.Decode(metafile)
	if err != nil {
		return err
	}
	if meta.Info.Length == 0 && len(meta.Info.Files) > 0 {
		return ErrMultiFile
	}
	if err := decoder.Validate(meta); err != nil {
		return err
	}
	total := meta.Info.TotalLength()

	d.log.Info("creating output directory", slog.String("output_dir", outputDir))
	if err := d.fs.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	peers := d.peers
	if peers == nil {
		peers = d.retrievePeers(ctx, meta)
	}
	if len(peers) == 0 {
		return ErrNoPeers
	}

	path := filepath.Join(outputDir, meta.Info.Name)
	store, err := storage.Open(storage.Kind(d.cfg.Storage), d.fs, path, total)
	if err != nil {
		return err
	}
	defer store.Close()

	strategy, err := piece.StrategyByName(d.cfg.Strategy)
	if err != nil {
		return err
	}
	geo := piece.Geometry{TotalLength: total, PieceLength: meta.Info.PieceLength, BlockLength: uint32(d.cfg.BlockLength)}
	m, err := piece.NewManager(piece.Config{
		Strategy:          strategy,
		EndgameDuplicates: d.cfg.EndgameDuplicates,
		MaxHashFailures:   d.cfg.MaxHashFailures,
	}, geo, meta.Info.PiecesHashes, store, d.log)
	if err != nil {
		return err
	}
	pieces := piece.NewService(m, d.log)

	supervisor := NewSupervisor(d.cfg.MaxPeers, p2p.Config{
		InfoHash:          meta.InfoHash,
		PeerID:            d.peerID,
		PieceCount:        geo.PieceCount(),
		PipelineDepth:     d.cfg.PipelineDepth,
		DialTimeout:       d.cfg.DialTimeout,
		HandshakeTimeout:  d.cfg.HandshakeTimeout,
		IdleTimeout:       d.cfg.IdleTimeout,
		KeepAliveInterval: d.cfg.KeepAliveInterval,
		Dial:              d.dial,
	}, pieces, d.log)

	d.log.Info("downloading",
		slog.String("name", meta.Info.Name),
		slog.String("info_hash", meta.InfoHash.String()),
		slog.String("size", humanize.Bytes(uint64(total))),
		slog.Int("pieces", geo.PieceCount()),
		slog.Int("peers", len(peers)))

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(d.progress),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)
	progressCtx, cancelProgress := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.trackProgress(progressCtx, pieces, bar)
	}()

	start := time.Now()
	runErr := supervisor.Run(ctx, peers)
	cancelProgress()
	wg.Wait()
	bar.Finish()

	progress, _ := pieces.Progress(progressCtx)
	d.log.Info("download finished",
		slog.String("path", path),
		slog.Int("completed", progress.Completed),
		slog.Int("total", progress.Total),
		slog.String("downloaded", humanize.Bytes(uint64(progress.Downloaded))),
		slog.Duration("elapsed", time.Since(start)),
		slog.Any("error", runErr))
	if runErr != nil {
		return runErr
	}
	return store.Close()
}

// trackProgress moves the bar to the verified byte count every time a piece
// is verified, until the piece service stops.
func (d *downloader) trackProgress(ctx context.Context, pieces *piece.Service, bar *progressbar.ProgressBar) {
	haves, err := pieces.Subscribe(ctx)
	if err != nil {
		return
	}
	update := func() {
		if p, err := pieces.Progress(ctx); err == nil {
			bar.Set64(p.Downloaded)
		}
	}
	update()
	for range haves {
		update()
	}
	update()
}

func (d *downloader) retrievePeers(ctx context.Context, meta models.Metafile) []models.Addr {
	req := tracker.Request{
		InfoHash: meta.InfoHash,
		PeerID:   d.peerID,
		Port:     uint16(d.cfg.ListenPort),
		Left:     meta.Info.TotalLength(),
	}

	announces := []string{meta.Announce}
	for _, tier := range meta.AnnounceList {
		for _, announce := range tier {
			if announce != meta.Announce {
				announces = append(announces, announce)
			}
		}
	}

	var mutex sync.Mutex
	var wg sync.WaitGroup
	peers := make([]models.Addr, 0)
	for _, announce := range announces {
		if announce == "" {
			continue
		}
		announce := announce
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.log.Info("retrieving peers from tracker", slog.String("announce", announce))
			addrs, err := d.newTracker(announce).Announce(ctx, req)
			if err != nil {
				d.log.Warn("failed to get peers", slog.String("announce", announce), slog.Any("error", err))
				return
			}
			mutex.Lock()
			peers = append(peers, addrs...)
			mutex.Unlock()
		}()
	}
	wg.Wait()

	d.log.Info("retrieved peers", slog.Int("peers", len(peers)))
	return peers
}
