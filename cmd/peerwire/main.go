package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/WendelHime/peerwire/internal/config"
	"github.com/WendelHime/peerwire/internal/decoder"
	"github.com/WendelHime/peerwire/internal/logic"
	"github.com/WendelHime/peerwire/internal/shared/models"
)

func main() {
	flags := pflag.NewFlagSet("peerwire", pflag.ExitOnError)
	torrentPath := flags.StringP("torrent", "t", "", "torrent file to download")
	configPath := flags.StringP("config", "c", "", "YAML configuration file")
	logPath := flags.String("log-file", "peerwire.log", "file the JSON log is written to")
	peers := flags.StringSlice("peer", nil, "peer address to download from instead of asking the trackers (repeatable)")
	config.RegisterFlags(flags)
	flags.Parse(os.Args[1:])

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "missing --torrent")
		flags.Usage()
		os.Exit(2)
	}

	if err := run(*torrentPath, *configPath, *logPath, *peers, flags); err != nil {
		fmt.Fprintln(os.Stderr, "peerwire:", err)
		os.Exit(1)
	}
}

func run(torrentPath, configPath, logPath string, peers []string, flags *pflag.FlagSet) error {
	fs := afero.NewOsFs()
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(fs, configPath); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	// Create a new logger and generate log file
	logOut, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	opts := []logic.Option{logic.WithFs(fs)}
	if len(peers) > 0 {
		addrs := make([]models.Addr, 0, len(peers))
		for _, p := range peers {
			addr, err := models.ParseAddr(p)
			if err != nil {
				return fmt.Errorf("peer %q: %w", p, err)
			}
			addrs = append(addrs, addr)
		}
		opts = append(opts, logic.WithPeers(addrs))
	}

	f, err := fs.Open(torrentPath)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	downloader := logic.NewDownloader(cfg, decoder.NewDecoder(), logger, opts...)
	if err := downloader.Download(ctx, f, cfg.OutputDir); err != nil {
		logger.Error("failed to download torrent", slog.Any("error", err))
		return err
	}
	return nil
}
