// Package config loads client options from a YAML file and command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/WendelHime/peerwire/internal/wire"
)

type Config struct {
	MaxPeers          int           `mapstructure:"max_peers"`
	PipelineDepth     int           `mapstructure:"pipeline_depth"`
	BlockLength       int           `mapstructure:"block_length"`
	EndgameDuplicates int           `mapstructure:"endgame_duplicates"`
	MaxHashFailures   int           `mapstructure:"max_hash_failures"`
	Strategy          string        `mapstructure:"strategy"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	ListenPort        int           `mapstructure:"listen_port"`
	Storage           string        `mapstructure:"storage"`
	LogLevel          string        `mapstructure:"log_level"`
	OutputDir         string        `mapstructure:"output_dir"`
}

func Default() Config {
	return Config{
		MaxPeers:          8,
		PipelineDepth:     5,
		BlockLength:       wire.MaxBlockLength,
		EndgameDuplicates: 1,
		MaxHashFailures:   3,
		Strategy:          "sequential",
		DialTimeout:       5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		KeepAliveInterval: 90 * time.Second,
		ListenPort:        6881,
		Storage:           "mmap",
		LogLevel:          "info",
		OutputDir:         ".",
	}
}

// Load overlays the YAML document read from r on top of Default. Unknown keys
// are an error.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	raw := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func LoadFile(fs afero.Fs, path string) (Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Load(f)
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxPeers < 1 {
		errs = append(errs, fmt.Errorf("max_peers must be at least 1, got %d", c.MaxPeers))
	}
	if c.PipelineDepth < 1 {
		errs = append(errs, fmt.Errorf("pipeline_depth must be at least 1, got %d", c.PipelineDepth))
	}
	if c.BlockLength < 1 || c.BlockLength > wire.MaxBlockLength {
		errs = append(errs, fmt.Errorf("block_length must be in [1, %d], got %d", wire.MaxBlockLength, c.BlockLength))
	}
	if c.EndgameDuplicates < 0 {
		errs = append(errs, fmt.Errorf("endgame_duplicates must not be negative, got %d", c.EndgameDuplicates))
	}
	if c.MaxHashFailures < 1 {
		errs = append(errs, fmt.Errorf("max_hash_failures must be at least 1, got %d", c.MaxHashFailures))
	}
	switch c.Strategy {
	case "sequential", "rarest-first":
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Strategy))
	}
	switch c.Storage {
	case "mmap", "file":
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port out of range: %d", c.ListenPort))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// RegisterFlags defines the flags that may override file settings.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int("max-peers", d.MaxPeers, "maximum number of concurrent peer sessions")
	fs.String("strategy", d.Strategy, "piece selection strategy: sequential or rarest-first")
	fs.String("storage", d.Storage, "storage backend: mmap or file")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn or error")
	fs.String("output", d.OutputDir, "output directory")
}

// ApplyFlags copies the flags the user set explicitly into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	if fs.Changed("max-peers") {
		if c.MaxPeers, err = fs.GetInt("max-peers"); err != nil {
			return err
		}
	}
	for name, dst := range map[string]*string{
		"strategy":  &c.Strategy,
		"storage":   &c.Storage,
		"log-level": &c.LogLevel,
		"output":    &c.OutputDir,
	} {
		if !fs.Changed(name) {
			continue
		}
		if *dst, err = fs.GetString(name); err != nil {
			return err
		}
	}
	return c.Validate()
}
