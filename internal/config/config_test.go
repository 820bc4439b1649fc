package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	var tests = []struct {
		name   string
		given  string
		assert func(t *testing.T, cfg Config, err error)
	}{
		{
			name:  "empty document keeps defaults",
			given: "",
			assert: func(t *testing.T, cfg Config, err error) {
				require.NoError(t, err)
				assert.Equal(t, Default(), cfg)
			},
		},
		{
			name: "overrides",
			given: `
max_peers: 4
pipeline_depth: 10
strategy: rarest-first
dial_timeout: 1s
idle_timeout: 30s
storage: file
log_level: debug
`,
			assert: func(t *testing.T, cfg Config, err error) {
				require.NoError(t, err)
				assert.Equal(t, 4, cfg.MaxPeers)
				assert.Equal(t, 10, cfg.PipelineDepth)
				assert.Equal(t, "rarest-first", cfg.Strategy)
				assert.Equal(t, time.Second, cfg.DialTimeout)
				assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
				assert.Equal(t, 90*time.Second, cfg.KeepAliveInterval)
				assert.Equal(t, "file", cfg.Storage)
			},
		},
		{
			name:  "unknown key",
			given: "max_pears: 4\n",
			assert: func(t *testing.T, cfg Config, err error) {
				assert.Error(t, err)
			},
		},
		{
			name:  "invalid value",
			given: "block_length: 32768\nstrategy: random\n",
			assert: func(t *testing.T, cfg Config, err error) {
				if assert.Error(t, err) {
					assert.Contains(t, err.Error(), "block_length")
					assert.Contains(t, err.Error(), "random")
				}
			},
		},
		{
			name:  "malformed yaml",
			given: "max_peers: [",
			assert: func(t *testing.T, cfg Config, err error) {
				assert.Error(t, err)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(strings.NewReader(tt.given))
			tt.assert(t, cfg, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/peerwire.yaml", []byte("max_peers: 2\n"), 0o644))

	cfg, err := LoadFile(fs, "/peerwire.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxPeers)

	_, err = LoadFile(fs, "/missing.yaml")
	assert.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--max-peers", "3", "--storage", "file"}))

	cfg := Default()
	cfg.Strategy = "rarest-first"
	require.NoError(t, cfg.ApplyFlags(fs))
	assert.Equal(t, 3, cfg.MaxPeers)
	assert.Equal(t, "file", cfg.Storage)
	assert.Equal(t, "rarest-first", cfg.Strategy, "unset flags keep file values")

	fs = pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--strategy", "random"}))
	assert.Error(t, cfg.ApplyFlags(fs))
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "WARN", level.String())

	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}
