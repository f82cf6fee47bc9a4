package anchor

import (
	"path/filepath"

	"github.com/RSBalchII/Anchor/llm"
)

// Config holds all configuration for the Anchor engine.
type Config struct {
	// Port is the listen port used by the HTTP host.
	Port int `json:"port" yaml:"port"`

	// WatchedDir is the directory the file watcher ingests from.
	WatchedDir string `json:"watched_dir" yaml:"watched_dir"`

	// DBPath is the path to the SQLite database file.
	DBPath string `json:"db_path" yaml:"db_path"`

	// BackupsDir is where snapshot files are written.
	BackupsDir string `json:"backups_dir" yaml:"backups_dir"`

	// ModelsDir holds external generator model files, referenced by name only.
	ModelsDir string `json:"models_dir" yaml:"models_dir"`

	// MaxFileBytes caps the size of a single watched file.
	MaxFileBytes int64 `json:"max_file_bytes" yaml:"max_file_bytes"`

	// FTSBaseK is the minimum candidate count requested from the FTS index.
	FTSBaseK int `json:"fts_base_k" yaml:"fts_base_k"`

	// Context inflation tuning.
	MergeThreshold int `json:"merge_threshold" yaml:"merge_threshold"`
	MinPadding     int `json:"min_padding" yaml:"min_padding"`
	MaxPadding     int `json:"max_padding" yaml:"max_padding"`
	MinWindowCap   int `json:"min_window_cap" yaml:"min_window_cap"`
	MinViableSize  int `json:"min_viable_size" yaml:"min_viable_size"`

	// SearchTimeoutSec is the per-search deadline. On expiry the partial
	// result set gathered so far is returned with Partial=true.
	SearchTimeoutSec int `json:"search_timeout_sec" yaml:"search_timeout_sec"`

	// Generator configures the external local model used by chat and the
	// scribe. GeneratorTimeoutSec bounds each call.
	Generator           llm.Config `json:"generator" yaml:"generator"`
	GeneratorTimeoutSec int        `json:"generator_timeout_sec" yaml:"generator_timeout_sec"`

	// Embedding optionally configures a pluggable embedding provider.
	// EmbeddingDim must match the model; zero disables the vector sidecar.
	Embedding    llm.Config `json:"embedding" yaml:"embedding"`
	EmbeddingDim int        `json:"embedding_dim" yaml:"embedding_dim"`

	// BackupSchedule is a cron expression for periodic snapshots in the
	// server host. Empty disables scheduled backups.
	BackupSchedule string `json:"backup_schedule" yaml:"backup_schedule"`
}

// DefaultConfig returns a Config with sensible defaults for local use.
func DefaultConfig() Config {
	return Config{
		Port:           3000,
		WatchedDir:     "./context",
		DBPath:         filepath.Join("engine", "context.db"),
		BackupsDir:     "./backups",
		ModelsDir:      "./models",
		MaxFileBytes:   100 * 1024 * 1024,
		FTSBaseK:       500,
		MergeThreshold: 500,
		MinPadding:     50,
		MaxPadding:     500,
		MinWindowCap:   200,
		MinViableSize:  150,

		SearchTimeoutSec:    10,
		GeneratorTimeoutSec: 120,

		Generator: llm.Config{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
	}
}

// withDefaults fills zero-valued tuning fields so a partially populated
// Config behaves like DefaultConfig for the unset knobs.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.WatchedDir == "" {
		c.WatchedDir = d.WatchedDir
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.BackupsDir == "" {
		c.BackupsDir = d.BackupsDir
	}
	if c.ModelsDir == "" {
		c.ModelsDir = d.ModelsDir
	}
	if c.MaxFileBytes == 0 {
		c.MaxFileBytes = d.MaxFileBytes
	}
	if c.FTSBaseK == 0 {
		c.FTSBaseK = d.FTSBaseK
	}
	if c.MergeThreshold == 0 {
		c.MergeThreshold = d.MergeThreshold
	}
	if c.MinPadding == 0 {
		c.MinPadding = d.MinPadding
	}
	if c.MaxPadding == 0 {
		c.MaxPadding = d.MaxPadding
	}
	if c.MinWindowCap == 0 {
		c.MinWindowCap = d.MinWindowCap
	}
	if c.MinViableSize == 0 {
		c.MinViableSize = d.MinViableSize
	}
	if c.SearchTimeoutSec == 0 {
		c.SearchTimeoutSec = d.SearchTimeoutSec
	}
	if c.GeneratorTimeoutSec == 0 {
		c.GeneratorTimeoutSec = d.GeneratorTimeoutSec
	}
	return c
}
