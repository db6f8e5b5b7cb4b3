// Package config loads spacestore's server configuration the way the
// teacher's standalone services do (op-geth-proxy/geth-proxy.go): a
// flag.FlagSet bound to environment variables via peterbourgon/ff, with an
// optional TOML file for overrides that don't fit comfortably as flags.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/peterbourgon/ff/v3"
)

// EnvPrefix mirrors geth-proxy's OP_GETH_PROXY convention, scoped to this
// service.
const EnvPrefix = "SPACESTORE"

// Config holds every value §6.4 names plus the Open-Question
// defaults SPEC_FULL.md §C records.
type Config struct {
	Port   string // PORT
	DBDSN  string // SPACES_DIR -- see doc comment on the flag below

	EnableServerMerge bool // ENABLE_SERVER_MERGE; parsed here, not applied to transactions

	FanoutMaxDeltaBytes int // FANOUT_MAX_DELTA_BYTES
	FanoutWindow        int // FANOUT_WINDOW
	FanoutQMax          int // FANOUT_Q_MAX

	ResumeDeltaRetentionEpochs uint64 // RESUME_DELTA_RETENTION_EPOCHS

	JWTSecret string // JWT_SECRET

	// TOMLFile, if set (-config-file / SPACESTORE_CONFIG_FILE), is parsed
	// after flags/env and overrides any of the above it sets explicitly.
	TOMLFile string
}

// fileOverrides is the subset of Config a TOML file may override. Only
// fields with no operational security sensitivity (not secrets) are
// exposed here; JWTSecret is deliberately omitted so a checked-in config
// file can't accidentally carry a credential.
type fileOverrides struct {
	FanoutMaxDeltaBytes        *int    `toml:"fanout_max_delta_bytes"`
	FanoutWindow               *int    `toml:"fanout_window"`
	FanoutQMax                 *int    `toml:"fanout_q_max"`
	ResumeDeltaRetentionEpochs *uint64 `toml:"resume_delta_retention_epochs"`
	EnableServerMerge          *bool   `toml:"enable_server_merge"`
}

// Parse builds the flag set, binds it to SPACESTORE_*-prefixed environment
// variables, and applies an optional TOML overlay. args is normally
// os.Args[1:].
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("spaced", flag.ContinueOnError)
	var cfg Config
	fs.StringVar(&cfg.Port, "port", "8080", "listen port (PORT)")
	// SPACES_DIR originally named a directory for embedded per-space storage;
	// this implementation's Space Store is Postgres (DESIGN.md), so the same
	// environment variable here carries a DSN instead of a filesystem path --
	// the var name is kept for continuity with the external-interface
	// contract's naming.
	fs.StringVar(&cfg.DBDSN, "spaces-dir", "postgres://localhost:5432/spacestore?sslmode=disable", "Space Store connection string (SPACES_DIR)")
	fs.BoolVar(&cfg.EnableServerMerge, "enable-server-merge", false, "server-merge default (ENABLE_SERVER_MERGE); recorded in Config only, transactions do not read it")
	fs.IntVar(&cfg.FanoutMaxDeltaBytes, "fanout-max-delta-bytes", 64*1024, "delta-vs-snapshot threshold in bytes")
	fs.IntVar(&cfg.FanoutWindow, "fanout-window", 8, "W: max unacked batches per subscription")
	fs.IntVar(&cfg.FanoutQMax, "fanout-q-max", 64, "Q_max: queue depth before coalescing to a snapshot")
	var retention uint
	fs.UintVar(&retention, "resume-delta-retention-epochs", 512, "R_delta: epoch span within which resume uses delta backfill")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "HMAC secret for authorizing bearer tokens (JWT_SECRET)")
	fs.StringVar(&cfg.TOMLFile, "config-file", "", "optional TOML file overlaying the flags above")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ResumeDeltaRetentionEpochs = uint64(retention)

	if cfg.TOMLFile != "" {
		if err := applyTOMLFile(&cfg, cfg.TOMLFile); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func applyTOMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var ov fileOverrides
	if _, err := toml.Decode(string(data), &ov); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	if ov.FanoutMaxDeltaBytes != nil {
		cfg.FanoutMaxDeltaBytes = *ov.FanoutMaxDeltaBytes
	}
	if ov.FanoutWindow != nil {
		cfg.FanoutWindow = *ov.FanoutWindow
	}
	if ov.FanoutQMax != nil {
		cfg.FanoutQMax = *ov.FanoutQMax
	}
	if ov.ResumeDeltaRetentionEpochs != nil {
		cfg.ResumeDeltaRetentionEpochs = *ov.ResumeDeltaRetentionEpochs
	}
	if ov.EnableServerMerge != nil {
		cfg.EnableServerMerge = *ov.EnableServerMerge
	}
	return nil
}
