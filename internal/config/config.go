package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Transports understood by SYNC_TRANSPORT.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config holds all environment-based configuration for filesync.
type Config struct {
	// Root of the tree on this host. Required.
	LocalDir string `env:"SYNC_LOCAL_DIR"`

	// Root of the tree on the peer. Remote manifest paths under this
	// prefix are rebased onto LocalDir. Defaults to LocalDir.
	RemoteDir string `env:"SYNC_REMOTE_DIR"`

	// Server address. The client dials it, the server binds it.
	Host string `env:"SYNC_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"SYNC_PORT" envDefault:"9527"`

	Transport string `env:"SYNC_TRANSPORT" envDefault:"tcp"`

	// IOTimeout bounds every read and write on the stream. Zero means
	// block forever.
	IOTimeout time.Duration `env:"SYNC_IO_TIMEOUT" envDefault:"0s"`

	// MaxEmptyReads is how many consecutive zero-byte reads a file
	// receive tolerates before giving up.
	MaxEmptyReads int `env:"SYNC_MAX_EMPTY_READS" envDefault:"64"`

	// Exclude holds doublestar patterns, relative to the root, that are
	// left out of snapshots and ignored by the watcher.
	Exclude []string `env:"SYNC_EXCLUDE" envSeparator:","`

	// WatchInterval is how often watch mode checks the needs-sync flag.
	WatchInterval time.Duration `env:"SYNC_WATCH_INTERVAL" envDefault:"5s"`

	// StatePath is the bbolt database. Defaults to ~/.filesync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absDir, err := filepath.Abs(cfg.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("resolving local dir to absolute path: %w", err)
	}

	cfg.LocalDir = absDir

	// The remote root is a path on another host, so it is only cleaned,
	// never resolved against this host's working directory.
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = cfg.LocalDir
	} else {
		cfg.RemoteDir = filepath.Clean(cfg.RemoteDir)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.LocalDir == "" {
		return fmt.Errorf("SYNC_LOCAL_DIR is required")
	}

	if c.Transport != TransportTCP && c.Transport != TransportWebSocket {
		return fmt.Errorf("SYNC_TRANSPORT must be %q or %q, got %q", TransportTCP, TransportWebSocket, c.Transport)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SYNC_PORT must be between 1 and 65535, got %d", c.Port)
	}

	if c.IOTimeout < 0 {
		return fmt.Errorf("SYNC_IO_TIMEOUT must not be negative")
	}

	if c.MaxEmptyReads < 1 {
		return fmt.Errorf("SYNC_MAX_EMPTY_READS must be at least 1")
	}

	if c.WatchInterval <= 0 {
		return fmt.Errorf("SYNC_WATCH_INTERVAL must be positive")
	}

	return nil
}

// DefaultStatePath returns ~/.filesync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".filesync", "state.db"), nil
}
