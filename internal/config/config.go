package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config represents the optional duplex configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. A nil field means the key
// was absent and the built-in default applies.
type DefaultsConfig struct {
	Source       *string `toml:"source"`
	Destination  *string `toml:"destination"`
	ChunkSize    *string `toml:"chunk_size"`
	Depth        *int    `toml:"depth"`
	Verify       *bool   `toml:"verify"`
	Hash         *string `toml:"hash"`
	BWLimit      *string `toml:"bwlimit"`
	Atomic       *bool   `toml:"atomic"`
	Preallocate  *bool   `toml:"preallocate"`
	StallTimeout *string `toml:"stall_timeout"`
	MetricsFile  *string `toml:"metrics_file"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "duplex", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates the config file at path. A missing file
// yields a zero Config.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, undec[0].String())
	}
	if err := cfg.Defaults.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (d DefaultsConfig) validate() error {
	if d.ChunkSize != nil {
		if _, err := ParseChunkSize(*d.ChunkSize); err != nil {
			return fmt.Errorf("chunk_size: %w", err)
		}
	}
	if d.Depth != nil && *d.Depth < 1 {
		return fmt.Errorf("depth: must be at least 1, got %d", *d.Depth)
	}
	if d.BWLimit != nil {
		if _, err := ParseSize(*d.BWLimit); err != nil {
			return fmt.Errorf("bwlimit: %w", err)
		}
	}
	if d.StallTimeout != nil {
		if _, err := time.ParseDuration(*d.StallTimeout); err != nil {
			return fmt.Errorf("stall_timeout: %w", err)
		}
	}
	return nil
}

// MaxChunkSize is the largest slot a single chunk may occupy.
const MaxChunkSize = math.MaxInt32

// ParseSize parses a human-readable byte size such as "8MiB", "64k" or
// "1048576".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %s is too large", s)
	}
	return int64(n), nil
}

// ParseChunkSize is ParseSize restricted to sizes a slot can hold.
func ParseChunkSize(s string) (int64, error) {
	n, err := ParseSize(s)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("must be positive")
	}
	if n > MaxChunkSize {
		return 0, fmt.Errorf("size %s exceeds the %s limit", s, humanize.IBytes(MaxChunkSize))
	}
	return n, nil
}
