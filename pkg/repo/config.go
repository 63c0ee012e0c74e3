package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds repository-local tunables, stored in config.toml. Backend
// selection is not config: it lives in the requires file and only changes
// under the exclusive lock during a migration.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	Store   StoreConfig   `toml:"store"`
	Lock    LockConfig    `toml:"lock"`
}

type StorageConfig struct {
	// GeneralDelta lets non-changelog logs base deltas on any earlier
	// revision.
	GeneralDelta bool `toml:"generaldelta"`
	// InlineThreshold is the inline-to-split cutover in bytes.
	InlineThreshold int64 `toml:"inline_threshold"`
}

type StoreConfig struct {
	// RevlogFallback lets the content store fall back to the revision
	// log on a local miss.
	RevlogFallback bool `toml:"revlog_fallback"`
	// LazyFetchBatch bounds nodes per remote round-trip, capping memory
	// during large pulls.
	LazyFetchBatch int `toml:"lazy_fetch_batch"`
}

type LockConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// DefaultConfig returns the settings a fresh repository starts with.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			GeneralDelta:    true,
			InlineThreshold: 128 * 1024,
		},
		Store: StoreConfig{
			RevlogFallback: true,
			LazyFetchBatch: 100,
		},
		Lock: LockConfig{TimeoutSeconds: 10},
	}
}

// LockTimeout returns the configured lock wait as a duration.
func (c *Config) LockTimeout() time.Duration {
	if c.Lock.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Lock.TimeoutSeconds) * time.Second
}

func configPath(dir string) string {
	return filepath.Join(dir, "config.toml")
}

// readConfig loads config.toml; a missing file yields the defaults.
func readConfig(dir string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(configPath(dir))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return cfg, nil
}

// writeConfig writes config.toml atomically.
func writeConfig(dir string, cfg Config) error {
	tmp, err := os.CreateTemp(dir, ".config-tmp-*")
	if err != nil {
		return fmt.Errorf("write config: tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: close: %w", err)
	}
	if err := os.Rename(tmpName, configPath(dir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: rename: %w", err)
	}
	return nil
}
