// Package config loads the daemon's environment-driven configuration:
// listen address, store location, spool retention, and upload limits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/filecas/filecas/internal/ingest"
)

// Config is the daemon's fully-resolved configuration.
type Config struct {
	Host      string
	Port      int
	StoreDir  string
	KeepSpool bool
	Limits    ingest.Limits
}

const (
	defaultHost = "127.0.0.1"
	defaultPort = 8787
	defaultDir  = "./store"

	defaultMaxEntries    = 8000
	defaultMaxFileBytes  = 500 << 20
	defaultMaxTotalBytes = 2 << 30
	defaultMaxZipBytes   = 300 << 20
)

// Load reads the daemon's configuration from the environment, applying
// defaults per the documented env var table.
func Load() (Config, error) {
	cfg := Config{
		Host:      getenvDefault("HOST", defaultHost),
		Port:      defaultPort,
		StoreDir:  getenvDefault("STORE_DIR", defaultDir),
		KeepSpool: truthy(os.Getenv("KEEP_SPOOL")),
		Limits: ingest.Limits{
			MaxEntries:    defaultMaxEntries,
			MaxFileBytes:  defaultMaxFileBytes,
			MaxTotalBytes: defaultMaxTotalBytes,
			MaxZipBytes:   defaultMaxZipBytes,
		},
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}

	if err := overrideUint64(&cfg.Limits.MaxEntries, "MAX_ENTRIES"); err != nil {
		return Config{}, err
	}
	if err := overrideUint64(&cfg.Limits.MaxFileBytes, "MAX_FILE_BYTES"); err != nil {
		return Config{}, err
	}
	if err := overrideUint64(&cfg.Limits.MaxTotalBytes, "MAX_TOTAL_BYTES"); err != nil {
		return Config{}, err
	}
	if err := overrideInt64(&cfg.Limits.MaxZipBytes, "MAX_ZIP_BYTES"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Addr returns the host:port string to listen on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func overrideUint64(dst *uint64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func overrideInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}
