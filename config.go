// config.go -- environment driven configuration

package persist

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the tunables of a Manager.
type Config struct {
	// DirMode is used for directories created by contexts and file
	// handles.
	DirMode os.FileMode

	// FileMode is used for files created through file handles.
	FileMode os.FileMode

	// DBFileMode is used for newly created database files.
	DBFileMode os.FileMode

	// DBOpenTimeout bounds the wait for a database file lock.
	DBOpenTimeout time.Duration

	// DBKey, when set, encrypts every database opened by the Manager.
	DBKey []byte

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		DirMode:       0755,
		FileMode:      0644,
		DBFileMode:    0600,
		DBOpenTimeout: 2 * time.Second,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// LoadConfig reads configuration from environment variables with the
// defaults of DefaultConfig.
func LoadConfig() (*Config, error) {
	d := DefaultConfig()

	var errs []error
	mode := func(key string, def os.FileMode) os.FileMode {
		m, err := getModeEnv(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return m
	}

	timeout, err := getDurationEnv("PERSIST_DB_OPEN_TIMEOUT", d.DBOpenTimeout)
	if err != nil {
		errs = append(errs, err)
	}

	c := &Config{
		DirMode:       mode("PERSIST_DIR_MODE", d.DirMode),
		FileMode:      mode("PERSIST_FILE_MODE", d.FileMode),
		DBFileMode:    mode("PERSIST_DB_FILE_MODE", d.DBFileMode),
		DBOpenTimeout: timeout,
		LogLevel:      getEnv("PERSIST_LOG_LEVEL", d.LogLevel),
		LogFormat:     getEnv("PERSIST_LOG_FORMAT", d.LogFormat),
	}

	if s := getEnv("PERSIST_DB_KEY", ""); len(s) > 0 {
		key, err := hex.DecodeString(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("PERSIST_DB_KEY: %w", err))
		}
		c.DBKey = key
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Validate checks that all configuration values are usable. It returns
// an error describing all failures, or nil if valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DirMode&0700 != 0700 {
		errs = append(errs, fmt.Errorf("PERSIST_DIR_MODE %04o must grant the owner rwx", c.DirMode))
	}
	if c.FileMode&0600 != 0600 {
		errs = append(errs, fmt.Errorf("PERSIST_FILE_MODE %04o must grant the owner rw", c.FileMode))
	}
	if c.DBFileMode&0600 != 0600 {
		errs = append(errs, fmt.Errorf("PERSIST_DB_FILE_MODE %04o must grant the owner rw", c.DBFileMode))
	}
	if c.DBOpenTimeout < 0 {
		errs = append(errs, errors.New("PERSIST_DB_OPEN_TIMEOUT must not be negative"))
	}
	if len(c.DBKey) > 0 && len(c.DBKey) != 32 {
		errs = append(errs, fmt.Errorf("PERSIST_DB_KEY must be 32 bytes, got %d", len(c.DBKey)))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("PERSIST_LOG_LEVEL: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("PERSIST_LOG_FORMAT must be 'json' or 'console', got '%s'", c.LogFormat))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NewLogger builds a zap logger at the configured level: production
// (json) or development (console) encoding.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDurationEnv(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || len(strings.TrimSpace(v)) == 0 {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// getModeEnv parses an octal permission such as "0750".
func getModeEnv(key string, def os.FileMode) (os.FileMode, error) {
	v, ok := os.LookupEnv(key)
	if !ok || len(strings.TrimSpace(v)) == 0 {
		return def, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 8, 32)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	if n&^0777 != 0 {
		return def, fmt.Errorf("%s: %04o is not a permission", key, n)
	}
	return os.FileMode(n), nil
}
