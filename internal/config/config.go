// Package config loads vaultfill settings from ~/.vaultfill/config.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/vaultfill/internal/cli"
	"github.com/forest6511/vaultfill/pkg/authgate"
	"github.com/forest6511/vaultfill/pkg/keystore"
	"github.com/forest6511/vaultfill/pkg/vault"
)

// FileName is the config file name inside the data directory.
const FileName = "config.yaml"

// DirEnv overrides the default data directory.
const DirEnv = "VAULTFILL_DIR"

const (
	defaultDirName    = ".vaultfill"
	defaultListenAddr = "127.0.0.1:7319"
	defaultLogLevel   = "info"
	maxConfigSize     = 1 << 20
)

var (
	ErrConfigInsecure       = errors.New("config: file has insecure permissions")
	ErrConfigSymlink        = errors.New("config: file is a symlink")
	ErrConfigNotOwnedByUser = errors.New("config: file not owned by current user")
	ErrInvalidConfig        = errors.New("config: invalid value")
)

// Config holds every vaultfill setting. Relative paths are resolved
// against DataDir.
type Config struct {
	DataDir         string        `yaml:"data_dir,omitempty"`
	VaultFile       string        `yaml:"vault_file,omitempty"`
	KeyFile         string        `yaml:"key_file,omitempty"`
	AuditDir        string        `yaml:"audit_dir,omitempty"`
	ListenAddr      string        `yaml:"listen_addr,omitempty"`
	LogLevel        string        `yaml:"log_level,omitempty"`
	TokenTTL        time.Duration `yaml:"token_ttl,omitempty"`
	IgnoredPackages []string      `yaml:"ignored_packages,omitempty"`
	Auth            Auth          `yaml:"auth,omitempty"`
}

// Auth selects the device authenticator.
type Auth struct {
	Mode           string `yaml:"mode,omitempty"`
	PassphraseHash string `yaml:"passphrase_hash,omitempty"`
	PassphraseSalt string `yaml:"passphrase_salt,omitempty"`
}

// DefaultDir returns $VAULTFILL_DIR or ~/.vaultfill.
func DefaultDir() (string, error) {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get user home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName), nil
}

// Default returns the settings used when no config file exists.
func Default(dataDir string) *Config {
	c := &Config{DataDir: dataDir}
	c.applyDefaults()
	return c
}

// Load reads path. A missing file yields Default(dataDir). A data_dir in the
// file wins over dataDir.
//
// The file is opened without following symlinks and must be 0600 and owned
// by the current user; all checks run on the opened descriptor.
func Load(path, dataDir string) (*Config, error) {
	f, err := openConfigFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(dataDir), nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrConfigInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigSize))
	if err != nil {
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}

	c := &Config{}
	if len(bytes.TrimSpace(content)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}
	if c.DataDir == "" {
		c.DataDir = dataDir
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.VaultFile == "" {
		c.VaultFile = vault.DBFileName
	}
	if c.KeyFile == "" {
		c.KeyFile = keystore.KeyFileName
	}
	if c.AuditDir == "" {
		c.AuditDir = "audit"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = authgate.ModeTerminal
	}
}

// Validate checks enumerations and patterns.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	switch c.Auth.Mode {
	case authgate.ModeTerminal, authgate.ModeDeny:
	default:
		return fmt.Errorf("%w: auth.mode %q", ErrInvalidConfig, c.Auth.Mode)
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("%w: token_ttl must not be negative", ErrInvalidConfig)
	}
	if err := cli.ValidatePatterns(c.IgnoredPackages); err != nil {
		return fmt.Errorf("%w: ignored_packages: %v", ErrInvalidConfig, err)
	}
	if _, err := c.Verifier(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// VaultPath is the absolute vault file location.
func (c *Config) VaultPath() string { return c.resolve(c.VaultFile) }

// KeyPath is the absolute master key file location.
func (c *Config) KeyPath() string { return c.resolve(c.KeyFile) }

// AuditPath is the absolute audit directory.
func (c *Config) AuditPath() string { return c.resolve(c.AuditDir) }

// Level returns the parsed log level.
func (c *Config) Level() zapcore.Level {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Verifier decodes the configured passphrase verifier, or nil if none.
func (c *Config) Verifier() (*authgate.Verifier, error) {
	return authgate.ParseVerifier(c.Auth.PassphraseSalt, c.Auth.PassphraseHash)
}

// IgnorePackage reports whether fill requests from pkg are dropped.
func (c *Config) IgnorePackage(pkg string) bool {
	return cli.MatchAny(c.IgnoredPackages, pkg)
}

// Save writes c to path with 0600 permissions, creating the directory.
func Save(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("config: failed to write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: failed to replace %s: %w", path, err)
	}
	return nil
}
