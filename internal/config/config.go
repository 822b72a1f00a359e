package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"depot/internal/auth"
	"depot/internal/depot"
	"depot/internal/mirror"
	"depot/internal/storage"
)

// Mirror type names accepted in the mirrors list.
const (
	MirrorS3  = "s3"
	MirrorDir = "dir"
)

// Config is the full configuration of the depot server binary.
type Config struct {
	// Listen is the address the HTTP API binds to.
	Listen string `yaml:"listen"`

	// LogFile adds a rotating log file next to stdout when set.
	LogFile string `yaml:"log_file"`

	// Cache selects and configures the storage backend.
	Cache CacheConfig `yaml:"cache"`

	// Auth enables request authentication when both keys are set.
	Auth AuthConfig `yaml:"auth"`

	// Mirrors lists the replication targets used under high reliability.
	Mirrors []MirrorConfig `yaml:"mirrors"`

	// TransactionMaxAge is how long an idle upload transaction survives
	// before the janitor aborts it. A Go duration string.
	TransactionMaxAge string `yaml:"transaction_max_age"`
}

// CacheConfig selects the backend module and its options.
type CacheConfig struct {
	// Module is the backend name: "fs" or "ram".
	Module string `yaml:"module"`

	// HighReliability turns on replication of committed uploads.
	HighReliability bool `yaml:"high_reliability"`

	HighReliabilityOptions HighReliabilityOptions `yaml:"high_reliability_options"`

	// Options carries per-module option groups merged over the built-in
	// defaults.
	Options depot.Options `yaml:"options"`
}

// HighReliabilityOptions tunes replication.
type HighReliabilityOptions struct {
	// ReliabilityThreshold is how many copies (primary included) a commit
	// needs. Zero selects the built-in default.
	ReliabilityThreshold int `yaml:"reliability_threshold"`
}

// AuthConfig holds the shared API credentials. Both keys empty means
// anonymous access.
type AuthConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// MirrorConfig describes one replication target. Type selects which of the
// remaining fields apply.
type MirrorConfig struct {
	Type string `yaml:"type"`

	// S3 mirror fields.
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`

	// Directory mirror fields.
	Path string `yaml:"path"`
}

// Default returns the configuration used before a file is loaded.
func Default() *Config {
	return &Config{
		Listen: ":8126",
		Cache: CacheConfig{
			Module: depot.ModuleFS,
			HighReliabilityOptions: HighReliabilityOptions{
				ReliabilityThreshold: depot.DefaultReliabilityThreshold,
			},
		},
		TransactionMaxAge: "30m",
	}
}

// LoadFile loads and validates the configuration file at path, merged over
// Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}

	knownModules := []string{depot.ModuleFS, depot.ModuleRAM}
	if !lo.Contains(knownModules, c.Cache.Module) {
		errs = append(errs, fmt.Errorf("cache.module must be one of: %v", knownModules))
	}

	if c.Cache.HighReliabilityOptions.ReliabilityThreshold < 0 {
		errs = append(errs, fmt.Errorf("cache.high_reliability_options.reliability_threshold must not be negative"))
	}

	if (c.Auth.AccessKey == "") != (c.Auth.SecretKey == "") {
		errs = append(errs, fmt.Errorf("auth.access_key and auth.secret_key must be set together"))
	}

	knownMirrors := []string{MirrorS3, MirrorDir}
	for i, m := range c.Mirrors {
		switch m.Type {
		case MirrorS3:
			if m.Endpoint == "" || m.Bucket == "" {
				errs = append(errs, fmt.Errorf("mirrors[%d]: s3 mirrors need endpoint and bucket", i))
			}
		case MirrorDir:
			if m.Path == "" {
				errs = append(errs, fmt.Errorf("mirrors[%d]: dir mirrors need path", i))
			}
		default:
			errs = append(errs, fmt.Errorf("mirrors[%d]: type must be one of: %v", i, knownMirrors))
		}
	}

	if c.TransactionMaxAge != "" {
		if _, err := time.ParseDuration(c.TransactionMaxAge); err != nil {
			errs = append(errs, fmt.Errorf("transaction_max_age: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MaxAge returns the parsed transaction_max_age, zero when unset.
func (c *Config) MaxAge() (time.Duration, error) {
	if c.TransactionMaxAge == "" {
		return 0, nil
	}
	return time.ParseDuration(c.TransactionMaxAge)
}

// BuildEngine translates the cache section into a storage engine plus the
// cleanup bounds configured for it. Relative cache paths resolve under root.
func BuildEngine(c *Config, root string) (depot.Engine, depot.CleanupOptions, error) {
	resolver := depot.NewResolver(depot.Defaults(), root)
	merged := resolver.Resolve(c.Cache.Options)

	switch c.Cache.Module {
	case depot.ModuleFS:
		path, ok := resolver.CachePath(depot.ModuleFS, c.Cache.Options)
		if !ok {
			return nil, depot.CleanupOptions{}, fmt.Errorf("the fs backend needs a cachePath option")
		}

		var cleanup depot.CleanupOptions
		if group, ok := subGroup(merged[depot.ModuleFS], "cleanup"); ok {
			expire, err := durationOption(group, "expireAfter")
			if err != nil {
				return nil, depot.CleanupOptions{}, fmt.Errorf("fs cleanup options: %w", err)
			}
			size, err := int64Option(group, "maxCacheSize")
			if err != nil {
				return nil, depot.CleanupOptions{}, fmt.Errorf("fs cleanup options: %w", err)
			}
			cleanup = depot.CleanupOptions{ExpireAfter: expire, MaxCacheSize: size}
		}

		return storage.NewFSEngine(storage.FSConfig{CachePath: path}), cleanup, nil

	case depot.ModuleRAM:
		group := merged[depot.ModuleRAM]
		size, err := int64Option(group, "maxCacheSize")
		if err != nil {
			return nil, depot.CleanupOptions{}, fmt.Errorf("ram options: %w", err)
		}
		ttl, err := durationOption(group, "ttl")
		if err != nil {
			return nil, depot.CleanupOptions{}, fmt.Errorf("ram options: %w", err)
		}

		return storage.NewRAMEngine(storage.RAMConfig{MaxCacheSize: size, TTL: ttl}), depot.CleanupOptions{}, nil
	}

	return nil, depot.CleanupOptions{}, fmt.Errorf("unknown cache module %q", c.Cache.Module)
}

// BuildAuth returns the compound authentication engine for the configured
// credentials, or nil for anonymous access.
func BuildAuth(c *Config) auth.AuthEngine {
	if c.Auth.AccessKey == "" {
		return nil
	}
	return auth.NewCompoundAuthEngine(
		auth.NewHmacAuthEngine(c.Auth.AccessKey, c.Auth.SecretKey),
		auth.NewBasicAuthEngine(c.Auth.AccessKey, c.Auth.SecretKey),
	)
}

// BuildMirrors constructs the configured replication targets.
func BuildMirrors(ctx context.Context, c *Config) ([]depot.Replicator, error) {
	mirrors := make([]depot.Replicator, 0, len(c.Mirrors))
	for i, m := range c.Mirrors {
		switch m.Type {
		case MirrorS3:
			s3, err := mirror.NewS3Mirror(ctx, "", mirror.S3Config{
				Endpoint:  m.Endpoint,
				AccessKey: m.AccessKey,
				SecretKey: m.SecretKey,
				Bucket:    m.Bucket,
				Secure:    m.Secure,
			})
			if err != nil {
				return nil, fmt.Errorf("mirrors[%d]: %w", i, err)
			}
			mirrors = append(mirrors, s3)
		case MirrorDir:
			dir, err := mirror.NewDirMirror("", m.Path)
			if err != nil {
				return nil, fmt.Errorf("mirrors[%d]: %w", i, err)
			}
			mirrors = append(mirrors, dir)
		default:
			return nil, fmt.Errorf("mirrors[%d]: unknown type %q", i, m.Type)
		}
	}
	return mirrors, nil
}

// subGroup reads a nested option group. Groups coming from Defaults carry the
// Group type; groups parsed from YAML arrive as plain maps.
func subGroup(group depot.Group, key string) (depot.Group, bool) {
	switch v := group[key].(type) {
	case depot.Group:
		return v, true
	case map[string]any:
		return depot.Group(v), true
	}
	return nil, false
}

// durationOption parses a duration string option. Absent or empty means zero.
func durationOption(group depot.Group, key string) (time.Duration, error) {
	raw, ok := group[key]
	if !ok {
		return 0, nil
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("%s must be a duration string", key)
	}
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// int64Option parses an integer option. Absent means zero.
func int64Option(group depot.Group, key string) (int64, error) {
	switch v := group[key].(type) {
	case nil:
		return 0, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("%s must be an integer", key)
}
