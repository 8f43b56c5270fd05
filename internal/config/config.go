// Package config provides layered configuration loading for the fleeting
// service. It merges Defaults -> optional YAML file -> Environment Variables,
// then validates the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/fleeting/internal/domain"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "FLEETING_"

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ByteSize is a byte count that also decodes from strings like "128KiB".
type ByteSize int64

// Config holds the merged runtime configuration.
type Config struct {
	Addr             string        `koanf:"addr" validate:"required,ip_port"`
	DataDir          string        `koanf:"data_dir" validate:"required,datadir"`
	Backend          string        `koanf:"backend" validate:"oneof=sqlite memory redis"`
	MaxBytes         ByteSize      `koanf:"max_bytes" validate:"gt=0"`
	InlineMax        ByteSize      `koanf:"inline_max" validate:"gte=0"`
	MaxHours         int           `koanf:"max_hours" validate:"gt=0,lte=876000"`
	MaxViews         int           `koanf:"max_views" validate:"gt=0"`
	RedisAddr        string        `koanf:"redis_addr"`
	RedisPassword    string        `koanf:"redis_password"`
	RedisDB          int           `koanf:"redis_db" validate:"gte=0"`
	JanitorInterval  time.Duration `koanf:"janitor_interval" validate:"gt=0"`
	ExpiredRetention time.Duration `koanf:"expired_retention" validate:"gte=0"`
	MetricsFlush     time.Duration `koanf:"metrics_flush" validate:"gt=0"`
	MetricsToken     string        `koanf:"metrics_token"`
	LogLevel         string        `koanf:"log_level" validate:"oneof=debug info warn error"`
}

// DefaultAppConfig holds the built-in defaults.
var DefaultAppConfig = Config{
	Addr:             ":8080",
	DataDir:          "./data",
	Backend:          BackendSQLite,
	MaxBytes:         1 << 20, // 1 MiB
	InlineMax:        8 << 10, // 8 KiB
	MaxHours:         24 * 30,
	MaxViews:         1000,
	RedisAddr:        "127.0.0.1:6379",
	JanitorInterval:  time.Minute,
	ExpiredRetention: 24 * time.Hour,
	MetricsFlush:     10 * time.Second,
	LogLevel:         "info",
}

// Loader steps, swappable in tests.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	fileLoader = func(k *koanf.Koanf, path string) error {
		return k.Load(file.Provider(path), yaml.Parser())
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, v string) (string, any) {
				return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), v
			},
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
			return err
		}
		return v.RegisterValidation("datadir", validDataDir)
	}
)

// Load builds the configuration from defaults and environment. When
// FLEETING_CONFIG names a file it is applied between the two.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(EnvPrefix + "CONFIG"))
}

// LoadFile is Load with an explicit YAML file path. An empty path skips the
// file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				StringToByteSize(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New()
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// check enforces rules spanning several fields.
func (c *Config) check() error {
	if c.Backend == BackendRedis && c.RedisAddr == "" {
		return errors.New("redis_addr is required when backend is redis")
	}
	if c.InlineMax > c.MaxBytes {
		return errors.New("inline_max must not exceed max_bytes")
	}
	return nil
}

// SQLiteDSN returns the DSN for the index database inside DataDir. Writes use
// immediate transactions so concurrent consumes of one row serialize.
func (c *Config) SQLiteDSN() string {
	const params = "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL&_txlock=immediate"
	return "file:" + filepath.Join(c.DataDir, "fleeting.db") + params
}

// BlobDir is where external payloads live.
func (c *Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }

// Limits converts the expiration bounds for the domain layer.
func (c *Config) Limits() domain.Limits {
	return domain.Limits{MaxHours: c.MaxHours, MaxViews: c.MaxViews}
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StringToByteSize is a DecodeHookFunc that converts size strings to ByteSize.
func StringToByteSize() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		n, err := ParseSize(data.(string))
		if err != nil {
			return nil, err
		}
		return ByteSize(n), nil
	}
}

func validIPPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p >= 1 && p <= 65535
}

// validDataDir rejects empty, root and current-directory paths and any path
// with a parent reference.
func validDataDir(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return false
		}
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != string(filepath.Separator)
}

// ParseSize converts a human-friendly size string into a byte count.
// Accepts plain integers (bytes) or IEC/human suffixes: KiB/MiB/GiB (case-insensitive) or K/M/G.
// Examples: "131072" => 131072, "128KiB" => 131072, "1MiB" => 1048576, "2G" => 2147483648.
func ParseSize(s string) (int64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	upper := strings.ToUpper(s)
	if n, ok, err := parseSizeWithSuffix(upper, orig); ok {
		return n, err
	}
	n, err := parsePositiveInt(upper)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", orig, err)
	}
	return n, nil
}

// parsePositiveInt parses a base-10 int64 and rejects negatives.
func parsePositiveInt(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative not allowed")
	}
	return n, nil
}

// parseSizeWithSuffix returns (value, true, nil) on success, (0, false, nil)
// if no suffix matched, or (0, true, error) if a suffix matched but parsing
// failed.
func parseSizeWithSuffix(upper, orig string) (int64, bool, error) {
	units := []struct {
		suffix string
		mult   int64
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30},
		{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30},
	}
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			numPart := strings.TrimSpace(upper[:len(upper)-len(u.suffix)])
			if numPart == "" {
				return 0, true, fmt.Errorf("parse size %q: missing number", orig)
			}
			n, err := parsePositiveInt(numPart)
			if err != nil {
				return 0, true, fmt.Errorf("parse size %q: %w", orig, err)
			}
			return n * u.mult, true, nil
		}
	}
	return 0, false, nil
}
