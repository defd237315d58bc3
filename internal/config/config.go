package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const MiB = 1 << 20

// Config holds the server settings read from the environment.
type Config struct {
	ChunkSize      int64         `env:"CHUNK_SIZE" envDefault:"47185920"`
	MaxChunks      int           `env:"MAX_CHUNKS" envDefault:"10000"`
	URLTTL         time.Duration `env:"URL_TTL" envDefault:"55m"`
	RefreshWindow  time.Duration `env:"REFRESH_WINDOW" envDefault:"4m"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"2m"`
	PrefetchWindow int           `env:"PREFETCH_WINDOW" envDefault:"2"`
	FetchTimeout   time.Duration `env:"FETCH_TIMEOUT" envDefault:"2m"`
	UploadTimeout  time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"5m"`
	ResolveTimeout time.Duration `env:"RESOLVE_TIMEOUT" envDefault:"30s"`
	AssembleWait   time.Duration `env:"ASSEMBLE_WAIT" envDefault:"10s"`
	CacheMaxItems  int64         `env:"CACHE_MAX_ITEMS" envDefault:"10000"`
	CacheTTL       time.Duration `env:"CACHE_TTL" envDefault:"10m"`

	KVShards []string `env:"KV_SHARDS" envDefault:"sqlite:chunkrelay.db" envSeparator:","`

	RemoteBackend  string   `env:"REMOTE_BACKEND" envDefault:"telegram"`
	TelegramTokens []string `env:"TELEGRAM_TOKENS" envSeparator:","`
	TelegramChatID string   `env:"TELEGRAM_CHAT_ID"`
	TelegramAPIURL string   `env:"TELEGRAM_API_URL"`

	S3Endpoint string `env:"S3_ENDPOINT"`
	S3KeyID    string `env:"S3_KEY_ID"`
	S3AppKey   string `env:"S3_APP_KEY"`
	S3Bucket   string `env:"S3_BUCKET"`
	S3Prefix   string `env:"S3_PREFIX"`
	S3Secure   bool   `env:"S3_SECURE" envDefault:"true"`

	AdminToken        string   `env:"ADMIN_TOKEN"`
	CORSOrigins       []string `env:"CORS_ORIGINS" envSeparator:","`
	MaxInflightUpload int      `env:"MAX_INFLIGHT_UPLOADS" envDefault:"3"`
	HLSSegmentSeconds int      `env:"HLS_SEGMENT_SECONDS" envDefault:"10"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment when
// environ is nil.
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.KVShards = trimAll(c.KVShards)
	c.TelegramTokens = trimAll(c.TelegramTokens)
	c.CORSOrigins = trimAll(c.CORSOrigins)
	c.RemoteBackend = strings.ToLower(strings.TrimSpace(c.RemoteBackend))
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}
	if c.MaxChunks <= 0 {
		errs = append(errs, errors.New("MAX_CHUNKS must be positive"))
	}
	if c.URLTTL <= c.RefreshWindow {
		errs = append(errs, errors.New("URL_TTL must be longer than REFRESH_WINDOW"))
	}
	if c.PrefetchWindow < 0 {
		errs = append(errs, errors.New("PREFETCH_WINDOW must not be negative"))
	}
	if len(c.KVShards) == 0 {
		errs = append(errs, errors.New("KV_SHARDS must list at least one shard"))
	}
	switch c.RemoteBackend {
	case "telegram":
		if len(c.TelegramTokens) == 0 {
			errs = append(errs, errors.New("TELEGRAM_TOKENS is required for the telegram backend"))
		}
		if c.TelegramChatID == "" {
			errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required for the telegram backend"))
		}
	case "s3":
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_ENDPOINT and S3_BUCKET are required for the s3 backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown REMOTE_BACKEND %q", c.RemoteBackend))
	}
	return errors.Join(errs...)
}

func trimAll(in []string) []string {
	return lo.Compact(lo.Map(in, func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}
