// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/search"
)

// EnvPrefix namespaces environment overrides, e.g. SCRAPEQ_QUEUE_CONCURRENCY.
const EnvPrefix = "SCRAPEQ"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server         ServerConfig    `mapstructure:"server"`
	Auth           AuthConfig      `mapstructure:"auth"`
	Logging        LoggingConfig   `mapstructure:"logging"`
	Queue          QueueConfig     `mapstructure:"queue"`
	Stall          StallConfig     `mapstructure:"stall"`
	Retention      RetentionConfig `mapstructure:"retention"`
	Crawler        CrawlerConfig   `mapstructure:"crawler"`
	Headless       HeadlessConfig  `mapstructure:"headless"`
	Proxies        []crawler.Proxy `mapstructure:"proxies"`
	ProxiesFile    string          `mapstructure:"proxies_file"`
	Identities     []string        `mapstructure:"identities"`
	IdentitiesFile string          `mapstructure:"identities_file"`
	Ingress        IngressConfig   `mapstructure:"ingress"`
	DB             DBConfig        `mapstructure:"db"`
	Storage        StorageConfig   `mapstructure:"storage"`
	Events         EventsConfig    `mapstructure:"events"`
	Captcha        CaptchaConfig   `mapstructure:"captcha"`
	Search         SearchConfig    `mapstructure:"search"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap flavour, level and encoding.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
}

// QueueConfig sizes the worker pool and sets job defaults.
type QueueConfig struct {
	Backend            string        `mapstructure:"backend"`
	Concurrency        int           `mapstructure:"concurrency"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ClaimCheckInterval time.Duration `mapstructure:"claim_check_interval"`
	DefaultTimeoutMs   int           `mapstructure:"default_timeout_ms"`
	DefaultMaxRetries  int           `mapstructure:"default_max_retries"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
}

// StallConfig drives the stall monitor.
type StallConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold time.Duration `mapstructure:"threshold"`
	Requeue   bool          `mapstructure:"requeue"`
}

// RetentionConfig drives the retention sweeper.
type RetentionConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// CrawlerConfig governs discovery crawls and the HTTP fetcher.
type CrawlerConfig struct {
	Engine         string        `mapstructure:"engine"`
	Delay          time.Duration `mapstructure:"delay"`
	MaxDepth       int           `mapstructure:"max_depth"`
	MaxURLs        int           `mapstructure:"max_urls"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	UserAgent      string        `mapstructure:"user_agent"`
	DetectBlocks   bool          `mapstructure:"detect_blocks"`
	PerDomainRPS   float64       `mapstructure:"per_domain_rps"`
	PerDomainBurst int           `mapstructure:"per_domain_burst"`
}

// HeadlessConfig configures the browser renderer and job promotion.
type HeadlessConfig struct {
	// Enabled lets jobs promote thin HTTP results to a browser render.
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// IngressConfig tunes the submission guard.
type IngressConfig struct {
	RateWindow      time.Duration `mapstructure:"rate_window"`
	RateLimit       int           `mapstructure:"rate_limit"`
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
	DedupRetention  time.Duration `mapstructure:"dedup_retention"`
	DedupMaxEntries int           `mapstructure:"dedup_max_entries"`
}

// DBConfig controls access to the postgres job store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Table    string `mapstructure:"table"`
}

// StorageConfig selects where saved results go.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Local   LocalStorageConfig `mapstructure:"local"`
	Prefix  string             `mapstructure:"prefix"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// EventsConfig wires the event hub and its sinks. A sink is enabled when its
// address is set.
type EventsConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	Batch       BatchConfig   `mapstructure:"batch"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	LogEnabled  bool          `mapstructure:"log_enabled"`
	Webhook     WebhookConfig `mapstructure:"webhook"`
	PubSub      PubSubConfig  `mapstructure:"pubsub"`
	Kafka       KafkaConfig   `mapstructure:"kafka"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

// BatchConfig bounds sink batches.
type BatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// WebhookConfig targets an HTTP receiver.
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// KafkaConfig targets a Kafka topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RedisConfig targets a Redis stream.
type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// CaptchaConfig enables the 2Captcha solver for headless scrapes.
type CaptchaConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SearchConfig lists the marketplaces a product search fans out to. An empty
// list means search.DefaultMarketplaces.
type SearchConfig struct {
	Marketplaces    []search.Marketplace `mapstructure:"marketplaces"`
	MaxResults      int                  `mapstructure:"max_results"`
	Depth           int                  `mapstructure:"depth"`
	ExcludePatterns []string             `mapstructure:"exclude_patterns"`
	MaxRetries      int                  `mapstructure:"max_retries"`
	Timeout         time.Duration        `mapstructure:"timeout"`
	BackoffBase     time.Duration        `mapstructure:"backoff_base"`
	BackoffMax      time.Duration        `mapstructure:"backoff_max"`
}

// Load builds a Config from disk/environment. With an empty path a file named
// config.{yaml,json,toml} is looked up in the working directory,
// /etc/scrapeq and $HOME/.scrapeq; finding none is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scrapeq/")
		v.AddConfigPath("$HOME/.scrapeq")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Search.Marketplaces) == 0 {
		cfg.Search.Marketplaces = search.DefaultMarketplaces()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.encoding", "")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.claim_check_interval", 10*time.Second)
	v.SetDefault("queue.default_timeout_ms", 60000)
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.backoff_base", time.Second)
	v.SetDefault("queue.backoff_max", 30*time.Second)
	v.SetDefault("stall.interval", 5*time.Second)
	v.SetDefault("stall.threshold", 30*time.Second)
	v.SetDefault("stall.requeue", false)
	v.SetDefault("retention.interval", time.Minute)
	v.SetDefault("retention.ttl", 24*time.Hour)

	v.SetDefault("crawler.engine", "http")
	v.SetDefault("crawler.delay", time.Second)
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.max_urls", 10)
	v.SetDefault("crawler.request_timeout", 15*time.Second)
	v.SetDefault("crawler.timeout", 30*time.Second)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.detect_blocks", true)
	v.SetDefault("crawler.per_domain_rps", 0)
	v.SetDefault("crawler.per_domain_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.promotion_threshold", 2048)

	v.SetDefault("proxies_file", "")
	v.SetDefault("identities_file", "")
	v.SetDefault("ingress.rate_window", 60*time.Second)
	v.SetDefault("ingress.rate_limit", 60)
	v.SetDefault("ingress.dedup_window", 5*time.Second)
	v.SetDefault("ingress.dedup_retention", 5*time.Minute)
	v.SetDefault("ingress.dedup_max_entries", 1000)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.table", "scrape_jobs")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.prefix", "results")

	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.batch.max_events", 100)
	v.SetDefault("events.batch.max_wait", 250*time.Millisecond)
	v.SetDefault("events.sink_timeout", 10*time.Second)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.webhook.url", "")
	v.SetDefault("events.webhook.api_key", "")
	v.SetDefault("events.webhook.timeout", 5*time.Second)
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("events.pubsub.topic", "")
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "")
	v.SetDefault("events.redis.addr", "")
	v.SetDefault("events.redis.stream", "scrapeq:events")
	v.SetDefault("events.redis.max_len", 10000)

	v.SetDefault("captcha.api_key", "")
	v.SetDefault("captcha.base_url", "https://2captcha.com")
	v.SetDefault("captcha.poll_interval", 5*time.Second)
	v.SetDefault("captcha.timeout", 2*time.Minute)

	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.depth", 1)
	v.SetDefault("search.exclude_patterns", []string{"usado", "reparar"})
	v.SetDefault("search.max_retries", 1)
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.backoff_base", time.Second)
	v.SetDefault("search.backoff_max", 5*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Queue.Backend == "memory" || c.Queue.Backend == "postgres",
		"queue.backend must be memory or postgres, got %q", c.Queue.Backend)
	check(c.Queue.Backend != "postgres" || c.DB.DSN != "", "db.dsn must be set for the postgres backend")
	check(c.Queue.Concurrency > 0, "queue.concurrency must be > 0")
	check(c.Queue.PollInterval > 0, "queue.poll_interval must be > 0")
	check(c.Queue.ClaimCheckInterval >= 0, "queue.claim_check_interval must be >= 0")
	check(c.Queue.DefaultTimeoutMs > 0, "queue.default_timeout_ms must be > 0")
	check(c.Stall.Interval > 0 && c.Stall.Threshold > 0, "stall.interval and stall.threshold must be > 0")
	check(c.Retention.Interval > 0 && c.Retention.TTL > 0, "retention.interval and retention.ttl must be > 0")
	check(c.Crawler.Engine == "http" || c.Crawler.Engine == "headless",
		"crawler.engine must be http or headless, got %q", c.Crawler.Engine)
	check(c.Crawler.MaxDepth >= 0, "crawler.max_depth must be >= 0")
	check(c.Crawler.MaxURLs > 0, "crawler.max_urls must be > 0")
	check(c.Headless.MaxParallel >= 0, "headless.max_parallel must be >= 0")
	check(c.Ingress.RateWindow > 0 && c.Ingress.RateLimit > 0, "ingress.rate_window and ingress.rate_limit must be > 0")
	switch c.Storage.Backend {
	case "memory":
	case "local":
		check(c.Storage.Local.BaseDir != "", "storage.local.base_dir must be set for the local backend")
	case "gcs":
		check(c.Storage.Bucket != "", "storage.bucket must be set for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend))
	}
	check((c.Events.PubSub.ProjectID == "") == (c.Events.PubSub.Topic == ""),
		"events.pubsub.project_id and events.pubsub.topic must be set together")
	check(len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic != "",
		"events.kafka.topic must be set when brokers are configured")
	check(c.Search.MaxResults > 0, "search.max_results must be > 0")
	check(c.Search.Depth > 0, "search.depth must be > 0")
	check(c.Search.MaxRetries >= 0, "search.max_retries must be >= 0")
	for i, m := range c.Search.Marketplaces {
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("search.marketplaces[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// HeadlessNeeded reports whether a browser renderer has to be built.
func (c Config) HeadlessNeeded() bool {
	return c.Headless.Enabled || c.Crawler.Engine == "headless"
}
