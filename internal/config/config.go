// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openlistings/listing-ingest/internal/compliance"
	"github.com/openlistings/listing-ingest/internal/dedup"
	collyfetch "github.com/openlistings/listing-ingest/internal/fetcher/colly"
	"github.com/openlistings/listing-ingest/internal/fetcher/ratelimit"
	"github.com/openlistings/listing-ingest/internal/ingest"
	"github.com/openlistings/listing-ingest/internal/scraper"
	"github.com/openlistings/listing-ingest/internal/storage/gcs"
	"github.com/openlistings/listing-ingest/internal/storage/local"
	"github.com/openlistings/listing-ingest/internal/storage/postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	DB         postgres.Config  `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Dedup      dedup.Config     `mapstructure:"dedup"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PipelineConfig governs fetch, pagination, and normalization behavior.
type PipelineConfig struct {
	TimeoutSeconds          int      `mapstructure:"timeout_seconds"`
	MaxRetries              int      `mapstructure:"max_retries"`
	BackoffBaseMs           int      `mapstructure:"backoff_base_ms"`
	RequestsPerDomainPerMin int      `mapstructure:"requests_per_domain_per_minute"`
	PoliteDelaySeconds      int      `mapstructure:"polite_delay_seconds"`
	MaxPages                int      `mapstructure:"max_pages"`
	MaxRawPayloadBytes      int      `mapstructure:"max_raw_payload_bytes"`
	MaxBodyBytes            int      `mapstructure:"max_body_bytes"`
	IngestVersion           string   `mapstructure:"ingest_version"`
	ScheduleIntervalSeconds int      `mapstructure:"schedule_interval_seconds"`
	UserAgents              []string `mapstructure:"user_agents"`
	Proxies                 []string `mapstructure:"proxies"`
}

// StorageConfig selects the snapshot blob backend.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	Local   local.Config `mapstructure:"local"`
}

// PubSubConfig holds metadata for canonical upsert notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ComplianceConfig holds per-domain scraping policies.
type ComplianceConfig struct {
	Policies map[string]compliance.DomainPolicy `mapstructure:"policies"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SourceConfig is one scrape target as configured. IDs are assigned by
// position when sources come from the config file rather than the database.
type SourceConfig struct {
	Name                  string            `mapstructure:"name"`
	Type                  string            `mapstructure:"type"`
	Kind                  string            `mapstructure:"kind"`
	BaseURL               string            `mapstructure:"base_url"`
	PaginationTemplate    string            `mapstructure:"pagination_template"`
	Selectors             map[string]string `mapstructure:"selectors"`
	SearchParams          map[string]string `mapstructure:"search_params"`
	ScrapeIntervalMinutes int               `mapstructure:"scrape_interval_minutes"`
	Enabled               bool              `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.timeout_seconds", 30)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.backoff_base_ms", 2000)
	v.SetDefault("pipeline.requests_per_domain_per_minute", 30)
	v.SetDefault("pipeline.polite_delay_seconds", 2)
	v.SetDefault("pipeline.max_pages", 10)
	v.SetDefault("pipeline.max_raw_payload_bytes", 1<<20)
	v.SetDefault("pipeline.max_body_bytes", 5<<20)
	v.SetDefault("pipeline.ingest_version", "v1")
	v.SetDefault("pipeline.schedule_interval_seconds", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("pubsub.topic", "listing-upserts")
	v.SetDefault("dedup.threshold", 0.85)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.TimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.timeout_seconds must be > 0")
	}
	if c.Pipeline.MaxPages <= 0 {
		return fmt.Errorf("pipeline.max_pages must be > 0")
	}
	if c.Pipeline.IngestVersion == "" {
		return fmt.Errorf("pipeline.ingest_version is required")
	}
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup.threshold must be between 0 and 1")
	}
	switch c.Storage.Backend {
	case "memory":
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}

	// Per-domain policy delays must not undercut the limiter: a policy that
	// promises a shorter gap than the limiter enforces is a misconfiguration.
	if c.Pipeline.RequestsPerDomainPerMin > 0 {
		minInterval := time.Minute / time.Duration(c.Pipeline.RequestsPerDomainPerMin)
		for domain, policy := range c.Compliance.Policies {
			if policy.Delay > 0 && policy.Delay < minInterval {
				return fmt.Errorf(
					"compliance.policies.%s.delay %s is shorter than the rate limiter interval %s",
					domain, policy.Delay, minInterval,
				)
			}
		}
	}

	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if src.BaseURL == "" {
			return fmt.Errorf("sources[%d].base_url is required", i)
		}
	}
	return nil
}

// FetcherConfig converts the pipeline knobs into the fetcher's config.
func (c Config) FetcherConfig() collyfetch.Config {
	return collyfetch.Config{
		Timeout:      time.Duration(c.Pipeline.TimeoutSeconds) * time.Second,
		MaxRetries:   c.Pipeline.MaxRetries,
		BackoffBase:  time.Duration(c.Pipeline.BackoffBaseMs) * time.Millisecond,
		MaxBodyBytes: c.Pipeline.MaxBodyBytes,
		UserAgents:   c.Pipeline.UserAgents,
		Proxies:      c.Pipeline.Proxies,
	}
}

// LimiterConfig converts the pipeline knobs into the rate limiter's config.
func (c Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{RequestsPerMinute: c.Pipeline.RequestsPerDomainPerMin}
}

// ScraperConfig converts the pipeline knobs into the scraper's config.
func (c Config) ScraperConfig() scraper.Config {
	return scraper.Config{
		PoliteDelay: time.Duration(c.Pipeline.PoliteDelaySeconds) * time.Second,
		MaxPages:    c.Pipeline.MaxPages,
	}
}

// UserAgent returns the agent presented to robots.txt lookups.
func (c Config) UserAgent() string {
	if len(c.Pipeline.UserAgents) > 0 {
		return c.Pipeline.UserAgents[0]
	}
	return ""
}

// ScheduleInterval returns the cadence of the serve-mode scheduler tick.
func (c Config) ScheduleInterval() time.Duration {
	if c.Pipeline.ScheduleIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Pipeline.ScheduleIntervalSeconds) * time.Second
}

// IngestSources converts the configured sources, assigning positional IDs.
func (c Config) IngestSources() []ingest.Source {
	sources := make([]ingest.Source, 0, len(c.Sources))
	for i, src := range c.Sources {
		interval := time.Duration(src.ScrapeIntervalMinutes) * time.Minute
		sources = append(sources, ingest.Source{
			ID:                 int64(i + 1),
			Name:               src.Name,
			Type:               src.Type,
			Kind:               ingest.RecordKind(src.Kind),
			BaseURL:            src.BaseURL,
			PaginationTemplate: src.PaginationTemplate,
			Selectors:          src.Selectors,
			SearchParams:       src.SearchParams,
			ScrapeInterval:     interval,
			Enabled:            src.Enabled,
		})
	}
	return sources
}
