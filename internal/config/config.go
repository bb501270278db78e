// Package config loads the service configuration from YAML with
// environment overrides for deploy-time values (port, DSNs, secrets).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	ObjectStore  ObjectStoreConfig  `yaml:"object_store"`
	Redis        RedisConfig        `yaml:"redis"`
	Queue        QueueConfig        `yaml:"queue"`
	Auth         AuthConfig         `yaml:"auth"`
	Snapshot     SnapshotConfig     `yaml:"snapshot"`
	Verification VerificationConfig `yaml:"verification"`
	Models       []ModelConfig      `yaml:"models"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

type ObjectStoreConfig struct {
	// Backend is "supabase" or "memory" (local dev / tests).
	Backend    string `yaml:"backend"`
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
	Bucket     string `yaml:"bucket"`
	// SignTTLMinutes is the lifetime of signed read URLs.
	SignTTLMinutes int `yaml:"sign_ttl_minutes"`
	// CacheMarginMinutes is subtracted from the sign TTL for cache entries.
	CacheMarginMinutes int `yaml:"cache_margin_minutes"`
}

type RedisConfig struct {
	// Addr empty disables the shared URL-cache tier.
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type QueueConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	// CallbackURL is the absolute URL of the verify endpoint the task POSTs to.
	CallbackURL string `yaml:"callback_url"`
	// AllowedQueues validates X-CloudTasks-QueueName on the callback.
	AllowedQueues []string `yaml:"allowed_queues"`
}

type AuthConfig struct {
	Secret             string `yaml:"secret"`
	AccessTTLMinutes   int    `yaml:"access_ttl_minutes"`
	RefreshTTLHours    int    `yaml:"refresh_ttl_hours"`
	ActivationTTLHours int    `yaml:"activation_ttl_hours"`
	ClockSkewSeconds   int    `yaml:"clock_skew_seconds"`
	AdminTokenTTLHours int    `yaml:"admin_token_ttl_hours"`
}

type SnapshotConfig struct {
	// BuildCacheSeconds caches artifacts per bus between rebuilds.
	BuildCacheSeconds int `yaml:"build_cache_seconds"`
}

type VerificationConfig struct {
	MaxCrops           int     `yaml:"max_crops"`
	MinConsensus       int     `yaml:"min_consensus"`
	CascadeModel       string  `yaml:"cascade_model"`
	CascadeThreshold   float64 `yaml:"cascade_threshold"`
	AmbiguityGap       float64 `yaml:"ambiguity_gap"`
	TaskDeadlineSecond int     `yaml:"task_deadline_seconds"`
	ConfigVersion      string  `yaml:"config_version"`
}

type ModelConfig struct {
	Name      string  `yaml:"name"`
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
	Weight    float64 `yaml:"weight"`
	Adapter   string  `yaml:"adapter"`
	Endpoint  string  `yaml:"endpoint"`
	Dim       int     `yaml:"dim"`
	Version   string  `yaml:"version"`
}

// Load reads the YAML file at path, applies environment overrides, and
// fills defaults. Path may be empty to run on env + defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth secret is required (AUTH_SECRET or auth.secret)")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Server.Port, "PORT")
	envStr(&c.Database.DSN, "DATABASE_URL")
	envStr(&c.ObjectStore.URL, "SUPABASE_URL")
	envStr(&c.ObjectStore.ServiceKey, "SUPABASE_SERVICE_KEY")
	envStr(&c.ObjectStore.Bucket, "STORAGE_BUCKET")
	envStr(&c.Redis.Addr, "REDIS_ADDR")
	envStr(&c.Auth.Secret, "AUTH_SECRET")
	envStr(&c.Queue.ProjectID, "TASKS_PROJECT_ID")
	envStr(&c.Queue.LocationID, "TASKS_LOCATION_ID")
	envStr(&c.Queue.QueueID, "TASKS_QUEUE_ID")
	envStr(&c.Queue.CallbackURL, "TASKS_CALLBACK_URL")
	envInt(&c.Verification.MaxCrops, "MAX_CONFIRMATION_CROPS")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = "memory"
	}
	if c.ObjectStore.Bucket == "" {
		c.ObjectStore.Bucket = "fleet-media"
	}
	if c.ObjectStore.SignTTLMinutes == 0 {
		c.ObjectStore.SignTTLMinutes = 60
	}
	if c.ObjectStore.CacheMarginMinutes == 0 {
		c.ObjectStore.CacheMarginMinutes = 5
	}
	if c.Auth.AccessTTLMinutes == 0 {
		c.Auth.AccessTTLMinutes = 60
	}
	if c.Auth.RefreshTTLHours == 0 {
		c.Auth.RefreshTTLHours = 30 * 24
	}
	if c.Auth.ActivationTTLHours == 0 {
		c.Auth.ActivationTTLHours = 24
	}
	if c.Auth.ClockSkewSeconds == 0 {
		c.Auth.ClockSkewSeconds = 60
	}
	if c.Auth.AdminTokenTTLHours == 0 {
		c.Auth.AdminTokenTTLHours = 12
	}
	if c.Snapshot.BuildCacheSeconds == 0 {
		c.Snapshot.BuildCacheSeconds = 60
	}
	if c.Verification.MaxCrops == 0 {
		c.Verification.MaxCrops = 3
	}
	if c.Verification.MinConsensus == 0 {
		c.Verification.MinConsensus = 2
	}
	if c.Verification.CascadeModel == "" {
		c.Verification.CascadeModel = "mobilefacenet"
	}
	if c.Verification.CascadeThreshold == 0 {
		c.Verification.CascadeThreshold = 0.75
	}
	if c.Verification.AmbiguityGap == 0 {
		c.Verification.AmbiguityGap = 0.12
	}
	if c.Verification.TaskDeadlineSecond == 0 {
		c.Verification.TaskDeadlineSecond = 60
	}
	if c.Verification.ConfigVersion == "" {
		c.Verification.ConfigVersion = "v1"
	}
}

// SignTTL returns the signed-URL lifetime as a duration.
func (c *ObjectStoreConfig) SignTTL() time.Duration {
	return time.Duration(c.SignTTLMinutes) * time.Minute
}

// CacheTTL returns the URL-cache entry lifetime: sign TTL minus the safety
// margin, never below half the sign TTL.
func (c *ObjectStoreConfig) CacheTTL() time.Duration {
	sign := c.SignTTL()
	margin := time.Duration(c.CacheMarginMinutes) * time.Minute
	if margin >= sign {
		return sign / 2
	}
	return sign - margin
}

// TaskDeadline returns the verification task deadline.
func (c *VerificationConfig) TaskDeadline() time.Duration {
	return time.Duration(c.TaskDeadlineSecond) * time.Second
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
