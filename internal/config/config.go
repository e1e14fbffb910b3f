package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
	CORS       CORSConfig       `yaml:"cors"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	OptOut     OptOutConfig     `yaml:"optout"`
	SES        SESConfig        `yaml:"ses"`
	SMS        SMSConfig        `yaml:"sms"`
	Callbacks  CallbacksConfig  `yaml:"callbacks"`
	Audit      AuditConfig      `yaml:"audit"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                   int    `yaml:"port"`
	Host                   string `yaml:"host"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// ShutdownTimeout bounds graceful shutdown of the HTTP server and any
// in-flight async dispatches.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// DatabaseConfig holds the PostgreSQL connection and pool settings.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool's connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig is optional. Without a URL, leases fall back to PostgreSQL
// advisory locks and provider rate limiting is disabled.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// ShouldRedact defaults to true.
func (c LogConfig) ShouldRedact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DispatchConfig tunes the batched dispatcher.
type DispatchConfig struct {
	BatchSize        int `yaml:"batch_size"`
	Workers          int `yaml:"workers"`
	BatchDelayMs     int `yaml:"batch_delay_ms"`
	LeaseTTLMinutes  int `yaml:"lease_ttl_minutes"`
	TestSendMaxUsers int `yaml:"test_send_max_users"`
}

// BatchDelay is the pause between consecutive batches.
func (c DispatchConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// LeaseTTL is the Redis lease lifetime for one dispatch run.
func (c DispatchConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMinutes) * time.Minute
}

// SchedulerConfig controls the scheduled-campaign poller.
type SchedulerConfig struct {
	Enabled             bool `yaml:"enabled"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	BatchLimit          int  `yaml:"batch_limit"`
}

// PollInterval returns the poll period.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ReconcilerConfig controls stuck-campaign repair.
type ReconcilerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	StaleMinutes    int  `yaml:"stale_minutes"`
	DryRun          bool `yaml:"dry_run"`
}

// Interval returns the periodic sweep period.
func (c ReconcilerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StaleAfter is how long a Send may sit queued before it counts as stuck.
func (c ReconcilerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleMinutes) * time.Minute
}

// OptOutConfig holds the unsubscribe token settings.
type OptOutConfig struct {
	SigningKey string `yaml:"signing_key"`
	BaseURL    string `yaml:"base_url"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MaxAge is zero when tokens never expire.
func (c OptOutConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// SESConfig holds AWS SES credentials for the email channel.
type SESConfig struct {
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	Region           string `yaml:"region"`
	FromAddress      string `yaml:"from_address"`
	ConfigurationSet string `yaml:"configuration_set"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-call timeout.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SMSConfig holds Twilio credentials for the SMS channel.
type SMSConfig struct {
	AccountSID     string `yaml:"account_sid"`
	AuthToken      string `yaml:"auth_token"`
	FromNumber     string `yaml:"from_number"`
	BaseURL        string `yaml:"base_url"`
	StatusCallback string `yaml:"status_callback"`
	MaxRetries     int    `yaml:"max_retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the HTTP client timeout.
func (c SMSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CallbacksConfig configures the SQS queue that carries provider delivery
// callbacks. An empty QueueURL means webhooks are applied inline.
type CallbacksConfig struct {
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
}

// AuditConfig selects where reconciler repair reports are archived.
type AuditConfig struct {
	Type          string `yaml:"type"` // "local" or "aws"
	LocalPath     string `yaml:"local_path"`
	S3Bucket      string `yaml:"s3_bucket"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	Region        string `yaml:"region"`
	AWSProfile    string `yaml:"aws_profile"`
	RetentionDays int    `yaml:"retention_days"`
}

// GetAWSProfile returns the profile to use, or "" inside ECS/Lambda where
// the task role supplies credentials.
func (c AuditConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// RateLimitsConfig caps provider calls per channel. Zero means unlimited.
type RateLimitsConfig struct {
	EmailPerSecond int `yaml:"email_per_second"`
	EmailPerMinute int `yaml:"email_per_minute"`
	SMSPerSecond   int `yaml:"sms_per_second"`
	SMSPerMinute   int `yaml:"sms_per_minute"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with only defaults applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 10
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 50
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 10
	}
	if cfg.Dispatch.BatchDelayMs == 0 {
		cfg.Dispatch.BatchDelayMs = 1000
	}
	if cfg.Dispatch.LeaseTTLMinutes == 0 {
		cfg.Dispatch.LeaseTTLMinutes = 30
	}
	// Test sends go to internal users only; 10 is a hard ceiling.
	if cfg.Dispatch.TestSendMaxUsers <= 0 || cfg.Dispatch.TestSendMaxUsers > 10 {
		cfg.Dispatch.TestSendMaxUsers = 10
	}
	if cfg.Scheduler.PollIntervalSeconds == 0 {
		cfg.Scheduler.PollIntervalSeconds = 30
	}
	if cfg.Scheduler.BatchLimit == 0 {
		cfg.Scheduler.BatchLimit = 10
	}
	if cfg.Reconciler.IntervalSeconds == 0 {
		cfg.Reconciler.IntervalSeconds = 300
	}
	if cfg.Reconciler.StaleMinutes == 0 {
		cfg.Reconciler.StaleMinutes = 15
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SMS.BaseURL == "" {
		cfg.SMS.BaseURL = "https://api.twilio.com"
	}
	if cfg.SMS.MaxRetries == 0 {
		cfg.SMS.MaxRetries = 3
	}
	if cfg.SMS.TimeoutSeconds == 0 {
		cfg.SMS.TimeoutSeconds = 15
	}
	if cfg.Callbacks.Region == "" {
		cfg.Callbacks.Region = cfg.SES.Region
	}
	if cfg.Audit.Type == "" {
		cfg.Audit.Type = "local"
	}
	if cfg.Audit.LocalPath == "" {
		cfg.Audit.LocalPath = "./data/audit"
	}
	if cfg.Audit.Region == "" {
		cfg.Audit.Region = cfg.SES.Region
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 365
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present. A missing config file is not an
// error; defaults plus env are used instead.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		env string
		dst *string
	}{
		{"DATABASE_URL", &cfg.Database.URL},
		{"REDIS_URL", &cfg.Redis.URL},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"OPTOUT_SIGNING_KEY", &cfg.OptOut.SigningKey},
		{"OPTOUT_BASE_URL", &cfg.OptOut.BaseURL},
		{"AWS_SES_ACCESS_KEY", &cfg.SES.AccessKey},
		{"AWS_SES_SECRET_KEY", &cfg.SES.SecretKey},
		{"AWS_SES_REGION", &cfg.SES.Region},
		{"SES_FROM_ADDRESS", &cfg.SES.FromAddress},
		{"TWILIO_ACCOUNT_SID", &cfg.SMS.AccountSID},
		{"TWILIO_AUTH_TOKEN", &cfg.SMS.AuthToken},
		{"TWILIO_FROM_NUMBER", &cfg.SMS.FromNumber},
		{"SQS_DELIVERY_QUEUE_URL", &cfg.Callbacks.QueueURL},
		{"AUDIT_S3_BUCKET", &cfg.Audit.S3Bucket},
		{"AUDIT_DYNAMODB_TABLE", &cfg.Audit.DynamoDBTable},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = strings.Split(v, ",")
	}

	return cfg, nil
}
