// Package config loads the merchsync service configuration from YAML and
// MERCHSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Rheannone/merch-table-sub003/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. MERCHSYNC_LEDGER_DSN.
const EnvPrefix = "MERCHSYNC"

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Sheets       SheetsConfig       `mapstructure:"sheets"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Telemetry    telemetry.Config   `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// SyncConfig mirrors merchsync.Config.
type SyncConfig struct {
	Concurrency          int           `mapstructure:"concurrency" validate:"gte=1,lte=64"`
	QueueCapacity        int           `mapstructure:"queue_capacity" validate:"gte=1"`
	SyncInterval         time.Duration `mapstructure:"sync_interval" validate:"gt=0"`
	BackgroundSync       bool          `mapstructure:"background_sync"`
	FollowUpDelay        time.Duration `mapstructure:"follow_up_delay" validate:"gte=0"`
	DestinationTimeout   time.Duration `mapstructure:"destination_timeout" validate:"gte=0"`
	BaseRetryDelay       time.Duration `mapstructure:"base_retry_delay" validate:"gt=0"`
	MaxRetryDelay        time.Duration `mapstructure:"max_retry_delay" validate:"gtefield=BaseRetryDelay"`
	CompletedRetention   time.Duration `mapstructure:"completed_retention" validate:"gt=0"`
	MaxCompletedRetained int           `mapstructure:"max_completed_retained" validate:"gte=0"`
	MaxErrorLog          int           `mapstructure:"max_error_log" validate:"gte=0"`
	StartOnline          bool          `mapstructure:"start_online"`
	OwnerID              string        `mapstructure:"owner_id"`
}

type LedgerConfig struct {
	DSN     string `mapstructure:"dsn" validate:"omitempty,url"`
	Migrate bool   `mapstructure:"migrate"`
}

type SheetsConfig struct {
	BaseURL           string        `mapstructure:"base_url" validate:"omitempty,url"`
	SpreadsheetID     string        `mapstructure:"spreadsheet_id" validate:"required_with=BaseURL"`
	Token             string        `mapstructure:"token"`
	ProductFlushDelay time.Duration `mapstructure:"product_flush_delay" validate:"gte=0"`
}

type NATSConfig struct {
	URL            string `mapstructure:"url" validate:"omitempty,url"`
	IngestSubject  string `mapstructure:"ingest_subject"`
	PublishEvents  bool   `mapstructure:"publish_events"`
	PublishStats   bool   `mapstructure:"publish_stats"`
	RecordDLQ      bool   `mapstructure:"record_dlq"`
	DeadLetterFrom string `mapstructure:"dead_letter_source" validate:"required"`
}

type CheckpointConfig struct {
	Path  string        `mapstructure:"path"`
	Delay time.Duration `mapstructure:"delay" validate:"gte=0"`
}

type ConnectivityConfig struct {
	ProbeURL  string        `mapstructure:"probe_url" validate:"omitempty,url"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	Threshold int           `mapstructure:"threshold" validate:"gte=1"`
}

// Validate checks struct tags.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("sync.concurrency", 3)
	v.SetDefault("sync.queue_capacity", 1000)
	v.SetDefault("sync.sync_interval", 30*time.Second)
	v.SetDefault("sync.background_sync", true)
	v.SetDefault("sync.follow_up_delay", 250*time.Millisecond)
	v.SetDefault("sync.destination_timeout", 30*time.Second)
	v.SetDefault("sync.base_retry_delay", time.Second)
	v.SetDefault("sync.max_retry_delay", 5*time.Minute)
	v.SetDefault("sync.completed_retention", 10*time.Minute)
	v.SetDefault("sync.max_completed_retained", 200)
	v.SetDefault("sync.max_error_log", 50)
	v.SetDefault("sync.start_online", true)
	v.SetDefault("sync.owner_id", "")

	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.migrate", true)

	v.SetDefault("sheets.base_url", "")
	v.SetDefault("sheets.spreadsheet_id", "")
	v.SetDefault("sheets.token", "")
	v.SetDefault("sheets.product_flush_delay", 2*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.ingest_subject", "merchsync.ingest.>")
	v.SetDefault("nats.publish_events", true)
	v.SetDefault("nats.publish_stats", false)
	v.SetDefault("nats.record_dlq", true)
	v.SetDefault("nats.dead_letter_source", "pos")

	v.SetDefault("checkpoint.path", "")
	v.SetDefault("checkpoint.delay", 500*time.Millisecond)

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.interval", 15*time.Second)
	v.SetDefault("connectivity.threshold", 2)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", telemetry.DefaultServiceName)
	v.SetDefault("telemetry.service_version", "")
	v.SetDefault("telemetry.endpoint", telemetry.DefaultEndpoint)
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sampling", 1.0)
}

// Load reads path (optional) and the environment into a validated Config.
// Every key has a default, so environment variables alone are enough.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
