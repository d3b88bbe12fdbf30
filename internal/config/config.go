package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	LiveBackend   LiveBackendConfig   `mapstructure:"live_backend"`
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	CDC           CDCConfig           `mapstructure:"cdc"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Updates       UpdatesConfig       `mapstructure:"updates"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Database     string        `mapstructure:"database"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// LiveBackendConfig locates the Docker-hosted live backend. An empty Domain
// means no live backend is configured.
type LiveBackendConfig struct {
	Domain  string        `mapstructure:"domain"`
	TLS     bool          `mapstructure:"tls"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	InboxLimit int    `mapstructure:"inbox_limit"`
}

// CDCConfig controls logical replication. When Enabled is false the bridge
// falls back to an in-process feed fed by the table-sync webhook.
type CDCConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	SlotName        string `mapstructure:"slot_name"`
	PublicationName string `mapstructure:"publication_name"`
	// ReplicaIdentityFull sets REPLICA IDENTITY FULL on the published tables
	// so updates carry a before image.
	ReplicaIdentityFull bool `mapstructure:"replica_identity_full"`
	FeedBuffer          int  `mapstructure:"feed_buffer"`
}

type NotificationsConfig struct {
	DedupCapacity  int           `mapstructure:"dedup_capacity"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepMinGap    time.Duration `mapstructure:"sweep_min_gap"`
	ExpiringWindow time.Duration `mapstructure:"expiring_window"`
}

type UpdatesConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	MaxReconnect  int           `mapstructure:"max_reconnect"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if strings.Contains(c.LiveBackend.Domain, "://") {
		return fmt.Errorf("live_backend.domain must not include a scheme: %s", c.LiveBackend.Domain)
	}
	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	c.applyDefaults()

	if c.Notifications.DedupCapacity < 2 {
		return fmt.Errorf("notifications.dedup_capacity must be at least 2, got %d", c.Notifications.DedupCapacity)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.QueryTimeout == 0 {
		c.Database.QueryTimeout = 5 * time.Second
	}
	if c.LiveBackend.Timeout == 0 {
		c.LiveBackend.Timeout = 4 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.CDC.SlotName == "" {
		c.CDC.SlotName = "panelsync"
	}
	if c.CDC.PublicationName == "" {
		c.CDC.PublicationName = "panelsync_publication"
	}
	if c.CDC.FeedBuffer == 0 {
		c.CDC.FeedBuffer = 256
	}
	if c.Storage.InboxLimit == 0 {
		c.Storage.InboxLimit = 500
	}
	if c.Notifications.DedupCapacity == 0 {
		c.Notifications.DedupCapacity = 100
	}
	if c.Notifications.SweepInterval == 0 {
		c.Notifications.SweepInterval = 24 * time.Hour
	}
	if c.Notifications.SweepMinGap == 0 {
		c.Notifications.SweepMinGap = time.Minute
	}
	if c.Notifications.ExpiringWindow == 0 {
		c.Notifications.ExpiringWindow = 24 * time.Hour
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "panelsync.notifications"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}

// BaseURL returns {protocol}://{domain} for the live backend, or "" when no
// domain is configured.
func (l LiveBackendConfig) BaseURL() string {
	domain := strings.TrimRight(strings.TrimSpace(l.Domain), "/")
	if domain == "" {
		return ""
	}
	protocol := "http"
	if l.TLS {
		protocol = "https"
	}
	return protocol + "://" + domain
}
