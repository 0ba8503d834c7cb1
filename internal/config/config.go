package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guardline/dlp/internal/models"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Polling       PollingConfig       `yaml:"polling"`
	Auth          AuthConfig          `yaml:"auth"`
	Audit         AuditConfig         `yaml:"audit"`
	Encryption    EncryptionConfig    `yaml:"encryption"`
	Policies      PoliciesConfig      `yaml:"policies"`
	Connections   ConnectionsConfig   `yaml:"connections"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type ClassifierConfig struct {
	MaxContentBytes int64 `yaml:"max_content_bytes"`
}

type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	QueueDepth    int           `yaml:"queue_depth"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	SeenWindow    int           `yaml:"seen_window"`
}

type PollingConfig struct {
	Schedule    string        `yaml:"schedule"` // cron expression
	PageSize    int           `yaml:"page_size"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

type AuditConfig struct {
	RetentionDays int      `yaml:"retention_days"`
	S3            S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
}

type EncryptionConfig struct {
	Algorithm string `yaml:"algorithm"`
	KeyRef    string `yaml:"key_ref"`
	Secret    string `yaml:"secret"`
}

type PoliciesConfig struct {
	ReloadSchedule string `yaml:"reload_schedule"` // cron expression
}

type ConnectionsConfig struct {
	GoogleDrive []DriveConnConfig `yaml:"google_drive"`
	Graph       []GraphConnConfig `yaml:"graph"`
}

type DriveConnConfig struct {
	ID           string `yaml:"id"`
	FolderID     string `yaml:"folder_id"`
	FolderPath   string `yaml:"folder_path"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

type GraphConnConfig struct {
	ID           string `yaml:"id"`
	DriveID      string `yaml:"drive_id"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Timeout     time.Duration     `yaml:"timeout"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
	Teams       TeamsNotifyConfig `yaml:"teams"`
	SIEM        SIEMNotifyConfig  `yaml:"siem"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type TeamsNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

type SIEMNotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Classifier.MaxContentBytes == 0 {
		c.Classifier.MaxContentBytes = 10 * 1024 * 1024
	}

	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 8
	}
	if c.Pipeline.QueueDepth == 0 {
		c.Pipeline.QueueDepth = 256
	}
	if c.Pipeline.ActionTimeout == 0 {
		c.Pipeline.ActionTimeout = 10 * time.Second
	}
	if c.Pipeline.SeenWindow == 0 {
		c.Pipeline.SeenWindow = 4096
	}

	if c.Polling.Schedule == "" {
		c.Polling.Schedule = "@every 1m"
	}
	if c.Polling.PageSize == 0 {
		c.Polling.PageSize = 50
	}
	if c.Polling.HTTPTimeout == 0 {
		c.Polling.HTTPTimeout = 30 * time.Second
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}

	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 365
	}

	if c.Encryption.Algorithm == "" {
		c.Encryption.Algorithm = "aes-256-gcm"
	}
	if c.Encryption.KeyRef == "" {
		c.Encryption.KeyRef = "default"
	}

	if c.Policies.ReloadSchedule == "" {
		c.Policies.ReloadSchedule = "@every 30s"
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = models.SeverityHigh
	}
	if c.Notifications.Timeout == 0 {
		c.Notifications.Timeout = 10 * time.Second
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
