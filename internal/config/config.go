package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port          int              `json:"port"`
	JWTSecret     string           `json:"jwt_secret"`
	PublicBaseURL string           `json:"public_base_url"`
	CORSOrigins   []string         `json:"cors_origins"`
	Database      DatabaseConfig   `json:"database"`
	LogConfig     logger.LogConfig `json:"log_config"`
	FileStore     FileStoreConfig  `json:"file_store"`
	Import        ImportConfig     `json:"import"`
	Attachment    AttachmentConfig `json:"attachment"`
	Notion        NotionConfig     `json:"notion"`
	Schedule      ScheduleConfig   `json:"schedule"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type ImportConfig struct {
	PagePerTask              int   `json:"page_per_task"`
	ItemConcurrency          int   `json:"item_concurrency"`
	Workers                  int   `json:"workers"`
	CreateWindowSeconds      int64 `json:"create_window_seconds"`
	RedeliverAfterSeconds    int64 `json:"redeliver_after_seconds"`
	TaskTimeoutSeconds       int64 `json:"task_timeout_seconds"`
	ConnectorCacheSize       int   `json:"connector_cache_size"`
	ConnectorCacheTTLSeconds int64 `json:"connector_cache_ttl_seconds"`
}

type AttachmentConfig struct {
	ExpiryHours            int64 `json:"expiry_hours"`
	UploadWorkers          int   `json:"upload_workers"`
	MaxBytes               int64 `json:"max_bytes"`
	DownloadTimeoutSeconds int64 `json:"download_timeout_seconds"`
	SignedURLTTLSeconds    int64 `json:"signed_url_ttl_seconds"`
}

type NotionConfig struct {
	BaseURL        string  `json:"base_url"`
	Version        string  `json:"version"`
	RateLimit      float64 `json:"rate_limit"`
	RateBurst      int     `json:"rate_burst"`
	MaxRetries     int     `json:"max_retries"`
	TimeoutSeconds int64   `json:"timeout_seconds"`
}

type ScheduleConfig struct {
	RedeliverSpec         string `json:"redeliver_spec"`
	TaskTimeoutSpec       string `json:"task_timeout_spec"`
	AttachmentCleanupSpec string `json:"attachment_cleanup_spec"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if cfg.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required")
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	}
	cfg.PublicBaseURL = strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.FileStore.Type == "" {
		cfg.FileStore.Type = "local"
	}
	switch cfg.FileStore.Type {
	case "local", "s3":
	default:
		return fmt.Errorf("file_store.type must be local or s3")
	}
	if cfg.FileStore.Data == nil {
		return fmt.Errorf("file_store.data is required")
	}

	imp := &cfg.Import
	if imp.PagePerTask <= 0 {
		imp.PagePerTask = 25
	}
	if imp.ItemConcurrency <= 0 {
		imp.ItemConcurrency = 4
	}
	if imp.Workers <= 0 {
		imp.Workers = 4
	}
	if imp.CreateWindowSeconds <= 0 {
		imp.CreateWindowSeconds = 10
	}
	if imp.RedeliverAfterSeconds <= 0 {
		imp.RedeliverAfterSeconds = 300
	}
	if imp.TaskTimeoutSeconds <= 0 {
		imp.TaskTimeoutSeconds = 1800
	}
	if imp.ConnectorCacheSize <= 0 {
		imp.ConnectorCacheSize = 128
	}
	if imp.ConnectorCacheTTLSeconds <= 0 {
		imp.ConnectorCacheTTLSeconds = 600
	}

	att := &cfg.Attachment
	if att.ExpiryHours < 0 {
		return fmt.Errorf("attachment.expiry_hours must not be negative")
	}
	if att.ExpiryHours == 0 {
		att.ExpiryHours = 24
	}
	if att.UploadWorkers <= 0 {
		att.UploadWorkers = 4
	}
	if att.MaxBytes <= 0 {
		att.MaxBytes = 50 * 1024 * 1024
	}
	if att.DownloadTimeoutSeconds <= 0 {
		att.DownloadTimeoutSeconds = 60
	}
	if att.SignedURLTTLSeconds <= 0 {
		att.SignedURLTTLSeconds = 900
	}

	n := &cfg.Notion
	if n.BaseURL == "" {
		n.BaseURL = "https://api.notion.com"
	}
	if n.Version == "" {
		n.Version = "2022-06-28"
	}
	if n.RateLimit <= 0 {
		n.RateLimit = 3
	}
	if n.RateBurst <= 0 {
		n.RateBurst = 3
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = 3
	}
	if n.TimeoutSeconds <= 0 {
		n.TimeoutSeconds = 30
	}

	s := &cfg.Schedule
	if s.RedeliverSpec == "" {
		s.RedeliverSpec = "*/5 * * * *"
	}
	if s.TaskTimeoutSpec == "" {
		s.TaskTimeoutSpec = "*/10 * * * *"
	}
	if s.AttachmentCleanupSpec == "" {
		s.AttachmentCleanupSpec = "30 3 * * *"
	}
	return nil
}
