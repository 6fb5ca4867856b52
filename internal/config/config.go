// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MailboxConfig holds the IMAP connection settings. Empty credentials are
// allowed; the agent then refuses to start.
type MailboxConfig struct {
	Host            string
	Port            int
	UseSSL          bool
	Username        string
	Password        string
	Folder          string
	ProcessedFolder string
	Timeout         time.Duration

	// OAuth client credentials for XOAUTH2. Used instead of Password when
	// ClientID is set.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string
}

// AgentConfig tunes the ingestion loop.
type AgentConfig struct {
	PollInterval        time.Duration
	StopTimeout         time.Duration
	AutoStart           bool
	ClassifyTimeout     time.Duration
	MaxCreationAttempts int
	LeaseTTL            time.Duration
}

// LLMConfig points at an OpenAI-compatible endpoint.
type LLMConfig struct {
	BaseURL             string
	APIKey              string
	ClassificationModel string
	MetadataModel       string
	EmbeddingModel      string
	Timeout             time.Duration
	MaxRetries          int
}

// SimilarityConfig tunes similar-case retrieval.
type SimilarityConfig struct {
	Limit     int
	Threshold float64
	BatchSize int
	CacheTTL  time.Duration
}

// AttachmentsConfig selects where attachment blobs are written.
type AttachmentsConfig struct {
	Backend         string // "local" or "gcs"
	Directory       string
	Bucket          string
	CredentialsFile string
	EmulatorHost    string
	MaxSize         int
}

// Config holds all configuration for the ticketing service.
type Config struct {
	DatabaseURL string

	// Redis
	RedisURL           string
	NotificationsQueue string

	Mailbox     MailboxConfig
	Agent       AgentConfig
	LLM         LLMConfig
	Similarity  SimilarityConfig
	Attachments AttachmentsConfig

	// Skills overrides the built-in issue-type catalog, keyed by code.
	Skills map[string][]string

	// Server
	Port     int
	LogLevel string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Notifications string `yaml:"notifications"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Mailbox struct {
		Host            string `yaml:"host"`
		Port            int    `yaml:"port"`
		UseSSL          *bool  `yaml:"use_ssl"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		Folder          string `yaml:"folder"`
		ProcessedFolder string `yaml:"processed_folder"`
		Timeout         string `yaml:"timeout"`
		OAuth           struct {
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			TokenURL     string   `yaml:"token_url"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth"`
	} `yaml:"mailbox"`
	Agent struct {
		PollInterval        string `yaml:"poll_interval"`
		StopTimeout         string `yaml:"stop_timeout"`
		AutoStart           *bool  `yaml:"auto_start"`
		ClassifyTimeout     string `yaml:"classify_timeout"`
		MaxCreationAttempts int    `yaml:"max_creation_attempts"`
		LeaseTTL            string `yaml:"lease_ttl"`
	} `yaml:"agent"`
	LLM struct {
		BaseURL             string `yaml:"base_url"`
		APIKey              string `yaml:"api_key"`
		ClassificationModel string `yaml:"classification_model"`
		MetadataModel       string `yaml:"metadata_model"`
		EmbeddingModel      string `yaml:"embedding_model"`
		Timeout             string `yaml:"timeout"`
		MaxRetries          int    `yaml:"max_retries"`
	} `yaml:"llm"`
	Similarity struct {
		Limit     int     `yaml:"limit"`
		Threshold float64 `yaml:"threshold"`
		BatchSize int     `yaml:"batch_size"`
		CacheTTL  string  `yaml:"cache_ttl"`
	} `yaml:"similarity"`
	Attachments struct {
		Backend         string `yaml:"backend"`
		Directory       string `yaml:"directory"`
		Bucket          string `yaml:"bucket"`
		CredentialsFile string `yaml:"credentials_file"`
		MaxSize         int    `yaml:"max_size"`
	} `yaml:"attachments"`
	Skills map[string][]string `yaml:"skills"`
	Port   int                 `yaml:"port"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes. ${VAR} references are expanded
// before parsing and unset values fall back to environment variables and
// then to defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL:        firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:           firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		NotificationsQueue: firstNonEmpty(raw.Redis.Queues.Notifications, envOrDefault("NOTIFICATIONS_QUEUE", "ticket_notifications")),
		Skills:             raw.Skills,
		Port:               firstPositive(raw.Port, envOrDefaultInt("PORT", 8080)),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
	}

	var errs []string
	dur := func(field, value, envKey string, fallback time.Duration) time.Duration {
		if strings.TrimSpace(value) == "" {
			return envOrDefaultDuration(envKey, fallback)
		}
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("%s: invalid duration %q", field, value))
			return fallback
		}
		return d
	}

	m := raw.Mailbox
	cfg.Mailbox = MailboxConfig{
		Host:              firstNonEmpty(m.Host, envOrDefault("EMAIL_IMAP_SERVER", "imap.gmail.com")),
		Port:              firstPositive(m.Port, envOrDefaultInt("EMAIL_IMAP_PORT", 993)),
		UseSSL:            boolOr(m.UseSSL, envOrDefaultBool("EMAIL_USE_SSL", true)),
		Username:          firstNonEmpty(m.Username, envOrDefault("EMAIL_ADDRESS", "")),
		Password:          firstNonEmpty(m.Password, envOrDefault("EMAIL_PASSWORD", "")),
		Folder:            firstNonEmpty(m.Folder, "INBOX"),
		ProcessedFolder:   firstNonEmpty(m.ProcessedFolder, envOrDefault("EMAIL_PROCESSED_FOLDER", "")),
		Timeout:           dur("mailbox.timeout", m.Timeout, "EMAIL_TIMEOUT", 30*time.Second),
		OAuthClientID:     m.OAuth.ClientID,
		OAuthClientSecret: m.OAuth.ClientSecret,
		OAuthTokenURL:     m.OAuth.TokenURL,
		OAuthScopes:       m.OAuth.Scopes,
	}

	a := raw.Agent
	cfg.Agent = AgentConfig{
		PollInterval:        dur("agent.poll_interval", a.PollInterval, "EMAIL_POLL_INTERVAL", 60*time.Second),
		StopTimeout:         dur("agent.stop_timeout", a.StopTimeout, "AGENT_STOP_TIMEOUT", 5*time.Second),
		AutoStart:           boolOr(a.AutoStart, envOrDefaultBool("EMAIL_AGENT_AUTO_START", false)),
		ClassifyTimeout:     dur("agent.classify_timeout", a.ClassifyTimeout, "CLASSIFY_TIMEOUT", 30*time.Second),
		MaxCreationAttempts: firstPositive(a.MaxCreationAttempts, envOrDefaultInt("MAX_CREATION_ATTEMPTS", 3)),
		LeaseTTL:            dur("agent.lease_ttl", a.LeaseTTL, "AGENT_LEASE_TTL", 10*time.Minute),
	}

	l := raw.LLM
	cfg.LLM = LLMConfig{
		BaseURL:             firstNonEmpty(l.BaseURL, envOrDefault("LLM_BASE_URL", "https://api.groq.com/openai")),
		APIKey:              firstNonEmpty(l.APIKey, envOrDefault("LLM_API_KEY", "")),
		ClassificationModel: firstNonEmpty(l.ClassificationModel, envOrDefault("LLM_CLASSIFICATION_MODEL", "llama-3.3-70b-versatile")),
		MetadataModel:       firstNonEmpty(l.MetadataModel, envOrDefault("LLM_METADATA_MODEL", "llama-3.1-8b-instant")),
		EmbeddingModel:      firstNonEmpty(l.EmbeddingModel, envOrDefault("LLM_EMBEDDING_MODEL", "text-embedding-3-small")),
		Timeout:             dur("llm.timeout", l.Timeout, "LLM_TIMEOUT", 30*time.Second),
		MaxRetries:          l.MaxRetries,
	}

	s := raw.Similarity
	cfg.Similarity = SimilarityConfig{
		Limit:     firstPositive(s.Limit, 20),
		Threshold: s.Threshold,
		BatchSize: firstPositive(s.BatchSize, 500),
		CacheTTL:  dur("similarity.cache_ttl", s.CacheTTL, "EMBEDDING_CACHE_TTL", 7*24*time.Hour),
	}
	if cfg.Similarity.Threshold <= 0 {
		cfg.Similarity.Threshold = 0.3
	}
	if cfg.Similarity.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("similarity.threshold: %v is above 1", s.Threshold))
	}

	at := raw.Attachments
	cfg.Attachments = AttachmentsConfig{
		Backend:         strings.ToLower(firstNonEmpty(at.Backend, envOrDefault("ATTACHMENTS_BACKEND", "local"))),
		Directory:       firstNonEmpty(at.Directory, envOrDefault("ATTACHMENTS_DIR", "/app/data/attachments")),
		Bucket:          firstNonEmpty(at.Bucket, envOrDefault("ATTACHMENTS_BUCKET", "")),
		CredentialsFile: firstNonEmpty(at.CredentialsFile, envOrDefault("GOOGLE_APPLICATION_CREDENTIALS", "")),
		EmulatorHost:    envOrDefault("STORAGE_EMULATOR_HOST", ""),
		MaxSize:         firstPositive(at.MaxSize, 50*1024*1024),
	}
	switch cfg.Attachments.Backend {
	case "local":
	case "gcs":
		if cfg.Attachments.Bucket == "" {
			errs = append(errs, "attachments.bucket is required for the gcs backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("attachments.backend: unknown backend %q", cfg.Attachments.Backend))
	}

	if cfg.DatabaseURL == "" {
		errs = append(errs, "database.url is required (or set DATABASE_URL)")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
