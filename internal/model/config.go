package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GoogleConfig holds the OAuth client and push settings for the mail provider.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`

	// TokenURL is the OAuth token endpoint used for refresh-token grants.
	TokenURL string `mapstructure:"token_url" yaml:"token_url"`

	// PubSubTopic is the fully qualified topic that receives mailbox
	// change notifications (projects/<p>/topics/<t>).
	PubSubTopic string `mapstructure:"pubsub_topic" yaml:"pubsub_topic"`

	// Endpoint overrides the provider API base URL. Empty uses the default.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	RequestTimeoutSec int `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// SyncConfig controls inbox listing and the periodic re-sync poller.
type SyncConfig struct {
	Labels          []string `mapstructure:"labels" yaml:"labels"`
	MaxResults      int64    `mapstructure:"max_results" yaml:"max_results"`
	WatchLabels     []string `mapstructure:"watch_labels" yaml:"watch_labels"`
	FallbackMax     int64    `mapstructure:"fallback_max" yaml:"fallback_max"`
	PollIntervalSec int      `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// Users are polled by `mailpipe serve`.
	Users []string `mapstructure:"users" yaml:"users"`
}

// ProcessorConfig controls thread batch processing.
type ProcessorConfig struct {
	MinThreads         int `mapstructure:"min_threads" yaml:"min_threads"`
	ThreadConcurrency  int `mapstructure:"thread_concurrency" yaml:"thread_concurrency"`
	MessageConcurrency int `mapstructure:"message_concurrency" yaml:"message_concurrency"`
	FetchTimeoutSec    int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
}

// AIConfig holds settings for the extraction service.
type AIConfig struct {
	// BaseURL points at an OpenAI-compatible chat completions API.
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	Model     string `mapstructure:"model" yaml:"model"`
	GateModel string `mapstructure:"gate_model" yaml:"gate_model"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`

	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// StorageConfig selects the durable per-user state backend.
type StorageConfig struct {
	// Backend is "sqlite" or "redis".
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`

	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

// AccountsConfig points at the relational store holding sign-in tokens.
type AccountsConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// BlobConfig selects where attachments are uploaded.
type BlobConfig struct {
	// Backend is "s3" or "fs".
	Backend         string `mapstructure:"backend" yaml:"backend"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	Dir             string `mapstructure:"dir" yaml:"dir"`

	// PublicURL is prefixed to object keys to build attachment links.
	PublicURL string `mapstructure:"public_url" yaml:"public_url"`

	MaxAttachmentBytes int64 `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`
}

// WorkflowConfig holds per-step retry budgets for bootstrap runs.
type WorkflowConfig struct {
	// Retries maps a step name to the number of retries after the first attempt.
	Retries   map[string]int `mapstructure:"retries" yaml:"retries"`
	BackoffMs int            `mapstructure:"backoff_ms" yaml:"backoff_ms"`
}

// ActorConfig controls the per-user actor registry.
type ActorConfig struct {
	IdleTimeoutSec int `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Google    GoogleConfig    `mapstructure:"google" yaml:"google"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Processor ProcessorConfig `mapstructure:"processor" yaml:"processor"`
	AI        AIConfig        `mapstructure:"ai" yaml:"ai"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Accounts  AccountsConfig  `mapstructure:"accounts" yaml:"accounts"`
	Blob      BlobConfig      `mapstructure:"blob" yaml:"blob"`
	Workflow  WorkflowConfig  `mapstructure:"workflow" yaml:"workflow"`
	Actor     ActorConfig     `mapstructure:"actor" yaml:"actor"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// FetchTimeout returns the per-call provider timeout used by the processor.
func (c ProcessorConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// RetriesFor returns the retry budget configured for step.
func (c WorkflowConfig) RetriesFor(step StepName) int {
	if n, ok := c.Retries[string(step)]; ok && n >= 0 {
		return n
	}
	if step == StepRunSync {
		return 0
	}
	return 2
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailpipe/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailpipe", "config.yaml")
}

// DefaultDataDir returns the directory holding the local state database.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "mailpipe")
}

// defaults lists every key with its default value. Secrets default to ""
// so that environment overrides are picked up by Unmarshal.
func defaults() map[string]any {
	return map[string]any{
		"google.client_id":           "",
		"google.client_secret":       "",
		"google.token_url":           "https://oauth2.googleapis.com/token",
		"google.pubsub_topic":        "",
		"google.endpoint":            "",
		"google.request_timeout_sec": 30,

		"sync.labels":            []string{LabelInbox},
		"sync.max_results":       50,
		"sync.watch_labels":      []string{LabelInbox, LabelUnread},
		"sync.fallback_max":      30,
		"sync.poll_interval_sec": 900,
		"sync.users":             []string{},

		"processor.min_threads":         5,
		"processor.thread_concurrency":  8,
		"processor.message_concurrency": 4,
		"processor.fetch_timeout_sec":   30,

		"ai.base_url":    "https://openrouter.ai/api/v1",
		"ai.api_key":     "",
		"ai.model":       "google/gemini-2.5-flash",
		"ai.gate_model":  "google/gemini-2.5-flash-lite",
		"ai.max_tokens":  4096,
		"ai.timeout_sec": 120,

		"storage.backend":        "sqlite",
		"storage.path":           filepath.Join(DefaultDataDir(), "state.db"),
		"storage.redis_addr":     "localhost:6379",
		"storage.redis_password": "",
		"storage.redis_db":       0,

		"accounts.driver": "postgres",
		"accounts.dsn":    "",

		"blob.backend":              "fs",
		"blob.bucket":               "",
		"blob.region":               "auto",
		"blob.endpoint":             "",
		"blob.access_key_id":        "",
		"blob.secret_access_key":    "",
		"blob.dir":                  filepath.Join(DefaultDataDir(), "attachments"),
		"blob.public_url":           "",
		"blob.max_attachment_bytes": 50 * 1024 * 1024,

		"workflow.retries": map[string]int{
			string(StepGetUserDetails): 2,
			string(StepGetTokens):      2,
			string(StepRegisterWatch):  2,
			string(StepRunSync):        0,
		},
		"workflow.backoff_ms": 500,

		"actor.idle_timeout_sec": 600,

		"log.level":  "info",
		"log.pretty": false,
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	return v
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with MAILPIPE_ override file values.
// If the file does not exist, defaults plus environment are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Processor.MinThreads <= 0 {
		cfg.Processor.MinThreads = 5
	}
	if cfg.Sync.MaxResults <= 0 {
		cfg.Sync.MaxResults = 50
	}
	if len(cfg.Sync.Labels) == 0 {
		cfg.Sync.Labels = []string{LabelInbox}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("google", cfg.Google)
	v.Set("sync", cfg.Sync)
	v.Set("processor", cfg.Processor)
	v.Set("ai", cfg.AI)
	v.Set("storage", cfg.Storage)
	v.Set("accounts", cfg.Accounts)
	v.Set("blob", cfg.Blob)
	v.Set("workflow", cfg.Workflow)
	v.Set("actor", cfg.Actor)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
