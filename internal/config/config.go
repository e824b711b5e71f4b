// Package config loads settings from defaults, the JSONC config file,
// the secrets file and WAS_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Answer    AnswerConfig
	Retrieval RetrievalConfig
	Corpus    CorpusConfig
	Session   SessionConfig
	Dispatch  DispatchConfig
	Worker    WorkerConfig
	Ticket    TicketConfig
	Feishu    FeishuConfig
	Telegram  TelegramConfig
	Admin     AdminConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type AnswerConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	Temperature      float64
	Timeout          time.Duration
	MaxContextTokens int
}

type RetrievalConfig struct {
	TopK      int
	Threshold float64
	// Vectorizer is "hash" or "embedding".
	Vectorizer     string
	EmbeddingModel string
	Dimensions     int
}

type CorpusConfig struct {
	Source         string
	ReloadSchedule string
}

type SessionConfig struct {
	// Backend is "memory" or "sqlite".
	Backend       string
	Window        int
	TTL           time.Duration
	Capacity      int
	PurgeSchedule string
}

type DispatchConfig struct {
	MaxConcurrent int
	LaneBuffer    int
	LaneIdle      time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

type TicketConfig struct {
	DiagnoseTimeout time.Duration
}

type FeishuConfig struct {
	AppID             string
	AppSecret         string
	VerificationToken string
	BaseURL           string
}

type TelegramConfig struct {
	BotToken      string
	WebhookSecret string
}

type AdminConfig struct {
	Token string
}

// ListenAddr is the host:port the HTTP server binds.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DBPath is the SQLite database file inside the data dir.
func (c StorageConfig) DBPath() string {
	return filepath.Join(c.DataDir, "was.db")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			MaxConnections: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Answer: AnswerConfig{
			BaseURL:          "https://api.groq.com/openai/v1",
			Model:            "llama-3.3-70b-versatile",
			Temperature:      0.1,
			Timeout:          15 * time.Second,
			MaxContextTokens: 4000,
		},
		Retrieval: RetrievalConfig{
			TopK:           3,
			Threshold:      0.5,
			Vectorizer:     "hash",
			EmbeddingModel: "text-embedding-3-small",
			Dimensions:     128,
		},
		Session: SessionConfig{
			Backend:       "memory",
			Window:        10,
			TTL:           30 * time.Minute,
			Capacity:      1000,
			PurgeSchedule: "@every 10m",
		},
		Dispatch: DispatchConfig{
			MaxConcurrent: 8,
			LaneBuffer:    100,
			LaneIdle:      time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: 500 * time.Millisecond,
		},
		Ticket: TicketConfig{
			DiagnoseTimeout: 20 * time.Second,
		},
		Feishu: FeishuConfig{
			BaseURL: "https://open.feishu.cn",
		},
	}
}

// Load reads configuration from the config file at
// $XDG_CONFIG_HOME/was/config.json, secrets from
// $XDG_DATA_HOME/was/secrets.json, and WAS_* environment variables.
// Environment variables win over both files.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), newSecretsFile(secretsFilePath()))
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applySecrets(&cfg, secrets)
	applyEnvOverrides(&cfg)

	// Groq's conventional variable is accepted as a fallback.
	if cfg.Answer.APIKey == "" {
		cfg.Answer.APIKey = os.Getenv("GROQ_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK))
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		errs = append(errs, fmt.Errorf("retrieval.threshold must be within [0, 1], got %v", c.Retrieval.Threshold))
	}
	switch c.Retrieval.Vectorizer {
	case "hash", "embedding":
	default:
		errs = append(errs, fmt.Errorf("retrieval.vectorizer must be hash or embedding, got %q", c.Retrieval.Vectorizer))
	}
	switch c.Session.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("session.backend must be memory or sqlite, got %q", c.Session.Backend))
	}
	if c.Session.Window <= 0 {
		errs = append(errs, fmt.Errorf("session.window must be positive, got %d", c.Session.Window))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL))
	}
	if c.Feishu.AppID != "" && c.Feishu.AppSecret == "" {
		errs = append(errs, errors.New("feishu.app_id is set but feishu.app_secret is missing"))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "was-data"
		}
	}
	return filepath.Join(dir, "was")
}
