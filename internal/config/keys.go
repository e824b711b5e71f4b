package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "WAS_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "WAS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "WAS_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "storage.data_dir", typ: kString, env: "WAS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "WAS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "answer.api_key", typ: kString, env: "WAS_ANSWER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Answer.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Answer.APIKey },
	},
	{
		key: "answer.base_url", typ: kString, env: "WAS_ANSWER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Answer.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Answer.BaseURL },
	},
	{
		key: "answer.model", typ: kString, env: "WAS_ANSWER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Answer.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Answer.Model },
	},
	{
		key: "answer.temperature", typ: kFloat, env: "WAS_ANSWER_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Answer.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Answer.Temperature },
	},
	{
		key: "answer.timeout", typ: kDuration, env: "WAS_ANSWER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Answer.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Answer.Timeout },
	},
	{
		key: "answer.max_context_tokens", typ: kInt, env: "WAS_ANSWER_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Answer.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.MaxContextTokens },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "WAS_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.threshold", typ: kFloat, env: "WAS_RETRIEVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Threshold },
	},
	{
		key: "retrieval.vectorizer", typ: kString, env: "WAS_RETRIEVAL_VECTORIZER",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Vectorizer = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Vectorizer },
	},
	{
		key: "retrieval.embedding_model", typ: kString, env: "WAS_RETRIEVAL_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.EmbeddingModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.EmbeddingModel },
	},
	{
		key: "retrieval.dimensions", typ: kInt, env: "WAS_RETRIEVAL_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Dimensions },
	},
	{
		key: "corpus.source", typ: kString, env: "WAS_CORPUS_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Corpus.Source = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.Source },
	},
	{
		key: "corpus.reload_schedule", typ: kString, env: "WAS_CORPUS_RELOAD_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Corpus.ReloadSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.ReloadSchedule },
	},
	{
		key: "session.backend", typ: kString, env: "WAS_SESSION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Session.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.Backend },
	},
	{
		key: "session.window", typ: kInt, env: "WAS_SESSION_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Session.Window = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.Window },
	},
	{
		key: "session.ttl", typ: kDuration, env: "WAS_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "session.capacity", typ: kInt, env: "WAS_SESSION_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Session.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.Capacity },
	},
	{
		key: "session.purge_schedule", typ: kString, env: "WAS_SESSION_PURGE_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Session.PurgeSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.PurgeSchedule },
	},
	{
		key: "dispatch.max_concurrent", typ: kInt, env: "WAS_DISPATCH_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.MaxConcurrent },
	},
	{
		key: "dispatch.lane_buffer", typ: kInt, env: "WAS_DISPATCH_LANE_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.LaneBuffer = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.LaneBuffer },
	},
	{
		key: "dispatch.lane_idle", typ: kDuration, env: "WAS_DISPATCH_LANE_IDLE",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.LaneIdle = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.LaneIdle },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "WAS_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "WAS_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "ticket.diagnose_timeout", typ: kDuration, env: "WAS_TICKET_DIAGNOSE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ticket.DiagnoseTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ticket.DiagnoseTimeout },
	},
	{
		key: "feishu.app_id", typ: kString, env: "WAS_FEISHU_APP_ID",
		apply:   func(cfg *Config, v any) { cfg.Feishu.AppID = v.(string) },
		extract: func(cfg Config) any { return cfg.Feishu.AppID },
	},
	{
		key: "feishu.app_secret", typ: kString, env: "WAS_FEISHU_APP_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Feishu.AppSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Feishu.AppSecret },
	},
	{
		key: "feishu.verification_token", typ: kString, env: "WAS_FEISHU_VERIFICATION_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Feishu.VerificationToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Feishu.VerificationToken },
	},
	{
		key: "feishu.base_url", typ: kString, env: "WAS_FEISHU_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Feishu.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Feishu.BaseURL },
	},
	{
		key: "telegram.bot_token", typ: kString, env: "WAS_TELEGRAM_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotToken },
	},
	{
		key: "telegram.webhook_secret", typ: kString, env: "WAS_TELEGRAM_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.WebhookSecret },
	},
	{
		key: "admin.token", typ: kString, env: "WAS_ADMIN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Admin.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Admin.Token },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw string to the Go type of the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err == nil && d < 0 {
			return nil, fmt.Errorf("negative duration %s", raw)
		}
		return d, err
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

// applySecrets fills secret keys from the secrets file. A missing file or
// key leaves the value for the environment to supply.
func applySecrets(cfg *Config, secrets secretStore) {
	if secrets == nil {
		return
	}
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
