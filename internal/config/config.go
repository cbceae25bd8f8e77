// Package config assembles the worker settings from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/signalze/mention-worker/internal/sources"
)

// Settings is the fully resolved worker configuration. Everything except
// DatabaseURL has a default.
type Settings struct {
	DatabaseURL           string
	WorkerLockKey         int64
	FreeTierMode          bool
	PollIntervalMinutes   int
	OverlapMinutes        int
	PerSourceLimit        int
	SourceTaskBatchSize   int
	AlertBatchSize        int
	MaxAlertRetries       int
	RetryBaseSeconds      int
	RetryMaxSeconds       int
	RequestTimeoutSeconds int
	LogLevel              string

	// Per-source knobs keyed by registry key. A zero daily limit means
	// unlimited.
	SourceEnabled             map[string]bool
	SourcePollIntervalMinutes map[string]int
	SourceDailyRequestLimit   map[string]int

	RedditClientID     string
	RedditClientSecret string
	RedditUserAgent    string
	GitHubToken        string
	GoogleAPIKey       string
	GoogleCSEID        string
	BraveAPIKey        string
	DevToTopDays       int
}

// Load reads .env.local (falling back to .env) best effort, then resolves
// every setting from the environment.
func Load() (Settings, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		_ = godotenv.Load()
	}
	return FromEnv(os.Getenv)
}

// FromEnv resolves settings through the given lookup. Split out from Load so
// tests can feed environments without mutating the process.
func FromEnv(getenv func(string) string) (Settings, error) {
	databaseURL := getenv("DATABASE_URL")
	if databaseURL == "" {
		return Settings{}, errors.New("DATABASE_URL is required")
	}

	s := Settings{
		DatabaseURL:           databaseURL,
		WorkerLockKey:         envInt64(getenv, "WORKER_LOCK_KEY", 84521791),
		FreeTierMode:          envBool(getenv, "FREE_TIER_MODE", true),
		PollIntervalMinutes:   envInt(getenv, "POLL_INTERVAL_MINUTES", 15),
		OverlapMinutes:        envInt(getenv, "SOURCE_OVERLAP_MINUTES", 3),
		PerSourceLimit:        envInt(getenv, "PER_SOURCE_RESULT_LIMIT", 40),
		SourceTaskBatchSize:   envInt(getenv, "SOURCE_TASK_BATCH_SIZE", 300),
		AlertBatchSize:        envInt(getenv, "ALERT_BATCH_SIZE", 250),
		MaxAlertRetries:       envInt(getenv, "MAX_ALERT_RETRIES", 3),
		RetryBaseSeconds:      envInt(getenv, "ALERT_RETRY_BASE_SECONDS", 60),
		RetryMaxSeconds:       envInt(getenv, "ALERT_RETRY_MAX_SECONDS", 1800),
		RequestTimeoutSeconds: envInt(getenv, "REQUEST_TIMEOUT_SECONDS", 20),
		LogLevel:              envString(getenv, "LOG_LEVEL", "info"),

		SourceEnabled:             map[string]bool{},
		SourcePollIntervalMinutes: map[string]int{},
		SourceDailyRequestLimit:   map[string]int{},

		RedditClientID:     getenv("REDDIT_CLIENT_ID"),
		RedditClientSecret: getenv("REDDIT_CLIENT_SECRET"),
		RedditUserAgent:    envString(getenv, "REDDIT_USER_AGENT", "mention-worker/1.0"),
		GitHubToken:        getenv("GITHUB_TOKEN"),
		GoogleAPIKey:       getenv("GOOGLE_API_KEY"),
		GoogleCSEID:        getenv("GOOGLE_CSE_ID"),
		BraveAPIKey:        getenv("BRAVE_API_KEY"),
		DevToTopDays:       envInt(getenv, "DEVTO_TOP_DAYS", 7),
	}

	for _, def := range sources.Definitions() {
		prefix := "SOURCE_" + def.EnvSlug
		s.SourceEnabled[def.Key] = envBool(getenv, prefix+"_ENABLED", def.DefaultEnabled)
		s.SourcePollIntervalMinutes[def.Key] = envInt(getenv, prefix+"_POLL_INTERVAL_MINUTES", s.PollIntervalMinutes)

		limitDefault := 0
		if s.FreeTierMode {
			limitDefault = def.FreeTierDailyLimit
		}
		s.SourceDailyRequestLimit[def.Key] = envInt(getenv, prefix+"_DAILY_REQUEST_LIMIT", limitDefault)
	}

	return s, nil
}

// PollIntervalFor returns the poll interval for a source, preferring the
// per-source override over the global default.
func (s Settings) PollIntervalFor(source string) int {
	if interval, ok := s.SourcePollIntervalMinutes[source]; ok && interval > 0 {
		return interval
	}
	return s.PollIntervalMinutes
}

// DailyLimitFor returns the daily request cap for a source. ok is false when
// the source is uncapped.
func (s Settings) DailyLimitFor(source string) (int, bool) {
	limit := s.SourceDailyRequestLimit[source]
	return limit, limit > 0
}

// Credentials maps settings onto the block the source builders consume.
func (s Settings) Credentials() sources.Credentials {
	return sources.Credentials{
		RedditClientID:     s.RedditClientID,
		RedditClientSecret: s.RedditClientSecret,
		RedditUserAgent:    s.RedditUserAgent,
		GitHubToken:        s.GitHubToken,
		GoogleAPIKey:       s.GoogleAPIKey,
		GoogleCSEID:        s.GoogleCSEID,
		BraveAPIKey:        s.BraveAPIKey,
		DevToTopDays:       s.DevToTopDays,
	}
}

func envString(getenv func(string) string, key, fallback string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) int {
	value := getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(getenv func(string) string, key string, fallback int64) int64 {
	value := getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// envBool treats 1/true/yes/on (case-insensitive) as true. Unset falls back
// to the default; any other set value is false.
func envBool(getenv func(string) string, key string, fallback bool) bool {
	value := getenv(key)
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
