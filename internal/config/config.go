package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN           string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL           string `env:"RABBITMQ_URL,required=true"`
	RedisURL              string `env:"REDIS_URL,required=true"`
	MessengerURL          string `env:"MESSENGER_URL,required=true"`
	GatekeeperURL         string `env:"GATEKEEPER_URL,required=true"`
	ReviewerIDsValue      string `env:"REVIEWER_IDS,required=true"`
	ReviewerNamesValue    string `env:"REVIEWER_NAMES"`
	SendRateLimitPerSec   int    `env:"SEND_RATE_LIMIT_PER_SEC,default=25"`
	UpdateRateLimitPerSec int    `env:"UPDATE_RATE_LIMIT_PER_SEC,default=0"` // 0 reuses the send limit
	WorkerConcurrency     int    `env:"WORKER_CONCURRENCY,default=16"`
	SweepIntervalValue    string `env:"SWEEP_INTERVAL,default=30s"`
	APIPort               int    `env:"API_PORT,default=8080"`
	LogLevel              string `env:"LOG_LEVEL,default=info"`

	// Parsed from the raw values above.
	ReviewerIDs   []int64
	ReviewerNames map[int64]string
	SweepInterval time.Duration
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.ReviewerIDs, err = ParseReviewerIDs(cfg.ReviewerIDsValue)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ReviewerNames = ParseReviewerNames(cfg.ReviewerNamesValue)

	cfg.SweepInterval, err = time.ParseDuration(strings.TrimSpace(cfg.SweepIntervalValue))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: invalid SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("failed to load config: SWEEP_INTERVAL must be positive")
	}

	return &cfg, nil
}

// ParseReviewerIDs parses a comma separated list such as "111,222".
func ParseReviewerIDs(value string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid reviewer id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("REVIEWER_IDS must list at least one reviewer")
	}
	return ids, nil
}

// ParseReviewerNames parses "111:Ali,222:Sara". Malformed entries are skipped.
func ParseReviewerNames(value string) map[int64]string {
	names := map[int64]string{}
	for _, part := range strings.Split(value, ",") {
		idValue, name, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idValue), 10, 64)
		if err != nil {
			continue
		}
		names[id] = strings.TrimSpace(name)
	}
	return names
}
