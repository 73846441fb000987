// Package bootstrap wires configuration into the runtime dependency graph
// shared by the API server and the CLI.
package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/assort-health/intake-agent/internal/address"
	appconfig "github.com/assort-health/intake-agent/internal/config"
	"github.com/assort-health/intake-agent/internal/intake"
	"github.com/assort-health/intake-agent/internal/llm"
	"github.com/assort-health/intake-agent/internal/observability/metrics"
	"github.com/assort-health/intake-agent/internal/patients"
	"github.com/assort-health/intake-agent/internal/scheduling"
	"github.com/assort-health/intake-agent/internal/transcript"
	"github.com/assort-health/intake-agent/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildTranscriptStore returns the Redis-backed transcript store, or nil when
// Redis is unavailable.
func BuildTranscriptStore(redisClient *redis.Client, cfg *appconfig.Config) *transcript.Store {
	if cfg == nil {
		return transcript.NewStore(redisClient, 0, 0)
	}
	return transcript.NewStore(redisClient, cfg.SessionTTL, int64(cfg.TranscriptMaxItems))
}

// BuildDispatcher assembles the intake dispatcher from a database pool and
// configuration. reg may be nil to use the default Prometheus registerer.
func BuildDispatcher(pool *pgxpool.Pool, cfg *appconfig.Config, logger *logging.Logger, reg prometheus.Registerer) *intake.Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}

	llmClient := llm.NewClient(
		openai.NewClient(cfg.OpenAIAPIKey),
		cfg.OpenAIModel,
		cfg.OpenAITimeout,
		logger,
	)

	validator := address.NewValidator(address.Config{
		APIKey:   cfg.MapAPIKey,
		Endpoint: cfg.AddressValidationURL,
		Timeout:  cfg.AddressRequestTimeout,
	}, logger)

	return intake.NewDispatcher(intake.Options{
		Extractor:     llmClient,
		Intents:       llmClient,
		Responder:     llmClient,
		Selector:      llmClient,
		Validator:     validator,
		Directory:     patients.NewRepository(pool),
		Scheduler:     scheduling.NewRepository(pool),
		Logger:        logger,
		Metrics:       metrics.NewIntakeMetrics(reg),
		ProviderLimit: cfg.ProviderLimit,
		SlotLimit:     cfg.SlotLimit,
	})
}
