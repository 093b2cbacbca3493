package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"authcore/config"
	"authcore/internal/domain/models"
	"authcore/internal/ratelimit"
	"authcore/internal/ratelimit/memory"
	"authcore/internal/ratelimit/redisstore"
	"authcore/internal/ratelimit/sqlitestore"
	sessionsvc "authcore/internal/services/session"
	tokensvc "authcore/internal/services/token"
	"authcore/internal/sweeper"
)

type App struct {
	Sessions   *sessionsvc.Sessions
	Tokens     *tokensvc.Tokens
	Limiter    *ratelimit.Limiter
	Sweeper    *sweeper.Sweeper
	StorageApp *StorageApp
}

func New(log *slog.Logger, cfg *config.Config, storageApp *StorageApp) *App {
	store := storageApp.Storage()

	limiter := ratelimit.New(
		log,
		buildBackends(log, cfg, storageApp),
		cfg.RateLimit.Timeout,
		cfg.RateLimit.Cooldown,
	)

	policy := models.LimitPolicy(cfg.Session.Policy)
	if policy != models.PolicyEvict && policy != models.PolicyReject {
		log.Warn("unknown session limit policy, falling back to evict",
			slog.String("policy", cfg.Session.Policy))
		policy = models.PolicyEvict
	}

	sessions := sessionsvc.New(
		log,
		store,
		store,
		cfg.AccessSecret,
		cfg.Session.AccessTTL,
		cfg.Session.TTL,
		cfg.Session.Limit,
		policy,
	)

	tokens := tokensvc.New(
		log,
		store,
		store,
		limiter,
		cfg.Tokens.ResetTTL,
		cfg.Tokens.VerifyTTL,
		cfg.Tokens.IssueWindow,
		cfg.Tokens.IssueMaxHits,
	)

	swp := sweeper.New(log, store, store, limiter, sweeper.Config{
		Interval:         cfg.Sweeper.Interval,
		SessionRetention: time.Duration(cfg.Session.RetentionDays) * 24 * time.Hour,
		TokenRetention:   time.Duration(cfg.Tokens.RetentionDays) * 24 * time.Hour,
		CounterGrace:     cfg.RateLimit.CounterGrace,
		BatchSize:        cfg.Sweeper.BatchSize,
	})

	return &App{
		Sessions:   sessions,
		Tokens:     tokens,
		Limiter:    limiter,
		Sweeper:    swp,
		StorageApp: storageApp,
	}
}

func (a *App) Start(ctx context.Context) {
	a.Sweeper.Start(ctx)
}

func (a *App) Stop() {
	a.Sweeper.Stop()
}

// buildBackends assembles the limiter failover chain in the configured
// order. A chain that ends up empty gets the in-process backend so the
// limiter always has somewhere to count.
func buildBackends(log *slog.Logger, cfg *config.Config, storageApp *StorageApp) []ratelimit.Store {
	var backends []ratelimit.Store

	for _, name := range cfg.RateLimit.Backends {
		switch name {
		case "redis":
			if cfg.RateLimit.RedisAddr == "" {
				log.Warn("redis backend configured without redis_addr, skipping")
				continue
			}

			client := redis.NewClient(&redis.Options{
				Addr:     cfg.RateLimit.RedisAddr,
				Password: cfg.RateLimit.RedisPassword,
			})
			backends = append(backends, redisstore.New(client))
		case "sqlite":
			backends = append(backends, sqlitestore.New(storageApp.Storage().DB()))
		case "memory":
			backends = append(backends, memory.New())
		default:
			log.Warn("unknown rate limit backend, skipping", slog.String("backend", name))
		}
	}

	if len(backends) == 0 {
		backends = append(backends, memory.New())
	}

	return backends
}
