package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/a2a"
	"github.com/270aldo/ngx-orchestrator/internal/cache"
	"github.com/270aldo/ngx-orchestrator/internal/metrics"
	"github.com/270aldo/ngx-orchestrator/internal/orchestrator"
	"github.com/270aldo/ngx-orchestrator/internal/ratelimit"
	"github.com/270aldo/ngx-orchestrator/internal/registry"
	"github.com/270aldo/ngx-orchestrator/internal/server"
	"github.com/270aldo/ngx-orchestrator/internal/store"
)

func main() {
	var logger *zap.Logger
	var err error
	if os.Getenv("ENV") == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	defer func() {
		if r := recover(); r != nil {
			logger.Fatal("CRITICAL PANIC IN ORCHESTRATOR MAIN",
				zap.Any("panic", r),
				zap.Stack("stacktrace"))
		}
	}()

	logger.Info("Starting NGX Orchestrator...")

	// Agent registry from the manifest.
	manifestPath := envOr("AGENT_MANIFEST", "agents.yaml")
	reg, err := registry.Load(manifestPath, logger.Named("registry"))
	if err != nil {
		logger.Fatal("Failed to load agent manifest", zap.Error(err))
	}

	m := metrics.New()

	// Optional Redis: distributed cache tier, entitlements, distributed
	// rate limiting. The orchestrator degrades gracefully without it.
	var redisClient *redis.Client
	if addr := redisAddress(); addr != "" {
		redisClient = dialRedis(addr, logger)
	}

	// Optional NATS: remote agent transport plus the agent health feed.
	var natsConn *nats.Conn
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConn, err = nats.Connect(natsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			logger.Warn("Failed to connect to NATS, using local transport", zap.Error(err))
			natsConn = nil
		}
	}

	// Cache tiers, fastest first: memory, then Redis, then bbolt.
	var tiers []cache.Tier
	memTier, err := cache.NewMemoryTier(cache.DefaultMemoryConfig(), logger.Named("cache_mem"))
	if err != nil {
		logger.Fatal("Failed to initialize memory cache", zap.Error(err))
	}
	tiers = append(tiers, memTier)
	if redisClient != nil {
		tiers = append(tiers, cache.NewRedisTier(redisClient, logger.Named("cache_redis")))
	}
	if path := os.Getenv("CACHE_PATH"); path != "" {
		boltTier, err := cache.NewBoltTier(path, logger.Named("cache_bolt"))
		if err != nil {
			logger.Warn("Failed to open durable cache, continuing without it", zap.Error(err))
		} else {
			tiers = append(tiers, boltTier)
		}
	}
	cacheManager := cache.NewManager(tiers, logger.Named("cache"), m.ObserveCache)
	defer cacheManager.Close()

	// Entitlement-backed rate limiting. Redis-backed fixed windows when the
	// deployment runs multiple replicas; per-process token buckets otherwise.
	var kv store.KV = store.NewMemoryKV()
	if redisClient != nil {
		kv = store.NewRedisKV(redisClient)
	}
	entitlements := store.NewEntitlements(kv, logger.Named("entitlements"))
	onReject := func(tier ratelimit.Tier) {
		m.RateLimitRejections.WithLabelValues(string(tier)).Inc()
	}
	var limiter server.StatsSource
	var admitter ratelimit.Admitter
	if redisClient != nil && os.Getenv("RATE_LIMIT_DISTRIBUTED") == "1" {
		rl := ratelimit.NewRedisLimiter(redisClient, nil, entitlements, logger.Named("ratelimit"), onReject)
		admitter, limiter = rl, rl
	} else {
		rl := ratelimit.NewLimiter(nil, entitlements, logger.Named("ratelimit"), onReject)
		admitter, limiter = rl, rl
	}

	// Transport: NATS when available, local HTTP adapters otherwise.
	var transport a2a.Transport
	if natsConn != nil {
		transport = a2a.NewNATSTransport(natsConn, logger.Named("a2a"))
		healthSub, err := reg.SubscribeHealth(natsConn, registry.DefaultHealthSubject)
		if err != nil {
			logger.Warn("Failed to subscribe to agent health feed", zap.Error(err))
		} else {
			defer healthSub.Unsubscribe()
		}
	} else {
		local := a2a.NewLocalTransport(logger.Named("a2a"))
		for _, d := range reg.All() {
			if d.Endpoint == "" {
				logger.Warn("Agent has no endpoint, unreachable on local transport",
					zap.String("agent_id", d.ID))
				continue
			}
			local.Register(d.ID, a2a.NewHTTPAgent(a2a.HTTPAgentConfig{
				AgentID:      d.ID,
				Endpoint:     d.Endpoint,
				Capabilities: d.Capabilities,
			}, logger.Named("agent_"+d.ID)))
		}
		transport = local
	}

	// Classification: LLM router with keyword fallback, or keywords alone.
	keyword := orchestrator.NewKeywordClassifier(reg, logger.Named("classifier"))
	var classifier orchestrator.Classifier = keyword
	if url := os.Getenv("CLASSIFIER_URL"); url != "" {
		classifier = orchestrator.NewHTTPClassifier(url, keyword, logger.Named("classifier"))
	}

	cfg := orchestrator.DefaultConfig()
	if d := envDuration("REQUEST_TIMEOUT"); d > 0 {
		cfg.RequestTimeout = d
	}
	if d := envDuration("BRANCH_TIMEOUT"); d > 0 {
		cfg.BranchTimeout = d
	}
	if d := envDuration("CACHE_TTL"); d > 0 {
		cfg.CacheTTL = d
	}
	orch := orchestrator.New(cfg, reg, classifier, transport, admitter, cacheManager, m, logger.Named("orchestrator"))

	srv := server.New(server.Options{
		Orchestrator:   orch,
		Registry:       reg,
		Limiter:        limiter,
		Cache:          cacheManager,
		Metrics:        m,
		Logger:         logger.Named("server"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AllowedOrigins: splitCSV(os.Getenv("ALLOWED_ORIGINS")),
	})

	port := envOr("PORT", "8080")
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("port", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if natsConn != nil {
		natsConn.Drain()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	logger.Info("Orchestrator stopped")
}

// redisAddress resolves the Redis location from the platform's env vars.
func redisAddress() string {
	for _, key := range []string{"REDIS_ADDRESS", "REDIS_URL", "REDIS_PRIVATE_URL"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func dialRedis(addr string, logger *zap.Logger) *redis.Client {
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			logger.Warn("Invalid Redis URL, continuing without Redis", zap.Error(err))
			return nil
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, continuing without Redis", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("Connected to Redis")
	return client
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
