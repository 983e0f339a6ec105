package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/aegisgate/backend/internal/adapters"
	"github.com/aegisgate/backend/internal/api"
	"github.com/aegisgate/backend/internal/cache"
	"github.com/aegisgate/backend/internal/chaos"
	"github.com/aegisgate/backend/internal/circuitbreaker"
	"github.com/aegisgate/backend/internal/config"
	"github.com/aegisgate/backend/internal/events"
	"github.com/aegisgate/backend/internal/idempotency"
	"github.com/aegisgate/backend/internal/infra"
	"github.com/aegisgate/backend/internal/metrics"
	"github.com/aegisgate/backend/internal/policy"
	"github.com/aegisgate/backend/internal/ratelimit"
	"github.com/aegisgate/backend/internal/retry"
	"github.com/aegisgate/backend/internal/runs"
	"github.com/aegisgate/backend/internal/secrets"
	"github.com/aegisgate/backend/internal/security"
	"github.com/aegisgate/backend/internal/sse"
	"github.com/aegisgate/backend/internal/store"
	"github.com/aegisgate/backend/internal/telemetry"
	"github.com/aegisgate/backend/internal/ws"
)

func main() {
	log.Println("Starting AegisGate agent gateway...")

	// .env is optional; the environment always wins.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(config.ExitConfigError)
	}

	gatewayKey, err := security.ParsePrivateKeyPEM(cfg.GatewayPrivateKeyPEM)
	if err != nil {
		log.Printf("GATEWAY_PRIVATE_KEY unparseable: %v", err)
		os.Exit(config.ExitConfigError)
	}

	tokens, err := security.NewTokenBroker(security.TokenBrokerConfig{
		SigningSecret:         cfg.SigningSecret,
		PreviousSigningSecret: cfg.PreviousSigningSecret,
		GatewayPrivateKey:     gatewayKey,
		MaxLifetime:           cfg.MaxTokenLifetime,
		RotationThreshold:     cfg.RotationThreshold,
	})
	if err != nil {
		log.Printf("token broker: %v", err)
		os.Exit(config.ExitConfigError)
	}

	// Persistence. An explicitly configured store that is unreachable
	// aborts boot with exit code 2; no configuration means the in-memory
	// fallback.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Printf("postgres unreachable: %v", err)
			os.Exit(config.ExitStoreError)
		}
		defer pg.Close()
		st = pg
		log.Println("Postgres store connected")
	} else {
		st = store.NewMemoryStore()
		log.Println("DATABASE_URL unset, using in-memory store")
	}

	var idem idempotency.Store
	if cfg.RedisAddr != "" {
		rdb, err := infra.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("redis unreachable: %v", err)
			os.Exit(config.ExitStoreError)
		}
		defer rdb.Close()
		idem = idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL)
	} else {
		idem = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
		log.Println("REDIS_ADDR unset, idempotency records are process-local")
	}

	m := metrics.New()
	bus := events.NewBus()
	runRegistry := runs.NewRegistry()

	stopRunSweep := runRegistry.StartCleanup(5*time.Minute, cfg.RunIdleTTL)
	defer stopRunSweep()

	broker := sse.NewBroker(cfg.SSEMaxStreams)
	broker.SetHeartbeat(cfg.SSEHeartbeat)
	broker.OnSubscribe = m.SSEActiveStreams.Inc
	broker.OnUnsubscribe = m.SSEActiveStreams.Dec
	broker.OnDrop = m.SSEDroppedEvents.Inc
	go broker.ConsumeBus(bus.Subscribe())
	stopStreamSweep := broker.StartCleanup(5*time.Minute, cfg.RunIdleTTL)
	defer stopStreamSweep()

	streamer := ws.NewRunLogStreamer()
	go streamer.Run()
	go streamer.ConsumeBus(bus.Subscribe())

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Window:           cfg.BreakerWindow,
		OpenFor:          cfg.BreakerOpenFor,
		MaxProbes:        cfg.BreakerProbes,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			log.Printf("[BREAKER] %s: %s -> %s", name, from, to)
			m.BreakerState.WithLabelValues(name).Set(to.GaugeValue())
			m.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			switch to {
			case circuitbreaker.StateOpen:
				bus.Emit(events.TypeBreakerOpened, "", "", map[string]interface{}{"tool": name})
			case circuitbreaker.StateClosed:
				bus.Emit(events.TypeBreakerClosed, "", "", map[string]interface{}{"tool": name})
			}
		},
	})

	retrier := retry.NewExecutor(retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseBackoff: cfg.RetryBaseBackoff,
		Enabled:     cfg.RetryEnabled,
	}, retry.ClassifyAdapter)
	retrier.OnRetry = func(tool, action string, attempt int, class retry.Class) {
		m.Retries.WithLabelValues(tool, action, class.String()).Inc()
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerMinute:     cfg.RatePerMinute,
		ToolPerMinute: cfg.ToolRatePerMinute,
	})
	stopSweep := limiter.StartCleanup(5 * time.Minute)
	defer stopSweep()

	injector := chaos.New(chaos.Config{
		Enabled:    cfg.ChaosEnabled,
		LatencyPct: cfg.ChaosLatencyPct,
		ErrorPct:   cfg.ChaosErrorPct,
		TimeoutPct: cfg.ChaosTimeoutPct,
		Latency:    cfg.ChaosLatency,
	})

	registry := adapters.NewRegistry()
	for _, a := range buildAdapters(cfg) {
		registry.Register(injector.Wrap(a))
	}

	server := api.NewServer(api.Deps{
		Config:      cfg,
		Store:       st,
		Tokens:      tokens,
		Policies:    policy.NewEngine(st),
		Limiter:     limiter,
		Cache:       cache.New(cfg.CacheCapacity),
		Breakers:    breakers,
		Retrier:     retrier,
		Adapters:    registry,
		Chaos:       injector,
		Idempotency: idem,
		Secrets:     secrets.EnvProvider{},
		Metrics:     m,
		Bus:         bus,
		Runs:        runRegistry,
		Broker:      broker,
		Streamer:    streamer,
		Sink:        telemetry.NewMemorySink(4096),
	})

	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		log.Printf("PORT invalid: %v", err)
		os.Exit(config.ExitConfigError)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}

	log.Println("gateway stopped")
	os.Exit(config.ExitOK)
}

// buildAdapters assembles the tool set for the configured upstream mode.
// Mock mode serves deterministic synthetic responses for reproducible
// runs; live mode talks to the real upstreams.
func buildAdapters(cfg *config.Config) []adapters.Adapter {
	if cfg.UpstreamMode == config.ModeMock {
		return []adapters.Adapter{
			adapters.NewMockAdapter("serpapi", "search"),
			adapters.NewMockAdapter("http_fetch", "get"),
			adapters.NewMockAdapter("llm_chat", "complete"),
			adapters.NewMockAdapter("gmail_send", "send"),
		}
	}

	client := &http.Client{Timeout: cfg.HTTPTimeout}
	return []adapters.Adapter{
		adapters.NewHTTPAdapter("serpapi", "serpapi.api_key", client,
			adapters.SerpSearchBuilder("https://serpapi.com")),
		adapters.NewHTTPAdapter("http_fetch", "", client,
			adapters.FetchBuilder()),
		adapters.NewHTTPAdapter("llm_chat", "llm.api_key", client,
			adapters.PostJSONBuilder("https://api.openai.com/v1/chat/completions")),
		adapters.NewHTTPAdapter("gmail_send", "gmail.api_key", client,
			adapters.PostJSONBuilder("https://gmail.googleapis.com/gmail/v1/users/me/messages/send")),
	}
}
