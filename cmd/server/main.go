// Command server starts the Courtside Live relay and control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"courtside-live/internal/api"
	"courtside-live/internal/broadcast"
	"courtside-live/internal/observability/logging"
	"courtside-live/internal/observability/metrics"
	"courtside-live/internal/relay"
	"courtside-live/internal/server"
	"courtside-live/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	baseURL := flag.String("base-url", "", "external base URL used in playback links")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	createLimit := flag.Int("rate-create-limit", 0, "maximum stream create attempts per window for a single IP")
	createWindow := flag.Duration("rate-create-window", 0, "window for counting stream create attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed create throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed create throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limiter operations")
	queueDriver := flag.String("events-queue-driver", "", "lifecycle event queue driver (memory or redis)")
	queueRedisAddr := flag.String("events-queue-redis-addr", "", "Redis address for lifecycle event transport")
	queueRedisAddrs := flag.String("events-queue-redis-addrs", "", "comma separated Redis addresses for lifecycle event transport")
	queueRedisUsername := flag.String("events-queue-redis-username", "", "Redis username for the lifecycle event queue")
	queueRedisPassword := flag.String("events-queue-redis-password", "", "Redis password for the lifecycle event queue")
	queueRedisStream := flag.String("events-queue-redis-stream", "", "Redis stream key for lifecycle events")
	queueRedisGroup := flag.String("events-queue-redis-group", "", "Redis consumer group for lifecycle events")
	queueRedisMasterName := flag.String("events-queue-redis-sentinel-master", "", "Redis sentinel master name for the lifecycle event queue")
	queueRedisPoolSize := flag.Int("events-queue-redis-pool-size", 0, "maximum Redis connections for the lifecycle event queue")
	queueRedisTLSCA := flag.String("events-queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the lifecycle event queue")
	queueRedisTLSCert := flag.String("events-queue-redis-tls-cert", "", "path to Redis TLS client certificate for the lifecycle event queue")
	queueRedisTLSKey := flag.String("events-queue-redis-tls-key", "", "path to Redis TLS client key for the lifecycle event queue")
	queueRedisTLSServerName := flag.String("events-queue-redis-tls-server-name", "", "override Redis TLS server name for the lifecycle event queue")
	queueRedisTLSSkipVerify := flag.Bool("events-queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the lifecycle event queue")
	gatewayHeartbeat := flag.Duration("gateway-heartbeat", 0, "interval between ingestion gateway heartbeat pings")
	janitorInterval := flag.Duration("janitor-interval", 0, "interval between artifact purge passes")
	corsBroadcasterOrigins := flag.String("cors-broadcaster-origins", "", "comma separated origins allowed for the capture console")
	corsViewerOrigins := flag.String("cors-viewer-origins", "", "comma separated origins allowed for the playback pages")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("COURTSIDE_LIVE_LOG_LEVEL"))})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("COURTSIDE_LIVE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("COURTSIDE_LIVE_ADDR"))

	relayCfg, err := relay.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load relay configuration", "error", err)
		os.Exit(1)
	}

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("COURTSIDE_LIVE_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("COURTSIDE_LIVE_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "COURTSIDE_LIVE_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "COURTSIDE_LIVE_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "COURTSIDE_LIVE_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "COURTSIDE_LIVE_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "COURTSIDE_LIVE_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "COURTSIDE_LIVE_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("COURTSIDE_LIVE_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	queueCfg := broadcast.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_POOL_SIZE"),
		TLS: broadcast.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "COURTSIDE_LIVE_EVENTS_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureEventQueue(firstNonEmpty(*queueDriver, os.Getenv("COURTSIDE_LIVE_EVENTS_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	registry := relay.NewRegistry()
	supervisor := relay.NewSupervisor(relayCfg, registry, store, logging.WithComponent(logger, "relay"))

	gateway := broadcast.NewGateway(broadcast.GatewayConfig{
		Pipeline:          supervisor,
		Store:             store,
		Queue:             queue,
		Logger:            logging.WithComponent(logger, "gateway"),
		HeartbeatInterval: resolveDuration(*gatewayHeartbeat, "COURTSIDE_LIVE_GATEWAY_HEARTBEAT", 30*time.Second),
	})

	handler := api.NewHandler(store)
	handler.Relay = supervisor
	handler.Gateway = gateway
	handler.Queue = queue
	handler.BaseURL = firstNonEmpty(*baseURL, os.Getenv("COURTSIDE_LIVE_BASE_URL"))
	handler.Logger = logging.WithComponent(logger, "api")

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "COURTSIDE_LIVE_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "COURTSIDE_LIVE_RATE_GLOBAL_BURST"),
		CreateLimit:   resolveInt(*createLimit, "COURTSIDE_LIVE_RATE_CREATE_LIMIT"),
		CreateWindow:  resolveDuration(*createWindow, "COURTSIDE_LIVE_RATE_CREATE_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("COURTSIDE_LIVE_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("COURTSIDE_LIVE_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*rateRedisTimeout, "COURTSIDE_LIVE_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       server.TLSConfig{CertFile: firstNonEmpty(*tlsCert, os.Getenv("COURTSIDE_LIVE_TLS_CERT")), KeyFile: firstNonEmpty(*tlsKey, os.Getenv("COURTSIDE_LIVE_TLS_KEY"))},
		RateLimit: rateCfg,
		CORS: server.CORSConfig{
			BroadcasterOrigins: splitAndTrim(firstNonEmpty(*corsBroadcasterOrigins, os.Getenv("COURTSIDE_LIVE_CORS_BROADCASTER_ORIGINS"))),
			ViewerOrigins:      splitAndTrim(firstNonEmpty(*corsViewerOrigins, os.Getenv("COURTSIDE_LIVE_CORS_VIEWER_ORIGINS"))),
		},
		Logger:      logger,
		Metrics:     recorder,
		SegmentRoot: relayCfg.OutputRoot,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	purgeInterval := resolveDuration(*janitorInterval, "COURTSIDE_LIVE_JANITOR_INTERVAL", time.Hour)
	purgeStop := startArtifactPurgeWorker(ctx, logging.WithComponent(logger, "janitor"), store, relayCfg.OutputRoot, relayCfg.Retention, purgeInterval)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		storage.NewLifecycleWorker(store, queue, logging.WithComponent(logger, "lifecycle-worker")).Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		logger.Info("Courtside Live API listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		return srv.Run(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
	}

	purgeStop()
	supervisor.StopAll()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close event queue", "error", err)
		}
	}

	logger.Info("server stopped")
}

func configureEventQueue(driver string, cfg broadcast.RedisQueueConfig, logger *slog.Logger) (broadcast.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the event queue")
		}
		cfg.Logger = logging.WithComponent(logger, "event-queue")
		return broadcast.NewRedisQueue(cfg)
	case "", "memory":
		return broadcast.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported event queue driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func validateProductionDatastore(driver, resolvedPostgresDSN string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(resolvedPostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("COURTSIDE_LIVE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
