// Command server starts the classcast pool API HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"classcast/internal/api"
	"classcast/internal/auth"
	"classcast/internal/broadcast"
	"classcast/internal/observability/logging"
	"classcast/internal/observability/metrics"
	"classcast/internal/orchestrator"
	"classcast/internal/server"
	"classcast/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
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
	tokenStoreDriver := flag.String("token-store", "", "token store driver (memory or redis)")
	tokenTTL := flag.Duration("token-ttl", 0, "lifetime of issued API tokens")
	staticTokens := flag.String("static-tokens", "", "static API tokens (token=role:userID[:mentorID], comma separated)")
	tokenRedisAddr := flag.String("token-redis-addr", "", "Redis address for the token store")
	tokenRedisAddrs := flag.String("token-redis-addrs", "", "comma separated Redis addresses for the token store")
	tokenRedisUsername := flag.String("token-redis-username", "", "Redis username for the token store")
	tokenRedisPassword := flag.String("token-redis-password", "", "Redis password for the token store")
	tokenRedisMasterName := flag.String("token-redis-sentinel-master", "", "Redis sentinel master name for the token store")
	tokenRedisPoolSize := flag.Int("token-redis-pool-size", 0, "maximum Redis connections for the token store")
	tokenRedisTLSCA := flag.String("token-redis-tls-ca", "", "path to Redis TLS CA certificate for the token store")
	tokenRedisTLSCert := flag.String("token-redis-tls-cert", "", "path to Redis TLS client certificate for the token store")
	tokenRedisTLSKey := flag.String("token-redis-tls-key", "", "path to Redis TLS client key for the token store")
	tokenRedisTLSServerName := flag.String("token-redis-tls-server-name", "", "override Redis TLS server name for the token store")
	tokenRedisTLSSkipVerify := flag.Bool("token-redis-tls-skip-verify", false, "skip Redis TLS verification for the token store")
	reservationTTL := flag.Duration("reservation-ttl", 0, "how long a session may hold a channel without going live")
	reaperInterval := flag.Duration("reaper-interval", 0, "interval between expired-reservation sweeps")
	reapConcurrency := flag.Int("reap-concurrency", 0, "maximum reservations reclaimed in parallel per sweep")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	credentialLimit := flag.Int("rate-credential-limit", 0, "maximum credential mutations per identity per window")
	credentialWindow := flag.Duration("rate-credential-window", 0, "window for counting credential mutations")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed credential throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed credential throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	platformOrigins := flag.String("cors-platform-origins", "", "comma separated origins of the marketplace frontend")
	adminOrigins := flag.String("cors-admin-origins", "", "comma separated origins of the pool console")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLASSCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLASSCAST_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("CLASSCAST_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("CLASSCAST_ADDR"))

	providerConfig, err := broadcast.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load provider configuration", "error", err)
		os.Exit(1)
	}
	provider, err := providerConfig.NewProvider()
	if err != nil {
		logger.Error("failed to initialise streaming provider", "error", err)
		os.Exit(1)
	}
	if !providerConfig.Enabled() {
		logger.Warn("streaming provider not configured, stream keys will be locally generated")
	}
	issuer := broadcast.NewIssuer(provider, providerConfig.MaxAttempts, providerConfig.RetryInterval, logging.WithComponent(logger, "issuer"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("CLASSCAST_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres datastore driver", "driver", driver)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("CLASSCAST_DATA"))
		store, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "CLASSCAST_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "CLASSCAST_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "CLASSCAST_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "CLASSCAST_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "CLASSCAST_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "CLASSCAST_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("CLASSCAST_POSTGRES_APP_NAME")); appName != "" {
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

	tokenOptions, tokenCloser, err := buildTokenStore(tokenStoreConfig{
		Driver:     firstNonEmpty(*tokenStoreDriver, os.Getenv("CLASSCAST_TOKEN_STORE")),
		Addr:       firstNonEmpty(*tokenRedisAddr, os.Getenv("CLASSCAST_TOKEN_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*tokenRedisAddrs, os.Getenv("CLASSCAST_TOKEN_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*tokenRedisUsername, os.Getenv("CLASSCAST_TOKEN_REDIS_USERNAME")),
		Password:   firstNonEmpty(*tokenRedisPassword, os.Getenv("CLASSCAST_TOKEN_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*tokenRedisMasterName, os.Getenv("CLASSCAST_TOKEN_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*tokenRedisPoolSize, "CLASSCAST_TOKEN_REDIS_POOL_SIZE"),
		TLSCA:      firstNonEmpty(*tokenRedisTLSCA, os.Getenv("CLASSCAST_TOKEN_REDIS_TLS_CA")),
		TLSCert:    firstNonEmpty(*tokenRedisTLSCert, os.Getenv("CLASSCAST_TOKEN_REDIS_TLS_CERT")),
		TLSKey:     firstNonEmpty(*tokenRedisTLSKey, os.Getenv("CLASSCAST_TOKEN_REDIS_TLS_KEY")),
		TLSServer:  firstNonEmpty(*tokenRedisTLSServerName, os.Getenv("CLASSCAST_TOKEN_REDIS_TLS_SERVER_NAME")),
		TLSSkip:    resolveBool(*tokenRedisTLSSkipVerify, "CLASSCAST_TOKEN_REDIS_TLS_SKIP_VERIFY"),
	})
	if err != nil {
		logger.Error("failed to configure token store", "error", err)
		os.Exit(1)
	}

	if spec := firstNonEmpty(*staticTokens, os.Getenv("CLASSCAST_STATIC_TOKENS")); spec != "" {
		parsed, err := auth.ParseStaticTokens(spec)
		if err != nil {
			logger.Error("failed to parse static tokens", "error", err)
			os.Exit(1)
		}
		tokenOptions = append(tokenOptions, auth.WithStaticTokens(parsed))
	}

	ttl := resolveDuration(*tokenTTL, "CLASSCAST_TOKEN_TTL", 24*time.Hour)
	tokens := auth.NewManager(ttl, tokenOptions...)

	orch := orchestrator.New(orchestrator.Config{
		Store:           store,
		Issuer:          issuer,
		Logger:          logging.WithComponent(logger, "orchestrator"),
		ReservationTTL:  resolveDuration(*reservationTTL, "CLASSCAST_RESERVATION_TTL", 10*time.Minute),
		ReapConcurrency: resolveInt(*reapConcurrency, "CLASSCAST_REAP_CONCURRENCY"),
	})

	handler := api.NewHandler(store, orch, tokens)
	handler.Provider = provider
	handler.Logger = logging.WithComponent(logger, "api")

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CLASSCAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CLASSCAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:        resolveFloat(*globalRPS, "CLASSCAST_RATE_GLOBAL_RPS"),
			GlobalBurst:      resolveInt(*globalBurst, "CLASSCAST_RATE_GLOBAL_BURST"),
			CredentialLimit:  resolveInt(*credentialLimit, "CLASSCAST_RATE_CREDENTIAL_LIMIT"),
			CredentialWindow: resolveDuration(*credentialWindow, "CLASSCAST_RATE_CREDENTIAL_WINDOW", time.Minute),
			RedisAddr:        firstNonEmpty(*rateRedisAddr, os.Getenv("CLASSCAST_RATE_REDIS_ADDR")),
			RedisPassword:    firstNonEmpty(*rateRedisPassword, os.Getenv("CLASSCAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:     resolveDuration(*rateRedisTimeout, "CLASSCAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			PlatformOrigins: splitAndTrim(firstNonEmpty(*platformOrigins, os.Getenv("CLASSCAST_CORS_PLATFORM_ORIGINS"))),
			AdminOrigins:    splitAndTrim(firstNonEmpty(*adminOrigins, os.Getenv("CLASSCAST_CORS_ADMIN_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := resolveDuration(*reaperInterval, "CLASSCAST_REAPER_INTERVAL", time.Minute)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("classcast API listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		reaperStop := startReaperWorker(groupCtx, logging.WithComponent(logger, "reaper"), orch, interval)
		<-groupCtx.Done()
		reaperStop()
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	if tokenCloser != nil {
		if err := tokenCloser(); err != nil {
			logger.Warn("failed to close token store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type tokenStoreConfig struct {
	Driver     string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	PoolSize   int
	TLSCA      string
	TLSCert    string
	TLSKey     string
	TLSServer  string
	TLSSkip    bool
}

func buildTokenStore(cfg tokenStoreConfig) ([]auth.Option, func() error, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.Addr != "" || len(cfg.Addrs) > 0 {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return nil, nil, nil
	case "redis":
		store, err := auth.NewRedisTokenStore(auth.RedisTokenStoreConfig{
			Addr:       cfg.Addr,
			Addrs:      cfg.Addrs,
			Username:   cfg.Username,
			Password:   cfg.Password,
			MasterName: cfg.MasterName,
			PoolSize:   cfg.PoolSize,
			TLS: auth.RedisTLSConfig{
				CAFile:             cfg.TLSCA,
				CertFile:           cfg.TLSCert,
				KeyFile:            cfg.TLSKey,
				ServerName:         cfg.TLSServer,
				InsecureSkipVerify: cfg.TLSSkip,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		return []auth.Option{auth.WithStore(store)}, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported token store driver %q", driver)
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

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/classcast.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("CLASSCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
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
