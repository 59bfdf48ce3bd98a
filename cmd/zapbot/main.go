package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"zapbot/internal/admin"
	"zapbot/internal/engine"
	"zapbot/internal/eventstate"
	"zapbot/internal/invoices"
	"zapbot/internal/ledger"
	"zapbot/internal/lightning"
	"zapbot/internal/lnurl"
	"zapbot/internal/nostrfeed"
	"zapbot/internal/profile"
	"zapbot/internal/reconcile"
	"zapbot/internal/scheduler"
	"zapbot/internal/tenants"
	"zapbot/pkg/auth"
	"zapbot/pkg/cache"
	"zapbot/pkg/clients"
	"zapbot/pkg/config"
	"zapbot/pkg/crypto"
	"zapbot/pkg/database"
	"zapbot/pkg/logging"
	"zapbot/pkg/monitoring"
	"zapbot/pkg/redis"
	"zapbot/pkg/server"
	"zapbot/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("zapbot")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithField("version", version.String()).Info("Starting Zapbot")

	lndAddress := config.RequireEnv("LND_ADDRESS")
	lndMacaroon := config.RequireEnv("LND_MACAROON")
	botNsec := config.RequireEnv("BOT_NSEC")
	adminToken := config.GetEnv("ADMIN_TOKEN", "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir := config.GetEnv("DATA_DIR", "./data")
	for _, sub := range []string{"ledger", "events", "tenants", "cache"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o700); err != nil {
			logger.WithError(err).WithField("dir", sub).Fatal("Failed to create data directory")
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("zapbot", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("zapbot", version.Version, version.GitCommit)

	breakerMetrics := clients.NewCircuitBreakerMetrics(metricsCollector.Registry())
	breaker := clients.DefaultCircuitBreakerConfig()
	breaker.Logger = logger
	breaker.OnStateChange = breakerMetrics.OnStateChange

	connectTimeout := config.GetEnvDuration("HTTP_CONNECT_TIMEOUT", lightning.DefaultConnectTimeout)
	readTimeout := config.GetEnvDuration("HTTP_READ_TIMEOUT", lightning.DefaultReadTimeout)
	torProxy := config.GetEnv("TOR_PROXY", clients.DefaultTorProxy)

	// Lightning node
	lndBreaker := breaker
	lndBreaker.Name = "lnd"
	lnd, err := lightning.NewClient(lightning.Config{
		Address:        lndAddress,
		Port:           config.GetEnvInt("LND_PORT", 8080),
		Macaroon:       lndMacaroon,
		TLSCertPath:    config.GetEnv("LND_TLS_CERT", ""),
		TLSSkipVerify:  config.GetEnvBool("LND_TLS_SKIP_VERIFY", false),
		FeeLimitSat:    config.GetEnvInt64("LND_FEE_LIMIT_SAT", lightning.DefaultFeeLimitSat),
		PaymentTimeout: config.GetEnvDuration("LND_PAYMENT_TIMEOUT", lightning.DefaultPaymentTimeout),
		ConnectTimeout: connectTimeout,
		ReadTimeout:    readTimeout,
		TorProxy:       torProxy,
		CircuitBreaker: &lndBreaker,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure LND client")
	}
	healthChecker.AddCheck("lnd", monitoring.PingHealthCheck("lnd", lnd.Ping, monitoring.StatusUnhealthy))

	links, err := lnurl.NewClient(lnurl.Config{
		DenyProviders:  config.GetEnvList("LNURL_DENY_PROVIDERS", nil),
		TorProxy:       torProxy,
		ConnectTimeout: connectTimeout,
		ReadTimeout:    readTimeout,
		CircuitBreaker: &breaker,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure LNURL client")
	}

	// Ledger backend: Postgres when configured, JSON files otherwise
	var ledgerStore ledger.Store = ledger.NewFileStore(filepath.Join(dataDir, "ledger"))
	if dbURL := config.GetEnv("DATABASE_URL", ""); dbURL != "" {
		dbConfig := database.DefaultConfig()
		dbConfig.URL = dbURL
		db, err := database.Connect(ctx, dbConfig, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()
		if err := database.Migrate(ctx, db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to migrate database")
		}
		ledgerStore = ledger.NewPostgresStore(db)
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	}
	accountant := ledger.NewAccountant(ledgerStore, config.GetEnvInt("LEDGER_ROTATE_AFTER", ledger.DefaultRotateAfter), logger)

	// Tenant configuration, with nsec values encrypted when a secret is set
	var enc *crypto.FieldEncryptor
	if secret := config.GetEnv("BOT_CONFIG_SECRET", ""); secret != "" {
		enc, err = crypto.DeriveFieldEncryptor([]byte(secret), "zapbot-tenant-nsec")
		if err != nil {
			logger.WithError(err).Fatal("Failed to derive config encryptor")
		}
	} else {
		logger.Warn("BOT_CONFIG_SECRET not set, tenant keys are stored in plaintext")
	}
	tenantStore := tenants.NewFileStore(filepath.Join(dataDir, "tenants"), enc)

	// Nostr relays
	defaultRelays := config.GetEnvList("NOSTR_RELAYS", []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.primal.net"})
	feed := nostrfeed.NewClient(nostrfeed.NewPoolRelays(ctx), defaultRelays, readTimeout, logger)
	defaultRelays = feed.DefaultRelays()
	messenger, err := nostrfeed.NewMessenger(feed, botNsec, logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid BOT_NSEC")
	}
	logger.WithField("pubkey", messenger.PublicKey()).Info("Operator identity loaded")

	// Lightning address cache: Redis when configured, JSON files otherwise
	cacheHits := metricsCollector.NewCounter("lightning_address_cache_total", "Lightning address cache lookups", []string{"result"})
	hooks := cache.MetricsHooks{
		OnHit:   func(map[string]string) { cacheHits.WithLabelValues("hit").Inc() },
		OnMiss:  func(map[string]string) { cacheHits.WithLabelValues("miss").Inc() },
		OnStore: func(map[string]string) { cacheHits.WithLabelValues("store").Inc() },
		OnError: func(map[string]string) { cacheHits.WithLabelValues("error").Inc() },
	}
	var backend profile.Backend
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		rdb, err := redis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		backend = profile.NewRedisBackend(rdb, "", profile.DefaultFreshness)
		healthChecker.AddCheck("redis", monitoring.PingHealthCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}, monitoring.StatusDegraded))
	} else {
		fb, err := profile.NewFileBackend(filepath.Join(dataDir, "cache"))
		if err != nil {
			logger.WithError(err).Fatal("Failed to open lightning address cache")
		}
		backend = fb
	}
	addresses := profile.NewResolver(feed, backend, profile.Options{
		Freshness:   profile.DefaultFreshness,
		MemoryTTL:   10 * time.Minute,
		NegativeTTL: 5 * time.Minute,
		MaxEntries:  10000,
		Hooks:       hooks,
	}, logger)

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"LND_ADDRESS":  lndAddress,
		"LND_MACAROON": lndMacaroon,
		"BOT_NSEC":     botNsec,
	}))

	// Create zap metrics
	metrics := &engine.Metrics{
		Zaps:    metricsCollector.NewCounter("zaps_total", "Zap payments attempted", []string{"status"}),
		ZapSats: metricsCollector.NewScalarCounter("zap_sats_total", "Satoshis sent in zaps"),
		Replies: metricsCollector.NewScalarCounter("replies_total", "Reply messages published"),
		Skips:   metricsCollector.NewCounter("zap_skips_total", "Replies skipped without a zap", []string{"reason"}),
	}

	stateStore := eventstate.NewFileStore(filepath.Join(dataDir, "events"))
	eng := engine.New(engine.Deps{
		State:     stateStore,
		Ledger:    accountant,
		Addresses: addresses,
		PayLinks:  links,
		Payments:  lnd,
		Publisher: feed,
		Messenger: messenger,
	}, engine.Config{
		ReplyFeeMCredits: config.GetEnvInt64("FEE_REPLY_MESSAGE_MCREDITS", engine.DefaultReplyFeeMCredits),
		ZapFeeMCredits:   config.GetEnvInt64("FEE_ZAP_EVENT_MCREDITS", engine.DefaultZapFeeMCredits),
		Metrics:          metrics,
	}, logger)

	sweeper := reconcile.NewSweeper(stateStore, lnd, accountant, tenantStore, reconcile.Options{
		Updates: metricsCollector.NewCounter("payment_status_updates_total", "Final payment statuses learned by tracking", []string{"status"}),
	}, logger)

	invoiceService := invoices.NewService(lnd, accountant, tenantStore, messenger, invoices.Options{
		DataDir: dataDir,
		Counter: metricsCollector.NewCounter("credit_invoices_total", "Credit invoices by outcome", []string{"outcome"}),
	}, logger)
	checker := invoices.NewChecker(invoiceService, config.GetEnvDuration("INVOICE_CHECK_INTERVAL", invoices.DefaultCheckInterval), logger)

	pollInterval := config.GetEnvDuration("POLL_INTERVAL", scheduler.DefaultPollInterval)
	heartbeat := monitoring.NewHeartbeat()
	healthChecker.AddCheck("scheduler", monitoring.HeartbeatHealthCheck("scheduler", heartbeat, 10*pollInterval+time.Minute))

	sched := scheduler.New(tenantStore, feed, eng, sweeper, messenger, scheduler.Config{
		PollInterval:  pollInterval,
		SweepPercent:  config.GetEnvInt("SWEEP_PERCENT", scheduler.DefaultSweepPercent),
		SweepInterval: config.GetEnvDuration("SWEEP_INTERVAL", reconcile.DefaultInterval),
		DefaultRelays: defaultRelays,
		DefaultProfile: tenants.Profile{
			Name:    config.GetEnv("BOT_PROFILE_NAME", "Zapping Bot"),
			About:   config.GetEnv("BOT_PROFILE_ABOUT", ""),
			Picture: config.GetEnv("BOT_PROFILE_PICTURE", ""),
		},
		Heartbeat:    heartbeat,
		CycleSeconds: metricsCollector.NewHistogram("cycle_duration_seconds", "Scheduler cycle duration", nil, nil).WithLabelValues(),
	}, logger)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "zapbot", healthChecker, metricsCollector)
	if adminToken != "" {
		protected := router.Group("/admin")
		protected.Use(auth.ServiceAuthMiddleware(adminToken))
		admin.New(tenantStore, accountant, invoiceService, defaultRelays, logger).Register(protected)
	} else {
		logger.Info("ADMIN_TOKEN not set, operator endpoints disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx, server.DefaultConfig("zapbot", "18080"), router, logger)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Zapbot stopped with error")
	}
	logger.Info("Zapbot stopped")
}
