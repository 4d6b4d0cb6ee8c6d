package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/efreitasn/spotexchange/internal/config"
	"github.com/efreitasn/spotexchange/internal/engine"
	"github.com/efreitasn/spotexchange/internal/handler"
	"github.com/efreitasn/spotexchange/internal/metrics"
	"github.com/efreitasn/spotexchange/internal/notify"
	"github.com/efreitasn/spotexchange/internal/service"
	"github.com/efreitasn/spotexchange/internal/store"
	"github.com/efreitasn/spotexchange/internal/store/memstore"
	"github.com/efreitasn/spotexchange/internal/store/sqlstore"
	"github.com/efreitasn/spotexchange/internal/txn"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	envFile := flag.String("env-file", ".env", "Optional file of environment variables")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("exchange stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	if cfg.FeeAccountID != 0 {
		if _, err := st.GetAccount(ctx, cfg.FeeAccountID); err != nil {
			// Every settlement rolls back until the account exists.
			logger.Warn("fee account not available", zap.Int64("fee_account_id", cfg.FeeAccountID), zap.Error(err))
		}
	}

	m := metrics.New()

	sink, closeSink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	relay := notify.NewRelay(st, sink, logger,
		notify.WithInterval(cfg.RelayInterval),
		notify.WithBatchSize(cfg.RelayBatchSize),
		notify.WithMaxAttempts(cfg.RelayMaxAttempts),
		notify.WithMetrics(m),
	)

	ctrl := txn.NewController(st, logger, txn.WithMaxAttempts(cfg.TxMaxAttempts), txn.WithMetrics(m))
	settler := engine.NewSettler(cfg.CommissionRate, cfg.FeeAccountID, logger, m)
	matcher := engine.NewMatcher(settler, logger)

	accountSvc := service.NewAccountService(st, logger)
	orderSvc := service.NewOrderService(ctrl, st, matcher, relay, m, logger)

	router := handler.NewRouter(accountSvc, orderSvc, m, logger)

	// Pick up anything left undelivered by a previous process.
	relay.Start(ctx)
	relay.Kick()

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("store", cfg.StoreDriver),
			zap.Strings("sinks", cfg.NotifySinks))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	// Graceful shutdown: stop HTTP server, stop the relay ticker, then
	// flush what the last requests committed.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	cancel()
	if n, err := relay.Drain(shutdownCtx); err != nil {
		logger.Warn("final outbox drain failed", zap.Int("delivered", n), zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		return memstore.New(memstore.WithLockWait(cfg.LockWaitTimeout)), nil
	}

	s, err := sqlstore.Open(sqlstore.Config{DSN: cfg.MySQLDSN, LockWait: cfg.LockWaitTimeout})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("mysql store ready")
	return s, nil
}

// buildSink assembles the configured sinks. The returned func releases
// their connections.
func buildSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Sink, func(), error) {
	var (
		sinks   notify.MultiSink
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("sink close failed", zap.Error(err))
			}
		}
	}

	for _, name := range cfg.NotifySinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, notify.NewLogSink(logger))
		case config.SinkWebhook:
			sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookTimeout))
		case config.SinkRedis:
			client, err := notify.NewRedisClient(ctx, cfg.RedisAddr)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, client.Close)
			sinks = append(sinks, notify.NewRedisSink(client))
		case config.SinkKafka:
			k := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
			closers = append(closers, k.Close)
			sinks = append(sinks, k)
		}
	}
	return sinks, closeAll, nil
}
