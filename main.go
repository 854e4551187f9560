package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"plant-insights/internal/config"
	insightapp "plant-insights/internal/insights/application"
	insights "plant-insights/internal/insights/domain"
	"plant-insights/internal/insights/evaluator"
	insightmemory "plant-insights/internal/insights/infrastructure/memory"
	insightpostgres "plant-insights/internal/insights/infrastructure/postgres"
	insightsqlite "plant-insights/internal/insights/infrastructure/sqlite"
	insighthttp "plant-insights/internal/insights/interfaces/http"
	"plant-insights/internal/insights/notify"
	"plant-insights/internal/logging"
	masterdata "plant-insights/internal/masterdata/domain"
	masterdatamemory "plant-insights/internal/masterdata/infrastructure/memory"
	masterdatapostgres "plant-insights/internal/masterdata/infrastructure/postgres"
	"plant-insights/internal/masterdata/infrastructure/yamlfile"
	"plant-insights/internal/masterdata/registry"
	"plant-insights/internal/observability/metrics"
	"plant-insights/internal/pump"
	"plant-insights/internal/telemetry/buffer"
	telemetry "plant-insights/internal/telemetry/domain"
	telemetrymemory "plant-insights/internal/telemetry/infrastructure/memory"
	telemetrypostgres "plant-insights/internal/telemetry/infrastructure/postgres"
	telemetryhttp "plant-insights/internal/telemetry/interfaces/http"
	telemetrymqtt "plant-insights/internal/telemetry/interfaces/mqtt"
	"plant-insights/internal/telemetry/simulator"
)

const (
	sweepInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
	memoryReadings  = 50000
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pg *sqlx.DB
	if cfg.DatabaseURL != "" {
		pg, err = sqlx.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db open error", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.PingContext(ctx); err != nil {
			logger.Fatal("db ping error", zap.Error(err))
		}
	}

	store, metricsDB, closeStore := openLedgerStore(ctx, cfg, pg, logger)
	defer closeStore()
	metrics.Init(metricsDB, logger)

	var (
		rangeSource registry.Source
		readingRepo telemetry.ReadingRepository
		statuses    masterdata.AssetStatusWriter
	)
	if pg != nil {
		readingRepo = telemetrypostgres.NewReadingRepository(pg)
		statuses = masterdatapostgres.NewAssetStatusRepository(pg)
	} else {
		readingRepo = telemetrymemory.NewReadingRepository(memoryReadings)
		statuses = masterdatamemory.NewAssetStatusStore()
	}
	switch cfg.RangesSource {
	case config.RangesPostgres:
		if pg == nil {
			logger.Fatal("RANGES_SOURCE=postgres requires DATABASE_URL")
		}
		rangeSource = masterdatapostgres.NewRangeRepository(pg)
	default:
		yamlSource, err := yamlfile.NewRangeSource(cfg.RangesFile)
		if err != nil {
			logger.Fatal("range file error", zap.Error(err))
		}
		rangeSource = yamlSource
	}

	ranges, err := registry.New(rangeSource, registry.WithLogger(logger))
	if err != nil {
		logger.Fatal("registry init error", zap.Error(err))
	}
	if err := ranges.Refresh(ctx); err != nil {
		logger.Fatal("initial range load failed", zap.Error(err))
	}
	go ranges.Run(ctx, cfg.RangesRefresh)

	broadcaster := notify.NewBroadcaster(notify.WithBroadcasterLogger(logger))
	go broadcaster.Run(ctx, sweepInterval, cfg.ChannelIdleTTL)

	var waker notify.Waker = broadcaster
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DialTimeout: 5 * time.Second})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping error", zap.Error(err))
		}
		relay, err := notify.NewRedisRelay(rdb, broadcaster,
			notify.WithRelayChannel(cfg.RedisChannel),
			notify.WithRelayLogger(logger),
		)
		if err != nil {
			logger.Fatal("redis relay init error", zap.Error(err))
		}
		if err := relay.Forward(ctx); err != nil {
			logger.Fatal("redis relay subscribe error", zap.Error(err))
		}
		waker = relay
	}

	ledgerOpts := []insightapp.Option{
		insightapp.WithAssetNamer(ranges),
		insightapp.WithLogger(logger),
	}
	if cfg.WebhookURL != "" {
		notifier, err := buildNotifier(cfg, logger)
		if err != nil {
			logger.Fatal("insight notifier init error", zap.Error(err))
		}
		go notifier.Run(ctx)
		ledgerOpts = append(ledgerOpts, insightapp.WithListener(notifier))
	}
	ledger, err := insightapp.NewLedger(store, ledgerOpts...)
	if err != nil {
		logger.Fatal("ledger init error", zap.Error(err))
	}

	eval, err := evaluator.New(cfg.Severity, evaluator.WithLogger(logger))
	if err != nil {
		logger.Fatal("evaluator init error", zap.Error(err))
	}

	pushed := buffer.New(cfg.BufferCapacity)
	sources := pump.MultiSource{pushed}
	if cfg.PumpSimulate {
		generator, err := simulator.New(ranges)
		if err != nil {
			logger.Fatal("simulator init error", zap.Error(err))
		}
		sources = append(sources, generator)
	}

	if cfg.MQTTBroker != "" {
		subscriber, err := telemetrymqtt.NewSubscriber(cfg.MQTTBroker, cfg.MQTTTopic, pushed, telemetrymqtt.WithLogger(logger))
		if err != nil {
			logger.Fatal("mqtt init error", zap.Error(err))
		}
		if err := subscriber.Start(); err != nil {
			logger.Fatal("mqtt connect error", zap.Error(err))
		}
		defer subscriber.Close()
	}

	insightPump, err := pump.New(sources, ranges, eval, ledger, waker,
		pump.WithReadingRepository(readingRepo),
		pump.WithAssetStatusWriter(statuses),
		pump.WithSchedule(cfg.PumpSchedule),
		pump.WithRetry(cfg.PumpRetryMaxElapse, 0),
		pump.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("pump init error", zap.Error(err))
	}
	if err := insightPump.Start(ctx); err != nil {
		logger.Fatal("pump start error", zap.Error(err))
	}
	defer insightPump.Stop()

	ingestHandler, err := telemetryhttp.NewIngestHandler(pushed, logger)
	if err != nil {
		logger.Fatal("ingest handler init error", zap.Error(err))
	}
	insightHandler, err := insighthttp.NewHandler(ledger, broadcaster,
		insighthttp.WithHeartbeat(cfg.StreamHeartbeat),
		insighthttp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("insight handler init error", zap.Error(err))
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(loggingMiddleware(logger))
	router.Method(http.MethodPost, "/ingest/readings", ingestHandler)
	insightHandler.Routes(router)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("ledger", cfg.LedgerDriver))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server error", zap.Error(err))
	}
}

func openLedgerStore(ctx context.Context, cfg config.Config, pg *sqlx.DB, logger *zap.Logger) (insights.Store, *sql.DB, func()) {
	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		if pg == nil {
			logger.Fatal("LEDGER_DRIVER=postgres requires DATABASE_URL")
		}
		store := insightpostgres.NewStore(pg)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Fatal("ledger schema error", zap.Error(err))
		}
		return store, pg.DB, func() {}
	case config.DriverSQLite:
		store, err := insightsqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal("sqlite open error", zap.Error(err))
		}
		return store, store.DB(), func() { _ = store.Close() }
	default:
		return insightmemory.NewStore(), nil, func() {}
	}
}

func buildNotifier(cfg config.Config, logger *zap.Logger) (*notify.Notifier, error) {
	channel, err := notify.NewWebhookChannel(cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	return notify.NewNotifier(channel, nil,
		notify.WithLogger(logger),
		notify.WithMinSeverity(cfg.NotifyMinSeverity),
		notify.WithCooldown(cfg.NotifyCooldown),
		notify.WithDedupeWindow(cfg.NotifyDedupeWindow),
		notify.WithRequestTimeout(cfg.NotifyTimeout),
	)
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(resp, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", resp.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps event streams working through the access log wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
