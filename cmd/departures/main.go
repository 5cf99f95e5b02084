package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nearest-departures/internal/config"
	"nearest-departures/internal/db"
	"nearest-departures/internal/metrics"
	"nearest-departures/internal/pipeline"
	"nearest-departures/internal/position"
	"nearest-departures/internal/publisher"
	"nearest-departures/internal/resrobot"
	"nearest-departures/internal/schedule"
	"nearest-departures/internal/server"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	window, err := cfg.QueryWindow()
	if err != nil {
		logger.Fatal("invalid query window", zap.Error(err))
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(window.MaxDepartures, window.DurationMinutes, cfg.LocationTimeout(), cfg.LookupTimeout())
		srv := mcol.Serve(logger, cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// NATS is needed for snapshot fan-out and for the nats position source
	var pub *publisher.NATSPublisher
	if cfg.NATSStateSubject != "" || cfg.Position.Source == "nats" {
		pub, err = publisher.NewNATSPublisher(logger, cfg.NATSURL, cfg.NATSStateSubject, publisherMetrics(mcol))
		if err != nil {
			logger.Fatal("nats error", zap.Error(err))
		}
		defer pub.Close()
	}

	var positions pipeline.PositionProvider
	switch cfg.Position.Source {
	case "nats":
		positions = position.NewNATS(logger, pub.Conn(), cfg.NATSPositionSubject)
	default:
		positions = position.NewStatic(cfg.StaticCoordinate())
	}

	rr := resrobot.NewClient(logger, cfg.ResRobotBaseURL, cfg.ResRobotAPIKey, resrobot.WithMetrics(lookupMetrics(mcol)))

	ctrl := pipeline.NewController(logger, pipeline.Config{
		Positions:  positions,
		Stops:      rr,
		Departures: rr,
		Window:     window,
		Timeouts:   pipeline.Timeouts{Location: cfg.LocationTimeout(), Lookup: cfg.LookupTimeout()},
		Metrics:    pipelineMetrics(mcol),
	})

	if pub != nil && cfg.NATSStateSubject != "" {
		ctrl.Subscribe(pub.PublishState)
	}

	if cfg.DatabaseURL != "" {
		sqlDB := openJournalDB(ctx, logger, cfg.DatabaseURL)
		defer sqlDB.Close()
		journal := db.NewJournal(logger, sqlDB, journalMetrics(mcol))
		defer journal.Close()
		if err := journal.EnsureSchema(ctx); err != nil {
			logger.Fatal("journal schema error", zap.Error(err))
		}
		ctrl.Subscribe(journal.Observe)
	}
	// Close before the journal and NATS connection go away.
	defer ctrl.Close()

	if cfg.RefreshSchedule != "" {
		refresher, err := schedule.New(ctx, logger, cfg.RefreshSchedule, ctrl)
		if err != nil {
			logger.Fatal("refresh schedule error", zap.Error(err))
		}
		refresher.Start()
		defer refresher.Stop()
	}

	// The pipeline starts on initialization
	ctrl.Start(ctx)

	router := mux.NewRouter()
	server.RegisterHandlers(router, logger, ctrl, ctx)
	if err := server.NewHTTPWebServer(logger, router).Serve(ctx, cfg.HTTPAddr); err != nil {
		logger.Error("http server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func openJournalDB(ctx context.Context, logger *zap.Logger, dsn string) *sql.DB {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		logger.Fatal("db open error", zap.Error(err))
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		logger.Fatal("db ping error", zap.Error(err))
	}
	return sqlDB
}

// The adapters below keep a nil *Collector from becoming a non-nil interface.

func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}

func lookupMetrics(c *metrics.Collector) resrobot.LookupMetrics {
	if c == nil {
		return nil
	}
	return c
}

func pipelineMetrics(c *metrics.Collector) pipeline.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func journalMetrics(c *metrics.Collector) db.JournalMetrics {
	if c == nil {
		return nil
	}
	return c
}
