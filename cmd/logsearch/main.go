package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/analytics/aggregator"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/analytics/collector"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/auth/ratelimit"
	gwhandler "github.com/Adithya-Monish-Kumar-K/logsearch/internal/gateway/handler"
	gwmw "github.com/Adithya-Monish-Kumar-K/logsearch/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/gateway/router"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/deadletter"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/loghook"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/cache"
	searchhandler "github.com/Adithya-Monish-Kumar-K/logsearch/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults and LS_* environment variables apply without one)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("logsearch stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("logsearch stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	newBreaker := func(name string) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{OnStateChange: m.ObserveBreaker})
	}

	sch, err := cfg.BuildSchema()
	if err != nil {
		return fmt.Errorf("building schema: %w", err)
	}
	ix, err := indexer.Open(cfg.Index, sch, indexer.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer func() {
		if err := ix.Close(); err != nil {
			slog.Error("closing index failed", "error", err)
		}
	}()

	if cfg.Logging.IndexRecords {
		hook := loghook.New(ix, loghook.Options{Level: logger.ParseLevel(cfg.Logging.Level)})
		defer hook.Close()
		logger.Setup(cfg.Logging.Level, cfg.Logging.Format, hook)
		slog.Info("indexing own log records")
	}
	slog.Info("starting logsearch",
		"port", cfg.Server.Port,
		"data_dir", cfg.Index.DataDir,
		"fields", sch.Len(),
		"docs", ix.DocCount(),
	)

	checker := health.NewChecker()
	checker.Register("index", health.PingCheck(ix, health.StatusDown))

	var queryCache *cache.QueryCache
	if cfg.Redis.Enabled {
		rc, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, search caching disabled", "error", err)
		} else {
			defer rc.Close()
			queryCache = cache.New(rc, cfg.Redis.CacheTTL, newBreaker("redis"), m)
			checker.Register("redis", health.PingCheck(rc, health.StatusDegraded))
			slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var pg *postgres.Client
	if cfg.Postgres.Enabled {
		pg, err = postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, dead letters and analytics stay in memory", "error", err)
			pg = nil
		} else {
			defer pg.Close()
			checker.Register("postgres", health.PingCheck(pg, health.StatusDegraded))
		}
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topic)
		defer producer.Close()
		checker.Register("kafka", health.PingCheck(kafka.Brokers(cfg.Kafka.Brokers), health.StatusDegraded))
	}

	var dlProducer *kafka.Producer
	if cfg.Kafka.Enabled && cfg.Kafka.DeadLetterTopic != "" {
		dlProducer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.DeadLetterTopic)
		defer dlProducer.Close()
	}
	dl, err := deadLetterSink(ctx, pg, dlProducer, newBreaker("dead-letters"), m)
	if err != nil {
		return err
	}

	var (
		agg         *analytics.Aggregator
		store       *aggregator.Store
		analyticsH  *analytics.Handler
		searchRec   searchhandler.Recorder
		ingestRec   ingesthandler.Recorder
		snapHistory analytics.SnapshotLister
	)
	if cfg.Analytics.Enabled {
		agg = analytics.NewAggregator()
		var forward analytics.Forwarder
		if cfg.Kafka.Enabled && cfg.Analytics.Topic != "" {
			ap := kafka.NewProducer(cfg.Kafka, cfg.Analytics.Topic)
			defer ap.Close()
			bc := collector.NewShipper(ap, 100, 5*time.Second)
			bcCtx, bcCancel := context.WithCancel(ctx)
			bc.Start(bcCtx)
			defer func() {
				bcCancel()
				bc.Close()
			}()
			forward = bc
			slog.Info("forwarding analytics events to kafka", "topic", cfg.Analytics.Topic)
		}
		col := analytics.NewCollector(agg, forward, 10000)
		defer col.Close()
		searchRec, ingestRec = col, col
		if pg != nil {
			store, err = aggregator.NewStore(ctx, pg, cfg.Analytics.Retention)
			if err != nil {
				return fmt.Errorf("opening analytics store: %w", err)
			}
			snapHistory = store
			if latest, err := store.LatestSnapshot(ctx); err != nil {
				slog.Warn("loading latest analytics snapshot failed", "error", err)
			} else if latest != nil {
				agg.Seed(*latest)
			}
		}
		analyticsH = analytics.NewHandler(agg, snapHistory)
	}

	var submitter publisher.Submitter = publisher.NewDirect(ix, dl)
	if producer != nil {
		submitter = publisher.New(producer, cfg.Kafka.KeyField)
	}

	var keys gwmw.KeyValidator
	if set := apikey.NewSet(cfg.Server.APIKeys, cfg.Server.RateLimit); set.Len() > 0 {
		keys = set
	}
	limiter := ratelimit.New(time.Minute)
	defer limiter.Stop()

	handler := router.New(router.Handlers{
		Ingest:    ingesthandler.New(submitter, cfg.Server.MaxEvents, cfg.Server.MaxBodyBytes).WithRecorder(ingestRec),
		Search:    searchhandler.New(ix, queryCache, searchRec, m, cfg.Search),
		Admin:     gwhandler.New(ix, dl),
		Analytics: analyticsH,
		Health:    checker,
	}, router.Options{
		Keys:      keys,
		Limiter:   limiter,
		RateLimit: cfg.Server.RateLimit,
		CORS:      gwmw.DefaultCORSConfig(cfg.Server.CORSOrigins...),
		Metrics:   m,
		Timeout:   cfg.Server.WriteTimeout,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ix.StartBackground(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Port) })
	}

	if cfg.Kafka.Enabled {
		kc := consumer.New(kafka.NewReader(cfg.Kafka), cfg.Kafka, ix, dl, m)
		g.Go(func() error {
			slog.Info("consuming log events from kafka",
				"topic", cfg.Kafka.Topic,
				"group", cfg.Kafka.ConsumerGroup,
				"commit_batch", cfg.Kafka.CommitBatch,
				"commit_interval", cfg.Kafka.CommitInterval,
			)
			if err := kc.Start(gctx); err != nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			return nil
		})
	}

	if store != nil {
		g.Go(func() error {
			return store.Run(gctx, agg, cfg.Analytics.SnapshotInterval)
		})
	}

	return g.Wait()
}

// deadLetterSink picks where rejected events go: Postgres when available,
// else the Kafka dead-letter topic, else an in-memory ring. Failures of the
// chosen sink fall back to a second in-memory ring.
func deadLetterSink(ctx context.Context, pg *postgres.Client, dlProducer *kafka.Producer, breaker *resilience.CircuitBreaker, m *metrics.Metrics) (*deadletter.Guarded, error) {
	var primary deadletter.Sink
	switch {
	case pg != nil:
		sink, err := deadletter.NewPostgres(ctx, pg)
		if err != nil {
			return nil, fmt.Errorf("opening dead-letter table: %w", err)
		}
		primary = sink
		slog.Info("dead letters stored in postgres")
	case dlProducer != nil:
		primary = deadletter.NewKafka(dlProducer)
		slog.Info("dead letters published to kafka", "topic", dlProducer.Topic())
	default:
		primary = deadletter.NewMemory(0)
	}
	return deadletter.NewGuarded(primary, deadletter.NewMemory(0), breaker, m), nil
}
