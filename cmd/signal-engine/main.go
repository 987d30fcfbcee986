package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/cache"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/calculator"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/capture"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/config"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/consumer"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/freshness"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/generator"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/handlers"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/logger"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/metrics"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/performance"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/providers/model"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/providers/theoddsapi"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/publisher"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/scheduler"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/settler"
	"github.com/XavierBriggs/fortuna/services/signal-engine/internal/store/postgres"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/redis/go-redis/v9"
)

func main() {
	fmt.Println("=== Fortuna Signal Engine v0 ===")

	// Load configuration
	cfg, err := config.Load(os.Getenv("SIGNAL_ENGINE_CONFIG"))
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Printf("❌ Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Holocron DB
	store, err := postgres.Open(ctx, cfg.Database.HolocronDSN, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Error("failed to connect to holocron", logger.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Error("failed to migrate schema", logger.Error(err))
		os.Exit(1)
	}
	fmt.Println("✓ Connected to Holocron DB")

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("failed to parse redis url", logger.Error(err))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", logger.Error(err))
		os.Exit(1)
	}
	fmt.Println("✓ Connected to Redis")

	rec := metrics.New()
	pub := publisher.NewStreamPublisher(redisClient)
	redisCache := cache.NewRedisCache(redisClient)

	// Results come from the scores API when enabled, otherwise from the events.results cache
	var results contracts.ResultProvider = redisCache
	var oddsClient *theoddsapi.Client
	if cfg.OddsAPI.Enabled {
		oddsClient = theoddsapi.NewClient(cfg.OddsAPI.APIKey, log,
			theoddsapi.WithBaseURL(cfg.OddsAPI.BaseURL),
			theoddsapi.WithRegions(cfg.OddsAPI.Regions),
			theoddsapi.WithRequestsPerMinute(cfg.OddsAPI.RequestsPerMinute),
			theoddsapi.WithDaysFrom(cfg.OddsAPI.DaysFrom),
		)
		results = oddsClient
		fmt.Println("✓ The Odds API enabled")
	}

	gen := generator.NewGenerator(store, model.NewRedisProvider(redisClient), pub, rec, log, generator.Config{
		MinEdgePct:            cfg.Generator.MinEdgePct,
		MaxEdgePct:            cfg.Generator.MaxEdgePct,
		MaterialEdgeChangePct: cfg.Generator.MaterialEdgeChangePct,
		MediumTierPct:         cfg.Generator.MediumTierPct,
		HighTierPct:           cfg.Generator.HighTierPct,
		MaxQuoteAge:           cfg.Generator.MaxQuoteAge,
		Lookahead:             cfg.Generator.Lookahead,
		Bankroll:              cfg.Generator.Bankroll,
		KellyFraction:         cfg.Generator.KellyFraction,
		MaxStakePct:           cfg.Generator.MaxStakePct,
		EnabledMarkets:        cfg.Generator.EnabledMarkets,
	})

	clv := calculator.NewCLVCalculator(store, log)

	capturer := capture.NewCapturer(store, store, clv, pub, rec, log, capture.Config{
		Window:         cfg.Capture.Window,
		MaxQuoteAge:    cfg.Capture.MaxQuoteAge,
		MaxAttempts:    cfg.Capture.MaxAttempts,
		InitialBackoff: cfg.Capture.InitialBackoff,
	})

	settle := settler.NewSettler(store, results, pub, rec, log, settler.Config{
		FlatStake: cfg.Settlement.FlatStake,
	})

	aggregator := performance.NewAggregator(store, redisCache, log, performance.Config{
		CacheTTL: cfg.Performance.CacheTTL,
		Location: cfg.Location(),
	})

	monitor := freshness.NewMonitor(store, freshness.Thresholds{
		Signals: freshness.Threshold{Warning: cfg.Freshness.SignalWarning, Error: cfg.Freshness.SignalError},
		Odds:    freshness.Threshold{Warning: cfg.Freshness.OddsWarning, Error: cfg.Freshness.OddsError},
	}, rec, log)

	ingestor := consumer.NewOddsIngestor(store, rec, log)
	resultIngestor := consumer.NewResultIngestor(redisCache, consumer.SettleFunc(
		func(ctx context.Context, result models.EventResult, asOf time.Time) error {
			_, err := settle.SettleEvent(ctx, result, asOf)
			return err
		},
	), log)

	// Scheduled jobs
	sched := scheduler.New(rec, log)
	sched.Add("generate", cfg.Generator.Interval, func(ctx context.Context, now time.Time) error {
		if _, err := gen.SweepExpired(ctx, now); err != nil {
			return err
		}
		_, err := gen.Generate(ctx, now)
		return err
	})
	sched.Add("capture", cfg.Capture.Interval, func(ctx context.Context, now time.Time) error {
		_, err := capturer.Capture(ctx, now)
		return err
	})
	sched.Add("settle", cfg.Settlement.Interval, func(ctx context.Context, now time.Time) error {
		_, err := settle.Run(ctx, now)
		return err
	})
	sched.Add("clv-backfill", cfg.Settlement.Interval, backfillCLV(store, clv, log))
	if oddsClient != nil {
		sched.Add("odds-poll", cfg.OddsAPI.PollInterval, pollOdds(oddsClient, store, ingestor, cfg.SportKey, cfg.Generator.EnabledMarkets, log))
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error("worker stopped", logger.String("worker", name), logger.Error(err))
			}
		}()
	}

	streams := consumer.NewStreamConsumer(redisClient, cfg.Redis.ConsumerName, cfg.Redis.ConsumerGroup, log)
	oddsStream := consumer.OddsStream(cfg.SportKey)
	resultsStream := consumer.ResultsStream(cfg.SportKey)

	run("odds-consumer", func(ctx context.Context) error {
		return streams.Run(ctx, oddsStream, ingestor.Handle)
	})
	run("results-consumer", func(ctx context.Context) error {
		return streams.Run(ctx, resultsStream, resultIngestor.Handle)
	})
	run("scheduler", func(ctx context.Context) error {
		sched.Start(ctx)
		return nil
	})

	// HTTP API
	h := handlers.NewHandler(store, aggregator, monitor, log)
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      handlers.NewRouter(h, cfg.Server.CORSOrigins, rec.Handler()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		fmt.Printf("✓ Signal Engine listening on %s\n", cfg.Server.Port)
		fmt.Printf("  Sport: %s\n", cfg.SportKey)
		fmt.Printf("  Streams: %s, %s\n", oddsStream, resultsStream)
		fmt.Println("  Endpoints:")
		fmt.Println("    GET  /health")
		fmt.Println("    GET  /metrics")
		fmt.Println("    GET  /api/v1/signals")
		fmt.Println("    GET  /api/v1/signals/{id}")
		fmt.Println("    GET  /api/v1/closing-lines")
		fmt.Println("    GET  /api/v1/settled-bets")
		fmt.Println("    GET  /api/v1/performance")
		fmt.Println("    GET  /api/v1/performance/correlation")

		serverErrors <- srv.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", logger.Error(err))
		}

	case sig := <-shutdown:
		log.Info("received signal", logger.String("signal", sig.String()))

		// Give outstanding requests a deadline for completion
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", logger.Error(err))
			if err := srv.Close(); err != nil {
				log.Error("could not stop server", logger.Error(err))
			}
		}
	}

	cancel()
	wg.Wait()

	fmt.Println("✓ Shutdown complete")
}

// backfillCLV recomputes CLV for started events whose closing line landed
// after their signals were last touched.
func backfillCLV(store contracts.SettlementStore, clv *calculator.CLVCalculator, log *logger.Logger) scheduler.JobFunc {
	return func(ctx context.Context, now time.Time) error {
		events, err := store.PendingSettlementEvents(ctx, now)
		if err != nil {
			return fmt.Errorf("load pending events: %w", err)
		}

		total := 0
		for _, e := range events {
			n, err := clv.ProcessEvent(ctx, e.EventID)
			if err != nil {
				return fmt.Errorf("event %s: %w", e.EventID, err)
			}
			total += n
		}

		if total > 0 {
			log.Info("clv backfilled", logger.Int("signals", total))
		}
		return nil
	}
}

// pollOdds pulls current prices from The Odds API through the same validation as the stream
func pollOdds(client *theoddsapi.Client, events contracts.EventStore, ingestor *consumer.OddsIngestor, sportKey string, markets []string, log *logger.Logger) scheduler.JobFunc {
	return func(ctx context.Context, now time.Time) error {
		evts, quotes, err := client.Odds(ctx, sportKey, markets, now)
		if err != nil {
			return err
		}

		for _, e := range evts {
			if err := events.UpsertEvent(ctx, e); err != nil {
				return fmt.Errorf("upsert event %s: %w", e.EventID, err)
			}
		}

		rejected := 0
		for _, q := range quotes {
			if err := ingestor.Ingest(ctx, consumer.QuoteMessage{OddsQuote: q}); err != nil {
				if errors.Is(err, contracts.ErrValidation) {
					rejected++
					continue
				}
				return err
			}
		}

		log.Debug("odds polled",
			logger.Int("events", len(evts)),
			logger.Int("quotes", len(quotes)),
			logger.Int("rejected", rejected),
		)
		return nil
	}
}
