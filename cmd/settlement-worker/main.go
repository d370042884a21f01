package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gamemarket/gamemarket-api/internal/config"
	"github.com/gamemarket/gamemarket-api/internal/domain/commission"
	"github.com/gamemarket/gamemarket-api/internal/domain/escrow"
	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/domain/marketplace"
	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/domain/payout"
	"github.com/gamemarket/gamemarket-api/internal/domain/redeem"
	"github.com/gamemarket/gamemarket-api/internal/pkg/codebox"
	"github.com/gamemarket/gamemarket-api/internal/pkg/database"
	"github.com/gamemarket/gamemarket-api/internal/pkg/events"
	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
	"github.com/gamemarket/gamemarket-api/internal/pkg/kaspi"
	"github.com/gamemarket/gamemarket-api/internal/pkg/logger"
	"github.com/gamemarket/gamemarket-api/internal/pkg/ratelimit"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("Starting settlement-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	var rdb *redis.Client
	if client, err := database.NewRedis(cfg.RedisURL); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, polling only")
	} else {
		rdb = client
		defer database.CloseRedis(rdb)
	}

	box, err := codebox.New(cfg.RedeemCodeKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid redeem code key")
	}
	publisher := events.New(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	defer func() { _ = publisher.Close() }()
	notifier := jobqueue.NewNotifier(rdb)

	ledgerService := ledger.NewService(ledger.NewRepository(db), cfg.Currency)
	orderRepo := order.NewRepository(db)
	orderService := order.NewService(orderRepo, ledgerService, notifier, cfg.Currency)
	redeemService := redeem.NewService(redeem.NewRepository(db), orderService, box)
	marketService := marketplace.NewService(
		marketplace.NewRepository(db),
		escrow.NewService(escrow.NewRepository(db)),
		commission.NewResolver(commission.NewRepository(db), cfg.CommissionFallbackPercent),
		orderService,
		publisher,
		marketplace.Config{Currency: cfg.Currency, DeliveryWindow: cfg.DeliveryWindow},
	)
	payoutService := payout.NewService(payout.Deps{
		Repo:   payout.NewRepository(db),
		Wallet: ledgerService,
		Providers: gateway.NewRegistry(kaspi.NewProvider(kaspi.Config{
			BaseURL:        cfg.KaspiBaseURL,
			MerchantID:     cfg.KaspiMerchantID,
			APIKey:         cfg.KaspiAPIKey,
			WebhookSecret:  cfg.KaspiWebhookSecret,
			ConnectTimeout: cfg.ProviderConnectTimeout,
			Timeout:        cfg.ProviderTimeout,
		}, cfg.Currency)),
		Limiter:   ratelimit.New(rdb),
		Notifier:  notifier,
		Publisher: publisher,
	}, payout.Config{
		Provider:        cfg.PayoutProvider,
		Currency:        cfg.Currency,
		FeePercent:      cfg.PayoutFeePercent,
		FeeFixed:        cfg.PayoutFeeFixed,
		MinAmount:       cfg.PayoutMinAmount,
		CallbackBaseURL: cfg.BackendURL,
	})

	worker := jobqueue.NewWorker(jobqueue.NewPostgresQueue(db), jobqueue.WorkerConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
	})
	orderService.RegisterJobs(worker)
	redeem.NewFulfiller(redeemService, orderService, orderRepo).Register(worker)
	marketService.RegisterJobs(worker)
	payoutService.RegisterJobs(worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		// Redis pub/sub wake-up; polling still runs
		jobqueue.SubscribeWakeups(ctx, rdb, worker.Wake())
		return nil
	})
	g.Go(func() error {
		sweepReleases(ctx, marketService, cfg.ReleaseSweepEvery)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("settlement-worker exited with error")
		return
	}
	log.Info().Msg("settlement-worker stopped")
}

// sweepReleases releases delivered orders whose dispute window has passed.
func sweepReleases(ctx context.Context, svc *marketplace.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	lastIdleLog := time.Time{}
	idleLogEvery := time.Hour
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		released, err := svc.ReleaseDue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("DB error while sweeping releases")
			continue
		}
		if released == 0 {
			now := time.Now()
			if lastIdleLog.IsZero() || now.Sub(lastIdleLog) >= idleLogEvery {
				log.Info().Msg("Idle: no orders due for release")
				lastIdleLog = now
			}
		}
	}
}
