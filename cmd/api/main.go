package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gamemarket/gamemarket-api/internal/config"
	"github.com/gamemarket/gamemarket-api/internal/domain/commission"
	"github.com/gamemarket/gamemarket-api/internal/domain/dispute"
	"github.com/gamemarket/gamemarket-api/internal/domain/escrow"
	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/domain/marketplace"
	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/domain/payment"
	"github.com/gamemarket/gamemarket-api/internal/domain/payout"
	"github.com/gamemarket/gamemarket-api/internal/domain/redeem"
	"github.com/gamemarket/gamemarket-api/internal/middleware"
	"github.com/gamemarket/gamemarket-api/internal/pkg/codebox"
	"github.com/gamemarket/gamemarket-api/internal/pkg/database"
	"github.com/gamemarket/gamemarket-api/internal/pkg/events"
	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jwt"
	"github.com/gamemarket/gamemarket-api/internal/pkg/kaspi"
	"github.com/gamemarket/gamemarket-api/internal/pkg/logger"
	"github.com/gamemarket/gamemarket-api/internal/pkg/metrics"
	"github.com/gamemarket/gamemarket-api/internal/pkg/ratelimit"
	pkgresponse "github.com/gamemarket/gamemarket-api/internal/pkg/response"
	"github.com/gamemarket/gamemarket-api/internal/pkg/robokassa"
	"github.com/gamemarket/gamemarket-api/internal/pkg/storage"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting GameMarket settlement API")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	// Redis only backs rate limits and job wake-ups; both degrade without it.
	var rdb *redis.Client
	if client, err := database.NewRedis(cfg.RedisURL); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, running without it")
	} else {
		rdb = client
		defer database.CloseRedis(rdb)
	}

	archive := newArchive(cfg)
	publisher := events.New(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to flush settlement events")
		}
	}()

	box, err := codebox.New(cfg.RedeemCodeKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid redeem code key")
	}

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	providers := newProviders(cfg)
	notifier := jobqueue.NewNotifier(rdb)

	// ---------- Services ----------
	ledgerService := ledger.NewService(ledger.NewRepository(db), cfg.Currency)
	orderRepo := order.NewRepository(db)
	orderService := order.NewService(orderRepo, ledgerService, notifier, cfg.Currency)
	redeemService := redeem.NewService(redeem.NewRepository(db), orderService, box)
	escrowService := escrow.NewService(escrow.NewRepository(db))
	marketService := marketplace.NewService(
		marketplace.NewRepository(db),
		escrowService,
		commission.NewResolver(commission.NewRepository(db), cfg.CommissionFallbackPercent),
		orderService,
		publisher,
		marketplace.Config{Currency: cfg.Currency, DeliveryWindow: cfg.DeliveryWindow},
	)
	paymentService := payment.NewService(payment.Deps{
		Repo:      payment.NewRepository(db),
		Orders:    orderService,
		Wallet:    ledgerService,
		Providers: providers,
		Archive:   archive,
		Notifier:  notifier,
		Publisher: publisher,
	}, payment.Config{
		CallbackBaseURL: cfg.BackendURL,
		ReturnURL:       cfg.FrontendURL,
	})
	payoutService := payout.NewService(payout.Deps{
		Repo:      payout.NewRepository(db),
		Wallet:    ledgerService,
		Providers: providers,
		Limiter:   ratelimit.New(rdb),
		Archive:   archive,
		Notifier:  notifier,
		Publisher: publisher,
	}, payout.Config{
		Provider:        cfg.PayoutProvider,
		Currency:        cfg.Currency,
		FeePercent:      cfg.PayoutFeePercent,
		FeeFixed:        cfg.PayoutFeeFixed,
		MinAmount:       cfg.PayoutMinAmount,
		PerMinute:       cfg.PayoutPerMinute,
		PerDay:          cfg.PayoutPerDay,
		CallbackBaseURL: cfg.BackendURL,
	})
	disputeService := dispute.NewService(dispute.NewRepository(db), marketService, escrowService, ledgerService, publisher)

	// ---------- Handlers ----------
	h := handlers{
		ledger:      ledger.NewHandler(ledgerService),
		escrow:      escrow.NewHandler(escrowService),
		order:       order.NewHandler(orderService),
		redeem:      redeem.NewHandler(redeemService),
		marketplace: marketplace.NewHandler(marketService),
		payment:     payment.NewHandler(paymentService),
		payout:      payout.NewHandler(payoutService),
		dispute:     dispute.NewHandler(disputeService),
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg.AllowedOrigins, jwtService, h),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

type handlers struct {
	ledger      *ledger.Handler
	escrow      *escrow.Handler
	order       *order.Handler
	redeem      *redeem.Handler
	marketplace *marketplace.Handler
	payment     *payment.Handler
	payout      *payout.Handler
	dispute     *dispute.Handler
}

func newRouter(allowedOrigins []string, jwtService *jwt.Service, h handlers) http.Handler {
	authMiddleware := middleware.Auth(jwtService)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(allowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	r.Handle("/metrics", metrics.Handler())

	// Provider callbacks carry their own signatures.
	r.Route("/webhooks", func(r chi.Router) {
		r.Mount("/payments", h.payment.WebhookRoutes())
		r.Mount("/transfers", h.payout.WebhookRoutes())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/wallet", h.ledger.Routes(authMiddleware))
		r.Mount("/orders", h.order.Routes(authMiddleware))
		r.Mount("/redeem", h.redeem.Routes(authMiddleware))
		r.Mount("/marketplace", h.marketplace.Routes(authMiddleware))
		r.Mount("/payments", h.payment.Routes(authMiddleware))
		r.Mount("/payouts", h.payout.Routes(authMiddleware))
		r.Mount("/disputes", h.dispute.Routes(authMiddleware))

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Mount("/partner", h.escrow.Routes())
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(middleware.RequireAdmin())

			r.Mount("/wallets", h.ledger.AdminRoutes())
			r.Mount("/withdrawals", h.escrow.AdminRoutes())
			r.Mount("/escrow", h.marketplace.AdminRoutes())
			r.Mount("/orders", h.order.AdminRoutes())
			r.Mount("/redeem", h.redeem.AdminRoutes())
			r.Mount("/payments", h.payment.AdminRoutes())
			r.Mount("/payouts", h.payout.AdminRoutes())
			r.Mount("/disputes", h.dispute.AdminRoutes())
		})
	})

	return r
}

func newProviders(cfg *config.Config) *gateway.Registry {
	registry := gateway.NewRegistry(kaspi.NewProvider(kaspi.Config{
		BaseURL:          cfg.KaspiBaseURL,
		MerchantID:       cfg.KaspiMerchantID,
		APIKey:           cfg.KaspiAPIKey,
		WebhookSecret:    cfg.KaspiWebhookSecret,
		ConnectTimeout:   cfg.ProviderConnectTimeout,
		Timeout:          cfg.ProviderTimeout,
		WebhookTolerance: cfg.WebhookTolerance,
	}, cfg.Currency))

	algo, err := robokassa.ParseHashAlgorithm(cfg.RoboKassaHashAlgo)
	if err != nil {
		log.Warn().Err(err).Msg("RoboKassa disabled")
		return registry
	}
	registry.Register(robokassa.NewProvider(robokassa.Config{
		MerchantLogin:  cfg.RoboKassaMerchantLogin,
		Password1:      cfg.RoboKassaPassword1,
		Password2:      cfg.RoboKassaPassword2,
		TestMode:       cfg.RoboKassaTestMode,
		HashAlgo:       algo,
		ConnectTimeout: cfg.ProviderConnectTimeout,
		Timeout:        cfg.ProviderTimeout,
	}))
	return registry
}

func newArchive(cfg *config.Config) storage.Archive {
	if !cfg.ArchiveEnabled {
		return storage.Nop{}
	}
	archive, err := storage.NewS3Archive(context.Background(), storage.Config{
		Endpoint:  cfg.ArchiveEndpoint,
		Region:    cfg.ArchiveRegion,
		Bucket:    cfg.ArchiveBucket,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create webhook archive")
	}
	return archive
}
