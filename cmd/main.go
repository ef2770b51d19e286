package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bloom_wallet/internal/bog"
	"bloom_wallet/internal/config"
	"bloom_wallet/internal/database"
	"bloom_wallet/internal/logger"
	"bloom_wallet/internal/notify"
	"bloom_wallet/internal/payment"
	"bloom_wallet/internal/server"
	"bloom_wallet/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalln(err)
	}

	appLogger := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(appLogger)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, appLogger); err != nil {
		appLogger.Error("service stopped with error", logger.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, appLogger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limits, err := cfg.Wallet.Limits()
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(db, appLogger); err != nil {
			return err
		}
	}

	// wallets
	walletRepo := wallet.NewWalletRepositoryImpl(db, appLogger.With("component", "ledger"))
	walletService := wallet.NewService(walletRepo, limits.Currency, appLogger.With("component", "wallet"))
	walletHandler := wallet.NewHandler(walletService, appLogger)

	// payment status fan-out
	hub := notify.NewHub()
	var publisher notify.Publisher = hub
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		bridge := notify.NewRedisBridge(rdb, cfg.Redis.Channel, hub, appLogger.With("component", "notify"))
		publisher = bridge
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("payment update relay stopped", logger.Err(err))
			}
		}()
	}

	// gateway
	gatewayLogger := appLogger.With("component", "bog")
	bogClient := bog.NewClient(bog.Config{
		BaseURL:      cfg.BOG.BaseURL,
		TokenURL:     cfg.BOG.TokenURL,
		ClientID:     cfg.BOG.ClientID,
		ClientSecret: cfg.BOG.ClientSecret,
		Language:     cfg.BOG.Language,
		Timeout:      cfg.BOG.Timeout,
	}, gatewayLogger)

	var verifier *bog.Verifier
	if cfg.BOG.PublicKey != "" {
		verifier, err = bog.NewVerifier(cfg.BOG.PublicKey)
		if err != nil {
			return err
		}
	} else {
		gatewayLogger.Warn("BOG_CALLBACK_PUBLIC_KEY is not set, callback signatures are not checked",
			"verify_receipts", cfg.BOG.VerifyCallbacks)
	}

	// payments
	paymentRepo := payment.NewRepository(db)
	paymentLogger := appLogger.With("component", "payment")
	paymentService := payment.NewService(paymentRepo, bogClient, walletService, limits, payment.Options{
		CallbackURL:    cfg.BOG.CallbackURL,
		SuccessURL:     cfg.BOG.SuccessURL,
		FailURL:        cfg.BOG.FailURL,
		GatewayTimeout: cfg.BOG.Timeout,
	}, paymentLogger)
	reconciler := payment.NewReconciler(paymentRepo, walletService, database.NewTransactor(db), bogClient,
		cfg.BOG.VerifyCallbacks, publisher, appLogger.With("component", "reconciler"))
	paymentHandler := payment.NewHandler(paymentService, reconciler, verifier, hub, paymentLogger)

	limiter := server.NewRateLimiter(cfg.RateLimit.TopUpRPS, cfg.RateLimit.TopUpBurst, 10*time.Minute)
	go limiter.Run(ctx)

	srv := server.New(cfg, server.Deps{
		DB:           sqlDB,
		Wallets:      walletHandler,
		Payments:     paymentHandler,
		TopUpLimiter: limiter,
	}, appLogger.With("component", "http"))

	appLogger.Info("starting bloom wallet service", "env", cfg.App.Environment, "currency", limits.Currency)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	appLogger.Info("service stopped")
	return nil
}
