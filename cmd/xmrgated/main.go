package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3KD/dStream-sub001/config"
	"github.com/3KD/dStream-sub001/escrow"
	"github.com/3KD/dStream-sub001/gateway"
	"github.com/3KD/dStream-sub001/gateway/auth"
	"github.com/3KD/dStream-sub001/observability"
	"github.com/3KD/dStream-sub001/observability/logging"
	"github.com/3KD/dStream-sub001/payment"
	"github.com/3KD/dStream-sub001/session"
	"github.com/3KD/dStream-sub001/wallet"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "xmrgate.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("xmrgated", cfg.Environment, logging.ParseLevel(cfg.LogLevel))

	metrics := observability.New()
	walletClient, err := wallet.NewClient(wallet.Config{
		Origin:   cfg.Wallet.Origin,
		Username: cfg.Wallet.Username,
		Password: cfg.Wallet.Password,
		Timeout:  cfg.Wallet.Timeout.Duration,
		Recorder: metrics.WalletRecorder(),
	})
	if err != nil {
		logger.Error("build wallet client", "error", err)
		os.Exit(1)
	}

	store, err := gateway.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	secret := session.NewSecret(cfg.SessionSecret, cfg.Environment)
	engine := escrow.NewEngine(walletClient, escrow.NewStore(cfg.SessionTTL.Duration))

	server := gateway.New(gateway.Config{
		Wallet:         walletClient,
		Engine:         engine,
		Codec:          session.NewCodec(secret),
		Verifier:       auth.NewVerifier(cfg.AuthSkew.Duration),
		Store:          store,
		Metrics:        metrics,
		Logger:         logger,
		AccountIndex:   cfg.AccountIndex,
		Confirmations:  cfg.Confirmations,
		RequestTimeout: cfg.RequestTimeout.Duration,

		SlashMinAge: cfg.SlashMinAge.Duration,
		RefundPolicy: payment.RefundPolicy{
			MinServedBytes:           cfg.Refund.MinServedBytes,
			FullServedBytes:          cfg.Refund.FullServedBytes,
			MaxReceipts:              cfg.Refund.MaxReceipts,
			MaxReceiptAge:            cfg.Refund.MaxReceiptAge.Duration,
			MaxServedBytesPerReceipt: cfg.Refund.MaxServedBytesPerReceipt,
			MinSessionAge:            cfg.Refund.MinSessionAge.Duration,
		},

		SessionRatePerMinute: cfg.RatePerMinute,
		SessionRateBurst:     cfg.RateBurst,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info("gateway listening", "address", cfg.ListenAddress, "wallet", cfg.Wallet.Origin)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
