package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"custodia/config"
	"custodia/gateway/auth"
	"custodia/gateway/middleware"
	"custodia/native/ledger"
	"custodia/native/market"
	"custodia/observability/logging"
	"custodia/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "market.toml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("market-gateway", cfg.Env)

	admin, err := config.ParseAddress(cfg.AdminAddress)
	if err != nil {
		logger.Error("invalid admin address", "error", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "snapshots"))
	if err != nil {
		logger.Error("open snapshot store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	token := ledger.NewToken()
	for _, genesis := range cfg.Genesis {
		addr, err := config.ParseAddress(genesis.Address)
		if err != nil {
			logger.Error("invalid genesis address", "error", err)
			os.Exit(1)
		}
		if err := token.Mint(addr, big.NewInt(genesis.Balance)); err != nil {
			logger.Error("mint genesis balance", "error", err)
			os.Exit(1)
		}
	}

	registry, err := market.NewRegistry(token, admin)
	if err != nil {
		logger.Error("build registry", "error", err)
		os.Exit(1)
	}
	registry.SetStore(db)
	if err := registry.LoadFromStore(); err != nil {
		logger.Error("rehydrate registry", "error", err)
		os.Exit(1)
	}
	registry.SetEmitter(newLogEmitter(logger))
	if cfg.PlatformFeeBps > 0 {
		if err := registry.SetPlatformFeeBps(admin, cfg.PlatformFeeBps); err != nil {
			logger.Error("apply platform fee", "error", err)
			os.Exit(1)
		}
	}
	if cfg.FeeRecipient != "" {
		recipient, err := config.ParseAddress(cfg.FeeRecipient)
		if err != nil {
			logger.Error("invalid fee recipient", "error", err)
			os.Exit(1)
		}
		if err := registry.SetFeeRecipient(admin, recipient); err != nil {
			logger.Error("apply fee recipient", "error", err)
			os.Exit(1)
		}
	}

	secrets := make(map[string]string, len(cfg.APIKeys))
	principals := make(map[string][20]byte, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		addr, err := config.ParseAddress(key.Address)
		if err != nil {
			logger.Error("invalid API key address", "key", key.Key, "error", err)
			os.Exit(1)
		}
		secrets[key.Key] = key.Secret
		principals[key.Key] = addr
	}
	authenticator := auth.NewAuthenticator(secrets, 2*time.Minute, nil)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "market-gateway",
		LogRequests: cfg.Env != "prod",
	}, logger)
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		Burst:             cfg.RateLimitBurst,
	}, logger)

	server := NewServer(logger, authenticator, registry, principals, obs, limiter)
	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("market gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down market gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
