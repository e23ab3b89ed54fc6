package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veilpay/veilpay/internal/api"
	"github.com/veilpay/veilpay/internal/auth"
	"github.com/veilpay/veilpay/internal/chain"
	"github.com/veilpay/veilpay/internal/config"
	"github.com/veilpay/veilpay/internal/directory"
	"github.com/veilpay/veilpay/internal/privacy"
	"github.com/veilpay/veilpay/internal/stealth"
	"github.com/veilpay/veilpay/internal/store"
	"github.com/veilpay/veilpay/internal/stream"
)

const stealthKeysKey = "stealth_keys"

// stealthKeyFile is the persisted form of the node's stealth key pair.
type stealthKeyFile struct {
	SpendingPrivateKey string `json:"spending_private_key"`
	ViewingPrivateKey  string `json:"viewing_private_key"`
}

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (wallet key + RPC) ───────────────────────────────────────
	onchain, err := chain.NewClient(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Stealth keys (load from store, generate on first boot) ────────────────
	st := store.NewRedis(rdb, "veilpay")
	keys, err := loadOrCreateKeys(ctx, st, log)
	if err != nil {
		log.Fatal("stealth key init failed", zap.Error(err))
	}

	// ── Privacy coordinator ───────────────────────────────────────────────────
	dir := directory.NewRedis(rdb, log)
	coord, err := privacy.NewCoordinator(
		keys,
		onchain.WalletAddress(),
		dir,
		onchain,
		onchain,
		onchain,
		st,
		log,
	)
	if err != nil {
		log.Fatal("privacy coordinator init failed", zap.Error(err))
	}
	if err := coord.EnsureRegistered(ctx); err != nil {
		log.Warn("meta-address registration failed", zap.Error(err))
	}
	log.Info("node ready",
		zap.String("wallet", onchain.WalletAddress().Hex()),
		zap.String("meta_address", coord.MetaAddress()),
	)

	// ── Stream registry ───────────────────────────────────────────────────────
	streams := stream.NewRegistry(onchain, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())

	handler := api.NewHandler(coord, streams, cfg.Stream, log)
	r.GET("/healthz", handler.Healthz)

	verifier := auth.NewVerifier(rdb, onchain.WalletAddress())
	handler.Register(r.Group("/api", verifier.Middleware()))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	// Stop sessions first so every accrued micro-unit settles before the
	// process exits.
	streams.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// loadOrCreateKeys restores the node's stealth key pair from the store, or
// generates and persists one on first boot.
func loadOrCreateKeys(ctx context.Context, st store.Store, log *zap.Logger) (*stealth.KeyPair, error) {
	raw, err := st.Get(ctx, stealthKeysKey)
	switch {
	case err == nil:
		var kf stealthKeyFile
		if err := json.Unmarshal([]byte(raw), &kf); err != nil {
			return nil, fmt.Errorf("corrupt stealth key record: %w", err)
		}
		return stealth.KeyPairFromHex(kf.SpendingPrivateKey, kf.ViewingPrivateKey)
	case errors.Is(err, store.ErrNotFound):
		keys, err := stealth.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		spendHex, viewHex := keys.ExportHex()
		raw, err := json.Marshal(stealthKeyFile{SpendingPrivateKey: spendHex, ViewingPrivateKey: viewHex})
		if err != nil {
			return nil, err
		}
		if err := st.Set(ctx, stealthKeysKey, string(raw)); err != nil {
			return nil, fmt.Errorf("persist stealth keys: %w", err)
		}
		log.Info("generated new stealth key pair", zap.String("meta_address", keys.MetaAddress))
		return keys, nil
	default:
		return nil, err
	}
}
