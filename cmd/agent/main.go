package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0gfoundation/0g-indexer-agent/internal/api"
	"github.com/0gfoundation/0g-indexer-agent/internal/chain"
	"github.com/0gfoundation/0g-indexer-agent/internal/claims"
	"github.com/0gfoundation/0g-indexer-agent/internal/collection"
	"github.com/0gfoundation/0g-indexer-agent/internal/collector"
	"github.com/0gfoundation/0g-indexer-agent/internal/config"
	"github.com/0gfoundation/0g-indexer-agent/internal/store"
	"github.com/0gfoundation/0g-indexer-agent/internal/txexec"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	st := store.New(rdb)

	// ── Chain client (operator key + exchange binding) ────────────────────────
	onchain, err := chain.NewClient(ctx, cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	defer onchain.Close()
	log.Info("operator",
		zap.String("address", onchain.OperatorAddress().Hex()),
		zap.String("chain_id", onchain.ChainID().String()),
		zap.String("exchange", onchain.ExchangeAddress().Hex()),
	)

	// ── Transaction executor ──────────────────────────────────────────────────
	policy, err := buildPolicy(cfg.Transactions)
	if err != nil {
		log.Fatal("invalid transaction policy", zap.Error(err))
	}
	exec := txexec.New(onchain.Eth(), onchain.OperatorKey(), onchain.ChainID(), policy, st, log.Named("txexec"))

	// ── Claim scheduler ───────────────────────────────────────────────────────
	claimsCfg, err := buildClaimsConfig(cfg.Claims)
	if err != nil {
		log.Fatal("invalid claims config", zap.Error(err))
	}
	sched := claims.New(st, exec, onchain.ExchangeAddress(), claimsCfg, log.Named("claims"))

	// ── Receipt collector ─────────────────────────────────────────────────────
	endpoint := collection.NewClient(cfg.Collection.APIKey, cfg.Collection.RequestTimeout)
	coll := collector.New(st, endpoint, onchain.ReceiptDomain(), buildCollectorConfig(cfg), sched.Trigger, log.Named("collector"))

	// Crash recovery must finish before any loop touches vouchers.
	if _, err := coll.Recover(ctx); err != nil {
		log.Fatal("collector recovery failed", zap.Error(err))
	}
	if _, err := sched.Recover(ctx); err != nil {
		log.Fatal("claim recovery failed", zap.Error(err))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	gateways := make([]common.Address, 0, len(cfg.Server.GatewaySigners))
	for _, g := range cfg.Server.GatewaySigners {
		gateways = append(gateways, common.HexToAddress(strings.TrimSpace(g)))
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(rdb, gateways, api.NewHandler(coll, st, sched, log.Named("api"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coll.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("agent stopped with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func buildPolicy(tc config.TransactionsConfig) (txexec.Policy, error) {
	gasPriceMax, err := config.ParseWei(tc.GasPriceMax)
	if err != nil {
		return txexec.Policy{}, fmt.Errorf("gas_price_max: %w", err)
	}
	baseFeeMax, err := config.ParseWei(tc.BaseFeeMax)
	if err != nil {
		return txexec.Policy{}, fmt.Errorf("base_fee_max: %w", err)
	}
	priority, err := config.ParseWei(tc.MaxPriorityFee)
	if err != nil {
		return txexec.Policy{}, fmt.Errorf("max_priority_fee: %w", err)
	}
	return txexec.Policy{
		MaxAttempts:         tc.MaxAttempts,
		EscalationFactor:    tc.EscalationFactor,
		ConfirmationTimeout: tc.ConfirmationTimeout,
		PollInterval:        tc.PollInterval,
		Legacy:              tc.Legacy,
		MaxGasPrice:         gasPriceMax,
		MaxFeeCap:           baseFeeMax,
		MaxPriorityFee:      priority,
		StallLimit:          tc.StallLimit,
	}, nil
}

func buildClaimsConfig(cc config.ClaimsConfig) (claims.Config, error) {
	allocation, err := config.ParseWei(cc.AllocationThreshold)
	if err != nil {
		return claims.Config{}, fmt.Errorf("allocation_threshold: %w", err)
	}
	batch, err := config.ParseWei(cc.BatchThreshold)
	if err != nil {
		return claims.Config{}, fmt.Errorf("batch_threshold: %w", err)
	}
	return claims.Config{
		AllocationThreshold: allocation,
		BatchThreshold:      batch,
		MaxVouchersPerClaim: cc.MaxVouchersPerClaim,
		Interval:            cc.Interval,
		GasLimit:            cc.GasLimit,
	}, nil
}

func buildCollectorConfig(cfg *config.Config) collector.Config {
	return collector.Config{
		EndpointURL:      cfg.Collection.EndpointURL,
		BatchSize:        cfg.Collection.BatchSize,
		MaxFailures:      cfg.Collection.MaxFailures,
		ExpirationWindow: cfg.Vouchers.ExpirationWindow,
		Interval:         cfg.Collection.Interval,
		ExpiryInterval:   cfg.Vouchers.ExpiryInterval,
		BackoffInitial:   cfg.Collection.BackoffInitial,
		BackoffMax:       cfg.Collection.BackoffMax,
	}
}
