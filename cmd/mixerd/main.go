// Package main is the mixing core's daemon entry point: it loads
// configuration, wires every capability (store, validator, fee calculator,
// key custody, confirmation monitor, liquidity pool, scheduler,
// coordinator), and serves the operational HTTP surface until a shutdown
// signal arrives.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/obscuranet/mixcore/internal/api"
	"github.com/obscuranet/mixcore/internal/blockchain"
	"github.com/obscuranet/mixcore/internal/confirm"
	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/fee"
	"github.com/obscuranet/mixcore/internal/keycustody"
	"github.com/obscuranet/mixcore/internal/mixcoordinator"
	"github.com/obscuranet/mixcore/internal/mixtypes"
	"github.com/obscuranet/mixcore/internal/pool"
	"github.com/obscuranet/mixcore/internal/scheduler"
	"github.com/obscuranet/mixcore/internal/store"
	"github.com/obscuranet/mixcore/internal/store/migrations"
	"github.com/obscuranet/mixcore/internal/validator"
	"github.com/obscuranet/mixcore/pkg/config"
	"github.com/obscuranet/mixcore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New("mixerd", logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	chain, err := buildChainClient()
	if err != nil {
		appLog.Fatal("build chain client: " + err.Error())
	}

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		appLog.Fatal("build store: " + err.Error())
	}
	defer closeStore()

	v := validator.New(buildAmountLimits(cfg))
	feeCalc := fee.New(buildBaseRates(cfg), buildFeeMultipliers(cfg))

	keys, err := buildKeyCustody(cfg)
	if err != nil {
		appLog.Fatal("build key custody: " + err.Error())
	}

	liquidity := pool.New(buildPoolConfigs(cfg))

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:          cfg.Scheduler.MaxConcurrent,
		SubCaps:                buildSubCaps(cfg),
		MaxRetries:             cfg.Scheduler.MaxRetries,
		RetryBackoffMultiplier: int(cfg.Scheduler.RetryBackoffMultiplier),
		RetryBaseDelay:         cfg.Scheduler.RetryBaseDelay,
		OperationTTL:           cfg.Scheduler.OperationTTL,
		BatchSize:              cfg.Scheduler.BatchSize,
		ScheduleCheckInterval:  time.Duration(cfg.Scheduler.ScheduleCheckIntervalMS) * time.Millisecond,
		ExecutionLoopInterval:  time.Duration(cfg.Scheduler.ExecutionLoopMS) * time.Millisecond,
		StuckOperationTimeout:  cfg.Scheduler.StuckOperationThreshold,
		ShutdownGrace:          cfg.Scheduler.ShutdownGrace,
	}, appLog)

	coordinator := mixcoordinator.New(
		mixcoordinator.Config{
			Currencies:    buildCurrencyPolicies(cfg),
			Anonymity:     buildAnonymityPolicies(cfg),
			DepositWindow: 2 * time.Hour,
		},
		appLog, st, v, feeCalc, keys, nil, liquidity, sched, chain,
	)

	monitor := confirm.New(chain, appLog, coordinator.OnDepositObserved, buildTipCache(cfg), buildMonitorConfigs(cfg))
	coordinator.AttachMonitor(monitor)

	coordinator.RegisterHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx)
	if err := sched.Start(ctx); err != nil {
		appLog.Fatal("start scheduler: " + err.Error())
	}
	cronRing, err := coordinator.StartBackgroundJobs(mixcoordinator.BackgroundConfig{})
	if err != nil {
		appLog.Fatal("start background jobs: " + err.Error())
	}

	httpServer := api.New(coordinator, appLog, func() bool { return true })
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           httpServer.Router(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		appLog.WithField("addr", srv.Addr).Info("mixerd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal("http server error: " + err.Error())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	appLog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	mixcoordinator.StopBackgroundJobs(cronRing)
	sched.Stop()
	monitor.Stop(cfg.Scheduler.ShutdownGrace)
	cancel()
}

func buildStore(cfg *config.Config) (store.Store, func(), error) {
	db, err := sql.Open(cfg.Database.Driver, dsn(cfg))
	if err != nil {
		return nil, func() {}, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(db); err != nil {
			return nil, func() { _ = db.Close() }, err
		}
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
}

func dsn(cfg *config.Config) string {
	if cfg.Database.DSN != "" {
		return cfg.Database.DSN
	}
	return cfg.Database.ConnectionString()
}

// buildChainClient returns the placeholder blockchain.Client every method
// of which reports unavailability: §2 component B is an externally-supplied
// capability with no in-module implementation (see internal/blockchain's
// package doc), so a production deployment must replace this with a real
// RPC/indexer-backed client before the core can observe or move funds. See
// DESIGN.md.
func buildChainClient() (blockchain.Client, error) {
	return unwiredChainClient{}, nil
}

type unwiredChainClient struct{}

func (unwiredChainClient) CurrentTipHeight(context.Context, currency.Code) (int64, error) {
	return 0, fmt.Errorf("no blockchain client configured")
}

func (unwiredChainClient) GetBalance(context.Context, currency.Code, string) (*big.Int, error) {
	return nil, fmt.Errorf("no blockchain client configured")
}

func (unwiredChainClient) GetTransaction(context.Context, currency.Code, string) (*blockchain.Transaction, error) {
	return nil, fmt.Errorf("no blockchain client configured")
}

func (unwiredChainClient) ScanBlock(context.Context, currency.Code, int64, map[string]bool) ([]blockchain.Transaction, error) {
	return nil, fmt.Errorf("no blockchain client configured")
}

func (unwiredChainClient) BuildAndSign(context.Context, currency.Code, []string, string, *big.Int, func([]byte) ([]byte, error)) (*blockchain.SignedTx, error) {
	return nil, fmt.Errorf("no blockchain client configured")
}

func (unwiredChainClient) BuildAndSignMulti(context.Context, currency.Code, []string, []blockchain.TxOutput, func(int, []byte) ([]byte, error)) (*blockchain.SignedTx, error) {
	return nil, fmt.Errorf("no blockchain client configured")
}

func (unwiredChainClient) Broadcast(context.Context, *blockchain.SignedTx) (string, error) {
	return "", fmt.Errorf("no blockchain client configured")
}

func buildKeyCustody(cfg *config.Config) (keycustody.KeyCustody, error) {
	if cfg.HSM.Enabled {
		return keycustody.NewHSMKeyCustody(keycustody.HSMConfig{
			LibraryPath: cfg.HSM.LibraryPath,
			SlotLabel:   strconv.FormatUint(uint64(cfg.HSM.Slot), 10),
			Pin:         cfg.HSM.Pin,
		})
	}
	root := cfg.Keystore.EncryptionKey
	if root == "" {
		return nil, fmt.Errorf("KEYSTORE_ENCRYPTION_KEY is required when HSM is disabled")
	}
	return keycustody.NewSoftwareKeyCustody(keycustody.SoftwareConfig{
		RootSecret:      []byte(root),
		MaxKeysInMemory: cfg.Keystore.MaxKeysInMemory,
		RotationInterval: cfg.Keystore.KeyRotationInterval,
		// Terminal MixRequests have their key wiped explicitly by
		// mixcoordinator on every completion/failure/expiry/cancel path;
		// Rotate() is a secondary sweep with no reverse KeyRef->MixRequest
		// index available, so it never evicts on its own authority.
		IsTerminal: func(keycustody.KeyRef) bool { return false },
	})
}

func buildAmountLimits(cfg *config.Config) map[currency.Code]validator.AmountLimits {
	out := make(map[currency.Code]validator.AmountLimits, len(cfg.Currencies))
	for code, cc := range cfg.Currencies {
		limits := validator.AmountLimits{}
		if cc.MinAmount != "" {
			if amt, err := currency.ParseAmount(code, cc.MinAmount); err == nil {
				limits.Min = amt
			}
		}
		if cc.MaxAmount != "" {
			if amt, err := currency.ParseAmount(code, cc.MaxAmount); err == nil {
				limits.Max = amt
			}
		}
		out[code] = limits
	}
	return out
}

func buildBaseRates(_ *config.Config) map[currency.Code]int64 {
	return nil // defaultBaseRateBps applies uniformly unless overridden
}

func buildFeeMultipliers(cfg *config.Config) fee.Multipliers {
	out := make(fee.Multipliers, len(cfg.Anonymity))
	for level, ac := range cfg.Anonymity {
		out[level] = ac.FeeMultiplier
	}
	return out
}

func buildPoolConfigs(cfg *config.Config) map[currency.Code]pool.Config {
	out := make(map[currency.Code]pool.Config, len(cfg.Currencies))
	for code, cc := range cfg.Currencies {
		out[code] = pool.Config{
			MinPoolSize:        atoiOr(cc.MinPoolSize, 0),
			MaxPoolSize:        atoiOr(cc.MaxPoolSize, 0),
			TargetPoolSize:     atoiOr(cc.TargetPoolSize, 0),
			MinMixParticipants: cc.MinMixParticipants,
		}
	}
	return out
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func buildSubCaps(cfg *config.Config) map[mixtypes.OperationType]int {
	out := make(map[mixtypes.OperationType]int, len(cfg.Scheduler.SubCaps))
	for k, v := range cfg.Scheduler.SubCaps {
		out[mixtypes.OperationType(k)] = v
	}
	return out
}

func buildCurrencyPolicies(cfg *config.Config) map[currency.Code]mixcoordinator.CurrencyPolicy {
	out := make(map[currency.Code]mixcoordinator.CurrencyPolicy, len(cfg.Currencies))
	for code, cc := range cfg.Currencies {
		policy := mixcoordinator.CurrencyPolicy{
			RequiredConfirmations: cc.RequiredConfirmations,
			MinMixParticipants:    cc.MinMixParticipants,
		}
		if cc.UnderpaymentTolerance != "" {
			if amt, err := currency.ParseAmount(code, cc.UnderpaymentTolerance); err == nil {
				policy.UnderpaymentTolerance = amt
			}
		}
		for _, d := range cc.CommonDenominations {
			if amt, err := currency.ParseAmount(code, d); err == nil {
				policy.CommonDenominations = append(policy.CommonDenominations, amt)
			}
		}
		out[code] = policy
	}
	return out
}

func buildAnonymityPolicies(cfg *config.Config) map[mixtypes.AnonymityLevel]mixcoordinator.AnonymityPolicy {
	out := make(map[mixtypes.AnonymityLevel]mixcoordinator.AnonymityPolicy, len(cfg.Anonymity))
	for level, ac := range cfg.Anonymity {
		out[level] = mixcoordinator.AnonymityPolicy{DelayMinutes: ac.DelayMinutes}
	}
	return out
}

func buildMonitorConfigs(cfg *config.Config) map[currency.Code]confirm.PerCurrencyConfig {
	out := make(map[currency.Code]confirm.PerCurrencyConfig, len(cfg.Currencies))
	for code, cc := range cfg.Currencies {
		out[code] = confirm.PerCurrencyConfig{
			PollInterval:          time.Duration(cc.PollIntervalMS) * time.Millisecond,
			RequiredConfirmations: cc.RequiredConfirmations,
			CallsPerSecond:        cc.RateLimitPerSecond,
		}
	}
	return out
}

// buildTipCache returns a Redis client backing the confirmation monitor's
// tip-height cache, or nil when no address is configured — the monitor
// treats a nil cache as "always miss, always hit the chain client".
func buildTipCache(cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
