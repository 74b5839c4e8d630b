// Package mixcoordinator implements §4.5/§4.6: the MixRequest state machine
// and CoinJoin orchestration, the one component every other capability
// (KeyCustody, ConfirmationMonitor, LiquidityPool, Scheduler, Store,
// Validator, FeeCalculator) is wired into. Every cross-component reference
// is by id only, per the "no cycles" re-architecture note — apart from
// Store, which persists it, Coordinator never hands a *mixtypes.MixRequest
// to any of its dependencies, only ids and capability calls.
package mixcoordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obscuranet/mixcore/internal/blockchain"
	"github.com/obscuranet/mixcore/internal/confirm"
	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/fee"
	"github.com/obscuranet/mixcore/internal/keycustody"
	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
	"github.com/obscuranet/mixcore/internal/pool"
	"github.com/obscuranet/mixcore/internal/scheduler"
	"github.com/obscuranet/mixcore/internal/store"
	"github.com/obscuranet/mixcore/internal/validator"
	"github.com/obscuranet/mixcore/pkg/logger"
)

// CurrencyPolicy bundles the per-currency tunables Coordinator needs beyond
// what Validator/Pool already enforce on their own.
type CurrencyPolicy struct {
	RequiredConfirmations int
	UnderpaymentTolerance currency.Amount
	CommonDenominations   []currency.Amount
	MinMixParticipants    int
}

// AnonymityPolicy bundles the per-level tunables named in §6.
type AnonymityPolicy struct {
	DelayMinutes int
}

// Config configures Coordinator. Every field mirrors a group from §6; the
// loader (pkg/config) is responsible for translating the structured config
// file into this shape.
type Config struct {
	Currencies map[currency.Code]CurrencyPolicy
	Anonymity  map[mixtypes.AnonymityLevel]AnonymityPolicy

	// DepositWindow sets ExpiresAt = CreatedAt + DepositWindow. The cleanup
	// sweep expires any non-terminal MixRequest past that deadline, whatever
	// state it has reached.
	DepositWindow time.Duration

	// UseCoinJoinHoldingAddress resolves the open question of §9: when
	// true, CoinJoin co-spend outputs land on HoldingAddress[currency]
	// before a follow-up DISTRIBUTION pays each participant out of pool
	// liquidity; when false, a participant with exactly one configured
	// output is paid directly at that output's address. A participant with
	// more than one output is routed to HoldingAddress[currency] either way
	// (an empty destination when none is configured).
	UseCoinJoinHoldingAddress bool
	HoldingAddress            map[currency.Code]string
}

// Coordinator owns every MixRequest from creation through a terminal state.
// It is the only component permitted to construct or mutate a MixRequest.
type Coordinator struct {
	cfg Config
	log *logger.Logger

	store     store.Store
	validate  *validator.Validator
	fees      *fee.Calculator
	keys      keycustody.KeyCustody
	monitor   *confirm.Monitor
	pool      *pool.Pool
	scheduler *scheduler.Scheduler
	chain     blockchain.Client

	locks sync.Map // mixID -> *sync.Mutex, per-id serialization per §5

	coinjoin coinjoinWaitlist
}

// New wires every capability Coordinator depends on. RegisterHandlers must
// be called once before the Scheduler is started.
func New(cfg Config, log *logger.Logger, st store.Store, v *validator.Validator, f *fee.Calculator, keys keycustody.KeyCustody, monitor *confirm.Monitor, p *pool.Pool, sched *scheduler.Scheduler, chain blockchain.Client) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		log:       log,
		store:     st,
		validate:  v,
		fees:      f,
		keys:      keys,
		monitor:   monitor,
		pool:      p,
		scheduler: sched,
		chain:     chain,
		coinjoin:  newCoinjoinWaitlist(),
	}
}

// AttachMonitor wires the ConfirmationMonitor after construction, breaking
// the circular dependency between the two: Monitor.New needs
// Coordinator.OnDepositObserved as its deposit callback, so Coordinator must
// exist first with a nil monitor, and the caller attaches the real one once
// built. Call before RegisterHandlers/Start.
func (c *Coordinator) AttachMonitor(monitor *confirm.Monitor) {
	c.monitor = monitor
}

// RegisterHandlers binds every Scheduler operation type to its Coordinator
// handler. Call once, before scheduler.Start.
func (c *Coordinator) RegisterHandlers() {
	c.scheduler.RegisterHandler(mixtypes.OperationDistribution, c.handleDistribution)
	c.scheduler.RegisterHandler(mixtypes.OperationCoinJoin, c.handleCoinJoin)
	c.scheduler.RegisterHandler(mixtypes.OperationConsolidation, c.handleConsolidation)
	c.scheduler.RegisterHandler(mixtypes.OperationRebalance, c.handleRebalance)
	c.scheduler.RegisterHandler(mixtypes.OperationCleanup, c.handleCleanup)
}

// OnDepositObserved is registered as the confirm.DepositHandler at wiring
// time.
func (c *Coordinator) OnDepositObserved(ctx context.Context, obs mixtypes.DepositObservation) {
	c.withLock(obs.MixID, func() {
		c.handleDepositObserved(ctx, obs)
	})
}

func (c *Coordinator) withLock(mixID string, fn func()) {
	lockAny, _ := c.locks.LoadOrStore(mixID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	fn()
}

// CreateParams is the caller-supplied input to CreateRequest, mirroring the
// upstream create-mix API sketch of §6.
type CreateParams struct {
	Currency       currency.Code
	InputAmount    currency.Amount
	Outputs        []mixtypes.Output
	AnonymityLevel mixtypes.AnonymityLevel
	Algorithm      mixtypes.Algorithm
}

// CreateResult is the external-facing response to create-mix. The internal
// id is deliberately absent (§6).
type CreateResult struct {
	SessionToken   string
	DepositAddress string
	Fee            currency.Amount
	NetAmount      currency.Amount
	ExpiresAt      time.Time
	Phases         []string
}

const maxDepositAddressAttempts = 5

// CreateRequest runs the create flow of §4.5: validate, compute fees,
// generate a deposit key and address, persist PENDING_DEPOSIT, and start
// watching the deposit address.
func (c *Coordinator) CreateRequest(ctx context.Context, p CreateParams) (*CreateResult, error) {
	policy, ok := c.cfg.Currencies[p.Currency]
	if !ok {
		return nil, mixerr.New(mixerr.KindValidation, "mixcoordinator.create", "unsupported currency "+string(p.Currency))
	}
	if !p.AnonymityLevel.Valid() {
		return nil, mixerr.New(mixerr.KindValidation, "mixcoordinator.create", "invalid anonymity level")
	}
	anon, ok := c.cfg.Anonymity[p.AnonymityLevel]
	if !ok {
		return nil, mixerr.New(mixerr.KindValidation, "mixcoordinator.create", "unconfigured anonymity level "+string(p.AnonymityLevel))
	}

	if err := c.validate.ValidateAmount(p.InputAmount); err != nil {
		return nil, err
	}
	if err := c.validate.ValidateOutputs(p.Currency, p.Outputs); err != nil {
		return nil, err
	}

	feeAmount, netAmount, err := c.fees.Calculate(p.InputAmount, p.AnonymityLevel)
	if err != nil {
		return nil, err
	}

	algorithm := p.Algorithm
	if algorithm == "" {
		algorithm = mixtypes.AlgorithmPoolMix
	}

	keyAlgorithm := keycustody.Algorithm(currency.KeyAlgorithm(p.Currency))
	keyRef, err := c.keys.GenerateKey(ctx, keyAlgorithm)
	if err != nil {
		return nil, err
	}
	pub, err := c.keys.PublicKey(ctx, keyRef)
	if err != nil {
		_ = c.keys.Wipe(ctx, keyRef)
		return nil, err
	}

	var depositAddress string
	for attempt := 0; ; attempt++ {
		addr, derivErr := c.keys.DeriveAddress(pub, p.Currency)
		if derivErr != nil {
			_ = c.keys.Wipe(ctx, keyRef)
			return nil, derivErr
		}
		taken, takenErr := c.store.DepositAddressTaken(ctx, string(p.Currency), addr)
		if takenErr != nil {
			_ = c.keys.Wipe(ctx, keyRef)
			return nil, takenErr
		}
		if !taken {
			depositAddress = addr
			break
		}
		if attempt >= maxDepositAddressAttempts {
			_ = c.keys.Wipe(ctx, keyRef)
			return nil, mixerr.New(mixerr.KindFatal, "mixcoordinator.create", "exhausted deposit address regeneration attempts")
		}
		// The address is taken: retire this key and derive from a fresh one.
		_ = c.keys.Wipe(ctx, keyRef)
		if keyRef, err = c.keys.GenerateKey(ctx, keyAlgorithm); err != nil {
			return nil, err
		}
		if pub, err = c.keys.PublicKey(ctx, keyRef); err != nil {
			_ = c.keys.Wipe(ctx, keyRef)
			return nil, err
		}
	}

	id := uuid.NewString()
	sessionToken, err := randomToken()
	if err != nil {
		_ = c.keys.Wipe(ctx, keyRef)
		return nil, mixerr.Wrap(mixerr.KindFatal, "mixcoordinator.create", "generate session token", err)
	}

	now := time.Now()
	req := &mixtypes.MixRequest{
		ID:                    id,
		SessionToken:          sessionToken,
		Currency:              p.Currency,
		InputAmount:           p.InputAmount,
		FeeAmount:             feeAmount,
		NetAmount:             netAmount,
		AnonymityLevel:        p.AnonymityLevel,
		Algorithm:             algorithm,
		DepositAddress:        depositAddress,
		DepositKeyRef:         string(keyRef),
		Outputs:               p.Outputs,
		DelayMinutes:          anon.DelayMinutes,
		CreatedAt:             now,
		ExpiresAt:             now.Add(c.cfg.DepositWindow),
		UpdatedAt:             now,
		Status:                mixtypes.StatusPendingDeposit,
		ConfirmationsRequired: policy.RequiredConfirmations,
	}

	if err := c.store.CreateMixRequest(ctx, req); err != nil {
		_ = c.keys.Wipe(ctx, keyRef)
		return nil, err
	}

	if err := c.monitor.WatchAddress(p.Currency, depositAddress, id); err != nil {
		c.log.WithField("mix_id", id).Warn("watch_address failed: " + err.Error())
	}

	return &CreateResult{
		SessionToken:   sessionToken,
		DepositAddress: depositAddress,
		Fee:            feeAmount,
		NetAmount:      netAmount,
		ExpiresAt:      req.ExpiresAt,
		Phases:         []string{"PENDING_DEPOSIT", "DEPOSIT_RECEIVED", "POOLING", "MIXING", "PAYING_OUT", "COMPLETED"},
	}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
