// Package confirm implements the confirmation monitor of §4.2: one poll
// loop per currency that watches deposit addresses and tracks submitted
// transactions through to their required confirmation depth.
package confirm

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/obscuranet/mixcore/internal/blockchain"
	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
	"github.com/obscuranet/mixcore/pkg/logger"
)

// tipCacheTTL bounds how long a cached CurrentTipHeight read is reused
// before the poll loop re-hits the chain client, the "cheap lookups when tip
// unchanged" path.
const tipCacheTTL = 3 * time.Second

// DepositHandler is invoked at most once per (address, txHash) pair the
// first time a deposit to a watched address is observed.
type DepositHandler func(ctx context.Context, obs mixtypes.DepositObservation)

// PerCurrencyConfig configures one currency's poll loop.
type PerCurrencyConfig struct {
	PollInterval          time.Duration
	RequiredConfirmations int

	// CallsPerSecond throttles BlockchainClient calls issued per poll cycle
	// for this currency; zero disables throttling.
	CallsPerSecond float64

	// MaxLookupRetries bounds how many consecutive GetTransaction failures a
	// tracked transaction tolerates before it is given up on as FAILED. Zero
	// means the default of 5.
	MaxLookupRetries int
}

func (cfg PerCurrencyConfig) maxLookupRetries() int {
	if cfg.MaxLookupRetries > 0 {
		return cfg.MaxLookupRetries
	}
	return 5
}

// Monitor runs one poll loop per configured currency, watching addresses
// for deposits and tracking submitted transactions to confirmation depth.
// Callbacks registered on a MonitoredTransaction fire at most once, from
// the poll goroutine for that currency only — never concurrently with
// another callback for the same transaction.
type Monitor struct {
	client blockchain.Client
	log    *logger.Logger
	onDep  DepositHandler

	// cache holds short-lived tip-height/stats reads so a currency's poll
	// cycle can skip a redundant chain call when nothing has changed since
	// the last tick. Nil disables caching; every cache miss simply falls
	// through to the chain client.
	cache *redis.Client

	// watches is populated once at construction time and never mutated
	// afterward; only the currencyState entries it points to change, each
	// guarded by its own mutex.
	watches  map[currency.Code]*currencyState
	wg       sync.WaitGroup
	cancelFn context.CancelFunc
}

type currencyState struct {
	cfg       PerCurrencyConfig
	mu        sync.Mutex
	addresses map[string]mixtypes.MonitoredAddress
	txs       map[string]*mixtypes.MonitoredTransaction
	lastBlock int64
	stopCh    chan struct{}
	limiter   *rate.Limiter
}

// New builds a Monitor. configs supplies the poll interval, required
// confirmation depth, and call rate limit per currency; currencies absent
// from configs are never started. cache is an optional Redis client used to
// skip repeat tip-height reads within tipCacheTTL; pass nil to disable it.
func New(client blockchain.Client, log *logger.Logger, onDeposit DepositHandler, cache *redis.Client, configs map[currency.Code]PerCurrencyConfig) *Monitor {
	watches := make(map[currency.Code]*currencyState, len(configs))
	for c, cfg := range configs {
		limit := rate.Inf
		burst := 1
		if cfg.CallsPerSecond > 0 {
			limit = rate.Limit(cfg.CallsPerSecond)
			burst = int(cfg.CallsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		watches[c] = &currencyState{
			cfg:       cfg,
			addresses: make(map[string]mixtypes.MonitoredAddress),
			txs:       make(map[string]*mixtypes.MonitoredTransaction),
			stopCh:    make(chan struct{}),
			limiter:   rate.NewLimiter(limit, burst),
		}
	}
	return &Monitor{
		client:  client,
		log:     log,
		onDep:   onDeposit,
		cache:   cache,
		watches: watches,
	}
}

// Start launches one poll goroutine per configured currency. Start is not
// idempotent; calling it twice without Stop in between is a programmer
// error.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancelFn = cancel
	for c, state := range m.watches {
		m.wg.Add(1)
		go m.pollLoop(ctx, c, state)
	}
}

// Stop signals every poll loop to exit and waits up to grace for them to
// finish in-flight work before returning.
func (m *Monitor) Stop(grace time.Duration) {
	if m.cancelFn != nil {
		m.cancelFn()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		m.log.Warn("confirmation monitor did not drain within shutdown grace")
	}
}

func (m *Monitor) pollLoop(ctx context.Context, c currency.Code, state *currencyState) {
	defer m.wg.Done()
	interval := state.cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-state.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx, c, state)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, c currency.Code, state *currencyState) {
	if c.Family() == currency.FamilyUTXO {
		m.tickUTXO(ctx, c, state)
	} else {
		m.tickAccount(ctx, c, state)
	}
	m.refreshTrackedTxs(ctx, c, state)
}

// tickUTXO scans newly arrived blocks for outputs touching watched
// addresses, mirroring a classic block-by-block event listener but keyed
// on addresses instead of contract notifications.
func (m *Monitor) tickUTXO(ctx context.Context, c currency.Code, state *currencyState) {
	tip, err := m.currentTipHeightCached(ctx, c)
	if err != nil {
		m.log.WithField("currency", string(c)).Warn("current tip height failed: " + err.Error())
		return
	}

	state.mu.Lock()
	from := state.lastBlock + 1
	if state.lastBlock == 0 {
		from = tip // first tick: start watching from the current tip, not genesis
	}
	watched := make(map[string]bool, len(state.addresses))
	for addr := range state.addresses {
		watched[addr] = true
	}
	state.mu.Unlock()

	for height := from; height <= tip; height++ {
		if err := state.limiter.Wait(ctx); err != nil {
			return
		}
		txs, err := m.client.ScanBlock(ctx, c, height, watched)
		if err != nil {
			m.log.WithField("currency", string(c)).Warn("scan block failed: " + err.Error())
			break
		}
		for _, tx := range txs {
			m.observeDeposit(ctx, c, state, tx)
		}
		state.mu.Lock()
		state.lastBlock = height
		state.mu.Unlock()
	}
}

// tickAccount polls balances directly since account-model chains have no
// cheap way to enumerate "transactions touching address X" from a block.
func (m *Monitor) tickAccount(ctx context.Context, c currency.Code, state *currencyState) {
	state.mu.Lock()
	addrs := make([]string, 0, len(state.addresses))
	for addr := range state.addresses {
		addrs = append(addrs, addr)
	}
	state.mu.Unlock()

	for _, addr := range addrs {
		if err := state.limiter.Wait(ctx); err != nil {
			return
		}
		balance, err := m.client.GetBalance(ctx, c, addr)
		if err != nil {
			m.log.WithField("currency", string(c)).Warn("get balance failed: " + err.Error())
			continue
		}
		if balance == nil || balance.Sign() <= 0 {
			continue
		}
		state.mu.Lock()
		watch, ok := state.addresses[addr]
		state.mu.Unlock()
		if !ok {
			continue
		}
		amount, err := currency.NewAmount(c, balance)
		if err != nil {
			m.log.WithField("currency", string(c)).Warn("invalid balance amount: " + err.Error())
			continue
		}
		if !watch.FirstSeenAmount.IsZero() && watch.FirstSeenAmount.Cmp(amount) == 0 {
			continue // balance unchanged since first observation; nothing new
		}
		obs := mixtypes.DepositObservation{
			MixID:          watch.MixID,
			ObservedAmount: amount,
			FirstSeen:      time.Now(),
			LastSeen:       time.Now(),
		}
		if m.onDep != nil {
			m.onDep(ctx, obs)
		}
		watch.FirstSeenAmount = amount
		state.mu.Lock()
		state.addresses[addr] = watch
		state.mu.Unlock()
	}
}

func (m *Monitor) observeDeposit(ctx context.Context, c currency.Code, state *currencyState, tx blockchain.Transaction) {
	for _, out := range tx.Outputs {
		state.mu.Lock()
		watch, ok := state.addresses[out.Address]
		state.mu.Unlock()
		if !ok {
			continue
		}
		amount, err := currency.NewAmount(c, out.Amount)
		if err != nil {
			m.log.WithField("currency", string(c)).Warn("invalid deposit amount: " + err.Error())
			continue
		}
		obs := mixtypes.DepositObservation{
			MixID:          watch.MixID,
			TxHash:         tx.Hash,
			ObservedAmount: amount,
			Confirmations:  tx.Confirmations,
			FirstSeen:      time.Now(),
			LastSeen:       time.Now(),
		}
		if m.onDep != nil {
			m.onDep(ctx, obs)
		}
	}
}

// TrackTransaction begins confirmation tracking for a transaction the core
// already knows about (e.g. one it broadcast itself, such as a payout).
// onConfirmed fires exactly once, the first tick confirmations reach
// requiredConfirmations; onFailed fires at most once if the chain reports
// the transaction failed or its lookup fails MaxLookupRetries times in a row.
func (m *Monitor) TrackTransaction(c currency.Code, txHash string, onConfirmed func(int), onFailed func(error)) error {
	state, ok := m.watches[c]
	if !ok {
		return mixerr.New(mixerr.KindValidation, "confirm.track_transaction", "currency not configured: "+string(c))
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.txs[txHash] = &mixtypes.MonitoredTransaction{
		ID:                    txHash,
		Currency:              c,
		TxHash:                txHash,
		Status:                mixtypes.MonitoredTxPending,
		RequiredConfirmations: state.cfg.RequiredConfirmations,
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
		OnConfirmed:           onConfirmed,
		OnFailed:              onFailed,
	}
	return nil
}

// CancelTracking stops tracking txHash without firing either callback.
func (m *Monitor) CancelTracking(c currency.Code, txHash string) {
	state, ok := m.watches[c]
	if !ok {
		return
	}
	state.mu.Lock()
	delete(state.txs, txHash)
	state.mu.Unlock()
}

func (m *Monitor) refreshTrackedTxs(ctx context.Context, c currency.Code, state *currencyState) {
	state.mu.Lock()
	hashes := make([]string, 0, len(state.txs))
	for h := range state.txs {
		hashes = append(hashes, h)
	}
	state.mu.Unlock()

	for _, hash := range hashes {
		if err := state.limiter.Wait(ctx); err != nil {
			return
		}
		tx, err := m.client.GetTransaction(ctx, c, hash)
		if err != nil {
			state.mu.Lock()
			tracked, ok := state.txs[hash]
			if !ok {
				state.mu.Unlock()
				continue
			}
			tracked.RetryCount++
			tracked.UpdatedAt = time.Now()
			retryCount := tracked.RetryCount
			maxRetries := state.cfg.maxLookupRetries()
			if retryCount < maxRetries {
				state.mu.Unlock()
				m.log.WithField("currency", string(c)).WithField("tx_hash", hash).Warn("get transaction failed: " + err.Error())
				continue
			}
			tracked.Status = mixtypes.MonitoredTxFailed
			cb := tracked.OnFailed
			delete(state.txs, hash)
			state.mu.Unlock()
			m.log.WithField("currency", string(c)).WithField("tx_hash", hash).Warn("transaction lookup exhausted retries, marking failed")
			if cb != nil {
				cb(mixerr.New(mixerr.KindTemporary, "confirm", "transaction lookup failed after "+strconv.Itoa(retryCount)+" retries: "+err.Error()))
			}
			continue
		}

		state.mu.Lock()
		tracked, ok := state.txs[hash]
		if !ok {
			state.mu.Unlock()
			continue
		}
		tracked.Confirmations = tx.Confirmations
		tracked.RetryCount = 0 // a successful lookup ends the run of consecutive failures
		tracked.UpdatedAt = time.Now()

		switch {
		case tx.Status == blockchain.TxStatusFailed && tracked.Status != mixtypes.MonitoredTxFailed:
			tracked.Status = mixtypes.MonitoredTxFailed
			cb := tracked.OnFailed
			delete(state.txs, hash)
			state.mu.Unlock()
			if cb != nil {
				cb(mixerr.New(mixerr.KindTemporary, "confirm", "transaction failed on chain"))
			}
			continue
		case tx.Confirmations >= tracked.RequiredConfirmations && tracked.Status != mixtypes.MonitoredTxConfirmed:
			tracked.Status = mixtypes.MonitoredTxConfirmed
			cb := tracked.OnConfirmed
			confirmations := tx.Confirmations
			delete(state.txs, hash)
			state.mu.Unlock()
			if cb != nil {
				cb(confirmations)
			}
			continue
		default:
			state.mu.Unlock()
		}
	}
}

// currentTipHeightCached reads the tip height from cache when a fresh-enough
// entry exists, falling back to the chain client (and repopulating the
// cache) on a miss. A nil cache or any Redis error is treated as a plain
// miss — correctness never depends on the cache being up or reachable.
func (m *Monitor) currentTipHeightCached(ctx context.Context, c currency.Code) (int64, error) {
	key := "mixcore:tip:" + string(c)
	if m.cache != nil {
		if v, err := m.cache.Get(ctx, key).Int64(); err == nil {
			return v, nil
		}
	}
	if err := m.watches[c].limiter.Wait(ctx); err != nil {
		return 0, err
	}
	tip, err := m.client.CurrentTipHeight(ctx, c)
	if err != nil {
		return 0, err
	}
	if m.cache != nil {
		m.cache.Set(ctx, key, tip, tipCacheTTL)
	}
	return tip, nil
}

// WatchAddress starts watching address for deposits attributable to mixID.
func (m *Monitor) WatchAddress(c currency.Code, address string, mixID string) error {
	state, ok := m.watches[c]
	if !ok {
		return mixerr.New(mixerr.KindValidation, "confirm.watch_address", "currency not configured: "+string(c))
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.addresses[address] = mixtypes.MonitoredAddress{Currency: c, Address: address, MixID: mixID}
	return nil
}

// UnwatchAddress stops watching address.
func (m *Monitor) UnwatchAddress(c currency.Code, address string) {
	state, ok := m.watches[c]
	if !ok {
		return
	}
	state.mu.Lock()
	delete(state.addresses, address)
	state.mu.Unlock()
}

// Stats reports, per currency, how many addresses and transactions are
// currently being watched.
type Stats struct {
	WatchedAddresses int
	TrackedTxs       int
	LastBlock        int64
}

// StatsFor returns Stats for one currency.
func (m *Monitor) StatsFor(c currency.Code) Stats {
	state, ok := m.watches[c]
	if !ok {
		return Stats{}
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return Stats{
		WatchedAddresses: len(state.addresses),
		TrackedTxs:       len(state.txs),
		LastBlock:        state.lastBlock,
	}
}
