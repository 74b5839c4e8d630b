// Package pool implements per-currency liquidity pool accounting (§4.3):
// deposited funds enter AVAILABLE, get reserved FIFO for a mix, and are
// either consumed by a payout or released back to the pool.
package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

// Config bounds one currency's pool.
type Config struct {
	MinPoolSize    int
	MaxPoolSize    int
	TargetPoolSize int
	// MinMixParticipants is the number of distinct entries a CoinJoin
	// batch needs before it is considered ready.
	MinMixParticipants int
	// MaxPoolAge is how long an entry may sit in the pool before Stats
	// counts it as stale. Zero means the default of 24h.
	MaxPoolAge time.Duration
}

func (c Config) maxPoolAge() time.Duration {
	if c.MaxPoolAge > 0 {
		return c.MaxPoolAge
	}
	return 24 * time.Hour
}

// Reservation is the receipt handed back by Reserve; Release or Consume it
// exactly once.
type Reservation struct {
	ID      string
	MixID   string
	Entries []string // pool entry IDs reserved
	Amount  currency.Amount
}

// Stats summarizes one currency's pool for health scoring and rebalancing.
type Stats struct {
	Currency       currency.Code
	Available      currency.Amount
	Locked         currency.Amount
	Consumed       currency.Amount
	EntryCount     int
	AvailableCount int
	Utilization    float64 // locked / total, by entry count
	OldestEntryAge time.Duration
	QueueLength    int
	HealthScore    float64 // 0-100
	NeedsRebalance bool
}

type entry struct {
	mixtypes.PoolEntry
}

// Pool manages the liquidity pools for every configured currency. Each
// currency's state is guarded by its own mutex so operations on BTC never
// block operations on ETH.
type Pool struct {
	configs map[currency.Code]Config

	mu      sync.Mutex // guards the per-currency map itself, not its contents
	entries map[currency.Code]*currencyPool
}

type currencyPool struct {
	mu           sync.Mutex
	cfg          Config
	byID         map[string]*entry
	order        []string // FIFO order of AVAILABLE entry IDs
	reservations map[string]*Reservation
	consumedSum  currency.Amount
}

// New builds a Pool for the given per-currency configs.
func New(configs map[currency.Code]Config) *Pool {
	p := &Pool{
		configs: configs,
		entries: make(map[currency.Code]*currencyPool),
	}
	for c, cfg := range configs {
		p.entries[c] = &currencyPool{
			cfg:          cfg,
			byID:         make(map[string]*entry),
			reservations: make(map[string]*Reservation),
			consumedSum:  currency.Zero(c),
		}
	}
	return p
}

func (p *Pool) currencyState(c currency.Code) (*currencyPool, error) {
	p.mu.Lock()
	cp, ok := p.entries[c]
	p.mu.Unlock()
	if !ok {
		return nil, mixerr.New(mixerr.KindValidation, "pool", "currency not configured: "+string(c))
	}
	return cp, nil
}

// Deposit adds a newly confirmed deposit to the AVAILABLE pool for reuse by
// other mixes.
func (p *Pool) Deposit(c currency.Code, mixID string, amount currency.Amount) (string, error) {
	cp, err := p.currencyState(c)
	if err != nil {
		return "", err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.cfg.MaxPoolSize > 0 && len(cp.byID) >= cp.cfg.MaxPoolSize {
		return "", mixerr.New(mixerr.KindTemporary, "pool.deposit", "pool at capacity for "+string(c))
	}

	id := uuid.NewString()
	cp.byID[id] = &entry{mixtypes.PoolEntry{
		ID:       id,
		MixID:    mixID,
		Currency: c,
		Amount:   amount,
		JoinedAt: time.Now(),
		Status:   mixtypes.PoolEntryAvailable,
	}}
	cp.order = append(cp.order, id)
	return id, nil
}

// Reserve takes entries FIFO from the AVAILABLE queue until target is met
// or exceeded, and locks them under a new Reservation. Returns
// ErrInsufficientLiquidity if the pool cannot cover target.
func (p *Pool) Reserve(c currency.Code, mixID string, target currency.Amount) (*Reservation, error) {
	cp, err := p.currencyState(c)
	if err != nil {
		return nil, err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	sum := currency.Zero(c)
	var taken []string
	for _, id := range cp.order {
		e, ok := cp.byID[id]
		if !ok || e.Status != mixtypes.PoolEntryAvailable {
			continue
		}
		taken = append(taken, id)
		var addErr error
		sum, addErr = sum.Add(e.Amount)
		if addErr != nil {
			return nil, mixerr.Wrap(mixerr.KindFatal, "pool.reserve", "accumulate reserved amount", addErr)
		}
		if sum.GreaterThanOrEqual(target) {
			break
		}
	}
	if sum.LessThan(target) {
		return nil, mixerr.ErrInsufficientLiquidity
	}

	reservationID := uuid.NewString()
	for _, id := range taken {
		e := cp.byID[id]
		e.Status = mixtypes.PoolEntryLocked
		e.ReservationID = reservationID
	}
	cp.order = removeAll(cp.order, taken)

	res := &Reservation{ID: reservationID, MixID: mixID, Entries: taken, Amount: sum}
	cp.reservations[reservationID] = res
	return res, nil
}

// Release returns a reservation's entries to the AVAILABLE queue, e.g.
// after a mix is cancelled before payout.
func (p *Pool) Release(c currency.Code, reservationID string) error {
	cp, err := p.currencyState(c)
	if err != nil {
		return err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	res, ok := cp.reservations[reservationID]
	if !ok {
		return mixerr.New(mixerr.KindNotFound, "pool.release", "unknown reservation "+reservationID)
	}
	for _, id := range res.Entries {
		e, ok := cp.byID[id]
		if !ok {
			continue
		}
		e.Status = mixtypes.PoolEntryAvailable
		e.ReservationID = ""
		cp.order = append(cp.order, id)
	}
	delete(cp.reservations, reservationID)
	return nil
}

// Consume permanently removes a reservation's entries from the pool — they
// have been paid out and no longer exist as pool liquidity.
func (p *Pool) Consume(c currency.Code, reservationID string) error {
	cp, err := p.currencyState(c)
	if err != nil {
		return err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	res, ok := cp.reservations[reservationID]
	if !ok {
		return mixerr.New(mixerr.KindNotFound, "pool.consume", "unknown reservation "+reservationID)
	}
	for _, id := range res.Entries {
		e, ok := cp.byID[id]
		if !ok {
			continue
		}
		e.Status = mixtypes.PoolEntryConsumed
		delete(cp.byID, id)
	}
	consumed, err := cp.consumedSum.Add(res.Amount)
	if err != nil {
		return mixerr.Wrap(mixerr.KindFatal, "pool.consume", "accumulate consumed amount", err)
	}
	cp.consumedSum = consumed
	delete(cp.reservations, reservationID)
	return nil
}

// JoinCoinjoinQueue adds a deposit to the CoinJoin participant queue for
// its currency without reserving it against a target amount; the caller
// pulls entries out by ID once a batch is ready.
func (p *Pool) JoinCoinjoinQueue(c currency.Code, mixID string, amount currency.Amount) (string, error) {
	return p.Deposit(c, mixID, amount)
}

// LeaveCoinjoinQueue removes entryID from the AVAILABLE queue, e.g. because
// the owning mix expired while waiting for enough co-participants.
func (p *Pool) LeaveCoinjoinQueue(c currency.Code, entryID string) error {
	cp, err := p.currencyState(c)
	if err != nil {
		return err
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if e, ok := cp.byID[entryID]; ok && e.Status == mixtypes.PoolEntryAvailable {
		delete(cp.byID, entryID)
		cp.order = removeAll(cp.order, []string{entryID})
	}
	return nil
}

// QueueDepth reports how many AVAILABLE entries are waiting — the same count
// Stats reports as QueueLength.
func (p *Pool) QueueDepth(c currency.Code) (int, error) {
	cp, err := p.currencyState(c)
	if err != nil {
		return 0, err
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.order), nil
}

// Stats computes a health snapshot for one currency. HealthScore starts at
// 100 and is penalized for size, utilization and staleness, floored at 0;
// NeedsRebalance flags when total entry count has drifted more than 20%
// from TargetPoolSize.
func (p *Pool) Stats(c currency.Code) (Stats, error) {
	cp, err := p.currencyState(c)
	if err != nil {
		return Stats{}, err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	now := time.Now()
	maxAge := cp.cfg.maxPoolAge()

	available := currency.Zero(c)
	locked := currency.Zero(c)
	availableCount := 0
	lockedCount := 0
	staleCount := 0
	var oldestAge time.Duration
	for _, e := range cp.byID {
		if age := now.Sub(e.JoinedAt); age > oldestAge {
			oldestAge = age
		}
		if now.Sub(e.JoinedAt) > maxAge {
			staleCount++
		}
		switch e.Status {
		case mixtypes.PoolEntryAvailable:
			if available, err = available.Add(e.Amount); err != nil {
				return Stats{}, mixerr.Wrap(mixerr.KindFatal, "pool.stats", "accumulate available amount", err)
			}
			availableCount++
		case mixtypes.PoolEntryLocked:
			if locked, err = locked.Add(e.Amount); err != nil {
				return Stats{}, mixerr.Wrap(mixerr.KindFatal, "pool.stats", "accumulate locked amount", err)
			}
			lockedCount++
		}
	}

	total := availableCount + lockedCount
	utilization := 0.0
	if total > 0 {
		utilization = float64(lockedCount) / float64(total)
	}

	health := 100.0
	if cp.cfg.MinPoolSize > 0 && total < cp.cfg.MinPoolSize {
		health -= 30
	}
	if cp.cfg.MaxPoolSize > 0 && total > cp.cfg.MaxPoolSize {
		health -= 20
	}
	if utilization > 0.9 {
		health -= 25
	} else if total > 0 && utilization < 0.1 {
		health -= 15
	}
	health -= 5 * float64(staleCount)
	if health < 0 {
		health = 0
	}

	needsRebalance := false
	if target := cp.cfg.TargetPoolSize; target > 0 {
		drift := float64(total-target) / float64(target)
		if drift < 0 {
			drift = -drift
		}
		needsRebalance = drift > 0.2
	}

	return Stats{
		Currency:       c,
		Available:      available,
		Locked:         locked,
		Consumed:       cp.consumedSum,
		EntryCount:     total,
		AvailableCount: availableCount,
		Utilization:    utilization,
		OldestEntryAge: oldestAge,
		QueueLength:    len(cp.order),
		HealthScore:    health,
		NeedsRebalance: needsRebalance,
	}, nil
}

func removeAll(order []string, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, id := range remove {
		removeSet[id] = true
	}
	out := order[:0:0]
	for _, id := range order {
		if !removeSet[id] {
			out = append(out, id)
		}
	}
	return out
}
