package mixcoordinator

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/fee"
	"github.com/obscuranet/mixcore/internal/keycustody"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

// handleDepositObserved runs under the per-id lock. It implements the
// overpayment/underpayment policy of §9: the observed amount, not the
// originally quoted input_amount, is what gets credited and mixed — fee
// and net are recomputed from it. A shortfall within the currency's
// underpayment_tolerance is accepted on the same terms; a shortfall beyond
// tolerance is left in PENDING_DEPOSIT (a de-facto review state) for the
// standard expiry sweep to resolve, rather than failing the request
// outright on a single low observation (a chain reorg or a second
// top-up transfer may still bring it into tolerance).
func (c *Coordinator) handleDepositObserved(ctx context.Context, obs mixtypes.DepositObservation) {
	req, err := c.store.GetMixRequest(ctx, obs.MixID)
	if err != nil {
		c.log.WithField("mix_id", obs.MixID).Warn("deposit observed for unknown mix: " + err.Error())
		return
	}
	if req.Status != mixtypes.StatusPendingDeposit {
		return // already progressed past deposit acceptance; ignore late/duplicate observations
	}

	policy := c.cfg.Currencies[req.Currency]
	tolerance := policy.UnderpaymentTolerance
	if tolerance.Currency() == "" {
		tolerance = currency.Zero(req.Currency)
	}

	accepted := obs.ObservedAmount.GreaterThanOrEqual(req.InputAmount)
	if !accepted {
		shortfall, subErr := req.InputAmount.Sub(obs.ObservedAmount)
		if subErr == nil {
			accepted = shortfall.Cmp(tolerance) <= 0
		}
	}
	if !accepted {
		c.log.WithField("mix_id", obs.MixID).Warn("deposit below underpayment tolerance; holding in PENDING_DEPOSIT")
		return
	}

	feeAmount, netAmount, err := c.fees.Calculate(obs.ObservedAmount, req.AnonymityLevel)
	if err != nil {
		c.log.WithField("mix_id", obs.MixID).Warn("recompute fee on observed deposit failed: " + err.Error())
		return
	}

	req.InputAmount = obs.ObservedAmount
	req.FeeAmount = feeAmount
	req.NetAmount = netAmount
	req.DepositTxHash = obs.TxHash
	req.Status = mixtypes.StatusDepositReceived
	req.UpdatedAt = time.Now()

	if err := c.store.UpdateMixRequest(ctx, req); err != nil {
		c.log.WithField("mix_id", obs.MixID).Warn("persist deposit_received failed: " + err.Error())
		return
	}

	mixID := obs.MixID
	currencyCode := req.Currency
	err = c.monitor.TrackTransaction(currencyCode, obs.TxHash,
		func(confirmations int) {
			c.withLock(mixID, func() {
				c.handleDepositConfirmed(context.Background(), mixID, confirmations)
			})
		},
		func(failErr error) {
			c.withLock(mixID, func() {
				c.failMix(context.Background(), mixID, "deposit transaction failed on chain: "+failErr.Error())
			})
		},
	)
	if err != nil {
		c.log.WithField("mix_id", obs.MixID).Warn("track_transaction failed: " + err.Error())
	}
}

// handleDepositConfirmed runs under the per-id lock, invoked from the
// ConfirmationMonitor callback once the deposit reaches
// required_confirmations.
func (c *Coordinator) handleDepositConfirmed(ctx context.Context, mixID string, confirmations int) {
	req, err := c.store.GetMixRequest(ctx, mixID)
	if err != nil {
		c.log.WithField("mix_id", mixID).Warn("deposit confirmed for unknown mix: " + err.Error())
		return
	}
	if req.Status != mixtypes.StatusDepositReceived {
		return
	}

	req.ConfirmationsSeen = confirmations
	req.Status = mixtypes.StatusPooling
	req.UpdatedAt = time.Now()
	if err := c.store.UpdateMixRequest(ctx, req); err != nil {
		c.log.WithField("mix_id", mixID).Warn("persist pooling failed: " + err.Error())
		return
	}

	if _, err := c.pool.Deposit(req.Currency, mixID, req.InputAmount); err != nil {
		c.failMix(ctx, mixID, "pool deposit failed: "+err.Error())
		return
	}

	if req.Algorithm == mixtypes.AlgorithmCoinJoin && c.isCommonDenomination(req.Currency, req.InputAmount) {
		c.enterCoinJoin(ctx, req)
		return
	}
	c.enterPoolMix(ctx, req)
}

func (c *Coordinator) isCommonDenomination(code currency.Code, amount currency.Amount) bool {
	for _, d := range c.cfg.Currencies[code].CommonDenominations {
		if d.Cmp(amount) == 0 {
			return true
		}
	}
	return false
}

// enterPoolMix transitions MIXING, immediately schedules one DISTRIBUTION
// operation per output with jittered, staggered delays (§4.5), then
// transitions PAYING_OUT now that every payout has been handed to the
// Scheduler.
func (c *Coordinator) enterPoolMix(ctx context.Context, req *mixtypes.MixRequest) {
	req.Status = mixtypes.StatusMixing
	req.UpdatedAt = time.Now()
	if err := c.store.UpdateMixRequest(ctx, req); err != nil {
		c.log.WithField("mix_id", req.ID).Warn("persist mixing failed: " + err.Error())
		return
	}

	if err := c.scheduleDistributions(req); err != nil {
		c.failMix(ctx, req.ID, "schedule distribution failed: "+err.Error())
		return
	}

	req.Status = mixtypes.StatusPayingOut
	req.UpdatedAt = time.Now()
	if err := c.store.UpdateMixRequest(ctx, req); err != nil {
		c.log.WithField("mix_id", req.ID).Warn("persist paying_out failed: " + err.Error())
	}
}

// scheduleDistributions computes each output's share of net_amount and
// submits a DISTRIBUTION operation per output, jittered ±10% on
// delay_minutes and staggered by at least 2 minutes within the batch.
func (c *Coordinator) scheduleDistributions(req *mixtypes.MixRequest) error {
	amounts, err := fee.SplitOutputs(req.NetAmount, req.Outputs)
	if err != nil {
		return err
	}

	base := time.Duration(req.DelayMinutes) * time.Minute
	var previous time.Time
	for i, out := range req.Outputs {
		jittered, jitterErr := jitter(base)
		if jitterErr != nil {
			return jitterErr
		}
		scheduledAt := time.Now().Add(jittered)
		if i > 0 && scheduledAt.Before(previous.Add(2*time.Minute)) {
			scheduledAt = previous.Add(2 * time.Minute)
		}
		previous = scheduledAt

		op := &mixtypes.ScheduledOperation{
			ID:          fmt.Sprintf("%s-dist-%d", req.ID, i),
			Type:        mixtypes.OperationDistribution,
			Priority:    0,
			ScheduledAt: scheduledAt,
			MixID:       req.ID,
			Payload: DistributionPayload{
				MixID:       req.ID,
				OutputIndex: i,
				Amount:      amounts[i],
				Destination: out.Address,
			},
		}
		if err := c.scheduler.Submit(op); err != nil {
			return err
		}
	}
	return nil
}

// failMix transitions req to FAILED and wipes its deposit key. Called on
// any fatal/exhausted error path, per §7 rule: Fatal errors crash the
// owning operation, not the whole process.
func (c *Coordinator) failMix(ctx context.Context, mixID, reason string) {
	req, err := c.store.GetMixRequest(ctx, mixID)
	if err != nil || req.Status.Terminal() {
		return
	}
	req.Status = mixtypes.StatusFailed
	req.Error = reason
	req.UpdatedAt = time.Now()
	_ = c.store.UpdateMixRequest(ctx, req)
	_ = c.keys.Wipe(ctx, keycustody.KeyRef(req.DepositKeyRef))
	c.monitor.UnwatchAddress(req.Currency, req.DepositAddress)
}

// DistributionPayload is the Scheduler payload for one output's payout.
type DistributionPayload struct {
	MixID       string
	OutputIndex int
	Amount      currency.Amount
	Destination string
}

// coinjoinWaitlist groups mix requests of equal currency and input_amount
// waiting for enough co-participants to form a CoinJoin batch (§4.6).
type coinjoinWaitlist struct {
	mu     sync.Mutex
	groups map[currency.Code]map[string][]string // currency -> amount.String() -> mixIDs
}

func newCoinjoinWaitlist() coinjoinWaitlist {
	return coinjoinWaitlist{groups: make(map[currency.Code]map[string][]string)}
}

// add appends mixID to its denomination's waiting group and returns the
// full group if it has now reached minParticipants, clearing it from the
// waitlist in the same step (so no two callers can form the same batch
// twice).
func (w *coinjoinWaitlist) add(code currency.Code, amountKey, mixID string, minParticipants int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	byAmount, ok := w.groups[code]
	if !ok {
		byAmount = make(map[string][]string)
		w.groups[code] = byAmount
	}
	byAmount[amountKey] = append(byAmount[amountKey], mixID)
	if len(byAmount[amountKey]) >= minParticipants {
		batch := byAmount[amountKey]
		delete(byAmount, amountKey)
		return batch
	}
	return nil
}

// remove drops mixID from its waiting group, e.g. because the owning
// MixRequest expired before a batch formed.
func (w *coinjoinWaitlist) remove(code currency.Code, amountKey, mixID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	byAmount, ok := w.groups[code]
	if !ok {
		return
	}
	entries := byAmount[amountKey]
	out := entries[:0]
	for _, id := range entries {
		if id != mixID {
			out = append(out, id)
		}
	}
	byAmount[amountKey] = out
}

func (c *Coordinator) enterCoinJoin(ctx context.Context, req *mixtypes.MixRequest) {
	req.Status = mixtypes.StatusMixing
	req.UpdatedAt = time.Now()
	if err := c.store.UpdateMixRequest(ctx, req); err != nil {
		c.log.WithField("mix_id", req.ID).Warn("persist mixing (coinjoin) failed: " + err.Error())
		return
	}

	minParticipants := c.cfg.Currencies[req.Currency].MinMixParticipants
	if minParticipants < 2 {
		minParticipants = 2
	}
	batch := c.coinjoin.add(req.Currency, req.InputAmount.String(), req.ID, minParticipants)
	if batch == nil {
		return // waiting for more co-participants
	}

	op := &mixtypes.ScheduledOperation{
		ID:          "coinjoin-" + uuid.NewString(),
		Type:        mixtypes.OperationCoinJoin,
		Priority:    1,
		ScheduledAt: time.Now(),
		MixID:       req.ID,
		Payload:     CoinJoinPayload{Currency: req.Currency, MixIDs: batch},
	}
	if err := c.scheduler.Submit(op); err != nil {
		c.log.WithField("currency", string(req.Currency)).Warn("schedule coinjoin op failed: " + err.Error())
	}
}

// CoinJoinPayload is the Scheduler payload for a co-spend batch.
type CoinJoinPayload struct {
	Currency currency.Code
	MixIDs   []string
}

// jitter applies a uniform(-0.1, +0.1) multiplier to base, per §4.5, drawn
// from a CSPRNG (crypto/rand) rather than from math/rand.
func jitter(base time.Duration) (time.Duration, error) {
	factor, err := uniformUnit()
	if err != nil {
		return 0, err
	}
	return time.Duration(float64(base) * (1 + 0.2*(factor-0.5))), nil
}

// uniformUnit returns a uniform random float64 in [0, 1).
func uniformUnit() (float64, error) {
	const resolution = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(resolution))
	if err != nil {
		return 0, err
	}
	return float64(n.Int64()) / float64(resolution), nil
}
