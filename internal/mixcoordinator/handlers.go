package mixcoordinator

import (
	"context"
	"strconv"
	"time"

	"github.com/obscuranet/mixcore/internal/blockchain"
	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/keycustody"
	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
	"github.com/obscuranet/mixcore/internal/pool"
)

// handleDistribution is the Scheduler handler for OperationDistribution: it
// reserves liquidity, builds/signs/broadcasts the payout, and hands
// confirmation tracking off to ConfirmationMonitor. A reservation is always
// released before a Temporary error escapes, per §7 rule 2.
//
// Payouts sign with the MixRequest's own deposit key rather than a
// consolidated hot-wallet key: Pool only tracks fungible liquidity amounts,
// not individual chain addresses, so there is no separate "pool address" to
// hold a signing key. A deployment that physically consolidates UTXOs
// would give CONSOLIDATION a real chain-level implementation and sign
// payouts from the resulting address instead.
func (c *Coordinator) handleDistribution(ctx context.Context, op *mixtypes.ScheduledOperation) error {
	payload, ok := op.Payload.(DistributionPayload)
	if !ok {
		return mixerr.New(mixerr.KindFatal, "mixcoordinator.distribution", "malformed payload")
	}

	req, err := c.store.GetMixRequest(ctx, payload.MixID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return nil
	}

	reservation, err := c.pool.Reserve(req.Currency, payload.MixID, payload.Amount)
	if err != nil {
		return err
	}

	keyRef := keycustody.KeyRef(req.DepositKeyRef)
	signed, err := c.chain.BuildAndSign(ctx, req.Currency, nil, payload.Destination, payload.Amount.Minor(),
		func(digest []byte) ([]byte, error) { return c.keys.Sign(ctx, keyRef, digest) })
	if err != nil {
		_ = c.pool.Release(req.Currency, reservation.ID)
		return err
	}

	txHash, err := c.chain.Broadcast(ctx, signed)
	if err != nil {
		_ = c.pool.Release(req.Currency, reservation.ID)
		return err
	}

	mixID := payload.MixID
	outputIndex := payload.OutputIndex
	reservationID := reservation.ID
	currencyCode := req.Currency
	trackErr := c.monitor.TrackTransaction(currencyCode, txHash,
		func(confirmations int) {
			c.withLock(mixID, func() {
				c.handleDistributionConfirmed(context.Background(), mixID, outputIndex, reservationID, txHash)
			})
		},
		func(failErr error) {
			_ = c.pool.Release(currencyCode, reservationID)
			c.withLock(mixID, func() {
				c.failMix(context.Background(), mixID, "distribution tx failed on chain: "+failErr.Error())
			})
		},
	)
	if trackErr != nil {
		_ = c.pool.Release(req.Currency, reservation.ID)
		return trackErr
	}
	return nil
}

func (c *Coordinator) handleDistributionConfirmed(ctx context.Context, mixID string, outputIndex int, reservationID, txHash string) {
	req, err := c.store.GetMixRequest(ctx, mixID)
	if err != nil || req.Status.Terminal() {
		return
	}
	if err := c.pool.Consume(req.Currency, reservationID); err != nil {
		c.log.WithField("mix_id", mixID).Warn("consume distribution reservation failed: " + err.Error())
	}
	if outputIndex < 0 || outputIndex >= len(req.Outputs) {
		return
	}
	req.Outputs[outputIndex].Delivered = true
	req.Outputs[outputIndex].TxHash = txHash
	req.UpdatedAt = time.Now()

	if req.AllOutputsDelivered() {
		c.completeMix(ctx, req)
		return
	}
	if err := c.store.UpdateMixRequest(ctx, req); err != nil {
		c.log.WithField("mix_id", mixID).Warn("persist delivered output failed: " + err.Error())
	}
}

// completeMix transitions req to COMPLETED, wipes its deposit key, and
// stops watching its deposit address — the terminal-state cleanup §8
// requires ("for every terminal R, KeyCustody holds no record for
// R.deposit_key_ref").
func (c *Coordinator) completeMix(ctx context.Context, req *mixtypes.MixRequest) {
	req.Status = mixtypes.StatusCompleted
	req.UpdatedAt = time.Now()
	if err := c.store.UpdateMixRequest(ctx, req); err != nil {
		c.log.WithField("mix_id", req.ID).Warn("persist completed failed: " + err.Error())
		return
	}
	_ = c.keys.Wipe(ctx, keycustody.KeyRef(req.DepositKeyRef))
	c.monitor.UnwatchAddress(req.Currency, req.DepositAddress)
}

// coinjoinParticipant is one leg of a co-spend batch being built.
type coinjoinParticipant struct {
	req         *mixtypes.MixRequest
	reservation *pool.Reservation
	destination string
}

// handleCoinJoin is the Scheduler handler for OperationCoinJoin (§4.6): it
// reserves NetAmount from each participant, builds one co-spend transaction
// with one input and one output per participant, and signs each input with
// its own MixRequest's deposit key. Atomicity: a signing or broadcast
// failure releases every reservation and returns each participant to
// POOLING with an individual POOL_MIX fallback scheduled — never a partial
// co-spend. A lookup or reservation failure releases the reservations taken
// so far and returns the error to the Scheduler; the participants stay in
// MIXING and no fallback is scheduled.
func (c *Coordinator) handleCoinJoin(ctx context.Context, op *mixtypes.ScheduledOperation) error {
	payload, ok := op.Payload.(CoinJoinPayload)
	if !ok {
		return mixerr.New(mixerr.KindFatal, "mixcoordinator.coinjoin", "malformed payload")
	}

	var participants []coinjoinParticipant
	rollback := func() {
		for _, p := range participants {
			_ = c.pool.Release(payload.Currency, p.reservation.ID)
		}
	}

	for _, mixID := range payload.MixIDs {
		req, err := c.store.GetMixRequest(ctx, mixID)
		if err != nil {
			rollback()
			return err
		}
		reservation, err := c.pool.Reserve(payload.Currency, mixID, req.NetAmount)
		if err != nil {
			rollback()
			return err
		}
		participants = append(participants, coinjoinParticipant{
			req:         req,
			reservation: reservation,
			destination: c.coinJoinDestination(req),
		})
	}

	sources := make([]string, len(participants))
	destinations := make([]blockchain.TxOutput, len(participants))
	for i, p := range participants {
		sources[i] = p.req.DepositAddress
		destinations[i] = blockchain.TxOutput{Address: p.destination, Amount: p.req.NetAmount.Minor()}
	}

	signed, err := c.chain.BuildAndSignMulti(ctx, payload.Currency, sources, destinations,
		func(sourceIndex int, digest []byte) ([]byte, error) {
			if sourceIndex < 0 || sourceIndex >= len(participants) {
				return nil, mixerr.New(mixerr.KindFatal, "mixcoordinator.coinjoin", "signer index out of range")
			}
			keyRef := keycustody.KeyRef(participants[sourceIndex].req.DepositKeyRef)
			return c.keys.Sign(ctx, keyRef, digest)
		})
	if err != nil {
		rollback()
		c.fallbackAllToPoolMix(ctx, payload.MixIDs)
		return nil // this operation's own recovery already ran; no Scheduler retry needed
	}

	txHash, err := c.chain.Broadcast(ctx, signed)
	if err != nil {
		rollback()
		c.fallbackAllToPoolMix(ctx, payload.MixIDs)
		return nil
	}

	mixIDs := payload.MixIDs
	reservationIDs := make([]string, len(participants))
	for i, p := range participants {
		reservationIDs[i] = p.reservation.ID
	}
	currencyCode := payload.Currency
	trackErr := c.monitor.TrackTransaction(currencyCode, txHash,
		func(confirmations int) {
			for i, mixID := range mixIDs {
				rid := reservationIDs[i]
				c.withLock(mixID, func() {
					c.handleCoinJoinConfirmed(context.Background(), mixID, rid, txHash)
				})
			}
		},
		func(failErr error) {
			for _, id := range reservationIDs {
				_ = c.pool.Release(currencyCode, id)
			}
			c.fallbackAllToPoolMix(context.Background(), mixIDs)
		},
	)
	if trackErr != nil {
		rollback()
		return trackErr
	}
	return nil
}

func (c *Coordinator) coinJoinDestination(req *mixtypes.MixRequest) string {
	if c.cfg.UseCoinJoinHoldingAddress || len(req.Outputs) != 1 {
		return c.cfg.HoldingAddress[req.Currency]
	}
	return req.Outputs[0].Address
}

func (c *Coordinator) fallbackAllToPoolMix(ctx context.Context, mixIDs []string) {
	for _, mixID := range mixIDs {
		c.withLock(mixID, func() {
			c.returnToPoolMix(ctx, mixID)
		})
	}
}

func (c *Coordinator) returnToPoolMix(ctx context.Context, mixID string) {
	req, err := c.store.GetMixRequest(ctx, mixID)
	if err != nil || req.Status.Terminal() {
		return
	}
	req.Status = mixtypes.StatusPooling
	req.UpdatedAt = time.Now()
	if err := c.store.UpdateMixRequest(ctx, req); err != nil {
		c.log.WithField("mix_id", mixID).Warn("persist return-to-pooling failed: " + err.Error())
		return
	}
	c.enterPoolMix(ctx, req)
}

// handleCoinJoinConfirmed runs under the per-id lock for one participant of
// a confirmed co-spend. When output routing uses a holding address (or the
// direct mode doesn't apply — more than one configured output), the
// co-spent NetAmount re-enters pool custody and the usual per-output
// distribution takes over from there. In direct mode with exactly one
// output, the co-spend output already paid that output's address, so the
// request completes; §9's second open question is resolved by
// cfg.UseCoinJoinHoldingAddress.
func (c *Coordinator) handleCoinJoinConfirmed(ctx context.Context, mixID, reservationID, txHash string) {
	req, err := c.store.GetMixRequest(ctx, mixID)
	if err != nil || req.Status.Terminal() {
		return
	}
	if err := c.pool.Consume(req.Currency, reservationID); err != nil {
		c.log.WithField("mix_id", mixID).Warn("consume coinjoin reservation failed: " + err.Error())
	}

	direct := !c.cfg.UseCoinJoinHoldingAddress && len(req.Outputs) == 1
	if direct {
		req.Outputs[0].Delivered = true
		req.Outputs[0].TxHash = txHash
		c.completeMix(ctx, req)
		return
	}

	if _, err := c.pool.Deposit(req.Currency, mixID, req.NetAmount); err != nil {
		c.failMix(ctx, mixID, "re-pool coinjoin proceeds failed: "+err.Error())
		return
	}
	c.enterPoolMix(ctx, req)
}

// handleConsolidation reports pool health for observability. Real UTXO
// consolidation operates on chain addresses the Pool's fungible-accounting
// model deliberately does not track (see handleDistribution's doc comment),
// so there is nothing at the chain level for this handler to merge; it
// exists so CONSOLIDATION participates in Scheduler's sub-caps and can be
// scheduled and observed like every other operation type.
func (c *Coordinator) handleConsolidation(_ context.Context, op *mixtypes.ScheduledOperation) error {
	code, ok := op.Payload.(currency.Code)
	if !ok {
		return nil
	}
	stats, err := c.pool.Stats(code)
	if err != nil {
		return err
	}
	c.log.WithField("currency", string(code)).Info("pool consolidation check: health_score=" + strconv.FormatFloat(stats.HealthScore, 'f', -1, 64))
	return nil
}

// handleRebalance flags currencies whose pool entry count has drifted more
// than 20% from target_pool_size (pool.Stats' NeedsRebalance). Moving funds
// between pools is an
// operator-owned treasury action outside this module's capability surface.
func (c *Coordinator) handleRebalance(_ context.Context, op *mixtypes.ScheduledOperation) error {
	code, ok := op.Payload.(currency.Code)
	if !ok {
		return nil
	}
	stats, err := c.pool.Stats(code)
	if err != nil {
		return err
	}
	if stats.NeedsRebalance {
		c.log.WithField("currency", string(code)).Warn("pool size drifted from target_pool_size, needs rebalance")
	}
	return nil
}

// handleCleanup sweeps MixRequests past their expiry deadline into EXPIRED,
// wiping their deposit keys and releasing any CoinJoin waitlist slot they
// held.
func (c *Coordinator) handleCleanup(ctx context.Context, _ *mixtypes.ScheduledOperation) error {
	expired, err := c.store.ListExpirable(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, req := range expired {
		mixID := req.ID
		c.withLock(mixID, func() {
			c.expireOne(ctx, mixID)
		})
	}
	return nil
}

func (c *Coordinator) expireOne(ctx context.Context, mixID string) {
	req, err := c.store.GetMixRequest(ctx, mixID)
	if err != nil || req.Status.Terminal() {
		return
	}
	c.coinjoin.remove(req.Currency, req.InputAmount.String(), mixID)

	req.Status = mixtypes.StatusExpired
	req.UpdatedAt = time.Now()
	if err := c.store.UpdateMixRequest(ctx, req); err != nil {
		c.log.WithField("mix_id", mixID).Warn("persist expired failed: " + err.Error())
		return
	}
	_ = c.keys.Wipe(ctx, keycustody.KeyRef(req.DepositKeyRef))
	c.monitor.UnwatchAddress(req.Currency, req.DepositAddress)
}
