package mixcoordinator

import (
	"context"
	"time"

	"github.com/obscuranet/mixcore/internal/keycustody"
	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

// StatusView is the external-facing status response sketched in §6: status,
// current_phase, progress, confirmations, anonymity_score, tx_hashes. The
// internal id never appears.
type StatusView struct {
	Status          mixtypes.Status
	CurrentPhase    string
	Progress        float64 // 0..1 across the phase list, not chain confirmations
	Confirmations   int
	RequiredConfirm int
	AnonymityScore  float64
	TxHashes        []string
}

var phaseOrder = []mixtypes.Status{
	mixtypes.StatusPendingDeposit,
	mixtypes.StatusDepositReceived,
	mixtypes.StatusPooling,
	mixtypes.StatusMixing,
	mixtypes.StatusPayingOut,
	mixtypes.StatusCompleted,
}

// GetStatus looks a MixRequest up by its external session token and
// projects it to a StatusView.
func (c *Coordinator) GetStatus(ctx context.Context, sessionToken string) (*StatusView, error) {
	req, err := c.store.GetMixRequestBySessionToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	txHashes := make([]string, 0, len(req.Outputs)+1)
	if req.DepositTxHash != "" {
		txHashes = append(txHashes, req.DepositTxHash)
	}
	for _, o := range req.Outputs {
		if o.TxHash != "" {
			txHashes = append(txHashes, o.TxHash)
		}
	}

	return &StatusView{
		Status:          req.Status,
		CurrentPhase:    string(req.Status),
		Progress:        phaseProgress(req.Status),
		Confirmations:   req.ConfirmationsSeen,
		RequiredConfirm: req.ConfirmationsRequired,
		AnonymityScore:  c.anonymityScore(req),
		TxHashes:        txHashes,
	}, nil
}

func phaseProgress(s mixtypes.Status) float64 {
	if s.Terminal() {
		if s == mixtypes.StatusCompleted {
			return 1
		}
		return 0
	}
	for i, phase := range phaseOrder {
		if phase == s {
			return float64(i) / float64(len(phaseOrder)-1)
		}
	}
	return 0
}

// anonymityScore resolves §9's open question with a monotone 0..1 score
// over three observable factors: whether the request's funds have reached
// the pool (0 before POOLING, 1 from POOLING on; the number of
// co-participants is not counted), how deep its deposit's confirmations run
// relative to what is required, and how much time has passed since the
// request was created relative to its configured payout delay (a longer
// wait before payout widens the set of candidate deposits an external
// observer would need to correlate against). Each factor is capped at 1 and
// combined as a weighted sum; weights favor the pooling factor, the
// strongest of the three signals for breaking a deposit-to-payout link.
func (c *Coordinator) anonymityScore(req *mixtypes.MixRequest) float64 {
	if req.Status == mixtypes.StatusCompleted {
		return 1
	}
	if req.Status.Terminal() {
		return 0
	}

	// Neither algorithm co-mingles funds until liquidity actually lands in
	// the pool (POOLING or later); before that the deposit is still
	// singly attributable to its own address.
	participantFactor := 0.0
	if req.Status != mixtypes.StatusPendingDeposit && req.Status != mixtypes.StatusDepositReceived {
		participantFactor = 1.0
	}

	confirmFactor := 0.0
	if req.ConfirmationsRequired > 0 {
		confirmFactor = clamp01(float64(req.ConfirmationsSeen) / float64(req.ConfirmationsRequired))
	}

	delayFactor := 0.0
	if req.DelayMinutes > 0 {
		elapsed := time.Since(req.CreatedAt).Minutes()
		delayFactor = clamp01(elapsed / float64(req.DelayMinutes))
	}

	return clamp01(0.5*participantFactor + 0.3*confirmFactor + 0.2*delayFactor)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Cancel implements the cancel operation of §6: allowed only while a
// request has not yet committed funds to a mixing strategy.
func (c *Coordinator) Cancel(ctx context.Context, sessionToken string) error {
	req, err := c.store.GetMixRequestBySessionToken(ctx, sessionToken)
	if err != nil {
		return err
	}
	if !mixtypes.CanCancel(req.Status) {
		return mixerr.ErrCannotCancel
	}

	var outcome error
	c.withLock(req.ID, func() {
		fresh, err := c.store.GetMixRequest(ctx, req.ID)
		if err != nil {
			outcome = err
			return
		}
		if !mixtypes.CanCancel(fresh.Status) {
			outcome = mixerr.ErrCannotCancel
			return
		}
		fresh.Status = mixtypes.StatusCancelled
		fresh.UpdatedAt = time.Now()
		if err := c.store.UpdateMixRequest(ctx, fresh); err != nil {
			outcome = err
			return
		}
		_ = c.keys.Wipe(ctx, keycustody.KeyRef(fresh.DepositKeyRef))
		c.monitor.UnwatchAddress(fresh.Currency, fresh.DepositAddress)
	})
	return outcome
}
