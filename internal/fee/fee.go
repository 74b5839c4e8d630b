// Package fee implements §4.5's fee computation: a per-currency base rate
// scaled by the anonymity level's fee multiplier, expressed in exact
// fixed-point arithmetic per §3's Amount contract.
package fee

import (
	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

// basisPointsDenominator expresses the base fee rate as basis points of the
// input amount, matching the basis-point arithmetic already used for
// output splits so no floating point enters fee computation either.
const basisPointsDenominator = 10000

// defaultBaseRateBps is the base fee rate before the anonymity multiplier is
// applied: 1.5%, matching the S1/S2 scenarios (0.5 BTC @ MEDIUM → fee
// 0.009; 1.0 ETH @ LOW → fee 0.015).
const defaultBaseRateBps = 150

// Multipliers maps an anonymity level to its fee multiplier, mirroring
// config.AnonymityConfig.FeeMultiplier without importing pkg/config (fee
// stays a pure domain calculation; the caller is responsible for wiring
// config values in).
type Multipliers map[mixtypes.AnonymityLevel]float64

// Calculator computes fee_amount and net_amount for a MixRequest at create
// time. It holds no mutable state and is safe for concurrent use.
type Calculator struct {
	baseRateBps map[currency.Code]int64
	multipliers Multipliers
}

// New builds a Calculator. baseRateBps overrides the default 150 (1.5%) base
// rate per currency where configured; multipliers supplies the per-level
// fee multiplier (typically loaded from config.AnonymityConfig).
func New(baseRateBps map[currency.Code]int64, multipliers Multipliers) *Calculator {
	return &Calculator{baseRateBps: baseRateBps, multipliers: multipliers}
}

// Calculate returns (fee_amount, net_amount) for an input_amount at the
// given anonymity level. net_amount = input_amount - fee_amount, and the
// fee multiplier is applied as a fixed-point scaling over basis points:
// effective_rate_bps = base_rate_bps * multiplier, rounded to the nearest
// basis point before the integer fee computation so floating point never
// touches the value itself.
func (c *Calculator) Calculate(amount currency.Amount, level mixtypes.AnonymityLevel) (fee currency.Amount, net currency.Amount, err error) {
	multiplier, ok := c.multipliers[level]
	if !ok {
		return currency.Amount{}, currency.Amount{}, mixerr.New(mixerr.KindValidation, "fee.calculate", "unconfigured anonymity level "+string(level))
	}

	baseBps := int64(defaultBaseRateBps)
	if override, ok := c.baseRateBps[amount.Currency()]; ok {
		baseBps = override
	}
	effectiveBps := int64(float64(baseBps)*multiplier + 0.5)

	feeAmount := amount.MulBasisPoints(effectiveBps)
	netAmount, err := amount.Sub(feeAmount)
	if err != nil {
		return currency.Amount{}, currency.Amount{}, mixerr.Wrap(mixerr.KindFatal, "fee.calculate", "fee exceeds input amount", err)
	}
	return feeAmount, netAmount, nil
}

// SplitOutputs computes each output's minor-unit share of netAmount per its
// basis points, with any integer-truncation remainder accrued to the final
// output, per §4.5's payout-scheduling rule.
func SplitOutputs(netAmount currency.Amount, outputs []mixtypes.Output) ([]currency.Amount, error) {
	if len(outputs) == 0 {
		return nil, mixerr.New(mixerr.KindValidation, "fee.split_outputs", "no outputs to split")
	}

	shares := make([]currency.Amount, len(outputs))
	allocated := currency.Zero(netAmount.Currency())
	for i, o := range outputs {
		if i == len(outputs)-1 {
			break // last output takes the remainder below
		}
		share := netAmount.MulBasisPoints(o.BasisPoints)
		shares[i] = share
		var err error
		allocated, err = allocated.Add(share)
		if err != nil {
			return nil, mixerr.Wrap(mixerr.KindFatal, "fee.split_outputs", "accumulate allocated shares", err)
		}
	}
	remainder, err := netAmount.Sub(allocated)
	if err != nil {
		return nil, mixerr.Wrap(mixerr.KindFatal, "fee.split_outputs", "compute remainder share", err)
	}
	shares[len(outputs)-1] = remainder
	return shares, nil
}

// EffectiveRateBps exposes the resolved fee rate (base * multiplier,
// rounded) for a currency/level pair, useful for quoting a fee preview
// without allocating an Amount.
func (c *Calculator) EffectiveRateBps(code currency.Code, level mixtypes.AnonymityLevel) (int64, error) {
	multiplier, ok := c.multipliers[level]
	if !ok {
		return 0, mixerr.New(mixerr.KindValidation, "fee.effective_rate", "unconfigured anonymity level "+string(level))
	}
	baseBps := int64(defaultBaseRateBps)
	if override, ok := c.baseRateBps[code]; ok {
		baseBps = override
	}
	return int64(float64(baseBps)*multiplier + 0.5), nil
}
