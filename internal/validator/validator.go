// Package validator implements §4.5's intake validation: per-currency
// address format checks, amount range checks, and the output-split
// constraints (basis points sum to 10000, 1-10 distinct-address entries).
package validator

import (
	"crypto/sha256"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

const (
	minOutputs = 1
	maxOutputs = 10
	totalBasisPoints = 10000
)

// Validator checks MixRequest intake against per-currency address rules,
// amount bounds, and the output-split invariant. It holds no mutable state
// and is safe for concurrent use.
type Validator struct {
	limits map[currency.Code]AmountLimits
}

// AmountLimits bounds one currency's accepted input_amount.
type AmountLimits struct {
	Min currency.Amount
	Max currency.Amount
}

// New builds a Validator with per-currency amount limits.
func New(limits map[currency.Code]AmountLimits) *Validator {
	return &Validator{limits: limits}
}

// ValidateAmount checks amount is within the configured [min, max] range for
// its currency.
func (v *Validator) ValidateAmount(amount currency.Amount) error {
	limits, ok := v.limits[amount.Currency()]
	if !ok {
		return mixerr.New(mixerr.KindValidation, "validator.amount", "currency not configured: "+string(amount.Currency()))
	}
	if amount.LessThan(limits.Min) {
		return mixerr.New(mixerr.KindValidation, "validator.amount", "amount below minimum for "+string(amount.Currency()))
	}
	if amount.Currency() != limits.Max.Currency() {
		return mixerr.New(mixerr.KindValidation, "validator.amount", "limits misconfigured for "+string(amount.Currency()))
	}
	if limits.Max.LessThan(amount) {
		return mixerr.New(mixerr.KindValidation, "validator.amount", "amount above maximum for "+string(amount.Currency()))
	}
	return nil
}

// ValidateOutputs enforces the output-split invariant: basis points sum to
// exactly 10000, between 1 and 10 entries, all addresses distinct and valid
// for c.
func (v *Validator) ValidateOutputs(c currency.Code, outputs []mixtypes.Output) error {
	if len(outputs) < minOutputs || len(outputs) > maxOutputs {
		return mixerr.New(mixerr.KindValidation, "validator.outputs", "output count must be between 1 and 10")
	}
	if mixtypes.TotalBasisPoints(outputs) != totalBasisPoints {
		return mixerr.New(mixerr.KindValidation, "validator.outputs", "basis points must sum to 10000")
	}

	seen := make(map[string]bool, len(outputs))
	for _, o := range outputs {
		if o.BasisPoints <= 0 {
			return mixerr.New(mixerr.KindValidation, "validator.outputs", "basis points must be positive")
		}
		if seen[o.Address] {
			return mixerr.New(mixerr.KindValidation, "validator.outputs", "duplicate output address")
		}
		seen[o.Address] = true
		if err := ValidateAddress(c, o.Address); err != nil {
			return err
		}
	}
	return nil
}

var utxoParams = map[currency.Code]*chaincfg.Params{
	currency.BTC:  &chaincfg.MainNetParams,
	currency.LTC:  {PubKeyHashAddrID: 0x30, ScriptHashAddrID: 0x32},
	currency.DASH: {PubKeyHashAddrID: 0x4c, ScriptHashAddrID: 0x10},
}

// ValidateAddress checks address against c's canonical encoding rules.
func ValidateAddress(c currency.Code, address string) error {
	if strings.TrimSpace(address) == "" {
		return mixerr.New(mixerr.KindValidation, "validator.address", "address is empty")
	}

	switch c {
	case currency.BTC, currency.LTC, currency.DASH:
		return validateUTXOAddress(c, address)
	case currency.ZEC:
		return validateZecAddress(address)
	case currency.ETH, currency.ERC20USDT:
		return validateEthAddress(address)
	case currency.SOL:
		return validateSolAddress(address)
	case currency.XMR:
		return validateXmrAddress(address)
	default:
		return mixerr.New(mixerr.KindValidation, "validator.address", "unsupported currency "+string(c))
	}
}

func validateUTXOAddress(c currency.Code, address string) error {
	params, ok := utxoParams[c]
	if !ok {
		return mixerr.New(mixerr.KindFatal, "validator.address", "no chain params for "+string(c))
	}
	if _, _, err := base58.CheckDecode(address); err != nil {
		return mixerr.Wrap(mixerr.KindValidation, "validator.address", "invalid base58check address", err)
	}
	if _, err := btcutil.DecodeAddress(address, params); err != nil {
		return mixerr.Wrap(mixerr.KindValidation, "validator.address", "invalid "+string(c)+" address", err)
	}
	return nil
}

// validateZecAddress checks the two-byte-prefix Zcash transparent address
// shape; btcutil's single-byte-prefix decoder cannot parse it, so this only
// verifies the base58check envelope and the t-address prefix bytes.
func validateZecAddress(address string) error {
	decoded := base58.Decode(address)
	if len(decoded) < 6 {
		return mixerr.New(mixerr.KindValidation, "validator.address", "zec address too short")
	}
	payload := decoded[:len(decoded)-4]
	checksum := decoded[len(decoded)-4:]
	if !checkBase58Checksum(payload, checksum) {
		return mixerr.New(mixerr.KindValidation, "validator.address", "zec address checksum mismatch")
	}
	if payload[0] != 0x1c || payload[1] != 0xb8 {
		return mixerr.New(mixerr.KindValidation, "validator.address", "not a zec transparent address")
	}
	return nil
}

func checkBase58Checksum(payload, checksum []byte) bool {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	for i := range checksum {
		if second[i] != checksum[i] {
			return false
		}
	}
	return true
}

func validateEthAddress(address string) error {
	if !ethcommon.IsHexAddress(address) {
		return mixerr.New(mixerr.KindValidation, "validator.address", "invalid ETH/ERC20 address")
	}
	return nil
}

func validateSolAddress(address string) error {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return mixerr.Wrap(mixerr.KindValidation, "validator.address", "invalid SOL address", err)
	}
	if pub.IsZero() {
		return mixerr.New(mixerr.KindValidation, "validator.address", "SOL address is the zero key")
	}
	return nil
}

// validateXmrAddress checks the base58check envelope of the simplified
// single-key stand-in address this deployment issues (see keycustody's
// DeriveAddress doc comment); it does not validate a real two-key CryptoNote
// address since this module never issues one.
func validateXmrAddress(address string) error {
	decoded := base58.Decode(address)
	if len(decoded) < 6 {
		return mixerr.New(mixerr.KindValidation, "validator.address", "xmr address too short")
	}
	payload := decoded[:len(decoded)-4]
	checksum := decoded[len(decoded)-4:]
	if !checkBase58Checksum(payload, checksum) {
		return mixerr.New(mixerr.KindValidation, "validator.address", "xmr address checksum mismatch")
	}
	if payload[0] != 0x18 {
		return mixerr.New(mixerr.KindValidation, "validator.address", "not a recognized xmr stand-in address")
	}
	return nil
}
