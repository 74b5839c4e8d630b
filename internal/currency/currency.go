// Package currency defines the closed set of supported chains and the
// fixed-point Amount type used everywhere value crosses a component
// boundary. No floating-point arithmetic on value is performed anywhere in
// this module; Amount is backed by math/big.Int minor units.
package currency

import (
	"fmt"
)

// Code is the closed enumeration of supported currencies.
type Code string

const (
	BTC        Code = "BTC"
	ETH        Code = "ETH"
	ERC20USDT  Code = "ERC20_USDT"
	LTC        Code = "LTC"
	DASH       Code = "DASH"
	ZEC        Code = "ZEC"
	SOL        Code = "SOL"
	XMR        Code = "XMR"
)

// All lists every supported currency in a stable order.
func All() []Code {
	return []Code{BTC, ETH, ERC20USDT, LTC, DASH, ZEC, SOL, XMR}
}

// Valid reports whether c is one of the closed set of supported currencies.
func (c Code) Valid() bool {
	switch c {
	case BTC, ETH, ERC20USDT, LTC, DASH, ZEC, SOL, XMR:
		return true
	default:
		return false
	}
}

// Family groups currencies that share a confirmation model: UTXO chains are
// scanned block-by-block, account chains are watched by address balance.
type Family int

const (
	FamilyUTXO Family = iota
	FamilyAccount
)

// Family reports the confirmation-model family for the currency.
func (c Code) Family() Family {
	switch c {
	case BTC, LTC, DASH, ZEC:
		return FamilyUTXO
	case ETH, ERC20USDT, SOL, XMR:
		return FamilyAccount
	default:
		return FamilyAccount
	}
}

// Precision returns the number of minor-unit decimal digits for the
// currency (e.g. 8 for BTC satoshis, 18 for ETH wei, 6 for USDT).
func Precision(c Code) int {
	switch c {
	case BTC, LTC, DASH, ZEC:
		return 8
	case ETH:
		return 18
	case ERC20USDT:
		return 6
	case SOL:
		return 9
	case XMR:
		return 12
	default:
		return 8
	}
}

// KeyAlgorithm returns the signature algorithm used for deposit keys of the
// given currency, per KeyCustody.generate_key's closed set.
func KeyAlgorithm(c Code) string {
	switch c {
	case SOL:
		return "ed25519"
	default:
		return "secp256k1"
	}
}

// DefaultRequiredParticipants is the default CoinJoin participant count used
// when a currency-specific override is absent from config.
func DefaultRequiredParticipants(c Code) int {
	if c == XMR {
		return 5
	}
	return 3
}

// ErrUnsupported is returned by lookups keyed on an unrecognized currency.
type ErrUnsupported struct {
	Code Code
}

func (e ErrUnsupported) Error() string {
	return fmt.Sprintf("currency: unsupported code %q", e.Code)
}
