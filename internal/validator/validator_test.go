package validator

import (
	"testing"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

func testLimits(t *testing.T) map[currency.Code]AmountLimits {
	t.Helper()
	min, err := currency.ParseAmount(currency.BTC, "0.001")
	if err != nil {
		t.Fatalf("ParseAmount min: %v", err)
	}
	max, err := currency.ParseAmount(currency.BTC, "10")
	if err != nil {
		t.Fatalf("ParseAmount max: %v", err)
	}
	return map[currency.Code]AmountLimits{currency.BTC: {Min: min, Max: max}}
}

func TestValidateAmountWithinRange(t *testing.T) {
	v := New(testLimits(t))
	amount, _ := currency.ParseAmount(currency.BTC, "0.5")
	if err := v.ValidateAmount(amount); err != nil {
		t.Fatalf("expected valid amount, got %v", err)
	}
}

func TestValidateAmountBelowMinimum(t *testing.T) {
	v := New(testLimits(t))
	amount, _ := currency.ParseAmount(currency.BTC, "0.0001")
	if err := v.ValidateAmount(amount); err == nil {
		t.Fatalf("expected error for amount below minimum")
	}
}

func TestValidateAmountAboveMaximum(t *testing.T) {
	v := New(testLimits(t))
	amount, _ := currency.ParseAmount(currency.BTC, "11")
	if err := v.ValidateAmount(amount); err == nil {
		t.Fatalf("expected error for amount above maximum")
	}
}

func TestValidateOutputsRejectsBadBasisPointsSum(t *testing.T) {
	v := New(testLimits(t))
	outputs := []mixtypes.Output{
		{Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", BasisPoints: 6000},
		{Address: "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", BasisPoints: 3000},
	}
	if err := v.ValidateOutputs(currency.BTC, outputs); err == nil {
		t.Fatalf("expected validation error for basis points summing to 9000")
	}
}

func TestValidateOutputsRejectsDuplicateAddress(t *testing.T) {
	v := New(testLimits(t))
	outputs := []mixtypes.Output{
		{Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", BasisPoints: 5000},
		{Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", BasisPoints: 5000},
	}
	if err := v.ValidateOutputs(currency.BTC, outputs); err == nil {
		t.Fatalf("expected validation error for duplicate output address")
	}
}

func TestValidateOutputsAcceptsValidSplit(t *testing.T) {
	v := New(testLimits(t))
	outputs := []mixtypes.Output{
		{Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", BasisPoints: 7000},
		{Address: "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", BasisPoints: 3000},
	}
	if err := v.ValidateOutputs(currency.BTC, outputs); err != nil {
		t.Fatalf("expected valid split, got %v", err)
	}
}

func TestValidateAddressEth(t *testing.T) {
	if err := ValidateAddress(currency.ETH, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"); err != nil {
		t.Fatalf("expected valid ETH address, got %v", err)
	}
	if err := ValidateAddress(currency.ETH, "not-an-address"); err == nil {
		t.Fatalf("expected invalid ETH address to fail")
	}
}

func TestValidateAddressUnsupportedCurrency(t *testing.T) {
	if err := ValidateAddress(currency.Code("NOPE"), "whatever"); err == nil {
		t.Fatalf("expected error for unsupported currency")
	}
}
