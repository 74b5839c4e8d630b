package currency

import (
	"testing"
)

func TestParseAmountRoundTrip(t *testing.T) {
	cases := []struct {
		currency Code
		decimal  string
		want     string // String() renders at the currency's native precision
	}{
		{BTC, "0.5", "0.50000000"},
		{BTC, "0.00000001", "0.00000001"},
		{ETH, "1.0", "1.000000000000000000"},
		{ERC20USDT, "10000.123456", "10000.123456"},
	}
	for _, tc := range cases {
		a, err := ParseAmount(tc.currency, tc.decimal)
		if err != nil {
			t.Fatalf("parse %s %s: %v", tc.currency, tc.decimal, err)
		}
		if got := a.String(); got != tc.want {
			t.Fatalf("round trip %s: got %s, want %s", tc.currency, got, tc.want)
		}
	}
}

func TestAmountCrossCurrencyArithmeticForbidden(t *testing.T) {
	a, _ := ParseAmount(BTC, "1.0")
	b, _ := ParseAmount(ETH, "1.0")
	if _, err := a.Add(b); err == nil {
		t.Fatalf("expected cross-currency Add to fail")
	}
	if _, err := a.Sub(b); err == nil {
		t.Fatalf("expected cross-currency Sub to fail")
	}
}

func TestAmountSubUnderflow(t *testing.T) {
	a, _ := ParseAmount(BTC, "0.1")
	b, _ := ParseAmount(BTC, "0.2")
	if _, err := a.Sub(b); err == nil {
		t.Fatalf("expected underflow error")
	}
}

func TestMulBasisPointsSplitWithRemainder(t *testing.T) {
	// S2 scenario: 0.985 ETH split 70/30, remainder to last output.
	net, err := ParseAmount(ETH, "0.985")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	first := net.MulBasisPoints(7000)
	second := net.MulBasisPoints(3000)
	sum, _ := first.Add(second)
	remainder, err := net.Sub(sum)
	if err != nil {
		t.Fatalf("remainder: %v", err)
	}
	lastOutput, _ := second.Add(remainder)
	total, _ := first.Add(lastOutput)
	if total.Cmp(net) != 0 {
		t.Fatalf("split outputs must sum exactly to net amount, got %s want %s", total, net)
	}
}

func TestCurrencyValidAndFamily(t *testing.T) {
	if !BTC.Valid() || !SOL.Valid() {
		t.Fatalf("expected BTC and SOL to be valid currencies")
	}
	if Code("DOGE").Valid() {
		t.Fatalf("DOGE must not be in the closed currency set")
	}
	if BTC.Family() != FamilyUTXO {
		t.Fatalf("expected BTC to be a UTXO-family currency")
	}
	if ETH.Family() != FamilyAccount {
		t.Fatalf("expected ETH to be an account-family currency")
	}
	if KeyAlgorithm(SOL) != "ed25519" {
		t.Fatalf("expected SOL deposit keys to use ed25519")
	}
	if KeyAlgorithm(BTC) != "secp256k1" {
		t.Fatalf("expected BTC deposit keys to use secp256k1")
	}
}
