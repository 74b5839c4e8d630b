package keycustody

import (
	"context"
	"strings"
	"testing"

	"github.com/obscuranet/mixcore/internal/currency"
)

func TestDeriveAddressPerCurrency(t *testing.T) {
	ctx := context.Background()
	c := newTestCustody(t, 0, nil)

	secpRef, err := c.GenerateKey(ctx, AlgorithmSecp256k1)
	if err != nil {
		t.Fatalf("GenerateKey secp256k1: %v", err)
	}
	secpPub, err := c.PublicKey(ctx, secpRef)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}

	cases := []struct {
		currency currency.Code
		prefix   string
	}{
		{currency.BTC, "1"},
		{currency.LTC, "L"},
		{currency.DASH, "X"},
		{currency.ZEC, "t"},
	}
	seen := map[string]bool{}
	for _, tc := range cases {
		addr, err := DeriveAddress(secpPub, tc.currency)
		if err != nil {
			t.Fatalf("DeriveAddress(%s): %v", tc.currency, err)
		}
		if addr == "" {
			t.Fatalf("DeriveAddress(%s) returned empty address", tc.currency)
		}
		if !strings.HasPrefix(addr, tc.prefix) {
			t.Fatalf("DeriveAddress(%s) = %q, want prefix %q", tc.currency, addr, tc.prefix)
		}
		if seen[addr] {
			t.Fatalf("DeriveAddress(%s) collided with a previously seen address across currencies", tc.currency)
		}
		seen[addr] = true
	}

	ethAddr, err := DeriveAddress(secpPub, currency.ETH)
	if err != nil {
		t.Fatalf("DeriveAddress(ETH): %v", err)
	}
	if !strings.HasPrefix(ethAddr, "0x") || len(ethAddr) != 42 {
		t.Fatalf("expected 0x-prefixed 20-byte hex ETH address, got %q", ethAddr)
	}

	usdtAddr, err := DeriveAddress(secpPub, currency.ERC20USDT)
	if err != nil {
		t.Fatalf("DeriveAddress(ERC20_USDT): %v", err)
	}
	if usdtAddr != ethAddr {
		t.Fatalf("ERC20_USDT rides on the ETH account address space, expected equality")
	}
}

func TestDeriveAddressUnsupportedCurrency(t *testing.T) {
	if _, err := DeriveAddress([]byte("anything"), currency.Code("DOGE")); err == nil {
		t.Fatalf("expected error for unsupported currency")
	}
}
