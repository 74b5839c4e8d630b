package keycustody

import (
	"context"
	"testing"
	"time"

	"github.com/obscuranet/mixcore/internal/currency"
)

func newTestCustody(t *testing.T, maxKeys int, isTerminal TerminalChecker) *SoftwareKeyCustody {
	t.Helper()
	c, err := NewSoftwareKeyCustody(SoftwareConfig{
		RootSecret:       []byte("test-root-secret-do-not-use-in-prod"),
		MaxKeysInMemory:  maxKeys,
		RotationInterval: time.Hour,
		IsTerminal:       isTerminal,
	})
	if err != nil {
		t.Fatalf("NewSoftwareKeyCustody: %v", err)
	}
	return c
}

func TestGenerateSignVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCustody(t, 0, nil)

	ref, err := c.GenerateKey(ctx, AlgorithmSecp256k1)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub, err := c.PublicKey(ctx, ref)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if len(pub) != 33 {
		t.Fatalf("expected compressed pubkey of 33 bytes, got %d", len(pub))
	}

	digest := make([]byte, 32)
	sig, err := c.Sign(ctx, ref, digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) == 0 {
		t.Fatalf("expected non-empty signature")
	}
}

func TestGenerateEd25519(t *testing.T) {
	ctx := context.Background()
	c := newTestCustody(t, 0, nil)

	ref, err := c.GenerateKey(ctx, AlgorithmEd25519)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub, err := c.PublicKey(ctx, ref)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if len(pub) != 32 {
		t.Fatalf("expected ed25519 pubkey of 32 bytes, got %d", len(pub))
	}
	addr, err := c.DeriveAddress(pub, currency.SOL)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	if addr == "" {
		t.Fatalf("expected non-empty SOL address")
	}
}

func TestSignUnknownKeyFails(t *testing.T) {
	ctx := context.Background()
	c := newTestCustody(t, 0, nil)
	if _, err := c.Sign(ctx, KeyRef("does-not-exist"), make([]byte, 32)); err == nil {
		t.Fatalf("expected error signing with unknown key ref")
	}
}

func TestWipeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCustody(t, 0, nil)
	ref, err := c.GenerateKey(ctx, AlgorithmSecp256k1)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := c.Wipe(ctx, ref); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if err := c.Wipe(ctx, ref); err != nil {
		t.Fatalf("second Wipe should be a no-op, got: %v", err)
	}
	if _, err := c.Sign(ctx, ref, make([]byte, 32)); err == nil {
		t.Fatalf("expected sign against wiped key to fail")
	}
}

func TestEvictionSkipsActiveKeys(t *testing.T) {
	ctx := context.Background()
	terminalRefs := make(map[KeyRef]bool)
	c := newTestCustody(t, 2, func(ref KeyRef) bool { return terminalRefs[ref] })

	active, err := c.GenerateKey(ctx, AlgorithmSecp256k1)
	if err != nil {
		t.Fatalf("GenerateKey active: %v", err)
	}
	terminal, err := c.GenerateKey(ctx, AlgorithmSecp256k1)
	if err != nil {
		t.Fatalf("GenerateKey terminal: %v", err)
	}
	terminalRefs[terminal] = true

	// Keystore is now full (2/2). A third key must evict the terminal one,
	// never the active one.
	if _, err := c.GenerateKey(ctx, AlgorithmSecp256k1); err != nil {
		t.Fatalf("GenerateKey third: %v", err)
	}

	if _, err := c.PublicKey(ctx, active); err != nil {
		t.Fatalf("active key must survive eviction, got error: %v", err)
	}
	if _, err := c.PublicKey(ctx, terminal); err == nil {
		t.Fatalf("terminal key should have been evicted")
	}
}

func TestEvictionRefusesWhenNoTerminalCandidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCustody(t, 1, func(KeyRef) bool { return false })

	if _, err := c.GenerateKey(ctx, AlgorithmSecp256k1); err != nil {
		t.Fatalf("GenerateKey first: %v", err)
	}
	if _, err := c.GenerateKey(ctx, AlgorithmSecp256k1); err == nil {
		t.Fatalf("expected fatal error when no terminal-safe key exists to evict")
	}
}

func TestRotateWipesTerminalExpiredKeys(t *testing.T) {
	ctx := context.Background()
	terminalRefs := make(map[KeyRef]bool)
	c, err := NewSoftwareKeyCustody(SoftwareConfig{
		RootSecret:       []byte("test-root-secret-do-not-use-in-prod"),
		RotationInterval: 0, // everything is immediately eligible
		IsTerminal:       func(ref KeyRef) bool { return terminalRefs[ref] },
	})
	if err != nil {
		t.Fatalf("NewSoftwareKeyCustody: %v", err)
	}

	ref, err := c.GenerateKey(ctx, AlgorithmSecp256k1)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	terminalRefs[ref] = true

	if err := c.Rotate(ctx); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := c.PublicKey(ctx, ref); err == nil {
		t.Fatalf("expected terminal key to be wiped by Rotate")
	}
}
