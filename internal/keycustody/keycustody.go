// Package keycustody implements §4.1: deposit-key generation, signing, and
// wipe, backed either by an in-process encrypted keystore or a PKCS#11 HSM.
package keycustody

import (
	"context"

	"github.com/obscuranet/mixcore/internal/currency"
)

// Algorithm is the closed set of signature algorithms a deposit key may use.
type Algorithm string

const (
	AlgorithmSecp256k1 Algorithm = "secp256k1"
	AlgorithmEd25519   Algorithm = "ed25519"
)

// KeyRef is an opaque handle into the keystore. Callers never see private
// key material; KeyRef is the only thing that crosses the KeyCustody
// boundary besides public keys and signatures.
type KeyRef string

// KeyCustody is the capability MixCoordinator uses to issue deposit
// addresses and sign outbound transactions. Implementations: Software
// (this package) and HSM (pkcs11-backed).
type KeyCustody interface {
	// GenerateKey creates a new key of the given algorithm and returns an
	// opaque handle. On HSM backends the private key never leaves the
	// device.
	GenerateKey(ctx context.Context, algorithm Algorithm) (KeyRef, error)

	// PublicKey returns the raw public key bytes for ref.
	PublicKey(ctx context.Context, ref KeyRef) ([]byte, error)

	// Sign signs digest with the key behind ref. Returns ErrUnknownKey if
	// ref is absent, ErrKeyRotated if the key has been retired.
	Sign(ctx context.Context, ref KeyRef, digest []byte) ([]byte, error)

	// DeriveAddress derives a currency-native address from a public key.
	DeriveAddress(publicKey []byte, c currency.Code) (string, error)

	// Wipe irreversibly destroys the key material behind ref. Idempotent:
	// wiping an already-wiped or unknown ref is not an error.
	Wipe(ctx context.Context, ref KeyRef) error

	// Rotate sweeps software-backed keys older than the configured
	// rotation interval whose owning MixRequest has reached a terminal
	// state, wiping them. HSM-backed keys are rotated by the HSM operator
	// out of band; Rotate is a no-op on that backend.
	Rotate(ctx context.Context) error

	// Stats reports keystore occupancy for observability.
	Stats() Stats
}

// Stats summarizes in-memory keystore occupancy.
type Stats struct {
	KeysInMemory int
	Capacity     int
	Evictions    int64
	Wipes        int64
}

// TerminalChecker reports whether the MixRequest owning a given key has
// reached a terminal state. KeyCustody never references MixRequest
// directly (§9 "no cycles") — it is handed this narrow predicate at
// construction time instead.
type TerminalChecker func(ref KeyRef) bool
