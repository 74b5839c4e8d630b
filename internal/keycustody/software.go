package keycustody

import (
	"context"
	"crypto/ed25519"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	mixcrypto "github.com/obscuranet/mixcore/internal/crypto"
	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixerr"
)

// keyRecord is the in-memory representation of one stored key. It holds no
// plaintext private key: only EncryptedPrivate (nonce‖ciphertext‖tag) is
// kept, and Sign decrypts it transiently.
type keyRecord struct {
	Algorithm        Algorithm
	PublicKey        []byte
	EncryptedPrivate []byte
	CreatedAt        time.Time
	Retired          bool
}

// SoftwareConfig configures the in-process encrypted keystore.
type SoftwareConfig struct {
	// RootSecret is the operator-supplied secret the per-process
	// data-encryption key is derived from via HKDF. Never persisted.
	RootSecret []byte
	// MaxKeysInMemory bounds keystore size; 0 means unbounded (tests only).
	MaxKeysInMemory int
	// RotationInterval: software-backed keys older than this whose owning
	// MixRequest is terminal are wiped by Rotate().
	RotationInterval time.Duration
	// IsTerminal reports whether ref's owning MixRequest has reached a
	// terminal state. Required for Rotate() and for eviction safety.
	IsTerminal TerminalChecker
}

// SoftwareKeyCustody is the in-process encrypted keystore backend: private
// keys are generated from a CSPRNG, validated in-curve-range, and stored
// encrypted under a per-process data-key using AES-256-GCM (see
// internal/crypto.Encrypt for the nonce‖ciphertext‖tag envelope).
type SoftwareKeyCustody struct {
	mu         sync.Mutex
	dataKey    []byte
	records    map[KeyRef]*keyRecord
	maxKeys    int
	rotation   time.Duration
	isTerminal TerminalChecker

	evictions int64
	wipes     int64
}

// NewSoftwareKeyCustody derives the process data-key from cfg.RootSecret
// via HKDF-SHA256 and returns a ready keystore.
func NewSoftwareKeyCustody(cfg SoftwareConfig) (*SoftwareKeyCustody, error) {
	if len(cfg.RootSecret) == 0 {
		return nil, mixerr.New(mixerr.KindFatal, "keycustody.new", "root secret is required")
	}
	dataKey, err := mixcrypto.DeriveKey(cfg.RootSecret, []byte("mixcore-keystore"), "deposit-key-envelope-v1", 32)
	if err != nil {
		return nil, mixerr.Wrap(mixerr.KindFatal, "keycustody.new", "derive data key", err)
	}
	isTerminal := cfg.IsTerminal
	if isTerminal == nil {
		isTerminal = func(KeyRef) bool { return false }
	}
	return &SoftwareKeyCustody{
		dataKey:    dataKey,
		records:    make(map[KeyRef]*keyRecord),
		maxKeys:    cfg.MaxKeysInMemory,
		rotation:   cfg.RotationInterval,
		isTerminal: isTerminal,
	}, nil
}

func (s *SoftwareKeyCustody) GenerateKey(_ context.Context, algorithm Algorithm) (KeyRef, error) {
	var pub, priv []byte

	switch algorithm {
	case AlgorithmSecp256k1:
		p, public, err := generateSecp256k1()
		if err != nil {
			return "", mixerr.Wrap(mixerr.KindFatal, "keycustody.generate_key", "secp256k1 generation failed", err)
		}
		priv, pub = p, public
	case AlgorithmEd25519:
		seed, err := mixcrypto.GenerateRandomBytes(ed25519.SeedSize)
		if err != nil {
			return "", mixerr.Wrap(mixerr.KindFatal, "keycustody.generate_key", "ed25519 seed generation failed", err)
		}
		key := ed25519.NewKeyFromSeed(seed)
		priv = []byte(key)
		pub = []byte(key.Public().(ed25519.PublicKey))
	default:
		return "", mixerr.New(mixerr.KindValidation, "keycustody.generate_key", "unsupported algorithm "+string(algorithm))
	}
	defer mixcrypto.ZeroBytes(priv)

	encrypted, err := mixcrypto.Encrypt(s.dataKey, priv)
	if err != nil {
		return "", mixerr.Wrap(mixerr.KindFatal, "keycustody.generate_key", "envelope encryption failed", err)
	}

	ref := KeyRef(uuid.NewString())
	rec := &keyRecord{
		Algorithm:        algorithm,
		PublicKey:        pub,
		EncryptedPrivate: encrypted,
		CreatedAt:        time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.makeRoomLocked(); err != nil {
		return "", err
	}
	s.records[ref] = rec
	return ref, nil
}

// makeRoomLocked evicts the oldest terminal-safe key if the keystore is at
// capacity. Active (non-terminal) keys MUST NOT be evicted; if no
// terminal-safe candidate exists, inserting would force an active eviction,
// which is a fatal invariant violation, so the insert is refused instead.
func (s *SoftwareKeyCustody) makeRoomLocked() error {
	if s.maxKeys <= 0 || len(s.records) < s.maxKeys {
		return nil
	}

	type candidate struct {
		ref KeyRef
		at  time.Time
	}
	var candidates []candidate
	for ref, rec := range s.records {
		if rec.Retired || s.isTerminal(ref) {
			candidates = append(candidates, candidate{ref: ref, at: rec.CreatedAt})
		}
	}
	if len(candidates) == 0 {
		return mixerr.New(mixerr.KindFatal, "keycustody.generate_key",
			"keystore at capacity with no terminal-safe key to evict; refusing to evict an active key")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })

	victim := candidates[0].ref
	if rec, ok := s.records[victim]; ok {
		mixcrypto.ZeroBytes(rec.EncryptedPrivate)
	}
	delete(s.records, victim)
	atomic.AddInt64(&s.evictions, 1)
	return nil
}

func (s *SoftwareKeyCustody) PublicKey(_ context.Context, ref KeyRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return nil, mixerr.ErrUnknownKey
	}
	out := make([]byte, len(rec.PublicKey))
	copy(out, rec.PublicKey)
	return out, nil
}

func (s *SoftwareKeyCustody) Sign(_ context.Context, ref KeyRef, digest []byte) ([]byte, error) {
	s.mu.Lock()
	rec, ok := s.records[ref]
	if !ok {
		s.mu.Unlock()
		return nil, mixerr.ErrUnknownKey
	}
	if rec.Retired {
		s.mu.Unlock()
		return nil, mixerr.ErrKeyRotated
	}
	algorithm := rec.Algorithm
	encrypted := rec.EncryptedPrivate
	s.mu.Unlock() // sign is serialized per key only via the caller's per-id discipline; parallel across keys.

	priv, err := mixcrypto.Decrypt(s.dataKey, encrypted)
	if err != nil {
		return nil, mixerr.Wrap(mixerr.KindFatal, "keycustody.sign", "envelope decryption failed", err)
	}
	defer mixcrypto.ZeroBytes(priv)

	switch algorithm {
	case AlgorithmSecp256k1:
		return signSecp256k1(priv, digest)
	case AlgorithmEd25519:
		return ed25519.Sign(ed25519.PrivateKey(priv), digest), nil
	default:
		return nil, mixerr.New(mixerr.KindFatal, "keycustody.sign", "corrupt keystore record: unknown algorithm")
	}
}

func (s *SoftwareKeyCustody) DeriveAddress(publicKey []byte, c currency.Code) (string, error) {
	return DeriveAddress(publicKey, c)
}

func (s *SoftwareKeyCustody) Wipe(_ context.Context, ref KeyRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return nil // idempotent
	}
	mixcrypto.ZeroBytes(rec.EncryptedPrivate)
	delete(s.records, ref)
	atomic.AddInt64(&s.wipes, 1)
	return nil
}

func (s *SoftwareKeyCustody) Rotate(ctx context.Context) error {
	s.mu.Lock()
	var toWipe []KeyRef
	now := time.Now()
	for ref, rec := range s.records {
		if rec.Retired {
			continue
		}
		if now.Sub(rec.CreatedAt) < s.rotation {
			continue
		}
		if !s.isTerminal(ref) {
			continue
		}
		toWipe = append(toWipe, ref)
	}
	s.mu.Unlock()

	for _, ref := range toWipe {
		if err := s.Wipe(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *SoftwareKeyCustody) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		KeysInMemory: len(s.records),
		Capacity:     s.maxKeys,
		Evictions:    atomic.LoadInt64(&s.evictions),
		Wipes:        atomic.LoadInt64(&s.wipes),
	}
}

func generateSecp256k1() (priv, pub []byte, err error) {
	for attempts := 0; attempts < 8; attempts++ {
		raw, genErr := mixcrypto.GenerateRandomBytes(32)
		if genErr != nil {
			return nil, nil, genErr
		}
		var scalar secp256k1.ModNScalar
		overflow := scalar.SetByteSlice(raw)
		if overflow || scalar.IsZero() {
			continue // out of [1, N-1]; regenerate
		}
		privKey := secp256k1.NewPrivateKey(&scalar)
		pubKey := privKey.PubKey()
		return raw, pubKey.SerializeCompressed(), nil
	}
	return nil, nil, mixerr.New(mixerr.KindFatal, "keycustody.generate_key", "failed to generate an in-range secp256k1 key")
}

func signSecp256k1(priv, digest []byte) ([]byte, error) {
	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(priv)
	privKey := secp256k1.NewPrivateKey(&scalar)
	sig := secp256k1.SignCompact(privKey, digest, false)
	return sig, nil
}
