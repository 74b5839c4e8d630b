package keycustody

import (
	"context"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixerr"
)

// HSMConfig carries the PKCS#11 module path and slot login details. Pin is
// never logged; NewHSMKeyCustody passes it to Login and does not retain it,
// but it does not clear the caller's copy.
type HSMConfig struct {
	LibraryPath string
	SlotLabel   string
	Pin         string
}

// HSMKeyCustody backs KeyCustody with a PKCS#11 token: private keys are
// generated on-device and never leave it. Sign requests cross the PKCS#11
// boundary as a digest in, signature out round trip.
type HSMKeyCustody struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle

	mu      sync.Mutex
	handles map[KeyRef]pkcs11.ObjectHandle
	pubkeys map[KeyRef][]byte
	algos   map[KeyRef]Algorithm
}

// NewHSMKeyCustody opens the PKCS#11 module at cfg.LibraryPath, finds the
// named slot, and logs in as a normal user. The returned value owns the
// session and must have Close called on shutdown.
func NewHSMKeyCustody(cfg HSMConfig) (*HSMKeyCustody, error) {
	ctx := pkcs11.New(cfg.LibraryPath)
	if ctx == nil {
		return nil, mixerr.New(mixerr.KindFatal, "keycustody.hsm", "failed to load pkcs11 module "+cfg.LibraryPath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, mixerr.Wrap(mixerr.KindFatal, "keycustody.hsm", "initialize pkcs11 module", err)
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return nil, mixerr.Wrap(mixerr.KindFatal, "keycustody.hsm", "list pkcs11 slots", err)
	}
	slot, err := findSlot(ctx, slots, cfg.SlotLabel)
	if err != nil {
		return nil, err
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, mixerr.Wrap(mixerr.KindTemporary, "keycustody.hsm", "open pkcs11 session", err)
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, cfg.Pin); err != nil {
		return nil, mixerr.Wrap(mixerr.KindFatal, "keycustody.hsm", "pkcs11 login failed", err)
	}

	return &HSMKeyCustody{
		ctx:     ctx,
		session: session,
		handles: make(map[KeyRef]pkcs11.ObjectHandle),
		pubkeys: make(map[KeyRef][]byte),
		algos:   make(map[KeyRef]Algorithm),
	}, nil
}

func findSlot(ctx *pkcs11.Ctx, slots []uint, label string) (uint, error) {
	if label == "" && len(slots) > 0 {
		return slots[0], nil
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if info.Label == label {
			return slot, nil
		}
	}
	return 0, mixerr.New(mixerr.KindFatal, "keycustody.hsm", fmt.Sprintf("no pkcs11 slot with label %q", label))
}

// Close logs out, closes the session, and finalizes the module.
func (h *HSMKeyCustody) Close() error {
	_ = h.ctx.Logout(h.session)
	_ = h.ctx.CloseSession(h.session)
	_ = h.ctx.Finalize()
	h.ctx.Destroy()
	return nil
}

func (h *HSMKeyCustody) GenerateKey(_ context.Context, algorithm Algorithm) (KeyRef, error) {
	var mechanism []*pkcs11.Mechanism
	var pubTemplate, privTemplate []*pkcs11.Attribute

	switch algorithm {
	case AlgorithmSecp256k1:
		// secp256k1 OID: 1.3.132.0.10, DER-encoded.
		ecParams := []byte{0x06, 0x05, 0x2b, 0x81, 0x04, 0x00, 0x0a}
		mechanism = []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)}
		pubTemplate = []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ecParams),
			pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		}
		privTemplate = []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
			pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		}
	case AlgorithmEd25519:
		mechanism = []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_EDWARDS_KEY_PAIR_GEN, nil)}
		pubTemplate = []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true)}
		privTemplate = []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
			pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		}
	default:
		return "", mixerr.New(mixerr.KindValidation, "keycustody.hsm.generate_key", "unsupported algorithm "+string(algorithm))
	}

	pub, priv, err := h.ctx.GenerateKeyPair(h.session, mechanism, pubTemplate, privTemplate)
	if err != nil {
		return "", mixerr.Wrap(mixerr.KindTemporary, "keycustody.hsm.generate_key", "pkcs11 key generation failed", err)
	}

	attrs, err := h.ctx.GetAttributeValue(h.session, pub, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil || len(attrs) == 0 {
		return "", mixerr.Wrap(mixerr.KindFatal, "keycustody.hsm.generate_key", "read generated public key", err)
	}

	ref := KeyRef(fmt.Sprintf("hsm-%d-%d", pub, priv))
	h.mu.Lock()
	h.handles[ref] = priv
	h.pubkeys[ref] = attrs[0].Value
	h.algos[ref] = algorithm
	h.mu.Unlock()
	return ref, nil
}

func (h *HSMKeyCustody) PublicKey(_ context.Context, ref KeyRef) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pub, ok := h.pubkeys[ref]
	if !ok {
		return nil, mixerr.ErrUnknownKey
	}
	return pub, nil
}

func (h *HSMKeyCustody) Sign(_ context.Context, ref KeyRef, digest []byte) ([]byte, error) {
	h.mu.Lock()
	handle, ok := h.handles[ref]
	algorithm := h.algos[ref]
	h.mu.Unlock()
	if !ok {
		return nil, mixerr.ErrUnknownKey
	}

	var mechType uint
	switch algorithm {
	case AlgorithmSecp256k1:
		mechType = pkcs11.CKM_ECDSA
	case AlgorithmEd25519:
		mechType = pkcs11.CKM_EDDSA
	}

	if err := h.ctx.SignInit(h.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechType, nil)}, handle); err != nil {
		return nil, mixerr.Wrap(mixerr.KindTemporary, "keycustody.hsm.sign", "pkcs11 sign init failed", err)
	}
	sig, err := h.ctx.Sign(h.session, digest)
	if err != nil {
		return nil, mixerr.Wrap(mixerr.KindTemporary, "keycustody.hsm.sign", "pkcs11 sign failed", err)
	}
	return sig, nil
}

func (h *HSMKeyCustody) DeriveAddress(publicKey []byte, c currency.Code) (string, error) {
	return DeriveAddress(publicKey, c)
}

func (h *HSMKeyCustody) Wipe(_ context.Context, ref KeyRef) error {
	h.mu.Lock()
	handle, ok := h.handles[ref]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.ctx.DestroyObject(h.session, handle); err != nil {
		return mixerr.Wrap(mixerr.KindFatal, "keycustody.hsm.wipe", "pkcs11 destroy object failed", err)
	}
	h.mu.Lock()
	delete(h.handles, ref)
	delete(h.pubkeys, ref)
	delete(h.algos, ref)
	h.mu.Unlock()
	return nil
}

// Rotate is a no-op on the HSM backend: key rotation is performed by the
// HSM operator out of band (§4.1).
func (h *HSMKeyCustody) Rotate(_ context.Context) error { return nil }

func (h *HSMKeyCustody) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{KeysInMemory: len(h.handles)}
}
