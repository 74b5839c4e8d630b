package keycustody

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	mrtronbase58 "github.com/mr-tron/base58"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixerr"
)

// utxoParams holds the handful of chaincfg.Params fields btcutil's address
// encoders read. Only BTC has an upstream-registered chaincfg.MainNetParams;
// LTC and DASH get hand-built params carrying just their version bytes.
var utxoParams = map[currency.Code]*chaincfg.Params{
	currency.BTC:  &chaincfg.MainNetParams,
	currency.LTC:  {PubKeyHashAddrID: 0x30, ScriptHashAddrID: 0x32},
	currency.DASH: {PubKeyHashAddrID: 0x4c, ScriptHashAddrID: 0x10},
}

// zecTAddrPrefix is the two-byte version prefix for Zcash transparent
// (t1...) addresses. btcutil's address types only carry a single version
// byte, so ZEC gets its own base58check routine below.
var zecTAddrPrefix = []byte{0x1c, 0xb8}

// xmrStandInPrefix tags the simplified single-key Monero-style address this
// module derives. Real CryptoNote addresses encode a spend key AND a view
// key; XMR is an optional currency in this deployment and this keystore
// only ever issues a single keypair per deposit, so the stand-in address
// encodes that one public key under its own prefix rather than pretending
// to be a real two-key CryptoNote address.
var xmrStandInPrefix = byte(0x18)

// DeriveAddress derives a currency-native deposit address from a raw public
// key. For secp256k1 currencies publicKey is SEC1-compressed (33 bytes);
// for SOL it is the raw 32-byte ed25519 public key.
func DeriveAddress(publicKey []byte, c currency.Code) (string, error) {
	switch c {
	case currency.BTC, currency.LTC, currency.DASH:
		return deriveUTXOAddress(publicKey, c)
	case currency.ZEC:
		return deriveZecAddress(publicKey)
	case currency.ETH, currency.ERC20USDT:
		return deriveEthAddress(publicKey)
	case currency.SOL:
		return mrtronbase58.Encode(publicKey), nil
	case currency.XMR:
		return deriveXmrStandInAddress(publicKey)
	default:
		return "", mixerr.New(mixerr.KindValidation, "keycustody.derive_address", "unsupported currency "+string(c))
	}
}

func deriveUTXOAddress(compressedPub []byte, c currency.Code) (string, error) {
	params, ok := utxoParams[c]
	if !ok {
		return "", mixerr.New(mixerr.KindFatal, "keycustody.derive_address", "no chain params for "+string(c))
	}
	pkHash := btcutil.Hash160(compressedPub)
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, params)
	if err != nil {
		return "", mixerr.Wrap(mixerr.KindFatal, "keycustody.derive_address", "encode pubkey hash address", err)
	}
	return addr.EncodeAddress(), nil
}

func deriveZecAddress(compressedPub []byte) (string, error) {
	pkHash := btcutil.Hash160(compressedPub)
	payload := append(append([]byte{}, zecTAddrPrefix...), pkHash...)
	return base58CheckEncode(payload), nil
}

func deriveXmrStandInAddress(pub []byte) (string, error) {
	payload := append([]byte{xmrStandInPrefix}, pub...)
	return base58CheckEncode(payload), nil
}

// base58CheckEncode implements base58check for multi-byte version prefixes;
// btcutil/base58.CheckEncode only accepts a single version byte.
func base58CheckEncode(payload []byte) string {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	full := append(append([]byte{}, payload...), second[:4]...)
	return base58.Encode(full)
}

func deriveEthAddress(compressedPub []byte) (string, error) {
	pubKey, err := secp256k1.ParsePubKey(compressedPub)
	if err != nil {
		return "", mixerr.Wrap(mixerr.KindValidation, "keycustody.derive_address", "parse public key", err)
	}
	uncompressed := pubKey.SerializeUncompressed()
	hash := ethcrypto.Keccak256(uncompressed[1:])
	addr := ethcommon.BytesToAddress(hash[12:])
	return addr.Hex(), nil
}
