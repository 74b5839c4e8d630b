// Package blockchain declares the narrow capability surface the core
// depends on for chain access (§2, component B). No implementation lives
// in this module: every concrete client (full node RPC, indexer API,
// custodial gateway) is supplied by the embedding application.
package blockchain

import (
	"context"
	"math/big"

	"github.com/obscuranet/mixcore/internal/currency"
)

// TxStatus is the coarse on-chain status of a submitted or observed
// transaction.
type TxStatus int

const (
	TxStatusUnknown TxStatus = iota
	TxStatusPending
	TxStatusConfirmed
	TxStatusFailed
)

// Transaction is the subset of on-chain transaction data the core needs:
// enough to attribute a deposit to an address and track confirmations.
type Transaction struct {
	Hash          string
	Status        TxStatus
	Confirmations int
	Outputs       []TxOutput
	BlockHeight   int64
}

// TxOutput is one value-bearing output of a Transaction, in minor units.
type TxOutput struct {
	Address string
	Amount  *big.Int
}

// UnsignedTx is a chain-specific unsigned transaction payload ready for
// KeyCustody.Sign. Raw is opaque to the core; only the BlockchainClient
// implementation understands its encoding.
type UnsignedTx struct {
	Currency currency.Code
	Raw      []byte
	// SigningDigests are what KeyCustody.Sign actually signs: for UTXO
	// chains this is one digest per input, for account chains typically
	// one digest for the whole transaction.
	SigningDigests [][]byte
}

// SignedTx is an UnsignedTx with signatures attached, ready to broadcast.
type SignedTx struct {
	Currency currency.Code
	Raw      []byte
}

// Client is the capability MixCoordinator and ConfirmationMonitor use to
// read and write chain state. Implementations are
// expected to enforce their own timeouts; every method here also takes a
// ctx so the caller can bound worst case latency from its side too.
type Client interface {
	// CurrentTipHeight returns the current best-known block height for c.
	CurrentTipHeight(ctx context.Context, c currency.Code) (int64, error)

	// GetBalance returns the confirmed balance of address in minor units.
	GetBalance(ctx context.Context, c currency.Code, address string) (*big.Int, error)

	// GetTransaction fetches a transaction by hash. This package defines no
	// not-found sentinel; an unknown hash is reported as an error, which
	// ConfirmationMonitor counts as a failed lookup.
	GetTransaction(ctx context.Context, c currency.Code, hash string) (*Transaction, error)

	// ScanBlock returns every transaction in the block at height that
	// touches one of the watched addresses. Used by UTXO-family chains;
	// account-family chains are watched via GetBalance polling instead.
	ScanBlock(ctx context.Context, c currency.Code, height int64, watched map[string]bool) ([]Transaction, error)

	// BuildAndSign constructs a chain-native transaction moving amount
	// (minor units) from each source address to destination, invoking
	// sign for each required signature.
	BuildAndSign(ctx context.Context, c currency.Code, sources []string, destination string, amount *big.Int, sign func(digest []byte) ([]byte, error)) (*SignedTx, error)

	// BuildAndSignMulti constructs a transaction with one input per entry
	// of sources and one output per entry of destinations — the shape a
	// CoinJoin co-spend needs (§4.6), where BuildAndSign's single
	// source/destination pair does not apply. sign is invoked once per
	// required signature with the index into sources it corresponds to.
	BuildAndSignMulti(ctx context.Context, c currency.Code, sources []string, destinations []TxOutput, sign func(sourceIndex int, digest []byte) ([]byte, error)) (*SignedTx, error)

	// Broadcast submits a signed transaction and returns its hash.
	Broadcast(ctx context.Context, tx *SignedTx) (string, error)
}
