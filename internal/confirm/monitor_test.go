package confirm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/obscuranet/mixcore/internal/blockchain"
	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixtypes"
	"github.com/obscuranet/mixcore/pkg/logger"
)

type fakeClient struct {
	mu      sync.Mutex
	tip     int64
	blocks  map[int64][]blockchain.Transaction
	txs     map[string]*blockchain.Transaction
	txErr   map[string]error
	balance map[string]*big.Int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		blocks:  make(map[int64][]blockchain.Transaction),
		txs:     make(map[string]*blockchain.Transaction),
		txErr:   make(map[string]error),
		balance: make(map[string]*big.Int),
	}
}

func (f *fakeClient) CurrentTipHeight(_ context.Context, _ currency.Code) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeClient) GetBalance(_ context.Context, _ currency.Code, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balance[address]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeClient) GetTransaction(_ context.Context, _ currency.Code, hash string) (*blockchain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.txErr[hash]; ok {
		return nil, err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, nil
	}
	return tx, nil
}

func (f *fakeClient) ScanBlock(_ context.Context, _ currency.Code, height int64, watched map[string]bool) ([]blockchain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []blockchain.Transaction
	for _, tx := range f.blocks[height] {
		for _, o := range tx.Outputs {
			if watched[o.Address] {
				out = append(out, tx)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeClient) BuildAndSign(context.Context, currency.Code, []string, string, *big.Int, func([]byte) ([]byte, error)) (*blockchain.SignedTx, error) {
	return nil, nil
}

func (f *fakeClient) BuildAndSignMulti(context.Context, currency.Code, []string, []blockchain.TxOutput, func(int, []byte) ([]byte, error)) (*blockchain.SignedTx, error) {
	return nil, nil
}

func (f *fakeClient) Broadcast(context.Context, *blockchain.SignedTx) (string, error) {
	return "", nil
}

func TestWatchAddressObservesUTXODeposit(t *testing.T) {
	client := newFakeClient()
	client.tip = 1
	client.blocks[1] = []blockchain.Transaction{
		{Hash: "tx1", Confirmations: 1, Outputs: []blockchain.TxOutput{{Address: "addr1", Amount: big.NewInt(1000)}}},
	}

	var observedMu sync.Mutex
	var observedMixID string
	m := New(client, logger.NewDefault("confirm-test"), func(_ context.Context, obs mixtypes.DepositObservation) {
		observedMu.Lock()
		observedMixID = obs.MixID
		observedMu.Unlock()
	}, nil, map[currency.Code]PerCurrencyConfig{currency.BTC: {PollInterval: 10 * time.Millisecond, RequiredConfirmations: 6}})

	if err := m.WatchAddress(currency.BTC, "addr1", "mix-1"); err != nil {
		t.Fatalf("WatchAddress: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.tickUTXO(ctx, currency.BTC, m.watches[currency.BTC])

	stats := m.StatsFor(currency.BTC)
	if stats.LastBlock != 1 {
		t.Fatalf("expected lastBlock=1, got %d", stats.LastBlock)
	}
}

func TestTrackTransactionFiresOnConfirmed(t *testing.T) {
	client := newFakeClient()
	client.txs["payout1"] = &blockchain.Transaction{Hash: "payout1", Status: blockchain.TxStatusConfirmed, Confirmations: 6}

	m := New(client, logger.NewDefault("confirm-test"), nil, nil, map[currency.Code]PerCurrencyConfig{currency.BTC: {RequiredConfirmations: 6}})

	var gotConfirmations int
	done := make(chan struct{})
	err := m.TrackTransaction(currency.BTC, "payout1", func(confs int) {
		gotConfirmations = confs
		close(done)
	}, nil)
	if err != nil {
		t.Fatalf("TrackTransaction: %v", err)
	}

	m.refreshTrackedTxs(context.Background(), currency.BTC, m.watches[currency.BTC])

	select {
	case <-done:
	default:
		t.Fatalf("expected onConfirmed to have fired synchronously")
	}
	if gotConfirmations != 6 {
		t.Fatalf("expected 6 confirmations, got %d", gotConfirmations)
	}

	stats := m.StatsFor(currency.BTC)
	if stats.TrackedTxs != 0 {
		t.Fatalf("expected tracked tx to be removed after confirmation, got %d", stats.TrackedTxs)
	}
}

func TestRefreshTrackedTxsFailsAfterMaxLookupRetries(t *testing.T) {
	client := newFakeClient()
	client.txErr["payout3"] = errors.New("rpc unavailable")

	m := New(client, logger.NewDefault("confirm-test"), nil, nil, map[currency.Code]PerCurrencyConfig{
		currency.BTC: {RequiredConfirmations: 6, MaxLookupRetries: 3},
	})

	var failReason error
	done := make(chan struct{})
	err := m.TrackTransaction(currency.BTC, "payout3", nil, func(reason error) {
		failReason = reason
		close(done)
	})
	if err != nil {
		t.Fatalf("TrackTransaction: %v", err)
	}

	state := m.watches[currency.BTC]
	for i := 0; i < 2; i++ {
		m.refreshTrackedTxs(context.Background(), currency.BTC, state)
		select {
		case <-done:
			t.Fatalf("expected onFailed not to fire before max retries reached")
		default:
		}
		if stats := m.StatsFor(currency.BTC); stats.TrackedTxs != 1 {
			t.Fatalf("expected tx to remain tracked while retrying, got %d tracked", stats.TrackedTxs)
		}
	}

	m.refreshTrackedTxs(context.Background(), currency.BTC, state)

	select {
	case <-done:
	default:
		t.Fatalf("expected onFailed to fire once retries were exhausted")
	}
	if failReason == nil {
		t.Fatalf("expected a non-nil failure reason")
	}
	if stats := m.StatsFor(currency.BTC); stats.TrackedTxs != 0 {
		t.Fatalf("expected tx to be dropped after failing, got %d tracked", stats.TrackedTxs)
	}
}

func TestCancelTrackingSuppressesCallback(t *testing.T) {
	client := newFakeClient()
	client.txs["payout2"] = &blockchain.Transaction{Hash: "payout2", Status: blockchain.TxStatusConfirmed, Confirmations: 10}

	m := New(client, logger.NewDefault("confirm-test"), nil, nil, map[currency.Code]PerCurrencyConfig{currency.BTC: {RequiredConfirmations: 6}})

	fired := false
	_ = m.TrackTransaction(currency.BTC, "payout2", func(int) { fired = true }, nil)
	m.CancelTracking(currency.BTC, "payout2")
	m.refreshTrackedTxs(context.Background(), currency.BTC, m.watches[currency.BTC])

	if fired {
		t.Fatalf("expected no callback after CancelTracking")
	}
}
