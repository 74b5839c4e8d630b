package pool

import (
	"testing"
	"time"

	"github.com/obscuranet/mixcore/internal/currency"
)

func testConfigs() map[currency.Code]Config {
	return map[currency.Code]Config{
		currency.BTC: {MinPoolSize: 2, MaxPoolSize: 100, TargetPoolSize: 10, MinMixParticipants: 3},
	}
}

func mustAmount(t *testing.T, c currency.Code, s string) currency.Amount {
	t.Helper()
	a, err := currency.ParseAmount(c, s)
	if err != nil {
		t.Fatalf("ParseAmount(%s): %v", s, err)
	}
	return a
}

func TestDepositReserveConsume(t *testing.T) {
	p := New(testConfigs())

	if _, err := p.Deposit(currency.BTC, "mix-1", mustAmount(t, currency.BTC, "0.5")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := p.Deposit(currency.BTC, "mix-2", mustAmount(t, currency.BTC, "0.6")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	res, err := p.Reserve(currency.BTC, "mix-3", mustAmount(t, currency.BTC, "0.9"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(res.Entries) == 0 {
		t.Fatalf("expected reserved entries")
	}

	stats, err := p.Stats(currency.BTC)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.AvailableCount != 0 {
		t.Fatalf("expected 0 available entries after reserving both deposits, got %d", stats.AvailableCount)
	}

	if err := p.Consume(currency.BTC, res.ID); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := p.Stats(currency.BTC); err != nil {
		t.Fatalf("Stats after consume: %v", err)
	}

	if err := p.Consume(currency.BTC, res.ID); err == nil {
		t.Fatalf("expected consuming an already-consumed reservation to fail")
	}
}

func TestReserveInsufficientLiquidity(t *testing.T) {
	p := New(testConfigs())
	_, err := p.Reserve(currency.BTC, "mix-1", mustAmount(t, currency.BTC, "1.0"))
	if err == nil {
		t.Fatalf("expected insufficient liquidity error on empty pool")
	}
}

func TestReleaseReturnsEntriesToQueue(t *testing.T) {
	p := New(testConfigs())
	if _, err := p.Deposit(currency.BTC, "mix-1", mustAmount(t, currency.BTC, "1.0")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	res, err := p.Reserve(currency.BTC, "mix-2", mustAmount(t, currency.BTC, "1.0"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := p.Release(currency.BTC, res.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	stats, err := p.Stats(currency.BTC)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.AvailableCount != 1 {
		t.Fatalf("expected entry to return to available queue, got count %d", stats.AvailableCount)
	}
}

func TestStatsFlagsRebalanceForEmptyPool(t *testing.T) {
	p := New(testConfigs())
	stats, err := p.Stats(currency.BTC)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !stats.NeedsRebalance {
		t.Fatalf("expected empty pool (0 entries, 100%% drift from TargetPoolSize 10) to need rebalance")
	}
}

func TestStatsHealthScorePenalizesLowUtilizationAndStaleEntries(t *testing.T) {
	configs := map[currency.Code]Config{
		currency.BTC: {MaxPoolAge: time.Nanosecond},
	}
	p := New(configs)
	for i := 0; i < 3; i++ {
		if _, err := p.Deposit(currency.BTC, "mix-"+string(rune('a'+i)), mustAmount(t, currency.BTC, "0.1")); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
	}
	time.Sleep(time.Millisecond)

	stats, err := p.Stats(currency.BTC)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// All 3 entries AVAILABLE (utilization 0 < 10% -> -15) and all stale
	// past a 1ns MaxPoolAge (-5 each -> -15): 100 - 15 - 15 = 70.
	if stats.HealthScore != 70 {
		t.Fatalf("expected health score 70 (low-utilization + stale penalties), got %v", stats.HealthScore)
	}
	if stats.Utilization != 0 {
		t.Fatalf("expected utilization 0 with no locked entries, got %v", stats.Utilization)
	}
	if stats.OldestEntryAge <= 0 {
		t.Fatalf("expected a positive oldest-entry age, got %v", stats.OldestEntryAge)
	}
}

func TestStatsRebalanceUsesTotalDriftNotAvailableCount(t *testing.T) {
	// total (9) is within 20% of TargetPoolSize (10): no rebalance needed,
	// even though AvailableCount (1) sits below MinPoolSize (2) — the
	// rebalance trigger is total entry drift from target, not the
	// available-only count.
	configs := map[currency.Code]Config{
		currency.BTC: {MinPoolSize: 2, MaxPoolSize: 100, TargetPoolSize: 10, MinMixParticipants: 3},
	}
	p := New(configs)
	for i := 0; i < 9; i++ {
		if _, err := p.Deposit(currency.BTC, "mix-"+string(rune('a'+i)), mustAmount(t, currency.BTC, "0.1")); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
	}
	if _, err := p.Reserve(currency.BTC, "mix-consumer", mustAmount(t, currency.BTC, "0.8")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	stats, err := p.Stats(currency.BTC)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntryCount != 9 {
		t.Fatalf("expected total entry count to remain 9 across the reservation, got %d", stats.EntryCount)
	}
	if stats.AvailableCount >= 2 {
		t.Fatalf("expected reservation to drop available count below MinPoolSize, got %d", stats.AvailableCount)
	}
	if stats.NeedsRebalance {
		t.Fatalf("expected no rebalance: total drift from target is only 10%%, got NeedsRebalance=true")
	}
}

func TestUnconfiguredCurrencyErrors(t *testing.T) {
	p := New(testConfigs())
	if _, err := p.Deposit(currency.ETH, "mix-1", mustAmount(t, currency.ETH, "1.0")); err == nil {
		t.Fatalf("expected error depositing to an unconfigured currency")
	}
}
