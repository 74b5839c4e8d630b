// Package mixtypes holds the shared data model for the mixing engine:
// MixRequest and its satellite entities, and the enumerations every
// component (KeyCustody, ConfirmationMonitor, LiquidityPool, Scheduler,
// MixCoordinator) agrees on. Components reference each other's entities by
// id only; this package never imports any of them.
package mixtypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/obscuranet/mixcore/internal/currency"
)

// AnonymityLevel is the user-chosen policy bundle that inflates fee and
// delay in exchange for stronger unlinkability.
type AnonymityLevel string

const (
	AnonymityLow    AnonymityLevel = "LOW"
	AnonymityMedium AnonymityLevel = "MEDIUM"
	AnonymityHigh   AnonymityLevel = "HIGH"
)

// Valid reports whether the level is one of the closed set.
func (l AnonymityLevel) Valid() bool {
	switch l {
	case AnonymityLow, AnonymityMedium, AnonymityHigh:
		return true
	default:
		return false
	}
}

// ParseAnonymityLevel parses a case-insensitive anonymity level string.
func ParseAnonymityLevel(s string) (AnonymityLevel, error) {
	l := AnonymityLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("mixtypes: invalid anonymity level %q", s)
	}
	return l, nil
}

// Algorithm selects how a confirmed deposit is mixed.
type Algorithm string

const (
	AlgorithmPoolMix  Algorithm = "POOL_MIX"
	AlgorithmCoinJoin Algorithm = "COINJOIN"
)

// Status is the MixRequest lifecycle state, see the state diagram in
// component design §4.5. Terminal states never regress.
type Status string

const (
	StatusPendingDeposit  Status = "PENDING_DEPOSIT"
	StatusDepositReceived Status = "DEPOSIT_RECEIVED"
	StatusPooling         Status = "POOLING"
	StatusMixing          Status = "MIXING"
	StatusPayingOut       Status = "PAYING_OUT"
	StatusCompleted       Status = "COMPLETED"
	StatusExpired         Status = "EXPIRED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
)

// Terminal reports whether the status is one of the terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the state diagram edges. Cancellation and
// expiry/failure are handled separately since they apply from any
// non-terminal state (expiry/failure) or a restricted subset (cancel).
var validTransitions = map[Status][]Status{
	StatusPendingDeposit:  {StatusDepositReceived},
	StatusDepositReceived: {StatusPooling},
	StatusPooling:         {StatusMixing},
	StatusMixing:          {StatusPayingOut},
	StatusPayingOut:       {StatusCompleted},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal
// forward edge of the happy-path state machine. Callers still need to gate
// CANCELLED (only from PENDING_DEPOSIT|DEPOSIT_RECEIVED) and
// EXPIRED/FAILED (any non-terminal) themselves, since those are orthogonal
// to the happy path rather than additional happy-path edges.
func CanTransition(from, to Status) bool {
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// CanCancel reports whether a MixRequest in status s may be user-cancelled.
func CanCancel(s Status) bool {
	return s == StatusPendingDeposit || s == StatusDepositReceived
}

// Output is one entry of a MixRequest's output list: a destination address
// and its share of net_amount in basis points (1/100th of a percent).
type Output struct {
	Address     string
	BasisPoints int64

	// Delivered is set once this output's DISTRIBUTION operation has been
	// confirmed on-chain.
	Delivered bool
	TxHash    string
}

// TotalBasisPoints sums the basis points of a slice of outputs.
func TotalBasisPoints(outputs []Output) int64 {
	var total int64
	for _, o := range outputs {
		total += o.BasisPoints
	}
	return total
}

// MixRequest is the root aggregate: one deposit, one mixing pipeline, one
// or more outputs. MixCoordinator exclusively owns MixRequests; other
// components reference them only by ID.
type MixRequest struct {
	ID           string // opaque, 128-bit random, unique
	SessionToken string // opaque, 256-bit, independent of ID, exposed to the user

	Currency       currency.Code
	InputAmount    currency.Amount
	FeeAmount      currency.Amount
	NetAmount      currency.Amount
	AnonymityLevel AnonymityLevel
	Algorithm      Algorithm

	DepositAddress string
	DepositKeyRef  string // handle into KeyCustody; never exposed to the user

	Outputs []Output

	DelayMinutes int
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UpdatedAt    time.Time

	Status                Status
	ConfirmationsSeen     int
	ConfirmationsRequired int

	DepositTxHash string

	// Error, if Status == StatusFailed, carries the internal failure
	// reason. It is never surfaced to the user verbatim (see §7 rule 4).
	Error string
}

// OutputsBalanced reports the invariant sum(outputs.basis_points) == 10000.
func (m *MixRequest) OutputsBalanced() bool {
	return TotalBasisPoints(m.Outputs) == 10000
}

// AllOutputsDelivered reports whether every output has a confirmed payout.
func (m *MixRequest) AllOutputsDelivered() bool {
	for _, o := range m.Outputs {
		if !o.Delivered {
			return false
		}
	}
	return true
}

// DepositObservation records the first qualifying inbound transaction seen
// on a MixRequest's deposit address. Exactly one valid observation exists
// per MixRequest.
type DepositObservation struct {
	MixID          string
	TxHash         string
	ObservedAmount currency.Amount
	Confirmations  int
	FirstSeen      time.Time
	LastSeen       time.Time
}

// PoolEntryStatus is the lifecycle state of a PoolEntry.
type PoolEntryStatus string

const (
	PoolEntryAvailable PoolEntryStatus = "AVAILABLE"
	PoolEntryLocked    PoolEntryStatus = "LOCKED"
	PoolEntryConsumed  PoolEntryStatus = "CONSUMED"
)

// PoolEntry is one unit of liquidity belonging to exactly one per-currency
// Pool.
type PoolEntry struct {
	ID       string
	MixID    string
	Currency currency.Code
	Amount   currency.Amount
	JoinedAt time.Time
	Status   PoolEntryStatus

	// ReservationID references the live Reservation holding this entry
	// LOCKED, empty otherwise.
	ReservationID string
}

// OperationType is the closed set of Scheduler operation kinds.
type OperationType string

const (
	OperationDistribution OperationType = "DISTRIBUTION"
	OperationConsolidation OperationType = "CONSOLIDATION"
	OperationRebalance    OperationType = "REBALANCE"
	OperationCoinJoin     OperationType = "COINJOIN"
	OperationCleanup      OperationType = "CLEANUP"
)

// OperationStatus is the lifecycle state of a ScheduledOperation.
type OperationStatus string

const (
	OperationScheduled OperationStatus = "SCHEDULED"
	OperationReady     OperationStatus = "READY"
	OperationExecuting OperationStatus = "EXECUTING"
	OperationCompleted OperationStatus = "COMPLETED"
	OperationFailed    OperationStatus = "FAILED"
	OperationCancelled OperationStatus = "CANCELLED"
)

// ScheduledOperation is owned exclusively by the Scheduler. It carries
// mix_id for tracing only; the Scheduler never dereferences MixRequest
// fields directly, only invoking the handler registered for the
// operation's Type (see Scheduler.RegisterHandler); no handler is supplied
// per operation.
type ScheduledOperation struct {
	ID          string
	Type        OperationType
	Priority    int
	ScheduledAt time.Time
	Payload     any
	RetryCount  int
	MaxRetries  int
	Status      OperationStatus
	CreatedAt   time.Time
	TTL         time.Duration
	MixID       string

	// ExecutionStartedAt is stamped when the operation is promoted to
	// EXECUTING — the ExecutionContext.start_time the stuck-operation
	// detector measures against. Zero while SCHEDULED/READY.
	ExecutionStartedAt time.Time
}

// MonitoredTxStatus is the lifecycle state of a MonitoredTransaction.
type MonitoredTxStatus string

const (
	MonitoredTxPending   MonitoredTxStatus = "PENDING"
	MonitoredTxConfirmed MonitoredTxStatus = "CONFIRMED"
	MonitoredTxFailed    MonitoredTxStatus = "FAILED"
	MonitoredTxUnknown   MonitoredTxStatus = "UNKNOWN"
)

// MonitoredTransaction is owned exclusively by ConfirmationMonitor.
// OnConfirmed/OnFailed are invoked at most once each, mutually exclusive;
// they are in-memory only and are never part of the persisted record.
type MonitoredTransaction struct {
	ID                    string
	Currency              currency.Code
	TxHash                string
	Status                MonitoredTxStatus
	Confirmations         int
	RequiredConfirmations int
	RetryCount            int
	CreatedAt             time.Time
	UpdatedAt             time.Time

	OnConfirmed func(confirmations int)
	OnFailed    func(reason error)
}

// MonitoredAddress is owned exclusively by ConfirmationMonitor until a
// qualifying deposit transfers ownership to a DepositObservation, or the
// owning MixRequest expires.
type MonitoredAddress struct {
	Currency         currency.Code
	Address          string
	MixID            string
	FirstSeenAmount  currency.Amount
}
