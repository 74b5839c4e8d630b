// Package store defines the transactional persistence capability used by
// MixCoordinator (§6 "Store capability"): typed operations over MixRequest,
// keyed lookups for the create/resume/expiry flows, with a reference
// in-memory implementation for tests and a PostgreSQL implementation
// grounded on the teacher's store_postgres.go parameterized-query pattern.
package store

import (
	"context"
	"time"

	"github.com/obscuranet/mixcore/internal/mixtypes"
)

// Store is the capability MixCoordinator uses to persist and recover
// MixRequests. Implementations must guarantee that CreateMixRequest fails
// with a conflict-classified error (see mixerr.KindConflict) rather than
// silently overwriting on a deposit_address collision, honoring §3's
// "deposit_address is unique across all MixRequests" invariant.
type Store interface {
	// CreateMixRequest persists a new MixRequest. Fails if ID, SessionToken,
	// or DepositAddress already exist.
	CreateMixRequest(ctx context.Context, req *mixtypes.MixRequest) error

	// UpdateMixRequest persists the full current state of an existing
	// MixRequest. Callers are expected to hold the per-id lock described in
	// §5 for the duration of the read-modify-write.
	UpdateMixRequest(ctx context.Context, req *mixtypes.MixRequest) error

	// GetMixRequest retrieves a MixRequest by its internal id.
	GetMixRequest(ctx context.Context, id string) (*mixtypes.MixRequest, error)

	// GetMixRequestBySessionToken retrieves a MixRequest by the opaque token
	// exposed to the user, used by the out-of-scope upstream status/cancel
	// API sketch in §6.
	GetMixRequestBySessionToken(ctx context.Context, token string) (*mixtypes.MixRequest, error)

	// DepositAddressTaken reports whether address is already owned by some
	// MixRequest for currency, used to detect deposit-address collisions
	// before a freshly derived address is committed.
	DepositAddressTaken(ctx context.Context, currency string, address string) (bool, error)

	// ListNonTerminalMixRequests returns every MixRequest whose status is
	// not terminal, used to resume in-flight mixes after a restart.
	ListNonTerminalMixRequests(ctx context.Context) ([]*mixtypes.MixRequest, error)

	// ListExpirable returns non-terminal MixRequests whose ExpiresAt is
	// before the given time, used by the cleanup sweep.
	ListExpirable(ctx context.Context, before time.Time) ([]*mixtypes.MixRequest, error)
}
