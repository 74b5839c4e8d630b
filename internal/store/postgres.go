package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

// PostgresStore implements Store using PostgreSQL, following the
// parameterized-query-plus-refetch pattern of the teacher's mixer
// store_postgres.go.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

// mixRequestRow is the flattened row shape mix_requests maps to; Outputs is
// stored as JSON since it is a variable-length ordered list, matching the
// teacher's targetsJSON/metadataJSON marshal-before-insert approach.
type mixRequestRow struct {
	ID                    string    `db:"id"`
	SessionToken          string    `db:"session_token"`
	Currency              string    `db:"currency"`
	InputAmount           string    `db:"input_amount"`
	FeeAmount             string    `db:"fee_amount"`
	NetAmount             string    `db:"net_amount"`
	AnonymityLevel        string    `db:"anonymity_level"`
	Algorithm             string    `db:"algorithm"`
	DepositAddress        string    `db:"deposit_address"`
	DepositKeyRef         string    `db:"deposit_key_ref"`
	Outputs               []byte    `db:"outputs"`
	DelayMinutes          int       `db:"delay_minutes"`
	CreatedAt             time.Time `db:"created_at"`
	ExpiresAt             time.Time `db:"expires_at"`
	UpdatedAt             time.Time `db:"updated_at"`
	Status                string    `db:"status"`
	ConfirmationsSeen     int       `db:"confirmations_seen"`
	ConfirmationsRequired int       `db:"confirmations_required"`
	DepositTxHash         string    `db:"deposit_tx_hash"`
	Error                 string    `db:"error"`
}

func toRow(req *mixtypes.MixRequest) (mixRequestRow, error) {
	outputsJSON, err := json.Marshal(req.Outputs)
	if err != nil {
		return mixRequestRow{}, err
	}
	return mixRequestRow{
		ID:                    req.ID,
		SessionToken:          req.SessionToken,
		Currency:              string(req.Currency),
		InputAmount:           req.InputAmount.String(),
		FeeAmount:             req.FeeAmount.String(),
		NetAmount:             req.NetAmount.String(),
		AnonymityLevel:        string(req.AnonymityLevel),
		Algorithm:             string(req.Algorithm),
		DepositAddress:        req.DepositAddress,
		DepositKeyRef:         req.DepositKeyRef,
		Outputs:               outputsJSON,
		DelayMinutes:          req.DelayMinutes,
		CreatedAt:             req.CreatedAt,
		ExpiresAt:             req.ExpiresAt,
		UpdatedAt:             req.UpdatedAt,
		Status:                string(req.Status),
		ConfirmationsSeen:     req.ConfirmationsSeen,
		ConfirmationsRequired: req.ConfirmationsRequired,
		DepositTxHash:         req.DepositTxHash,
		Error:                 req.Error,
	}, nil
}

func fromRow(row mixRequestRow) (*mixtypes.MixRequest, error) {
	var outputs []mixtypes.Output
	if err := json.Unmarshal(row.Outputs, &outputs); err != nil {
		return nil, err
	}
	code := currency.Code(row.Currency)
	inputAmount, err := currency.ParseAmount(code, row.InputAmount)
	if err != nil {
		return nil, err
	}
	feeAmount, err := currency.ParseAmount(code, row.FeeAmount)
	if err != nil {
		return nil, err
	}
	netAmount, err := currency.ParseAmount(code, row.NetAmount)
	if err != nil {
		return nil, err
	}
	return &mixtypes.MixRequest{
		ID:                    row.ID,
		SessionToken:          row.SessionToken,
		Currency:              code,
		InputAmount:           inputAmount,
		FeeAmount:             feeAmount,
		NetAmount:             netAmount,
		AnonymityLevel:        mixtypes.AnonymityLevel(row.AnonymityLevel),
		Algorithm:             mixtypes.Algorithm(row.Algorithm),
		DepositAddress:        row.DepositAddress,
		DepositKeyRef:         row.DepositKeyRef,
		Outputs:               outputs,
		DelayMinutes:          row.DelayMinutes,
		CreatedAt:             row.CreatedAt,
		ExpiresAt:             row.ExpiresAt,
		UpdatedAt:             row.UpdatedAt,
		Status:                mixtypes.Status(row.Status),
		ConfirmationsSeen:     row.ConfirmationsSeen,
		ConfirmationsRequired: row.ConfirmationsRequired,
		DepositTxHash:         row.DepositTxHash,
		Error:                 row.Error,
	}, nil
}

// CreateMixRequest implements Store.
func (s *PostgresStore) CreateMixRequest(ctx context.Context, req *mixtypes.MixRequest) error {
	row, err := toRow(req)
	if err != nil {
		return mixerr.Wrap(mixerr.KindFatal, "store.create_mix_request", "marshal outputs", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO mix_requests
		(id, session_token, currency, input_amount, fee_amount, net_amount, anonymity_level, algorithm,
		 deposit_address, deposit_key_ref, outputs, delay_minutes, created_at, expires_at, updated_at,
		 status, confirmations_seen, confirmations_required, deposit_tx_hash, error)
		VALUES
		(:id, :session_token, :currency, :input_amount, :fee_amount, :net_amount, :anonymity_level, :algorithm,
		 :deposit_address, :deposit_key_ref, :outputs, :delay_minutes, :created_at, :expires_at, :updated_at,
		 :status, :confirmations_seen, :confirmations_required, :deposit_tx_hash, :error)
	`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return mixerr.Wrap(mixerr.KindConflict, "store.create_mix_request", "id, session token, or deposit address already exists", err)
		}
		return mixerr.Wrap(mixerr.KindTemporary, "store.create_mix_request", "insert failed", err)
	}
	return nil
}

// UpdateMixRequest implements Store.
func (s *PostgresStore) UpdateMixRequest(ctx context.Context, req *mixtypes.MixRequest) error {
	row, err := toRow(req)
	if err != nil {
		return mixerr.Wrap(mixerr.KindFatal, "store.update_mix_request", "marshal outputs", err)
	}
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE mix_requests SET
			session_token = :session_token, currency = :currency, input_amount = :input_amount,
			fee_amount = :fee_amount, net_amount = :net_amount, anonymity_level = :anonymity_level,
			algorithm = :algorithm, deposit_address = :deposit_address, deposit_key_ref = :deposit_key_ref,
			outputs = :outputs, delay_minutes = :delay_minutes, created_at = :created_at,
			expires_at = :expires_at, updated_at = :updated_at, status = :status,
			confirmations_seen = :confirmations_seen, confirmations_required = :confirmations_required,
			deposit_tx_hash = :deposit_tx_hash, error = :error
		WHERE id = :id
	`, row)
	if err != nil {
		return mixerr.Wrap(mixerr.KindTemporary, "store.update_mix_request", "update failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return mixerr.New(mixerr.KindNotFound, "store.update_mix_request", "unknown mix request "+req.ID)
	}
	return nil
}

// GetMixRequest implements Store.
func (s *PostgresStore) GetMixRequest(ctx context.Context, id string) (*mixtypes.MixRequest, error) {
	return s.getWhere(ctx, "id = $1", id)
}

// GetMixRequestBySessionToken implements Store.
func (s *PostgresStore) GetMixRequestBySessionToken(ctx context.Context, token string) (*mixtypes.MixRequest, error) {
	return s.getWhere(ctx, "session_token = $1", token)
}

func (s *PostgresStore) getWhere(ctx context.Context, clause string, arg any) (*mixtypes.MixRequest, error) {
	var row mixRequestRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, session_token, currency, input_amount, fee_amount, net_amount, anonymity_level, algorithm,
		       deposit_address, deposit_key_ref, outputs, delay_minutes, created_at, expires_at, updated_at,
		       status, confirmations_seen, confirmations_required, deposit_tx_hash, error
		FROM mix_requests WHERE `+clause, arg)
	if err == sql.ErrNoRows {
		return nil, mixerr.New(mixerr.KindNotFound, "store.get_mix_request", "not found")
	}
	if err != nil {
		return nil, mixerr.Wrap(mixerr.KindTemporary, "store.get_mix_request", "query failed", err)
	}
	return fromRow(row)
}

// DepositAddressTaken implements Store.
func (s *PostgresStore) DepositAddressTaken(ctx context.Context, code string, address string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM mix_requests WHERE currency = $1 AND deposit_address = $2
	`, code, address)
	if err != nil {
		return false, mixerr.Wrap(mixerr.KindTemporary, "store.deposit_address_taken", "query failed", err)
	}
	return count > 0, nil
}

// ListNonTerminalMixRequests implements Store.
func (s *PostgresStore) ListNonTerminalMixRequests(ctx context.Context) ([]*mixtypes.MixRequest, error) {
	return s.listWhere(ctx, `status NOT IN ('COMPLETED', 'EXPIRED', 'CANCELLED', 'FAILED')`)
}

// ListExpirable implements Store.
func (s *PostgresStore) ListExpirable(ctx context.Context, before time.Time) ([]*mixtypes.MixRequest, error) {
	return s.listWhereArg(ctx, `status NOT IN ('COMPLETED', 'EXPIRED', 'CANCELLED', 'FAILED') AND expires_at < $1`, before)
}

func (s *PostgresStore) listWhere(ctx context.Context, clause string) ([]*mixtypes.MixRequest, error) {
	var rows []mixRequestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_token, currency, input_amount, fee_amount, net_amount, anonymity_level, algorithm,
		       deposit_address, deposit_key_ref, outputs, delay_minutes, created_at, expires_at, updated_at,
		       status, confirmations_seen, confirmations_required, deposit_tx_hash, error
		FROM mix_requests WHERE `+clause)
	if err != nil {
		return nil, mixerr.Wrap(mixerr.KindTemporary, "store.list_mix_requests", "query failed", err)
	}
	return decodeRows(rows)
}

func (s *PostgresStore) listWhereArg(ctx context.Context, clause string, arg any) ([]*mixtypes.MixRequest, error) {
	var rows []mixRequestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_token, currency, input_amount, fee_amount, net_amount, anonymity_level, algorithm,
		       deposit_address, deposit_key_ref, outputs, delay_minutes, created_at, expires_at, updated_at,
		       status, confirmations_seen, confirmations_required, deposit_tx_hash, error
		FROM mix_requests WHERE `+clause, arg)
	if err != nil {
		return nil, mixerr.Wrap(mixerr.KindTemporary, "store.list_mix_requests", "query failed", err)
	}
	return decodeRows(rows)
}

func decodeRows(rows []mixRequestRow) ([]*mixtypes.MixRequest, error) {
	out := make([]*mixtypes.MixRequest, 0, len(rows))
	for _, row := range rows {
		req, err := fromRow(row)
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation
// (SQLSTATE 23505), matching lib/pq's error reporting shape.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}
