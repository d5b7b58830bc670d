package pgstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PaulFidika/iapkit/core"
	"github.com/PaulFidika/iapkit/entitlements"
)

// Store keeps raw App Store transactions in Postgres, keyed by transaction id.
type Store struct {
	pg     *pgxpool.Pool
	schema string
}

func NewStore(pg *pgxpool.Pool, schema string) *Store {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "iap"
	}
	return &Store{pg: pg, schema: s}
}

func (s *Store) txTable() string    { return pgx.Identifier{s.schema, "transactions"}.Sanitize() }
func (s *Store) usersTable() string { return pgx.Identifier{s.schema, "users"}.Sanitize() }

const txColumns = `transaction_id, original_transaction_id, product_id, bundle_id, product_type,
	purchased_at, expires_at, revoked_at, revocation_reason, environment, app_account_token,
	ownership_type, quantity`

// SaveTransactions upserts txs and stamps the user's fetched_at in one transaction.
// A transaction already held by another user moves to userID.
func (s *Store) SaveTransactions(ctx context.Context, userID string, txs []entitlements.Transaction, fetchedAt time.Time) error {
	return pgx.BeginFunc(ctx, s.pg, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range txs {
			original := t.OriginalID
			if original == "" {
				original = t.ID
			}
			batch.Queue(`INSERT INTO `+s.txTable()+` (`+txColumns+`, user_id, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14, now())
				ON CONFLICT (transaction_id) DO UPDATE SET
					original_transaction_id = EXCLUDED.original_transaction_id,
					product_id = EXCLUDED.product_id,
					bundle_id = EXCLUDED.bundle_id,
					product_type = EXCLUDED.product_type,
					purchased_at = EXCLUDED.purchased_at,
					expires_at = EXCLUDED.expires_at,
					revoked_at = EXCLUDED.revoked_at,
					revocation_reason = EXCLUDED.revocation_reason,
					environment = EXCLUDED.environment,
					app_account_token = EXCLUDED.app_account_token,
					ownership_type = EXCLUDED.ownership_type,
					quantity = EXCLUDED.quantity,
					user_id = EXCLUDED.user_id,
					updated_at = now()`,
				t.ID, original, t.ProductID, t.BundleID, string(t.Type),
				t.PurchasedAt, t.ExpiresAt, t.RevokedAt, t.RevocationReason, t.Environment, t.AppAccountToken,
				t.OwnershipType, t.Quantity, userID)
		}
		batch.Queue(`INSERT INTO `+s.usersTable()+` (user_id, fetched_at) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET fetched_at = EXCLUDED.fetched_at`, userID, fetchedAt)
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Transactions returns the user's records ordered by purchase date.
func (s *Store) Transactions(ctx context.Context, userID string) ([]entitlements.Transaction, error) {
	rows, err := s.pg.Query(ctx, `SELECT `+txColumns+` FROM `+s.txTable()+`
		WHERE user_id=$1 ORDER BY purchased_at, transaction_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entitlements.Transaction
	for rows.Next() {
		var t entitlements.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.OriginalID, &t.ProductID, &t.BundleID, &kind,
			&t.PurchasedAt, &t.ExpiresAt, &t.RevokedAt, &t.RevocationReason, &t.Environment, &t.AppAccountToken,
			&t.OwnershipType, &t.Quantity); err != nil {
			return nil, err
		}
		t.Type = entitlements.ProductType(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UserByOriginalTransaction(ctx context.Context, originalID string) (string, bool, error) {
	var userID string
	err := s.pg.QueryRow(ctx, `SELECT user_id FROM `+s.txTable()+`
		WHERE original_transaction_id=$1 ORDER BY updated_at DESC LIMIT 1`, originalID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

func (s *Store) StaleUsers(ctx context.Context, cutoff time.Time, limit int) ([]core.UserRef, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pg.Query(ctx, `SELECT u.user_id, u.fetched_at,
			COALESCE(array_agg(DISTINCT t.original_transaction_id) FILTER (WHERE t.original_transaction_id IS NOT NULL), '{}')
		FROM `+s.usersTable()+` u
		LEFT JOIN `+s.txTable()+` t ON t.user_id = u.user_id
		WHERE u.fetched_at < $1
		GROUP BY u.user_id, u.fetched_at
		ORDER BY u.fetched_at, u.user_id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.UserRef
	for rows.Next() {
		var ref core.UserRef
		if err := rows.Scan(&ref.UserID, &ref.FetchedAt, &ref.OriginalTransactionIDs); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

var _ core.TransactionStore = (*Store)(nil)
