package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/okian/textrewards/internal/settlement"
	"github.com/okian/textrewards/pkg/retry"
)

const permitColumns = `id, amount, nonce, deadline, signature, beneficiary_id,
	COALESCE(location_id, 0), token_id, partner_id, network_id, permit2_address, transaction`

// PostgresStore implements settlement.Store on PostgreSQL. Reads are
// retried; writes are not.
type PostgresStore struct {
	db     *pgxpool.Pool
	policy retry.Policy
}

// NewPostgresStore wraps pool.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	o := applyOptions(opts)
	return &PostgresStore{db: pool, policy: o.policy}
}

// EnsureUser creates the user row when missing.
func (s *PostgresStore) EnsureUser(ctx context.Context, userID int64) error {
	_, err := s.db.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("ensure user: %w", classify(err))
	}
	return nil
}

// WalletAddress returns the registered wallet of userID.
func (s *PostgresStore) WalletAddress(ctx context.Context, userID int64) (string, error) {
	return retry.Do(ctx, s.policy, "postgres", func() (string, error) {
		var addr string
		err := s.db.QueryRow(ctx, `SELECT address FROM wallets WHERE user_id = $1`, userID).Scan(&addr)
		if err != nil {
			return "", permanentIfNotFound(classify(err))
		}
		return addr, nil
	})
}

// EnsureLocation returns the id for the repository/issue pair, creating it
// on first use.
func (s *PostgresStore) EnsureLocation(ctx context.Context, loc settlement.Location) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO locations (repository_id, issue_id, node_id, node_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (repository_id, issue_id) DO UPDATE SET node_url = EXCLUDED.node_url
		RETURNING id
	`, loc.RepositoryID, loc.IssueID, loc.NodeID, loc.URL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure location: %w", classify(err))
	}
	return id, nil
}

// EnsurePartner returns the id of the funding wallet.
func (s *PostgresStore) EnsurePartner(ctx context.Context, wallet string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO partners (wallet) VALUES ($1)
		ON CONFLICT (wallet) DO UPDATE SET wallet = EXCLUDED.wallet
		RETURNING id
	`, wallet).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure partner: %w", classify(err))
	}
	return id, nil
}

// EnsureToken returns the id of the token on networkID.
func (s *PostgresStore) EnsureToken(ctx context.Context, networkID int64, address string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO tokens (network, address) VALUES ($1, $2)
		ON CONFLICT (network, address) DO UPDATE SET address = EXCLUDED.address
		RETURNING id
	`, networkID, address).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure token: %w", classify(err))
	}
	return id, nil
}

// UpsertPermitMax calls the upsert_permit_max function.
func (s *PostgresStore) UpsertPermitMax(ctx context.Context, rec settlement.PermitRecord) error {
	_, err := s.db.Exec(ctx, `SELECT upsert_permit_max($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.Amount, rec.Nonce, rec.Deadline, rec.Signature, rec.BeneficiaryID, rec.LocationID,
		rec.TokenID, rec.PartnerID, rec.NetworkID, rec.Permit2Address)
	if err != nil {
		return fmt.Errorf("upsert_permit_max: %w", classifyRPC(err))
	}
	return nil
}

// InsertPermit inserts rec and returns its id.
func (s *PostgresStore) InsertPermit(ctx context.Context, rec settlement.PermitRecord) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO permits (amount, nonce, deadline, signature, beneficiary_id, location_id,
		                     token_id, partner_id, network_id, permit2_address)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), $7, $8, $9, $10)
		RETURNING id
	`, rec.Amount, rec.Nonce, rec.Deadline, rec.Signature, rec.BeneficiaryID, rec.LocationID,
		rec.TokenID, rec.PartnerID, rec.NetworkID, rec.Permit2Address).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert permit: %w", classify(err))
	}
	return id, nil
}

// PermitByKey loads the permit with key.
func (s *PostgresStore) PermitByKey(ctx context.Context, key settlement.PermitKey) (settlement.PermitRecord, error) {
	return retry.Do(ctx, s.policy, "postgres", func() (settlement.PermitRecord, error) {
		row := s.db.QueryRow(ctx, `SELECT `+permitColumns+` FROM permits
			WHERE partner_id = $1 AND network_id = $2 AND permit2_address = $3 AND nonce = $4`,
			key.PartnerID, key.NetworkID, key.Permit2Address, key.Nonce)
		rec, err := scanPermit(row)
		return rec, permanentIfNotFound(err)
	})
}

// UpdatePermitIfUnchanged raises the permit only while it still holds
// expectedAmount and is unclaimed.
func (s *PostgresStore) UpdatePermitIfUnchanged(ctx context.Context, id int64, expectedAmount string, rec settlement.PermitRecord) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE permits
		SET amount = $3, signature = $4, deadline = $5, updated_at = NOW()
		WHERE id = $1 AND amount = $2 AND transaction IS NULL
	`, id, expectedAmount, rec.Amount, rec.Signature, rec.Deadline)
	if err != nil {
		return false, fmt.Errorf("update permit: %w", classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// XPPermit loads the token-less row of beneficiaryID at locationID.
func (s *PostgresStore) XPPermit(ctx context.Context, beneficiaryID, locationID int64) (settlement.PermitRecord, error) {
	return retry.Do(ctx, s.policy, "postgres", func() (settlement.PermitRecord, error) {
		row := s.db.QueryRow(ctx, `SELECT `+permitColumns+` FROM permits
			WHERE beneficiary_id = $1 AND location_id = $2 AND token_id IS NULL
			ORDER BY id LIMIT 1`, beneficiaryID, locationID)
		rec, err := scanPermit(row)
		return rec, permanentIfNotFound(err)
	})
}

// SetPermitAmount overwrites the amount of an unclaimed permit.
func (s *PostgresStore) SetPermitAmount(ctx context.Context, id int64, amount string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE permits SET amount = $2, updated_at = NOW()
		WHERE id = $1 AND transaction IS NULL
	`, id, amount)
	if err != nil {
		return fmt.Errorf("set permit amount: %w", classify(err))
	}
	return nil
}

func scanPermit(row pgx.Row) (settlement.PermitRecord, error) {
	var rec settlement.PermitRecord
	err := row.Scan(&rec.ID, &rec.Amount, &rec.Nonce, &rec.Deadline, &rec.Signature, &rec.BeneficiaryID,
		&rec.LocationID, &rec.TokenID, &rec.PartnerID, &rec.NetworkID, &rec.Permit2Address, &rec.Transaction)
	if err != nil {
		return settlement.PermitRecord{}, classify(err)
	}
	return rec, nil
}

// permanentIfNotFound stops retries for lookups that found nothing.
func permanentIfNotFound(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return retry.Permanent(err)
	}
	return err
}
