package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/vaultd/internal/types"
)

// SaveHarvestReceipt saves a harvest receipt to the database.
func (s *PostgresStore) SaveHarvestReceipt(ctx context.Context, r types.HarvestReceipt) error {
	if r.ID == "" || r.Vault == "" {
		return ErrInvalidInput
	}
	if r.Stage == "" {
		r.Stage = types.HarvestPaid
	}

	query := `
		INSERT INTO harvest_receipts (id, vault, beneficiary, amount, stage, tx_hash, harvested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Vault, r.Beneficiary, r.Amount.String(), string(r.Stage), r.TxHash, r.HarvestedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to save harvest receipt: %w", err)
	}

	log.Info().
		Str("receipt_id", r.ID).
		Str("vault", r.Vault).
		Str("amount", r.Amount.String()).
		Str("stage", string(r.Stage)).
		Msg("Harvest receipt saved to database")

	return nil
}

// CompleteHarvest moves a WITHDRAWN receipt to PAID with its payout hash.
func (s *PostgresStore) CompleteHarvest(ctx context.Context, vault, id, txHash string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var stage string
		err := tx.QueryRowContext(ctx,
			`SELECT stage FROM harvest_receipts WHERE vault = $1 AND id = $2 FOR UPDATE`, vault, id).Scan(&stage)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load harvest %s: %w", id, err)
		}
		if types.HarvestStage(stage) != types.HarvestWithdrawn {
			return fmt.Errorf("%w: harvest %s is %s", ErrInvalidStage, id, stage)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE harvest_receipts SET stage = $3, tx_hash = $4, harvested_at = CURRENT_TIMESTAMP
			WHERE vault = $1 AND id = $2`,
			vault, id, string(types.HarvestPaid), txHash)
		if err != nil {
			return fmt.Errorf("failed to complete harvest %s: %w", id, err)
		}
		return nil
	})
}

// PendingHarvests returns WITHDRAWN receipts, oldest first.
func (s *PostgresStore) PendingHarvests(ctx context.Context, vault string) ([]types.HarvestReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vault, beneficiary, amount, stage, tx_hash, harvested_at
		FROM harvest_receipts
		WHERE vault = $1 AND stage = $2
		ORDER BY harvested_at, id`,
		vault, string(types.HarvestWithdrawn))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending harvests: %w", err)
	}
	defer rows.Close()

	var out []types.HarvestReceipt
	for rows.Next() {
		r, err := scanHarvest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanHarvest(row rowScanner) (types.HarvestReceipt, error) {
	var r types.HarvestReceipt
	var amount, stage string
	if err := row.Scan(&r.ID, &r.Vault, &r.Beneficiary, &amount, &stage, &r.TxHash, &r.HarvestedAt); err != nil {
		return types.HarvestReceipt{}, fmt.Errorf("failed to scan harvest receipt: %w", err)
	}
	var err error
	if r.Amount, err = parseDec("amount", amount); err != nil {
		return types.HarvestReceipt{}, err
	}
	r.Stage = types.HarvestStage(stage)
	return r, nil
}
