package state

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/vaultd/internal/types"
)

// ListHarvestReceipts retrieves recent harvest receipts with pagination
func (s *PostgresStore) ListHarvestReceipts(ctx context.Context, vault string, limit int) ([]types.HarvestReceipt, error) {
	if limit <= 0 || limit > 100 {
		limit = 10 // Default limit
	}

	query := `
		SELECT id, vault, beneficiary, amount, stage, tx_hash, harvested_at
		FROM harvest_receipts
		WHERE vault = $1 AND stage = $2
		ORDER BY harvested_at DESC, id DESC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, vault, string(types.HarvestPaid), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query harvest receipts")
		return nil, fmt.Errorf("failed to query harvest receipts: %w", err)
	}
	defer rows.Close()

	var receipts []types.HarvestReceipt
	for rows.Next() {
		r, err := scanHarvest(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating harvest receipts: %w", err)
	}

	return receipts, nil
}

// HarvestTotals aggregates the number of harvests and the total yield paid out.
func (s *PostgresStore) HarvestTotals(ctx context.Context, vault string) (int, sdkmath.LegacyDec, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(amount), 0)::TEXT FROM harvest_receipts WHERE vault = $1 AND stage = $2`

	var count int
	var total string
	if err := s.db.QueryRowContext(ctx, query, vault, string(types.HarvestPaid)).Scan(&count, &total); err != nil {
		return 0, sdkmath.LegacyDec{}, fmt.Errorf("failed to aggregate harvests: %w", err)
	}

	sum, err := parseDec("total", total)
	if err != nil {
		return 0, sdkmath.LegacyDec{}, err
	}
	return count, sum, nil
}
