/*

This file manages the per-vault ledger cursor: the last validated ledger whose transactions the vault
has fully processed. The cursor is stored in the database so that a restarted vault backfills missed
deposits from where it stopped instead of rescanning its whole history.

*/

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// LedgerCursor retrieves the vault's cursor, 0 if it has none.
func (s *PostgresStore) LedgerCursor(ctx context.Context, vault string) (uint32, error) {
	query := `SELECT ledger_index FROM ledger_cursors WHERE vault = $1;`

	var ledgerIndex int64
	err := s.db.QueryRowContext(ctx, query, vault).Scan(&ledgerIndex)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get ledger cursor for %s: %w", vault, err)
	}
	return uint32(ledgerIndex), nil
}

// AdvanceLedgerCursor moves the cursor forward; an older index never rewinds it.
func (s *PostgresStore) AdvanceLedgerCursor(ctx context.Context, vault string, ledgerIndex uint32) error {
	updateQuery := `
		INSERT INTO ledger_cursors (vault, ledger_index)
		VALUES ($1, $2)
		ON CONFLICT (vault) DO UPDATE
		SET ledger_index = GREATEST(ledger_cursors.ledger_index, EXCLUDED.ledger_index),
		    updated_at = CURRENT_TIMESTAMP
		RETURNING ledger_index;`

	var current int64
	if err := s.db.QueryRowContext(ctx, updateQuery, vault, int64(ledgerIndex)).Scan(&current); err != nil {
		return fmt.Errorf("failed to advance ledger cursor for %s: %w", vault, err)
	}

	log.Debug().Str("vault", vault).Int64("ledgerIndex", current).Msg("Advanced ledger cursor")
	return nil
}

// ResetLedgerCursor rewinds a vault's cursor (for maintenance, forces a full backfill).
func ResetLedgerCursor(ctx context.Context, db *sql.DB, vault string, ledgerIndex uint32) error {
	if db == nil {
		return ErrDatabaseNotInitialized
	}

	result, err := db.ExecContext(ctx,
		`UPDATE ledger_cursors SET ledger_index = $2, updated_at = CURRENT_TIMESTAMP WHERE vault = $1;`,
		vault, int64(ledgerIndex))
	if err != nil {
		return fmt.Errorf("failed to reset ledger cursor for %s to %d: %w", vault, ledgerIndex, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("no cursor stored for vault %s", vault)
	}

	log.Warn().Str("vault", vault).Uint32("ledgerIndex", ledgerIndex).Msg("Reset ledger cursor")
	return nil
}
