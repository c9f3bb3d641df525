package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/lib/pq"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/types"
)

// PostgresStore implements Store on PostgreSQL. Amounts are stored as
// NUMERIC(38, 18) and round-trip exactly through LegacyDec strings.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open pool. The schema must already exist.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrDatabaseNotInitialized
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func parseDec(column, value string) (sdkmath.LegacyDec, error) {
	d, err := sdkmath.LegacyNewDecFromStr(value)
	if err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("failed to parse %s %q: %w", column, value, err)
	}
	return d, nil
}

// --- Positions ---

// GetPosition returns ErrNotFound if the depositor has never deposited.
func (s *PostgresStore) GetPosition(ctx context.Context, vault, depositor string) (types.UserPosition, error) {
	var principal, shares string
	err := s.db.QueryRowContext(ctx,
		`SELECT principal, shares FROM vault_positions WHERE vault = $1 AND depositor = $2`,
		vault, depositor).Scan(&principal, &shares)
	if errors.Is(err, sql.ErrNoRows) {
		return types.UserPosition{}, ErrNotFound
	}
	if err != nil {
		return types.UserPosition{}, fmt.Errorf("failed to get position: %w", err)
	}
	return buildPosition(vault, depositor, principal, shares)
}

// ListPositions returns every position of a vault, ordered by depositor.
func (s *PostgresStore) ListPositions(ctx context.Context, vault string) ([]types.UserPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depositor, principal, shares FROM vault_positions WHERE vault = $1 ORDER BY depositor`, vault)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []types.UserPosition
	for rows.Next() {
		var depositor, principal, shares string
		if err := rows.Scan(&depositor, &principal, &shares); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		pos, err := buildPosition(vault, depositor, principal, shares)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func buildPosition(vault, depositor, principal, shares string) (types.UserPosition, error) {
	p, err := parseDec("principal", principal)
	if err != nil {
		return types.UserPosition{}, err
	}
	sh, err := parseDec("shares", shares)
	if err != nil {
		return types.UserPosition{}, err
	}
	return types.UserPosition{Vault: vault, Depositor: depositor, Principal: p, Shares: sh}, nil
}

// --- Deposits ---

const depositColumns = `vault, tx_hash, depositor, amount, ledger_index, stage, share_tx_hash, created_at, updated_at`

// ClaimDeposit inserts rec in stage RECEIVED unless it exists.
func (s *PostgresStore) ClaimDeposit(ctx context.Context, rec types.DepositRecord) (types.DepositRecord, bool, error) {
	if rec.Vault == "" || rec.TxHash == "" || rec.Depositor == "" {
		return types.DepositRecord{}, false, ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_deposits (vault, tx_hash, depositor, amount, ledger_index, stage)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vault, tx_hash) DO NOTHING`,
		rec.Vault, rec.TxHash, rec.Depositor, rec.Amount.String(), int64(rec.LedgerIndex), string(types.DepositReceived))
	if err != nil {
		return types.DepositRecord{}, false, fmt.Errorf("failed to claim deposit %s: %w", rec.TxHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.DepositRecord{}, false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	stored, err := s.GetDeposit(ctx, rec.Vault, rec.TxHash)
	if err != nil {
		return types.DepositRecord{}, false, err
	}
	return stored, n == 1, nil
}

// CreditDeposit moves a RECEIVED record to SHARES_ISSUED and credits the position.
func (s *PostgresStore) CreditDeposit(ctx context.Context, vault, txHash, shareTxHash string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var depositor, amount string
		err := tx.QueryRowContext(ctx, `
			UPDATE vault_deposits
			SET stage = $3, share_tx_hash = $4, updated_at = CURRENT_TIMESTAMP
			WHERE vault = $1 AND tx_hash = $2 AND stage = $5
			RETURNING depositor, amount`,
			vault, txHash, string(types.DepositSharesIssued), shareTxHash, string(types.DepositReceived)).
			Scan(&depositor, &amount)
		if errors.Is(err, sql.ErrNoRows) {
			// Either unknown or already credited.
			if _, getErr := s.getDepositTx(ctx, tx, vault, txHash); getErr != nil {
				return getErr
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to advance deposit %s: %w", txHash, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO vault_positions (vault, depositor, principal, shares)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (vault, depositor) DO UPDATE
			SET principal = vault_positions.principal + EXCLUDED.principal,
			    shares = vault_positions.shares + EXCLUDED.shares,
			    updated_at = CURRENT_TIMESTAMP`,
			vault, depositor, amount)
		if err != nil {
			return fmt.Errorf("failed to credit position for %s: %w", depositor, err)
		}
		return nil
	})
}

// CompleteDeposit marks a record DEPLOYED.
func (s *PostgresStore) CompleteDeposit(ctx context.Context, vault, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE vault_deposits SET stage = $3, updated_at = CURRENT_TIMESTAMP
		WHERE vault = $1 AND tx_hash = $2`,
		vault, txHash, string(types.DepositDeployed))
	if err != nil {
		return fmt.Errorf("failed to complete deposit %s: %w", txHash, err)
	}
	return requireOneRow(res)
}

// GetDeposit returns ErrNotFound if the transfer was never claimed.
func (s *PostgresStore) GetDeposit(ctx context.Context, vault, txHash string) (types.DepositRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM vault_deposits WHERE vault = $1 AND tx_hash = $2`, vault, txHash)
	return scanDeposit(row)
}

func (s *PostgresStore) getDepositTx(ctx context.Context, tx *sql.Tx, vault, txHash string) (types.DepositRecord, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM vault_deposits WHERE vault = $1 AND tx_hash = $2`, vault, txHash)
	return scanDeposit(row)
}

// PendingDeposits returns records not yet DEPLOYED, ordered by ledger index.
func (s *PostgresStore) PendingDeposits(ctx context.Context, vault string) ([]types.DepositRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+depositColumns+` FROM vault_deposits WHERE vault = $1 AND stage <> $2 ORDER BY ledger_index, tx_hash`,
		vault, string(types.DepositDeployed))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending deposits: %w", err)
	}
	defer rows.Close()

	var out []types.DepositRecord
	for rows.Next() {
		rec, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row rowScanner) (types.DepositRecord, error) {
	var rec types.DepositRecord
	var amount, stage string
	var ledgerIndex int64
	err := row.Scan(&rec.Vault, &rec.TxHash, &rec.Depositor, &amount, &ledgerIndex, &stage,
		&rec.ShareTxHash, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DepositRecord{}, ErrNotFound
	}
	if err != nil {
		return types.DepositRecord{}, fmt.Errorf("failed to scan deposit: %w", err)
	}
	if rec.Amount, err = parseDec("amount", amount); err != nil {
		return types.DepositRecord{}, err
	}
	rec.LedgerIndex = uint32(ledgerIndex)
	rec.Stage = types.DepositStage(stage)
	return rec, nil
}

// --- Withdrawals ---

const withdrawalColumns = `id, vault, depositor, shares, capital, returned, stage, tx_hashes, created_at, updated_at`

// ReserveWithdrawal debits the position and inserts rec in stage RESERVED.
func (s *PostgresStore) ReserveWithdrawal(ctx context.Context, rec types.WithdrawalRecord) error {
	if rec.ID == "" || rec.Vault == "" || rec.Depositor == "" {
		return ErrInvalidInput
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var principal, shares string
		err := tx.QueryRowContext(ctx, `
			SELECT principal, shares FROM vault_positions
			WHERE vault = $1 AND depositor = $2 FOR UPDATE`,
			rec.Vault, rec.Depositor).Scan(&principal, &shares)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsufficientBalance
		}
		if err != nil {
			return fmt.Errorf("failed to lock position: %w", err)
		}
		pos, err := buildPosition(rec.Vault, rec.Depositor, principal, shares)
		if err != nil {
			return err
		}
		if pos.Shares.LT(rec.Shares) || pos.Principal.LT(rec.Capital) {
			return ErrInsufficientBalance
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE vault_positions
			SET principal = principal - $3, shares = shares - $4, updated_at = CURRENT_TIMESTAMP
			WHERE vault = $1 AND depositor = $2`,
			rec.Vault, rec.Depositor, rec.Capital.String(), rec.Shares.String())
		if err != nil {
			return fmt.Errorf("failed to debit position: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO vault_withdrawals (id, vault, depositor, shares, capital, stage)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ID, rec.Vault, rec.Depositor, rec.Shares.String(), rec.Capital.String(), string(types.WithdrawalReserved))
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrDuplicateKey
			}
			return fmt.Errorf("failed to insert withdrawal %s: %w", rec.ID, err)
		}
		return nil
	})
}

// CancelWithdrawal restores a RESERVED record's amounts to the position.
func (s *PostgresStore) CancelWithdrawal(ctx context.Context, vault, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanWithdrawal(tx.QueryRowContext(ctx,
			`SELECT `+withdrawalColumns+` FROM vault_withdrawals WHERE vault = $1 AND id = $2 FOR UPDATE`, vault, id))
		if err != nil {
			return err
		}
		if rec.Stage != types.WithdrawalReserved {
			return fmt.Errorf("%w: withdrawal %s is %s", ErrInvalidStage, id, rec.Stage)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE vault_positions
			SET principal = principal + $3, shares = shares + $4, updated_at = CURRENT_TIMESTAMP
			WHERE vault = $1 AND depositor = $2`,
			vault, rec.Depositor, rec.Capital.String(), rec.Shares.String())
		if err != nil {
			return fmt.Errorf("failed to restore position: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE vault_withdrawals SET stage = $3, updated_at = CURRENT_TIMESTAMP WHERE vault = $1 AND id = $2`,
			vault, id, string(types.WithdrawalCancelled))
		if err != nil {
			return fmt.Errorf("failed to cancel withdrawal %s: %w", id, err)
		}
		return nil
	})
}

// UpdateWithdrawal persists stage, returned amount and transaction hashes.
func (s *PostgresStore) UpdateWithdrawal(ctx context.Context, rec types.WithdrawalRecord) error {
	returned := sdkmath.LegacyZeroDec()
	if !rec.Returned.IsNil() {
		returned = rec.Returned
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE vault_withdrawals
		SET stage = $3, returned = $4, tx_hashes = $5, updated_at = CURRENT_TIMESTAMP
		WHERE vault = $1 AND id = $2`,
		rec.Vault, rec.ID, string(rec.Stage), returned.String(),
		pq.Array([]string{rec.PayoutTxHash, rec.BurnTxHash}))
	if err != nil {
		return fmt.Errorf("failed to update withdrawal %s: %w", rec.ID, err)
	}
	return requireOneRow(res)
}

// GetWithdrawal returns ErrNotFound if id is unknown.
func (s *PostgresStore) GetWithdrawal(ctx context.Context, vault, id string) (types.WithdrawalRecord, error) {
	return scanWithdrawal(s.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM vault_withdrawals WHERE vault = $1 AND id = $2`, vault, id))
}

// PendingWithdrawals returns records in RESERVED, UNWOUND or PAID, oldest first.
func (s *PostgresStore) PendingWithdrawals(ctx context.Context, vault string) ([]types.WithdrawalRecord, error) {
	stages := []string{string(types.WithdrawalReserved), string(types.WithdrawalUnwound), string(types.WithdrawalPaid)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+withdrawalColumns+` FROM vault_withdrawals WHERE vault = $1 AND stage = ANY($2) ORDER BY created_at, id`,
		vault, pq.Array(stages))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending withdrawals: %w", err)
	}
	defer rows.Close()

	var out []types.WithdrawalRecord
	for rows.Next() {
		rec, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanWithdrawal(row rowScanner) (types.WithdrawalRecord, error) {
	var rec types.WithdrawalRecord
	var shares, capital, returned, stage string
	var hashes []string
	err := row.Scan(&rec.ID, &rec.Vault, &rec.Depositor, &shares, &capital, &returned, &stage,
		pq.Array(&hashes), &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WithdrawalRecord{}, ErrNotFound
	}
	if err != nil {
		return types.WithdrawalRecord{}, fmt.Errorf("failed to scan withdrawal: %w", err)
	}
	if rec.Shares, err = parseDec("shares", shares); err != nil {
		return types.WithdrawalRecord{}, err
	}
	if rec.Capital, err = parseDec("capital", capital); err != nil {
		return types.WithdrawalRecord{}, err
	}
	if rec.Returned, err = parseDec("returned", returned); err != nil {
		return types.WithdrawalRecord{}, err
	}
	rec.Stage = types.WithdrawalStage(stage)
	if len(hashes) > 0 {
		rec.PayoutTxHash = hashes[0]
	}
	if len(hashes) > 1 {
		rec.BurnTxHash = hashes[1]
	}
	return rec, nil
}

// --- Strategy state ---

// GetStrategyState returns ErrNotFound if the vault has no saved state.
func (s *PostgresStore) GetStrategyState(ctx context.Context, vault string) (types.StrategyState, error) {
	st := types.StrategyState{Vault: vault}
	var kind, deployed, units string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, total_deployed, position_units, last_tx_hash, updated_at FROM strategy_states WHERE vault = $1`, vault).
		Scan(&kind, &deployed, &units, &st.LastTxHash, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StrategyState{}, ErrNotFound
	}
	if err != nil {
		return types.StrategyState{}, fmt.Errorf("failed to get strategy state: %w", err)
	}
	st.Kind = types.StrategyKind(kind)
	if st.TotalDeployed, err = parseDec("total_deployed", deployed); err != nil {
		return types.StrategyState{}, err
	}
	if st.PositionUnits, err = parseDec("position_units", units); err != nil {
		return types.StrategyState{}, err
	}
	return st, nil
}

// SaveStrategyState upserts the state.
func (s *PostgresStore) SaveStrategyState(ctx context.Context, st types.StrategyState) error {
	if st.Vault == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_states (vault, kind, total_deployed, position_units, last_tx_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vault) DO UPDATE
		SET kind = EXCLUDED.kind, total_deployed = EXCLUDED.total_deployed,
		    position_units = EXCLUDED.position_units, last_tx_hash = EXCLUDED.last_tx_hash,
		    updated_at = CURRENT_TIMESTAMP`,
		st.Vault, string(st.Kind), st.TotalDeployed.String(), st.PositionUnits.String(), st.LastTxHash)
	if err != nil {
		return fmt.Errorf("failed to save strategy state for %s: %w", st.Vault, err)
	}
	return nil
}

// --- Publish progress ---

// GetPublishProgress returns ErrNotFound if the vault was never published.
func (s *PostgresStore) GetPublishProgress(ctx context.Context, vault string) (types.PublishProgress, error) {
	p := types.PublishProgress{Vault: vault}
	var stage string
	err := s.db.QueryRowContext(ctx,
		`SELECT stage, descriptor, updated_at FROM publish_progress WHERE vault = $1`, vault).
		Scan(&stage, &p.Encoded, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PublishProgress{}, ErrNotFound
	}
	if err != nil {
		return types.PublishProgress{}, fmt.Errorf("failed to get publish progress: %w", err)
	}
	p.Stage = types.PublishStage(stage)
	return p, nil
}

// SavePublishProgress upserts the progress.
func (s *PostgresStore) SavePublishProgress(ctx context.Context, p types.PublishProgress) error {
	if p.Vault == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_progress (vault, stage, descriptor)
		VALUES ($1, $2, $3)
		ON CONFLICT (vault) DO UPDATE
		SET stage = EXCLUDED.stage, descriptor = EXCLUDED.descriptor, updated_at = CURRENT_TIMESTAMP`,
		p.Vault, string(p.Stage), p.Encoded)
	if err != nil {
		return fmt.Errorf("failed to save publish progress for %s: %w", p.Vault, err)
	}
	return nil
}

// IncompletePublishes returns progress records not yet ACTIVATED.
func (s *PostgresStore) IncompletePublishes(ctx context.Context) ([]types.PublishProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vault, stage, descriptor, updated_at FROM publish_progress WHERE stage <> $1 ORDER BY vault`,
		string(types.PublishActivated))
	if err != nil {
		return nil, fmt.Errorf("failed to query incomplete publishes: %w", err)
	}
	defer rows.Close()

	var out []types.PublishProgress
	for rows.Next() {
		var p types.PublishProgress
		var stage string
		if err := rows.Scan(&p.Vault, &stage, &p.Encoded, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan publish progress: %w", err)
		}
		p.Stage = types.PublishStage(stage)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Submission journal ---

// PendingSubmission implements ledger.Journal.
func (s *PostgresStore) PendingSubmission(ctx context.Context, key string) (ledger.PendingSubmission, bool, error) {
	var p ledger.PendingSubmission
	var lastLedger int64
	var txType string
	err := s.db.QueryRowContext(ctx,
		`SELECT tx_hash, last_ledger, tx_type FROM submission_journal WHERE key = $1`, key).
		Scan(&p.Hash, &lastLedger, &txType)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.PendingSubmission{}, false, nil
	}
	if err != nil {
		return ledger.PendingSubmission{}, false, fmt.Errorf("failed to read submission journal: %w", err)
	}
	p.LastLedger = uint32(lastLedger)
	p.TxType = ledger.TxType(txType)
	return p, true, nil
}

// RecordSubmission implements ledger.Journal.
func (s *PostgresStore) RecordSubmission(ctx context.Context, key string, p ledger.PendingSubmission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submission_journal (key, tx_hash, last_ledger, tx_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET tx_hash = EXCLUDED.tx_hash, last_ledger = EXCLUDED.last_ledger,
		    tx_type = EXCLUDED.tx_type, recorded_at = CURRENT_TIMESTAMP`,
		key, p.Hash, int64(p.LastLedger), string(p.TxType))
	if err != nil {
		return fmt.Errorf("failed to journal submission %s: %w", key, err)
	}
	return nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
