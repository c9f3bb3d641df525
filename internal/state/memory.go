package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/types"
)

type positionKey struct {
	vault     string
	depositor string
}

type depositKey struct {
	vault  string
	txHash string
}

// MemoryStore is an in-memory implementation of Store. A single lock makes every
// multi-record update atomic.
type MemoryStore struct {
	mu sync.RWMutex

	positions   map[positionKey]types.UserPosition
	deposits    map[depositKey]types.DepositRecord
	withdrawals map[string]types.WithdrawalRecord
	strategies  map[string]types.StrategyState
	publishes   map[string]types.PublishProgress
	cursors     map[string]uint32
	harvests    []types.HarvestReceipt
	journal     map[string]ledger.PendingSubmission
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:   make(map[positionKey]types.UserPosition),
		deposits:    make(map[depositKey]types.DepositRecord),
		withdrawals: make(map[string]types.WithdrawalRecord),
		strategies:  make(map[string]types.StrategyState),
		publishes:   make(map[string]types.PublishProgress),
		cursors:     make(map[string]uint32),
		journal:     make(map[string]ledger.PendingSubmission),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// --- Positions ---

// GetPosition returns ErrNotFound if the depositor has never deposited.
func (s *MemoryStore) GetPosition(_ context.Context, vault, depositor string) (types.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey{vault, depositor}]
	if !ok {
		return types.UserPosition{}, ErrNotFound
	}
	return p, nil
}

// ListPositions returns every position of a vault, ordered by depositor.
func (s *MemoryStore) ListPositions(_ context.Context, vault string) ([]types.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.UserPosition
	for k, p := range s.positions {
		if k.vault == vault {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depositor < out[j].Depositor })
	return out, nil
}

// --- Deposits ---

// ClaimDeposit inserts rec in stage RECEIVED unless it exists.
func (s *MemoryStore) ClaimDeposit(_ context.Context, rec types.DepositRecord) (types.DepositRecord, bool, error) {
	if rec.Vault == "" || rec.TxHash == "" || rec.Depositor == "" {
		return types.DepositRecord{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := depositKey{rec.Vault, rec.TxHash}
	if existing, ok := s.deposits[key]; ok {
		return existing, false, nil
	}
	now := time.Now().UTC()
	rec.Stage = types.DepositReceived
	rec.CreatedAt, rec.UpdatedAt = now, now
	s.deposits[key] = rec
	return rec, true, nil
}

// CreditDeposit moves a RECEIVED record to SHARES_ISSUED and credits the position.
func (s *MemoryStore) CreditDeposit(_ context.Context, vault, txHash, shareTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := depositKey{vault, txHash}
	rec, ok := s.deposits[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Stage != types.DepositReceived {
		return nil
	}

	pk := positionKey{vault, rec.Depositor}
	pos, ok := s.positions[pk]
	if !ok {
		pos = types.EmptyPosition(vault, rec.Depositor)
	}
	pos.Principal = pos.Principal.Add(rec.Amount)
	pos.Shares = pos.Shares.Add(rec.Amount)
	s.positions[pk] = pos

	rec.Stage = types.DepositSharesIssued
	rec.ShareTxHash = shareTxHash
	rec.UpdatedAt = time.Now().UTC()
	s.deposits[key] = rec
	return nil
}

// CompleteDeposit marks a record DEPLOYED.
func (s *MemoryStore) CompleteDeposit(_ context.Context, vault, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := depositKey{vault, txHash}
	rec, ok := s.deposits[key]
	if !ok {
		return ErrNotFound
	}
	rec.Stage = types.DepositDeployed
	rec.UpdatedAt = time.Now().UTC()
	s.deposits[key] = rec
	return nil
}

// GetDeposit returns ErrNotFound if the transfer was never claimed.
func (s *MemoryStore) GetDeposit(_ context.Context, vault, txHash string) (types.DepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deposits[depositKey{vault, txHash}]
	if !ok {
		return types.DepositRecord{}, ErrNotFound
	}
	return rec, nil
}

// PendingDeposits returns records not yet DEPLOYED, ordered by ledger index.
func (s *MemoryStore) PendingDeposits(_ context.Context, vault string) ([]types.DepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.DepositRecord
	for k, rec := range s.deposits {
		if k.vault == vault && rec.Stage != types.DepositDeployed {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LedgerIndex != out[j].LedgerIndex {
			return out[i].LedgerIndex < out[j].LedgerIndex
		}
		return out[i].TxHash < out[j].TxHash
	})
	return out, nil
}

// --- Withdrawals ---

// ReserveWithdrawal debits the position and inserts rec in stage RESERVED.
func (s *MemoryStore) ReserveWithdrawal(_ context.Context, rec types.WithdrawalRecord) error {
	if rec.ID == "" || rec.Vault == "" || rec.Depositor == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.withdrawals[rec.ID]; ok {
		return ErrDuplicateKey
	}
	pk := positionKey{rec.Vault, rec.Depositor}
	pos, ok := s.positions[pk]
	if !ok || pos.Shares.LT(rec.Shares) || pos.Principal.LT(rec.Capital) {
		return ErrInsufficientBalance
	}
	pos.Shares = pos.Shares.Sub(rec.Shares)
	pos.Principal = pos.Principal.Sub(rec.Capital)
	s.positions[pk] = pos

	now := time.Now().UTC()
	rec.Stage = types.WithdrawalReserved
	if rec.Returned.IsNil() {
		rec.Returned = sdkmath.LegacyZeroDec()
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	s.withdrawals[rec.ID] = rec
	return nil
}

// CancelWithdrawal restores a RESERVED record's amounts to the position.
func (s *MemoryStore) CancelWithdrawal(_ context.Context, vault, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.withdrawals[id]
	if !ok || rec.Vault != vault {
		return ErrNotFound
	}
	if rec.Stage != types.WithdrawalReserved {
		return fmt.Errorf("%w: withdrawal %s is %s", ErrInvalidStage, id, rec.Stage)
	}

	pk := positionKey{vault, rec.Depositor}
	pos, ok := s.positions[pk]
	if !ok {
		pos = types.EmptyPosition(vault, rec.Depositor)
	}
	pos.Shares = pos.Shares.Add(rec.Shares)
	pos.Principal = pos.Principal.Add(rec.Capital)
	s.positions[pk] = pos

	rec.Stage = types.WithdrawalCancelled
	rec.UpdatedAt = time.Now().UTC()
	s.withdrawals[id] = rec
	return nil
}

// UpdateWithdrawal persists stage, returned amount and transaction hashes.
func (s *MemoryStore) UpdateWithdrawal(_ context.Context, rec types.WithdrawalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.withdrawals[rec.ID]
	if !ok || existing.Vault != rec.Vault {
		return ErrNotFound
	}
	existing.Stage = rec.Stage
	existing.Returned = rec.Returned
	existing.PayoutTxHash = rec.PayoutTxHash
	existing.BurnTxHash = rec.BurnTxHash
	existing.UpdatedAt = time.Now().UTC()
	s.withdrawals[rec.ID] = existing
	return nil
}

// GetWithdrawal returns ErrNotFound if id is unknown.
func (s *MemoryStore) GetWithdrawal(_ context.Context, vault, id string) (types.WithdrawalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.withdrawals[id]
	if !ok || rec.Vault != vault {
		return types.WithdrawalRecord{}, ErrNotFound
	}
	return rec, nil
}

// PendingWithdrawals returns records in RESERVED, UNWOUND or PAID, oldest first.
func (s *MemoryStore) PendingWithdrawals(_ context.Context, vault string) ([]types.WithdrawalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.WithdrawalRecord
	for _, rec := range s.withdrawals {
		if rec.Vault != vault {
			continue
		}
		switch rec.Stage {
		case types.WithdrawalReserved, types.WithdrawalUnwound, types.WithdrawalPaid:
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- Strategy state ---

// GetStrategyState returns ErrNotFound if the vault has no saved state.
func (s *MemoryStore) GetStrategyState(_ context.Context, vault string) (types.StrategyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[vault]
	if !ok {
		return types.StrategyState{}, ErrNotFound
	}
	return st, nil
}

// SaveStrategyState upserts the state.
func (s *MemoryStore) SaveStrategyState(_ context.Context, st types.StrategyState) error {
	if st.Vault == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	s.strategies[st.Vault] = st
	return nil
}

// --- Publish progress ---

// GetPublishProgress returns ErrNotFound if the vault was never published.
func (s *MemoryStore) GetPublishProgress(_ context.Context, vault string) (types.PublishProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.publishes[vault]
	if !ok {
		return types.PublishProgress{}, ErrNotFound
	}
	p.Encoded = append([]byte(nil), p.Encoded...)
	return p, nil
}

// SavePublishProgress upserts the progress.
func (s *MemoryStore) SavePublishProgress(_ context.Context, p types.PublishProgress) error {
	if p.Vault == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Encoded = append([]byte(nil), p.Encoded...)
	p.UpdatedAt = time.Now().UTC()
	s.publishes[p.Vault] = p
	return nil
}

// IncompletePublishes returns progress records not yet ACTIVATED.
func (s *MemoryStore) IncompletePublishes(_ context.Context) ([]types.PublishProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.PublishProgress
	for _, p := range s.publishes {
		if p.Stage != types.PublishActivated {
			p.Encoded = append([]byte(nil), p.Encoded...)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vault < out[j].Vault })
	return out, nil
}

// --- Ledger cursors ---

// LedgerCursor returns 0 if the vault has no cursor yet.
func (s *MemoryStore) LedgerCursor(_ context.Context, vault string) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[vault], nil
}

// AdvanceLedgerCursor moves the cursor forward.
func (s *MemoryStore) AdvanceLedgerCursor(_ context.Context, vault string, ledgerIndex uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ledgerIndex > s.cursors[vault] {
		s.cursors[vault] = ledgerIndex
	}
	return nil
}

// --- Harvests ---

// SaveHarvestReceipt returns ErrDuplicateKey if the receipt ID exists.
func (s *MemoryStore) SaveHarvestReceipt(_ context.Context, r types.HarvestReceipt) error {
	if r.ID == "" || r.Vault == "" {
		return ErrInvalidInput
	}
	if r.Stage == "" {
		r.Stage = types.HarvestPaid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.harvests {
		if existing.ID == r.ID {
			return ErrDuplicateKey
		}
	}
	s.harvests = append(s.harvests, r)
	return nil
}

// CompleteHarvest moves a WITHDRAWN receipt to PAID.
func (s *MemoryStore) CompleteHarvest(_ context.Context, vault, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.harvests {
		if r.Vault != vault || r.ID != id {
			continue
		}
		if r.Stage != types.HarvestWithdrawn {
			return fmt.Errorf("%w: harvest %s is %s", ErrInvalidStage, id, r.Stage)
		}
		r.Stage = types.HarvestPaid
		r.TxHash = txHash
		r.HarvestedAt = time.Now().UTC()
		s.harvests[i] = r
		return nil
	}
	return ErrNotFound
}

// PendingHarvests returns WITHDRAWN receipts, oldest first.
func (s *MemoryStore) PendingHarvests(_ context.Context, vault string) ([]types.HarvestReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.HarvestReceipt
	for _, r := range s.harvests {
		if r.Vault == vault && r.Stage == types.HarvestWithdrawn {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListHarvestReceipts returns up to limit paid receipts, newest first.
func (s *MemoryStore) ListHarvestReceipts(_ context.Context, vault string, limit int) ([]types.HarvestReceipt, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.HarvestReceipt
	for i := len(s.harvests) - 1; i >= 0 && len(out) < limit; i-- {
		if s.harvests[i].Vault == vault && s.harvests[i].Stage == types.HarvestPaid {
			out = append(out, s.harvests[i])
		}
	}
	return out, nil
}

// HarvestTotals returns the paid receipt count and summed amount.
func (s *MemoryStore) HarvestTotals(_ context.Context, vault string) (int, sdkmath.LegacyDec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count, total := 0, sdkmath.LegacyZeroDec()
	for _, r := range s.harvests {
		if r.Vault == vault && r.Stage == types.HarvestPaid {
			count++
			total = total.Add(r.Amount)
		}
	}
	return count, total, nil
}

// --- Submission journal ---

// PendingSubmission implements ledger.Journal.
func (s *MemoryStore) PendingSubmission(_ context.Context, key string) (ledger.PendingSubmission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.journal[key]
	return p, ok, nil
}

// RecordSubmission implements ledger.Journal.
func (s *MemoryStore) RecordSubmission(_ context.Context, key string, p ledger.PendingSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal[key] = p
	return nil
}
