package state

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/types"
)

func dec(s string) sdkmath.LegacyDec {
	return sdkmath.LegacyMustNewDecFromStr(s)
}

// runStoreSuite exercises the behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("DepositClaimAndCredit", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec := types.DepositRecord{Vault: "rVault", TxHash: "H1", Depositor: "rAlice", Amount: dec("100.5"), LedgerIndex: 10}
		claimed, created, err := store.ClaimDeposit(ctx, rec)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, types.DepositReceived, claimed.Stage)

		again, created, err := store.ClaimDeposit(ctx, rec)
		require.NoError(t, err)
		assert.False(t, created, "second claim of the same hash must not create a record")
		assert.Equal(t, types.DepositReceived, again.Stage)

		require.NoError(t, store.CreditDeposit(ctx, "rVault", "H1", "S1"))
		// Crediting twice is a no-op.
		require.NoError(t, store.CreditDeposit(ctx, "rVault", "H1", "S1"))

		pos, err := store.GetPosition(ctx, "rVault", "rAlice")
		require.NoError(t, err)
		assert.True(t, dec("100.5").Equal(pos.Principal))
		assert.True(t, dec("100.5").Equal(pos.Shares))

		pending, err := store.PendingDeposits(ctx, "rVault")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, types.DepositSharesIssued, pending[0].Stage)
		assert.Equal(t, "S1", pending[0].ShareTxHash)

		require.NoError(t, store.CompleteDeposit(ctx, "rVault", "H1"))
		pending, err = store.PendingDeposits(ctx, "rVault")
		require.NoError(t, err)
		assert.Empty(t, pending)

		_, err = store.GetDeposit(ctx, "rVault", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.CreditDeposit(ctx, "rVault", "missing", ""), ErrNotFound)
	})

	t.Run("PendingDepositsOrdered", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, rec := range []types.DepositRecord{
			{Vault: "rVault", TxHash: "B", Depositor: "rA", Amount: dec("1"), LedgerIndex: 30},
			{Vault: "rVault", TxHash: "A", Depositor: "rA", Amount: dec("1"), LedgerIndex: 20},
			{Vault: "rOther", TxHash: "C", Depositor: "rA", Amount: dec("1"), LedgerIndex: 5},
		} {
			_, _, err := store.ClaimDeposit(ctx, rec)
			require.NoError(t, err)
		}
		pending, err := store.PendingDeposits(ctx, "rVault")
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "A", pending[0].TxHash)
		assert.Equal(t, "B", pending[1].TxHash)
	})

	t.Run("WithdrawalReserveAndCancel", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, _, err := store.ClaimDeposit(ctx, types.DepositRecord{Vault: "rVault", TxHash: "H1", Depositor: "rBob", Amount: dec("100"), LedgerIndex: 1})
		require.NoError(t, err)
		require.NoError(t, store.CreditDeposit(ctx, "rVault", "H1", "S1"))

		over := types.WithdrawalRecord{ID: "w0", Vault: "rVault", Depositor: "rBob", Shares: dec("101"), Capital: dec("101")}
		assert.ErrorIs(t, store.ReserveWithdrawal(ctx, over), ErrInsufficientBalance)

		rec := types.WithdrawalRecord{ID: "w1", Vault: "rVault", Depositor: "rBob", Shares: dec("40"), Capital: dec("40")}
		require.NoError(t, store.ReserveWithdrawal(ctx, rec))
		assert.ErrorIs(t, store.ReserveWithdrawal(ctx, rec), ErrDuplicateKey)

		pos, err := store.GetPosition(ctx, "rVault", "rBob")
		require.NoError(t, err)
		assert.True(t, dec("60").Equal(pos.Shares))

		require.NoError(t, store.CancelWithdrawal(ctx, "rVault", "w1"))
		pos, err = store.GetPosition(ctx, "rVault", "rBob")
		require.NoError(t, err)
		assert.True(t, dec("100").Equal(pos.Shares))
		assert.True(t, dec("100").Equal(pos.Principal))

		err = store.CancelWithdrawal(ctx, "rVault", "w1")
		assert.ErrorIs(t, err, ErrInvalidStage)

		got, err := store.GetWithdrawal(ctx, "rVault", "w1")
		require.NoError(t, err)
		assert.Equal(t, types.WithdrawalCancelled, got.Stage)
	})

	t.Run("WithdrawalStages", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, _, err := store.ClaimDeposit(ctx, types.DepositRecord{Vault: "rVault", TxHash: "H1", Depositor: "rBob", Amount: dec("10"), LedgerIndex: 1})
		require.NoError(t, err)
		require.NoError(t, store.CreditDeposit(ctx, "rVault", "H1", "S1"))

		rec := types.WithdrawalRecord{ID: "w1", Vault: "rVault", Depositor: "rBob", Shares: dec("10"), Capital: dec("10")}
		require.NoError(t, store.ReserveWithdrawal(ctx, rec))

		rec.Stage = types.WithdrawalPaid
		rec.Returned = dec("10")
		rec.PayoutTxHash = "P1"
		require.NoError(t, store.UpdateWithdrawal(ctx, rec))

		pending, err := store.PendingWithdrawals(ctx, "rVault")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, types.WithdrawalPaid, pending[0].Stage)
		assert.Equal(t, "P1", pending[0].PayoutTxHash)
		assert.Empty(t, pending[0].BurnTxHash)
		assert.True(t, dec("10").Equal(pending[0].Returned))

		rec.Stage = types.WithdrawalCompleted
		rec.BurnTxHash = "B1"
		require.NoError(t, store.UpdateWithdrawal(ctx, rec))
		pending, err = store.PendingWithdrawals(ctx, "rVault")
		require.NoError(t, err)
		assert.Empty(t, pending)

		rec.ID = "unknown"
		assert.ErrorIs(t, store.UpdateWithdrawal(ctx, rec), ErrNotFound)
	})

	t.Run("StrategyState", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.GetStrategyState(ctx, "rVault")
		assert.ErrorIs(t, err, ErrNotFound)

		st := types.NewStrategyState("rVault", types.StrategyPool)
		st.TotalDeployed = dec("5000")
		st.PositionUnits = dec("5000.123456789012345678")
		require.NoError(t, store.SaveStrategyState(ctx, st))

		got, err := store.GetStrategyState(ctx, "rVault")
		require.NoError(t, err)
		assert.Equal(t, types.StrategyPool, got.Kind)
		assert.True(t, st.TotalDeployed.Equal(got.TotalDeployed))
		assert.True(t, st.PositionUnits.Equal(got.PositionUnits), "NUMERIC(38,18) must preserve full precision")
	})

	t.Run("PublishProgress", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.GetPublishProgress(ctx, "rVault")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.SavePublishProgress(ctx, types.PublishProgress{Vault: "rVault", Stage: types.PublishMetadataWritten, Encoded: []byte{0xA1, 0x01}}))
		require.NoError(t, store.SavePublishProgress(ctx, types.PublishProgress{Vault: "rDone", Stage: types.PublishActivated, Encoded: []byte{0x01}}))

		got, err := store.GetPublishProgress(ctx, "rVault")
		require.NoError(t, err)
		assert.Equal(t, types.PublishMetadataWritten, got.Stage)
		assert.Equal(t, []byte{0xA1, 0x01}, got.Encoded)

		incomplete, err := store.IncompletePublishes(ctx)
		require.NoError(t, err)
		require.Len(t, incomplete, 1)
		assert.Equal(t, "rVault", incomplete[0].Vault)
	})

	t.Run("LedgerCursorOnlyAdvances", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		idx, err := store.LedgerCursor(ctx, "rVault")
		require.NoError(t, err)
		assert.Zero(t, idx)

		require.NoError(t, store.AdvanceLedgerCursor(ctx, "rVault", 50))
		require.NoError(t, store.AdvanceLedgerCursor(ctx, "rVault", 40))
		idx, err = store.LedgerCursor(ctx, "rVault")
		require.NoError(t, err)
		assert.Equal(t, uint32(50), idx)
	})

	t.Run("HarvestReceipts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, amount := range []string{"1.5", "2.25"} {
			r := types.HarvestReceipt{
				ID: []string{"h1", "h2"}[i], Vault: "rVault", Beneficiary: "rBen",
				Amount: dec(amount), TxHash: "T", HarvestedAt: base.Add(time.Duration(i) * time.Hour),
			}
			require.NoError(t, store.SaveHarvestReceipt(ctx, r))
		}
		err := store.SaveHarvestReceipt(ctx, types.HarvestReceipt{ID: "h1", Vault: "rVault", Amount: dec("1"), HarvestedAt: base})
		assert.True(t, errors.Is(err, ErrDuplicateKey))

		receipts, err := store.ListHarvestReceipts(ctx, "rVault", 10)
		require.NoError(t, err)
		require.Len(t, receipts, 2)
		assert.Equal(t, "h2", receipts[0].ID)

		count, total, err := store.HarvestTotals(ctx, "rVault")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.True(t, dec("3.75").Equal(total))

		count, total, err = store.HarvestTotals(ctx, "rNone")
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.True(t, total.IsZero())
	})

	t.Run("HarvestStages", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, store.SaveHarvestReceipt(ctx, types.HarvestReceipt{
			ID: "h1", Vault: "rVault", Beneficiary: "rBen", Amount: dec("4"),
			Stage: types.HarvestWithdrawn, HarvestedAt: base,
		}))

		pending, err := store.PendingHarvests(ctx, "rVault")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, types.HarvestWithdrawn, pending[0].Stage)
		assert.True(t, dec("4").Equal(pending[0].Amount))

		// Unpaid yield is not reported as harvested.
		count, _, err := store.HarvestTotals(ctx, "rVault")
		require.NoError(t, err)
		assert.Zero(t, count)
		receipts, err := store.ListHarvestReceipts(ctx, "rVault", 10)
		require.NoError(t, err)
		assert.Empty(t, receipts)

		require.NoError(t, store.CompleteHarvest(ctx, "rVault", "h1", "PAY"))
		err = store.CompleteHarvest(ctx, "rVault", "h1", "PAY")
		assert.True(t, errors.Is(err, ErrInvalidStage))
		assert.True(t, errors.Is(store.CompleteHarvest(ctx, "rVault", "h9", "PAY"), ErrNotFound))

		pending, err = store.PendingHarvests(ctx, "rVault")
		require.NoError(t, err)
		assert.Empty(t, pending)

		count, total, err := store.HarvestTotals(ctx, "rVault")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.True(t, dec("4").Equal(total))
		receipts, err = store.ListHarvestReceipts(ctx, "rVault", 10)
		require.NoError(t, err)
		require.Len(t, receipts, 1)
		assert.Equal(t, types.HarvestPaid, receipts[0].Stage)
		assert.Equal(t, "PAY", receipts[0].TxHash)
	})

	t.Run("SubmissionJournal", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, ok, err := store.PendingSubmission(ctx, "deposit/rVault/H1/issue")
		require.NoError(t, err)
		assert.False(t, ok)

		p := ledger.PendingSubmission{Hash: "ABC", LastLedger: 120, TxType: ledger.TxPayment}
		require.NoError(t, store.RecordSubmission(ctx, "deposit/rVault/H1/issue", p))
		p.Hash = "DEF"
		require.NoError(t, store.RecordSubmission(ctx, "deposit/rVault/H1/issue", p))

		got, ok, err := store.PendingSubmission(ctx, "deposit/rVault/H1/issue")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, p, got)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}
