package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/ledger/ledgertest"
	"github.com/elys-network/vaultd/internal/types"
)

type mapJournal struct {
	mu      sync.Mutex
	entries map[string]ledger.PendingSubmission
}

func newMapJournal() *mapJournal {
	return &mapJournal{entries: make(map[string]ledger.PendingSubmission)}
}

func (j *mapJournal) PendingSubmission(ctx context.Context, key string) (ledger.PendingSubmission, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.entries[key]
	return p, ok, nil
}

func (j *mapJournal) RecordSubmission(ctx context.Context, key string, p ledger.PendingSubmission) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[key] = p
	return nil
}

var (
	usd    = types.Asset{Currency: "USD", Issuer: "rIssuer"}
	signer = ledger.Signer{Address: "rVault", Secret: "sSecret"}
)

func fastConfig() ledger.SubmitterConfig {
	return ledger.SubmitterConfig{
		MaxAttempts:     3,
		PollInterval:    time.Millisecond,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func setup(t *testing.T) (*ledgertest.Ledger, *mapJournal, *ledger.Submitter, ledger.Transaction) {
	t.Helper()
	l := ledgertest.New()
	l.Fund("rVault", types.NewAmount(usd, sdkmath.LegacyNewDec(100)))
	journal := newMapJournal()
	tx, err := ledger.NewPayment("rVault", "rUser", types.NewAmount(usd, sdkmath.LegacyNewDec(10)))
	require.NoError(t, err)
	return l, journal, ledger.NewSubmitter(l, journal, fastConfig(), nil), tx
}

func TestSubmit_JournalsSignedHash(t *testing.T) {
	l, journal, s, tx := setup(t)
	ctx := ledger.WithOperation(context.Background(), "withdraw/rVault/1")

	res, err := s.Submit(ctx, "payout", tx, signer)
	require.NoError(t, err)
	assert.Equal(t, "tesSUCCESS", res.Result)

	pending, ok, err := journal.PendingSubmission(ctx, "withdraw/rVault/1/payout")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Hash, pending.Hash)
	assert.Equal(t, ledger.TxPayment, pending.TxType)
	assert.True(t, sdkmath.LegacyNewDec(10).Equal(l.Balance("rUser", usd)))
}

func TestSubmit_RerunReusesAppliedStep(t *testing.T) {
	l, journal, s, tx := setup(t)
	ctx := ledger.WithOperation(context.Background(), "withdraw/rVault/1")

	first, err := s.Submit(ctx, "payout", tx, signer)
	require.NoError(t, err)

	rerun := ledger.NewSubmitter(l, journal, fastConfig(), nil)
	second, err := rerun.Submit(ctx, "payout", tx, signer)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, 1, l.SubmittedCount(ledger.TxPayment))
	assert.True(t, sdkmath.LegacyNewDec(10).Equal(l.Balance("rUser", usd)))
}

func TestCompleted(t *testing.T) {
	_, _, s, tx := setup(t)
	ctx := ledger.WithOperation(context.Background(), "withdraw/rVault/1")

	_, done, err := s.Completed(ctx, "payout")
	require.NoError(t, err)
	assert.False(t, done)

	res, err := s.Submit(ctx, "payout", tx, signer)
	require.NoError(t, err)

	prior, done, err := s.Completed(ctx, "payout")
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, res.Hash, prior.Hash)

	_, done, err = s.Completed(context.Background(), "payout")
	require.NoError(t, err)
	assert.False(t, done, "no operation key, nothing to look up")
}

func TestSubmit_IndeterminateButApplied(t *testing.T) {
	l, _, s, tx := setup(t)
	l.FailNext(ledger.TxPayment, ledgertest.CodeIndeterminate, true)

	res, err := s.Submit(ledger.WithOperation(context.Background(), "op"), "pay", tx, signer)
	require.NoError(t, err)
	assert.Equal(t, "tesSUCCESS", res.Result)
	assert.Equal(t, 1, l.SubmittedCount(ledger.TxPayment), "an applied transaction must not be resubmitted")
	assert.True(t, sdkmath.LegacyNewDec(10).Equal(l.Balance("rUser", usd)))
}

func TestSubmit_IndeterminateNeverApplied(t *testing.T) {
	l, _, s, tx := setup(t)
	l.FailNext(ledger.TxPayment, ledgertest.CodeIndeterminate, false)

	_, err := s.Submit(ledger.WithOperation(context.Background(), "op"), "pay", tx, signer)
	require.NoError(t, err)
	assert.Equal(t, 2, l.SubmittedCount(ledger.TxPayment))
	assert.True(t, sdkmath.LegacyNewDec(10).Equal(l.Balance("rUser", usd)))
}

func TestSubmit_LocalRejectionRetried(t *testing.T) {
	l, _, s, tx := setup(t)
	l.FailNext(ledger.TxPayment, "telINSUF_FEE_P", false)

	_, err := s.Submit(context.Background(), "pay", tx, signer)
	require.NoError(t, err)
	assert.Equal(t, 2, l.SubmittedCount(ledger.TxPayment))
}

func TestSubmit_MalformedNotRetried(t *testing.T) {
	l, _, s, tx := setup(t)
	l.FailNext(ledger.TxPayment, "temBAD_AMOUNT", false)

	_, err := s.Submit(context.Background(), "pay", tx, signer)
	require.Error(t, err)
	assert.True(t, ledger.IsRejected(err))
	assert.Equal(t, 1, l.SubmittedCount(ledger.TxPayment))
	assert.True(t, l.Balance("rUser", usd).IsZero())
}

func TestSubmit_ClaimedIsFinal(t *testing.T) {
	l, _, s, tx := setup(t)
	l.FailNext(ledger.TxPayment, "tecUNFUNDED_PAYMENT", false)

	_, err := s.Submit(context.Background(), "pay", tx, signer)
	require.Error(t, err)

	var subErr *ledger.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.True(t, subErr.Applied())
	assert.Equal(t, 1, l.SubmittedCount(ledger.TxPayment))
}

func TestSubmit_AttemptsExhausted(t *testing.T) {
	l, _, s, tx := setup(t)
	for i := 0; i < 3; i++ {
		l.FailNext(ledger.TxPayment, "tefPAST_SEQ", false)
	}

	_, err := s.Submit(context.Background(), "pay", tx, signer)
	require.Error(t, err)
	assert.True(t, ledger.IsRejected(err))
	assert.Equal(t, 3, l.SubmittedCount(ledger.TxPayment))
}

func TestSubmit_ExpiredJournalEntryResubmits(t *testing.T) {
	l, journal, s, tx := setup(t)
	ctx := ledger.WithOperation(context.Background(), "op")
	require.NoError(t, journal.RecordSubmission(ctx, "op/pay", ledger.PendingSubmission{Hash: "UNKNOWN", LastLedger: 5, TxType: ledger.TxPayment}))

	res, err := s.Submit(ctx, "pay", tx, signer)
	require.NoError(t, err)
	assert.NotEqual(t, "UNKNOWN", res.Hash)
	assert.Equal(t, 1, l.SubmittedCount(ledger.TxPayment))
}

func TestResolve_ContextEndsIndeterminate(t *testing.T) {
	s := ledger.NewSubmitter(pendingGateway{ledgertest.New()}, nil, fastConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Resolve(ctx, "HASH", 100)
	require.Error(t, err)
	assert.True(t, ledger.IsIndeterminate(err))
}

// pendingGateway reports every transaction as still in flight.
type pendingGateway struct {
	*ledgertest.Ledger
}

func (pendingGateway) TransactionStatus(ctx context.Context, hash string, lastLedger uint32) (*ledger.TxStatus, error) {
	return &ledger.TxStatus{Hash: hash}, nil
}
