package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/observability"
)

// PendingSubmission is a signed transaction whose outcome must be known before
// the step that produced it may be attempted again.
type PendingSubmission struct {
	Hash       string
	LastLedger uint32
	TxType     TxType
}

// Journal persists signed transactions per operation step.
type Journal interface {
	PendingSubmission(ctx context.Context, key string) (PendingSubmission, bool, error)
	RecordSubmission(ctx context.Context, key string, p PendingSubmission) error
}

type operationKey struct{}

// WithOperation scopes submissions made with ctx to an idempotency key, e.g.
// "deposit/<vault>/<hash>". Steps within the operation are journaled under it.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// OperationFrom returns the operation key carried by ctx, if any.
func OperationFrom(ctx context.Context) string {
	op, _ := ctx.Value(operationKey{}).(string)
	return op
}

// SubmitterConfig bounds resubmission and status polling.
type SubmitterConfig struct {
	MaxAttempts     uint64
	PollInterval    time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Submitter submits transactions so that each operation step reaches the
// ledger at most once: an indeterminate outcome is resolved by hash before
// anything is resubmitted, and resubmission only follows a proven non-application.
type Submitter struct {
	gateway Gateway
	journal Journal
	config  SubmitterConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewSubmitter creates a submitter. journal and metrics may be nil.
func NewSubmitter(gateway Gateway, journal Journal, config SubmitterConfig, metrics *observability.Metrics) *Submitter {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 3
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = 500 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 10 * time.Second
	}
	return &Submitter{
		gateway: gateway,
		journal: journal,
		config:  config,
		metrics: metrics,
		logger:  logger.GetForComponent("ledger_submitter"),
	}
}

// Gateway returns the underlying gateway.
func (s *Submitter) Gateway() Gateway {
	return s.gateway
}

// Submit submits tx as the named step of the operation carried by ctx and
// returns once the ledger reports a final result.
func (s *Submitter) Submit(ctx context.Context, step string, tx Transaction, signer Signer) (*SubmitResult, error) {
	key := ""
	if op := OperationFrom(ctx); op != "" && s.journal != nil {
		key = op + "/" + step
	}

	if key != "" {
		result, done, err := s.resumePending(ctx, key)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}
	}

	start := time.Now()
	var result *SubmitResult
	attempt := func() error {
		opts := SubmitOptions{}
		if key != "" {
			opts.OnSigned = func(hash string, lastLedger uint32) error {
				return s.journal.RecordSubmission(ctx, key, PendingSubmission{Hash: hash, LastLedger: lastLedger, TxType: tx.Type})
			}
		}

		res, err := s.gateway.SubmitAndWait(ctx, tx, signer, opts)
		if err == nil {
			result = res
			return nil
		}

		var subErr *SubmissionError
		if !errors.As(err, &subErr) {
			// Never reached the network.
			s.logger.Warn().Err(err).Str("txType", string(tx.Type)).Str("step", step).Msg("Submission failed before reaching the ledger, retrying")
			return err
		}

		if subErr.Indeterminate {
			s.logger.Warn().Str("txHash", subErr.Hash).Str("step", step).Msg("Submission outcome indeterminate, resolving by hash")
			status, resolveErr := s.Resolve(ctx, subErr.Hash, subErr.LastLedger)
			if resolveErr != nil {
				return backoff.Permanent(resolveErr)
			}
			if status.Succeeded() {
				result = resultFromStatus(status)
				return nil
			}
			if status.Validated {
				return backoff.Permanent(NewRejected(status.Hash, status.Result, subErr.LastLedger))
			}
			subErr = NewRejected(subErr.Hash, CodeExpired, subErr.LastLedger)
		}

		if subErr.Retryable() {
			s.logger.Warn().Str("txHash", subErr.Hash).Str("code", subErr.Code).Str("step", step).Msg("Transaction not applied, resubmitting")
			return subErr
		}
		return backoff.Permanent(subErr)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.config.InitialInterval
	expBackoff.MaxInterval = s.config.MaxInterval
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, s.config.MaxAttempts-1), ctx)

	err := backoff.Retry(attempt, policy)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		s.metrics.Submission(string(tx.Type), outcomeLabel(err), elapsed)
		s.logger.Error().Err(err).Str("txType", string(tx.Type)).Str("account", tx.Account).Str("step", step).Msg("Transaction failed")
		return nil, err
	}

	s.metrics.Submission(string(tx.Type), "success", elapsed)
	s.logger.Debug().Str("txHash", result.Hash).Str("txType", string(tx.Type)).Uint32("ledger", result.LedgerIndex).Msg("Transaction validated")
	return result, nil
}

// Completed reports whether step of the operation carried by ctx already
// succeeded on the ledger, returning its result. Callers use it to skip
// pre-submission checks that the applied step itself has invalidated.
func (s *Submitter) Completed(ctx context.Context, step string) (*SubmitResult, bool, error) {
	op := OperationFrom(ctx)
	if op == "" || s.journal == nil {
		return nil, false, nil
	}
	pending, ok, err := s.journal.PendingSubmission(ctx, op+"/"+step)
	if err != nil || !ok {
		return nil, false, err
	}
	status, err := s.Resolve(ctx, pending.Hash, pending.LastLedger)
	if err != nil {
		return nil, false, err
	}
	if !status.Succeeded() {
		return nil, false, nil
	}
	return resultFromStatus(status), true, nil
}

// Resolve polls the status of a signed transaction until the ledger reports it
// validated or expired. If ctx ends first the outcome stays indeterminate.
func (s *Submitter) Resolve(ctx context.Context, hash string, lastLedger uint32) (*TxStatus, error) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := s.gateway.TransactionStatus(ctx, hash, lastLedger)
		switch {
		case err != nil:
			s.logger.Debug().Err(err).Str("txHash", hash).Msg("Status query failed, polling again")
		case status.Validated || status.Expired:
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, NewIndeterminate(hash, "", lastLedger, ctx.Err())
		case <-ticker.C:
		}
	}
}

// resumePending resolves a previously journaled submission for key. done is
// true when that submission already succeeded and its result is returned.
func (s *Submitter) resumePending(ctx context.Context, key string) (*SubmitResult, bool, error) {
	pending, ok, err := s.journal.PendingSubmission(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	status, err := s.Resolve(ctx, pending.Hash, pending.LastLedger)
	if err != nil {
		return nil, false, err
	}
	if status.Succeeded() {
		s.logger.Info().Str("key", key).Str("txHash", pending.Hash).Msg("Step already applied on the ledger, reusing result")
		return resultFromStatus(status), true, nil
	}

	s.logger.Info().Str("key", key).Str("txHash", pending.Hash).Str("result", status.Result).Bool("expired", status.Expired).
		Msg("Previous submission did not succeed, submitting again")
	return nil, false, nil
}

func resultFromStatus(status *TxStatus) *SubmitResult {
	return &SubmitResult{
		Hash:        status.Hash,
		Result:      status.Result,
		LedgerIndex: status.LedgerIndex,
		Delivered:   status.Delivered,
	}
}

func outcomeLabel(err error) string {
	switch {
	case IsIndeterminate(err):
		return "indeterminate"
	case IsRejected(err):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
