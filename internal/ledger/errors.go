package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for zero-tolerance error handling
var (
	ErrNotFound                = errors.New("ledger object not found")
	ErrClosed                  = errors.New("ledger client closed")
	ErrNotConnected            = errors.New("ledger client not connected")
	ErrRequestFailed           = errors.New("ledger request failed")
	ErrSubmissionRejected      = errors.New("transaction rejected by the ledger")
	ErrSubmissionIndeterminate = errors.New("transaction outcome indeterminate")
	ErrQuoteUnavailable        = errors.New("no swap path available")
)

// ResultClass groups engine result codes by what they imply for the transaction.
type ResultClass int

const (
	ClassUnknown   ResultClass = iota
	ClassSuccess               // tes: applied
	ClassClaimed               // tec: applied, only the fee was taken
	ClassMalformed             // tem: never valid
	ClassFailure               // tef: not applied
	ClassLocal                 // tel: rejected by the local node, not applied
	ClassRetry                 // ter: may still apply in a later ledger
)

// Classify maps an engine result code to its class.
func Classify(code string) ResultClass {
	switch {
	case strings.HasPrefix(code, "tes"):
		return ClassSuccess
	case strings.HasPrefix(code, "tec"):
		return ClassClaimed
	case strings.HasPrefix(code, "tem"):
		return ClassMalformed
	case strings.HasPrefix(code, "tef"):
		return ClassFailure
	case strings.HasPrefix(code, "tel"):
		return ClassLocal
	case strings.HasPrefix(code, "ter"):
		return ClassRetry
	default:
		return ClassUnknown
	}
}

// transientFailures are tef codes caused by submission timing rather than by the transaction itself.
var transientFailures = map[string]bool{
	"tefPAST_SEQ":   true,
	"tefMAX_LEDGER": true,
}

// CodeExpired marks a transaction that was never included before its LastLedgerSequence.
const CodeExpired = "expired"

// SubmissionError describes a submission that did not end in success.
type SubmissionError struct {
	Hash       string
	Code       string
	LastLedger uint32

	// Indeterminate is set when the ledger has not reported a final outcome.
	// The transaction may still be applied; it must be re-queried by hash
	// before anything is resubmitted.
	Indeterminate bool

	Err error
}

func (e *SubmissionError) Error() string {
	kind := ErrSubmissionRejected
	if e.Indeterminate {
		kind = ErrSubmissionIndeterminate
	}
	msg := fmt.Sprintf("%s (hash=%s code=%s)", kind, e.Hash, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() []error {
	kind := ErrSubmissionRejected
	if e.Indeterminate {
		kind = ErrSubmissionIndeterminate
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

// Applied reports whether the transaction was included in a validated ledger.
func (e *SubmissionError) Applied() bool {
	return !e.Indeterminate && Classify(e.Code) == ClassClaimed
}

// Retryable reports whether resubmitting a fresh transaction is safe and may succeed:
// the previous attempt provably never applied and the failure was not caused by its content.
func (e *SubmissionError) Retryable() bool {
	if e.Indeterminate {
		return false
	}
	if e.Code == CodeExpired {
		return true
	}
	switch Classify(e.Code) {
	case ClassLocal, ClassRetry:
		return true
	case ClassFailure:
		return transientFailures[e.Code]
	default:
		return false
	}
}

// IsIndeterminate reports whether err leaves a transaction's outcome unknown.
func IsIndeterminate(err error) bool {
	return errors.Is(err, ErrSubmissionIndeterminate)
}

// IsRejected reports whether err is a final rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrSubmissionRejected)
}

// NewRejected builds a final rejection.
func NewRejected(hash, code string, lastLedger uint32) *SubmissionError {
	return &SubmissionError{Hash: hash, Code: code, LastLedger: lastLedger}
}

// NewIndeterminate builds an error for a submission whose outcome is unknown.
func NewIndeterminate(hash, code string, lastLedger uint32, err error) *SubmissionError {
	return &SubmissionError{Hash: hash, Code: code, LastLedger: lastLedger, Indeterminate: true, Err: err}
}
