// Package errors defines the failure taxonomy shared by the submission
// pipeline, the coordination loop and the roles.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

var (
	// ErrTransientNetwork marks failures that may succeed when retried after a delay.
	ErrTransientNetwork = stderrors.New("transient network error")
	// ErrNonceConflict marks a rejection caused by a stale or duplicated nonce.
	ErrNonceConflict = stderrors.New("nonce conflict")
	// ErrFatalChainRejection marks payloads the chain will never accept.
	ErrFatalChainRejection = stderrors.New("transaction rejected by chain")
	// ErrSchedulingInconsistency marks a due action whose bounty no longer exists.
	ErrSchedulingInconsistency = stderrors.New("scheduled action references settled state")
	// ErrSigningFailure marks a submission whose payload could not be signed.
	ErrSigningFailure = stderrors.New("signing failure")
	// ErrGatewayUnavailable marks a gateway that could not be reached.
	ErrGatewayUnavailable = stderrors.New("gateway unavailable")
	// ErrTransactionReverted marks a transaction that was mined with a failed
	// receipt. Its nonce is spent.
	ErrTransactionReverted = stderrors.New("transaction reverted")
)

// nonceMarkers are substrings the gateway uses when a transaction was
// rejected because its nonce was already used or is out of sequence.
var nonceMarkers = []string{
	"invalid transaction error",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
}

// RejectedError is returned when the gateway explicitly refused a
// transaction.
type RejectedError struct {
	Code   int
	Reason string
	// Mined is set when the chain included the transaction and it failed.
	Mined bool
}

func (e *RejectedError) Error() string {
	if e.Mined {
		return "transaction reverted: " + e.Reason
	}
	if e.Code != 0 {
		return fmt.Sprintf("gateway rejected transaction (%d): %s", e.Code, e.Reason)
	}
	return "gateway rejected transaction: " + e.Reason
}

// Is classifies the rejection as either a nonce conflict or a fatal rejection.
func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrNonceConflict:
		return e.NonceConflict()
	case ErrFatalChainRejection:
		return e.Mined || !e.NonceConflict()
	case ErrTransactionReverted:
		return e.Mined
	}
	return false
}

// NonceConflict reports whether the rejection reason points at nonce drift.
func (e *RejectedError) NonceConflict() bool {
	if e.Mined {
		return false
	}
	reason := strings.ToLower(e.Reason)
	for _, marker := range nonceMarkers {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}

// Reject builds a RejectedError.
func Reject(code int, reason string) error {
	return &RejectedError{Code: code, Reason: strings.TrimSpace(reason)}
}

// Reverted builds the RejectedError for a mined transaction whose receipt
// reports failure.
func Reverted(reason string) error {
	return &RejectedError{Reason: strings.TrimSpace(reason), Mined: true}
}

// Transient wraps err as a retryable network failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
}

// IsRetryable reports whether err should be retried with a fresh nonce.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrFatalChainRejection) || stderrors.Is(err, ErrSigningFailure) {
		return false
	}
	return stderrors.Is(err, ErrTransientNetwork) ||
		stderrors.Is(err, ErrNonceConflict) ||
		stderrors.Is(err, ErrGatewayUnavailable)
}

// Status maps err onto the terminal status label used by metrics and logs.
func Status(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case IsRetryable(err):
		return "rejected-retryable"
	default:
		return "rejected-fatal"
	}
}
