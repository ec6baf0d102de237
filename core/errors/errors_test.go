package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestRejectedErrorClassification(t *testing.T) {
	nonce := Reject(400, "Invalid transaction error: nonce already used")
	if !stderrors.Is(nonce, ErrNonceConflict) {
		t.Fatalf("expected nonce conflict, got %v", nonce)
	}
	if stderrors.Is(nonce, ErrFatalChainRejection) {
		t.Fatalf("nonce conflict must not be fatal")
	}
	if !IsRetryable(nonce) {
		t.Fatalf("nonce conflict should be retryable")
	}

	fatal := Reject(400, "transaction failed: insufficient balance")
	if !stderrors.Is(fatal, ErrFatalChainRejection) {
		t.Fatalf("expected fatal rejection, got %v", fatal)
	}
	if IsRetryable(fatal) {
		t.Fatalf("fatal rejection should not be retryable")
	}
}

func TestTransientWrapping(t *testing.T) {
	base := fmt.Errorf("dial tcp: connection refused")
	err := Transient(base)
	if !stderrors.Is(err, ErrTransientNetwork) || !stderrors.Is(err, base) {
		t.Fatalf("expected wrapped transient error, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("transient error should be retryable")
	}
	if Transient(nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}

func TestSigningFailureNotRetryable(t *testing.T) {
	err := fmt.Errorf("%w: key locked", ErrSigningFailure)
	if IsRetryable(err) {
		t.Fatalf("signing failure should not be retryable")
	}
	if got := Status(err); got != "rejected-fatal" {
		t.Fatalf("unexpected status %q", got)
	}
	if got := Status(nil); got != "confirmed" {
		t.Fatalf("unexpected status %q", got)
	}
}

func TestRejectedErrorAs(t *testing.T) {
	err := fmt.Errorf("submit: %w", Reject(422, "bad payload"))
	var rejected *RejectedError
	if !stderrors.As(err, &rejected) {
		t.Fatalf("expected RejectedError")
	}
	if rejected.Code != 422 {
		t.Fatalf("unexpected code %d", rejected.Code)
	}
}

func TestRevertedIsFatalAndMined(t *testing.T) {
	err := Reverted("transaction failed")
	if !stderrors.Is(err, ErrTransactionReverted) || !stderrors.Is(err, ErrFatalChainRejection) {
		t.Fatalf("expected reverted fatal rejection, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("reverted transaction should not be retryable")
	}
	if stderrors.Is(Reject(400, "insufficient balance"), ErrTransactionReverted) {
		t.Fatalf("send-time rejection must not read as reverted")
	}
	if stderrors.Is(Reverted("invalid transaction error: nonce already used"), ErrNonceConflict) {
		t.Fatalf("reverted transaction must not read as a nonce conflict")
	}
}
