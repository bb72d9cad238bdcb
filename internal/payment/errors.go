package payment

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/feezero/payments/internal/coinbase"
)

// ErrIssuanceInFlight means another request for the same project/payer
// pair is still waiting on the provider. Callers may retry shortly.
var ErrIssuanceInFlight = errors.New("payment: charge issuance already in progress")

// ValidationError rejects a request outright. It is never retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IssuanceError wraps a provider failure during charge creation.
type IssuanceError struct {
	Err error
}

func (e *IssuanceError) Error() string { return "charge issuance failed: " + e.Err.Error() }

func (e *IssuanceError) Unwrap() error { return e.Err }

// IsRetryable reports whether the same request may succeed if resubmitted.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	if errors.Is(err, ErrIssuanceInFlight) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *coinbase.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsProviderError reports whether err came back from the payment provider.
func IsProviderError(err error) bool {
	var ierr *IssuanceError
	return errors.As(err, &ierr)
}

// Cause unwraps an IssuanceError to the provider error, if any.
func Cause(err error) error {
	var ierr *IssuanceError
	if errors.As(err, &ierr) {
		return ierr.Err
	}
	return err
}
