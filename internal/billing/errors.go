package billing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/stripe/stripe-go/v83"
)

var (
	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrCustomerNotFound is returned when a customer does not exist at the provider.
	ErrCustomerNotFound = errors.New("billing: customer not found")

	// ErrSubscriptionNotFound is returned when a subscription does not exist at the provider.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")

	// ErrPaymentMethodNotFound is returned when a payment method does not exist.
	ErrPaymentMethodNotFound = errors.New("billing: payment method not found")

	// ErrPaymentMethodDetached is returned when operating on an instrument the
	// provider reports as detached. Detached instruments cannot be reused.
	ErrPaymentMethodDetached = errors.New("billing: payment method is detached")
)

// ProviderError wraps a provider API error with a transient/permanent
// classification. The webhook processor retries transient failures with
// backoff and dead-letters permanent ones immediately.
type ProviderError struct {
	Message   string
	Code      string // provider error code (e.g., "card_declined")
	RequestID string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("billing: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("billing: %s", e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried with backoff.
// Network failures, rate limits and provider 5xx responses are transient;
// everything else (bad request, missing resource, auth) is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}

	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return stripeErrTransient(sErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

func stripeErrTransient(sErr *stripe.Error) bool {
	if sErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	if sErr.HTTPStatusCode >= 500 {
		return true
	}
	return sErr.Type == stripe.ErrorTypeAPI
}

// wrapStripeErr converts a Stripe SDK error into a classified ProviderError.
func wrapStripeErr(err error, op string) error {
	if err == nil {
		return nil
	}

	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return &ProviderError{
			Message:   fmt.Sprintf("%s: %s", op, sErr.Msg),
			Code:      string(sErr.Code),
			RequestID: sErr.RequestID,
			Transient: stripeErrTransient(sErr),
			Err:       err,
		}
	}

	// Non-API errors from the SDK are connectivity problems.
	return &ProviderError{
		Message:   fmt.Sprintf("%s: %v", op, err),
		Transient: true,
		Err:       err,
	}
}
