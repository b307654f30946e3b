package service

import (
	"github.com/wclausen/mimir/internal/domain"
)

// Identity errors
var (
	ErrCustomerNotFound = domain.Errorf(domain.ENOTFOUND, "", "Customer not found")
)

// Subscription errors. The cross-package sentinels in domain are wrapped
// so errors.Is works against either form.
var (
	ErrSubscriptionNotFound  = domain.WrapError(domain.ErrSubscriptionNotFound, domain.ENOTFOUND, "", "Subscription not found")
	ErrAlreadySubscribed     = domain.WrapError(domain.ErrAlreadySubscribed, domain.ECONFLICT, "", "User already has a paid subscription")
	ErrNoLiveSubscription    = domain.Errorf(domain.ENOTFOUND, "", "User has no live subscription")
	ErrIllegalTransition     = domain.Errorf(domain.EINVALID, "", "Subscription status transition not permitted")
	ErrUnknownProviderStatus = domain.Errorf(domain.EINVALID, "", "Unrecognized provider subscription status")
)

// Payment method errors
var (
	ErrPaymentMethodNotFound = domain.Errorf(domain.ENOTFOUND, "", "Payment method not found")
	ErrOwnershipViolation    = domain.WrapError(domain.ErrOwnershipViolation, domain.EFORBIDDEN, "", "Payment method belongs to a different customer")
)

// Webhook / event processing errors
var (
	ErrDuplicateEvent   = domain.WrapError(domain.ErrDuplicateEvent, domain.ECONFLICT, "", "Event already received")
	ErrMalformedPayload = domain.Errorf(domain.EINVALID, "", "Event payload is malformed")
	ErrMissingUserRef   = domain.Errorf(domain.EINVALID, "", "Event carries no user reference")
)

// Recovery errors
var (
	ErrNoProviderSubscription = domain.Errorf(domain.ENOTFOUND, "", "No provider subscription found for this user and price")
)
