package errors

import "errors"

// Client-caused errors: bad input, wrong state, wrong actor. Returned
// synchronously without side effects.
var (
	ErrDealNotFound           = errors.New("deal not found")
	ErrMilestoneNotFound      = errors.New("milestone not found")
	ErrDeliverableRequired    = errors.New("milestone has no deliverable to review")
	ErrForbidden              = errors.New("actor is not allowed to perform this action")
	ErrInvalidInput           = errors.New("deal input is invalid")
	ErrInvalidState           = errors.New("operation not allowed in current state")
	ErrMilestoneSumMismatch   = errors.New("milestone amounts must sum to deal total")
	ErrCreatorAlreadyAssigned = errors.New("deal already has an assigned creator")
	ErrIdempotencyKeyMissing  = errors.New("idempotency key is required")
	ErrIdempotencyConflict    = errors.New("idempotency key already used with different payload")
)

// Provider errors: external-system-caused. Internal state stays at the last
// confirmed-good state and the operation is retryable.
var (
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProvider            = errors.New("payment provider error")
	ErrInvalidCurrency     = errors.New("currency not supported by provider")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrPayerNotOnboarded   = errors.New("payer is not onboarded with provider")
	ErrPayeeNotOnboarded   = errors.New("payee is not onboarded with provider")
)

// Webhook errors.
var (
	ErrInvalidSignature     = errors.New("webhook signature verification failed")
	ErrUnsupportedEventType = errors.New("unsupported provider event type")
	ErrInvalidEnvelope      = errors.New("provider event envelope is invalid")
)
