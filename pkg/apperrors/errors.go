// Package apperrors is the sentinel-error taxonomy every exchange adapter
// and the lifecycle engine classify errors against. Adapters return these
// directly or wrap them with %w so callers can errors.Is without depending
// on any one exchange's wire format.
package apperrors

import "errors"

// Exchange/adapter errors, classified per the failure taxonomy of the
// Exchange Adapter contract. Each has one engine-level policy; see Kind
// and the lifecycle engine's transition table.
var (
	// ErrTransient covers network errors, 5xx responses, and anything the
	// caller should retry with backoff; the engine treats it as a no-op
	// for that order's tick.
	ErrTransient = errors.New("transient adapter error")

	// ErrRateLimited is ErrTransient's sibling when the exchange signals a
	// rate limit explicitly; callers that know a retry-after should
	// attach it with RateLimitedError.
	ErrRateLimited = errors.New("rate limited")

	// ErrAuthError means credentials are invalid or revoked; non-retryable,
	// and the engine cancels the order and pauses further work on the same
	// credentials until the user updates them.
	ErrAuthError = errors.New("authentication failed")

	// ErrFilterViolation means the requested quantity or price fails the
	// symbol's lot_step/tick_size/min_notional filters; non-retryable for
	// this call, but the engine may re-plan on fresh symbol metadata.
	ErrFilterViolation = errors.New("symbol filter violation")

	// ErrInsufficientBalance means the account lacks the funds to place
	// the order; non-retryable, the engine aborts the entry and restores
	// PENDING.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotFound is generally treated as success for cancellations (the
	// order is already gone) and as "missing" for everything else.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by the repository's AtomicTransition when
	// the expected status no longer matches the stored row; the caller
	// silently skips, another worker already holds the order.
	ErrConflict = errors.New("optimistic lock conflict")

	// ErrUnavailable covers spot_price/last_closed_candle failures where
	// the underlying data simply couldn't be fetched this tick.
	ErrUnavailable = errors.New("adapter data unavailable")
)

// RateLimitedError wraps ErrRateLimited with an optional retry-after hint.
type RateLimitedError struct {
	RetryAfterKnown bool
	RetryAfter      int64 // milliseconds, valid only if RetryAfterKnown
}

func (e *RateLimitedError) Error() string { return ErrRateLimited.Error() }

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// Kind classifies err against the adapter failure taxonomy, defaulting to
// ErrTransient for anything unrecognized so the engine's default policy
// (restore prior status, retry next tick) is always the safe fallback.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthError):
		return ErrAuthError
	case errors.Is(err, ErrFilterViolation):
		return ErrFilterViolation
	case errors.Is(err, ErrInsufficientBalance):
		return ErrInsufficientBalance
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrUnavailable):
		return ErrUnavailable
	default:
		return ErrTransient
	}
}

// IsTransient reports whether err is explicitly marked Transient,
// RateLimited or Unavailable — the predicate the lifecycle engine consults
// before restoring a PENDING order after a failed market buy.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// Legacy aliases kept for the adapters grounded directly on the teacher's
// exchange error parsing: exchange wire errors map onto the taxonomy above
// one for one; these names are what the teacher's HTTP response parsers
// already produce.
var (
	ErrInsufficientFunds     = ErrInsufficientBalance
	ErrOrderRejected         = ErrFilterViolation
	ErrRateLimitExceeded     = ErrRateLimited
	ErrNetwork               = ErrTransient
	ErrInvalidSymbol         = ErrFilterViolation
	ErrAuthenticationFailed  = ErrAuthError
	ErrExchangeMaintenance   = ErrTransient
	ErrOrderNotFound         = ErrNotFound
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = ErrFilterViolation
	ErrSystemOverload        = ErrTransient
	ErrTimestampOutOfBounds  = ErrTransient
)
