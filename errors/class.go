package errors

// internalCode is reported for errors that do not wrap a registered root.
const internalCode uint32 = 1

var validation = []*Error{
	ErrInvalidInput,
	ErrInvalidKey,
	ErrInvalidSignature,
	ErrStaleNonce,
	ErrCapitalViolation,
	ErrInsufficientBalance,
}

var retryable = []*Error{
	ErrRaceLost,
	ErrUnavailable,
	ErrDeliveryUncertain,
	ErrSettlementRejected,
	ErrTimeout,
}

// IsValidation returns true if the error is a validation failure. Those are
// always rejected locally and must not be retried automatically.
func IsValidation(err error) bool {
	return isAny(err, validation)
}

// IsRetryable returns true if the operation may succeed after the caller
// re-reads the canonical state from the Channel Store.
func IsRetryable(err error) bool {
	return isAny(err, retryable)
}

func isAny(err error, kinds []*Error) bool {
	if err == nil {
		return false
	}
	for _, k := range kinds {
		if k.Is(err) {
			return true
		}
	}
	return false
}

// Code returns the code of the root error wrapped by err. Zero is returned
// for nil and 1 for errors that do not wrap a registered root.
func Code(err error) uint32 {
	if err == nil {
		return 0
	}
	for {
		if e, ok := err.(*Error); ok {
			return e.code
		}
		if c, ok := err.(causer); ok {
			err = c.Cause()
		} else {
			return internalCode
		}
	}
}

// FromCode returns the root error registered with the given code. Unknown
// codes, including codes received from a misbehaving counterparty, map to
// ErrInvalidInput.
func FromCode(code uint32) *Error {
	if e, ok := registry[code]; ok && e != nil {
		return e
	}
	return ErrInvalidInput
}
